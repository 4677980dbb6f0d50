package models

import (
	"time"

	"github.com/google/uuid"
)

// StoreState is the lifecycle state of a store.
type StoreState int

const (
	StoreOpen StoreState = iota
	StoreClosed
)

func (s StoreState) String() string {
	if s == StoreClosed {
		return "closed"
	}
	return "open"
}

// OwnerRole distinguishes the founding owner from owners appointed later.
type OwnerRole int

const (
	RoleInitialOwner OwnerRole = iota
	RoleAppointedOwner
)

// Permission is the bitset granted to store managers. Owners implicitly hold
// PermAll.
type Permission uint8

const (
	PermManageInventory Permission = 1 << iota
	PermManageDiscounts
	PermManagePolicies
	PermAppointManagers
	PermWatchHistory
	PermCloseStore

	PermAll Permission = PermManageInventory | PermManageDiscounts |
		PermManagePolicies | PermAppointManagers | PermWatchHistory | PermCloseStore
	// DefaultManagerPermissions is what a freshly appointed manager can do
	// until an owner widens the grant.
	DefaultManagerPermissions = PermWatchHistory
)

// Has reports whether p includes every bit of want.
func (p Permission) Has(want Permission) bool { return p&want == want }

// Product belongs to exactly one store; Name is unique within that store.
type Product struct {
	ID          uuid.UUID `json:"id"`
	StoreID     uuid.UUID `json:"store_id"`
	Name        string    `json:"name"`
	Category    string    `json:"category"`
	Brand       string    `json:"brand"`
	PriceCents  int64     `json:"price_cents"`
	Quantity    int       `json:"quantity"`
	Description string    `json:"description"`
}

// Store is the authoritative in-memory record for one store. Owners maps
// user id to role; Managers maps user id to a permission bitset. Inventory,
// Discounts and Policies are keyed for id lookups rather than held as live
// cross-references.
type Store struct {
	ID          uuid.UUID               `json:"id"`
	Name        string                  `json:"name"`
	State       StoreState              `json:"state"`
	Owners      map[string]OwnerRole    `json:"owners"`
	Managers    map[string]Permission   `json:"managers"`
	Inventory   map[string]*Product     `json:"inventory"`
	Discounts   map[uuid.UUID]*Discount `json:"discounts"`
	Policies    map[uuid.UUID]*Policy   `json:"policies"`
	AppointedBy map[string]string       `json:"appointed_by"` // member -> appointing owner
}

// DiscountKind tags the discount variant.
type DiscountKind int

const (
	DiscountPercentage DiscountKind = iota
	DiscountFreePerX
	DiscountComposite
)

// DiscountScope is where a percentage discount applies.
type DiscountScope int

const (
	ScopeProduct DiscountScope = iota
	ScopeCategory
	ScopeBasket
)

// CombineOp joins the children of a composite discount.
type CombineOp int

const (
	OpAnd CombineOp = iota
	OpOr
	OpXor
)

func (op CombineOp) String() string {
	switch op {
	case OpAnd:
		return "and"
	case OpOr:
		return "or"
	default:
		return "xor"
	}
}

// Discount is a tagged variant: exactly one of the kind-specific field groups
// is meaningful, decided by Kind. Composite discounts reference children by id.
type Discount struct {
	ID   uuid.UUID    `json:"id"`
	Kind DiscountKind `json:"kind"`

	// Percentage fields.
	Scope   DiscountScope `json:"scope,omitempty"`
	Target  string        `json:"target,omitempty"` // product or category name
	Percent float64       `json:"percent,omitempty"`

	// FreePerX fields: floor(qty/Per)*Free units of Product are free.
	Product string `json:"product,omitempty"`
	Free    int    `json:"free,omitempty"`
	Per     int    `json:"per,omitempty"`

	// ExpiresAt is a calendar date; the rule lapses strictly after that day.
	// Zero means the rule never expires.
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// Composite fields.
	Op       CombineOp   `json:"op,omitempty"`
	Children []uuid.UUID `json:"children,omitempty"`
}

// Expired reports whether the rule has lapsed at the given time. Expiry is
// calendar-day granular: the rule still applies on the expiry date itself.
func (d *Discount) Expired(now time.Time) bool {
	if d.ExpiresAt.IsZero() {
		return false
	}
	ey, em, ed := d.ExpiresAt.Date()
	ny, nm, nd := now.Date()
	expiry := time.Date(ey, em, ed, 0, 0, 0, 0, time.UTC)
	day := time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC)
	return day.After(expiry)
}

// PolicyScope is what a purchase policy constrains.
type PolicyScope int

const (
	PolicyBasket PolicyScope = iota
	PolicyProduct
	PolicyCategory
)

// Policy constrains purchasable quantities and days. A nil bound is unbounded
// on that side; an empty AllowedDays set means any day. A policy with neither
// bounds nor days is vacuous and always passes.
type Policy struct {
	ID          uuid.UUID      `json:"id"`
	Scope       PolicyScope    `json:"scope"`
	Target      string         `json:"target,omitempty"` // product or category name
	MinQty      *int           `json:"min_qty,omitempty"`
	MaxQty      *int           `json:"max_qty,omitempty"`
	AllowedDays []time.Weekday `json:"allowed_days,omitempty"`
}

// Basket is a shopper's requested lines for one store: product name -> qty.
type Basket struct {
	StoreID uuid.UUID      `json:"store_id"`
	Lines   map[string]int `json:"lines"`
}

// Copy returns a deep copy the engines can evaluate without aliasing the cart.
func (b Basket) Copy() Basket {
	lines := make(map[string]int, len(b.Lines))
	for name, qty := range b.Lines {
		lines[name] = qty
	}
	return Basket{StoreID: b.StoreID, Lines: lines}
}

// TotalUnits is the item count across all lines.
func (b Basket) TotalUnits() int {
	total := 0
	for _, qty := range b.Lines {
		total += qty
	}
	return total
}

// Cart is the set of a shopper's active baskets across stores.
type Cart struct {
	UserID  string                `json:"user_id"`
	Baskets map[uuid.UUID]*Basket `json:"baskets"`
}

// PricedLine is one basket line after discount evaluation.
type PricedLine struct {
	Product        string `json:"product"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	SubtotalCents  int64  `json:"subtotal_cents"`
	DiscountCents  int64  `json:"discount_cents"`
	TotalCents     int64  `json:"total_cents"`
}

// PricedBasket is the discount engine's output for one basket.
type PricedBasket struct {
	StoreID       uuid.UUID    `json:"store_id"`
	Lines         []PricedLine `json:"lines"`
	SubtotalCents int64        `json:"subtotal_cents"`
	DiscountCents int64        `json:"discount_cents"`
	TotalCents    int64        `json:"total_cents"`
}

// Vote is one owner's position on a pending appointment.
type Vote int

const (
	VotePending Vote = iota
	VoteApprove
	VoteDeny
)

// AppointmentState is the appointment protocol state.
type AppointmentState int

const (
	AppointmentPending AppointmentState = iota
	AppointmentCommitted
	AppointmentDenied
)

func (s AppointmentState) String() string {
	switch s {
	case AppointmentCommitted:
		return "committed"
	case AppointmentDenied:
		return "denied"
	default:
		return "pending"
	}
}

// Appointment tracks a nomination of a new store owner. Votes is seeded from
// the store's owner set at nomination time, excluding the nominee. Once the
// state is terminal the record is immutable.
type Appointment struct {
	ID        uuid.UUID        `json:"id"`
	StoreID   uuid.UUID        `json:"store_id"`
	Nominator string           `json:"nominator"`
	Nominee   string           `json:"nominee"`
	Votes     map[string]Vote  `json:"votes"`
	State     AppointmentState `json:"state"`
	CreatedAt time.Time        `json:"created_at"`
	DecidedAt time.Time        `json:"decided_at,omitempty"`
}

// Purchase is the immutable record of one store-basket of a successful
// checkout; the append-only ledger of truth for history queries.
type Purchase struct {
	ID            uuid.UUID    `json:"id"`
	UserID        string       `json:"user_id"`
	StoreID       uuid.UUID    `json:"store_id"`
	Lines         []PricedLine `json:"lines"`
	SubtotalCents int64        `json:"subtotal_cents"`
	DiscountCents int64        `json:"discount_cents"`
	TotalCents    int64        `json:"total_cents"`
	PaymentRef    string       `json:"payment_ref"`
	CreatedAt     time.Time    `json:"created_at"`
}

// PaymentInfo is the pass/fail credit-card contract surface.
type PaymentInfo struct {
	CardNumber string `json:"card_number"`
	Holder     string `json:"holder"`
}

// Receipt is the result of a successful checkout.
type Receipt struct {
	Purchases  []Purchase `json:"purchases"`
	TotalCents int64      `json:"total_cents"`
	PaymentRef string     `json:"payment_ref"`
}

// ErrorResponse is the API error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
