package models

import "time"

// DiscountSpec is the boundary payload for authoring a discount. It is the
// JSON-shaped form of the Discount variant, validated once at the boundary
// and converted into the tagged type rather than duck-typed downstream.
type DiscountSpec struct {
	Kind    string  `json:"kind"`  // "percentage" | "free_per_x"
	Scope   string  `json:"scope"` // "product" | "category" | "basket"
	Target  string  `json:"target,omitempty"`
	Percent float64 `json:"percent,omitempty"`

	Product string `json:"product,omitempty"`
	Free    int    `json:"free,omitempty"`
	Per     int    `json:"per,omitempty"`

	ExpiresAt string `json:"expires_at,omitempty"` // YYYY-MM-DD
}

// PolicySpec is the boundary payload for authoring a purchase policy.
type PolicySpec struct {
	Scope       string   `json:"scope"` // "basket" | "product" | "category"
	Target      string   `json:"target,omitempty"`
	MinQty      *int     `json:"min_qty,omitempty"`
	MaxQty      *int     `json:"max_qty,omitempty"`
	AllowedDays []string `json:"allowed_days,omitempty"` // weekday names
}

// ProductSpec is the boundary payload for adding or editing a product.
type ProductSpec struct {
	Name        string `json:"name"`
	Category    string `json:"category"`
	Brand       string `json:"brand"`
	PriceCents  int64  `json:"price_cents"`
	Quantity    int    `json:"quantity"`
	Description string `json:"description"`
}

// OpenStoreRequest opens a new store.
type OpenStoreRequest struct {
	Name string `json:"name"`
}

// CombineDiscountsRequest combines existing discounts under an operator.
type CombineDiscountsRequest struct {
	DiscountIDs []string `json:"discount_ids"`
	Operator    string   `json:"operator"` // "and" | "or" | "xor"
}

// CartLineRequest sets a cart line; quantity zero removes it.
type CartLineRequest struct {
	Product  string `json:"product"`
	Quantity int    `json:"quantity"`
}

// CheckoutRequest submits the whole cart for purchase.
type CheckoutRequest struct {
	Payment PaymentInfo `json:"payment"`
}

// NominateOwnerRequest opens an owner appointment.
type NominateOwnerRequest struct {
	Nominee string `json:"nominee"`
}

// VoteRequest records an owner's decision on an appointment.
type VoteRequest struct {
	Decision string `json:"decision"` // "approve" | "deny"
}

// ManagerRequest appoints or edits a manager.
type ManagerRequest struct {
	Manager     string   `json:"manager"`
	Permissions []string `json:"permissions,omitempty"`
}

// ParseDay parses a weekday name the policy boundary accepts.
func ParseDay(name string) (time.Weekday, bool) {
	days := map[string]time.Weekday{
		"sunday":    time.Sunday,
		"monday":    time.Monday,
		"tuesday":   time.Tuesday,
		"wednesday": time.Wednesday,
		"thursday":  time.Thursday,
		"friday":    time.Friday,
		"saturday":  time.Saturday,
	}
	d, ok := days[name]
	return d, ok
}
