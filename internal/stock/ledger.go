package stock

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"marketplace-api/internal/apperr"
)

// ProductKey identifies a tracked product. Quantity locking is keyed by this
// value so independent products' checkouts never block each other.
type ProductKey struct {
	StoreID uuid.UUID
	Product string
}

type tokenState int

const (
	tokenHeld tokenState = iota
	tokenCommitted
	tokenReleased
)

// Reservation is a temporary hold taken during an in-flight checkout. It lives
// exactly as long as the enclosing checkout: there is no expiry timer.
type Reservation struct {
	Token uuid.UUID
	Key   ProductKey
	Qty   int
	state tokenState
}

type entry struct {
	mu       sync.Mutex
	onHand   int
	reserved int
}

// Ledger tracks per-product on-hand quantities with atomic
// reserve/release/commit. Reserve decrements on-hand immediately; release
// restores it; commit only finalizes the token. The invariant held at all
// times: on-hand plus outstanding reservations equals the quantity at the
// last commit, and on-hand never goes negative.
type Ledger struct {
	mu      sync.RWMutex
	entries map[ProductKey]*entry

	tokMu  sync.Mutex
	tokens map[uuid.UUID]*Reservation

	// strict turns reservation contract violations (double release, release
	// after commit) into panics instead of Conflict errors.
	strict bool
	log    *logrus.Entry
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithStrictContracts makes double-release and release-after-commit fatal.
// Intended for tests and debug builds.
func WithStrictContracts() Option {
	return func(l *Ledger) { l.strict = true }
}

// NewLedger creates an empty ledger.
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		entries: make(map[ProductKey]*entry),
		tokens:  make(map[uuid.UUID]*Reservation),
		log:     logrus.WithField("component", "stock"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) get(key ProductKey) *entry {
	l.mu.RLock()
	e := l.entries[key]
	l.mu.RUnlock()
	return e
}

// Track registers a product with the given on-hand quantity, or resets the
// quantity of an already tracked product. Resetting fails with Conflict while
// the product has outstanding reservations, for the same reason Forget does:
// a later Release would otherwise restore units on top of the new quantity.
func (l *Ledger) Track(key ProductKey, qty int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[key]; ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.reserved > 0 {
			return apperr.Conflict(key.Product, "product has %d units under reservation", e.reserved)
		}
		e.onHand = qty
		return nil
	}
	l.entries[key] = &entry{onHand: qty}
	return nil
}

// Forget stops tracking a product. It fails with Conflict while the product
// still has outstanding reservations, which is what makes remove_product safe
// against in-flight checkouts.
func (l *Ledger) Forget(key ProductKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return apperr.NotFound(key.Product, "product not tracked")
	}
	e.mu.Lock()
	reserved := e.reserved
	e.mu.Unlock()
	if reserved > 0 {
		return apperr.Conflict(key.Product, "product has %d units under reservation", reserved)
	}
	delete(l.entries, key)
	return nil
}

// OnHand returns the currently available quantity.
func (l *Ledger) OnHand(key ProductKey) (int, bool) {
	e := l.get(key)
	if e == nil {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.onHand, true
}

// Outstanding returns the total quantity held by live reservations.
func (l *Ledger) Outstanding(key ProductKey) int {
	e := l.get(key)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reserved
}

// Reserve atomically takes qty units off the product's on-hand quantity and
// returns a token. Contention is first-reserver-wins: the call never blocks
// waiting for stock, it fails immediately with InsufficientStock.
func (l *Ledger) Reserve(key ProductKey, qty int) (uuid.UUID, error) {
	if qty <= 0 {
		return uuid.Nil, apperr.Validation(key.Product, "reserve quantity must be positive, got %d", qty)
	}
	e := l.get(key)
	if e == nil {
		return uuid.Nil, apperr.NotFound(key.Product, "product not tracked")
	}

	e.mu.Lock()
	if e.onHand < qty {
		available := e.onHand
		e.mu.Unlock()
		return uuid.Nil, apperr.InsufficientStock(key.Product, "requested %d, %d available", qty, available)
	}
	e.onHand -= qty
	e.reserved += qty
	e.mu.Unlock()

	res := &Reservation{Token: uuid.New(), Key: key, Qty: qty}
	l.tokMu.Lock()
	l.tokens[res.Token] = res
	l.tokMu.Unlock()
	return res.Token, nil
}

// Release returns a reservation's quantity to on-hand stock. Used on every
// checkout failure path.
func (l *Ledger) Release(token uuid.UUID) error {
	res, err := l.takeToken(token, tokenReleased)
	if err != nil {
		return err
	}
	if e := l.get(res.Key); e != nil {
		e.mu.Lock()
		e.onHand += res.Qty
		e.reserved -= res.Qty
		e.mu.Unlock()
	}
	return nil
}

// Commit finalizes a reservation. The quantity decrement already happened at
// Reserve time, so commit only retires the token so it cannot be released.
func (l *Ledger) Commit(token uuid.UUID) error {
	res, err := l.takeToken(token, tokenCommitted)
	if err != nil {
		return err
	}
	if e := l.get(res.Key); e != nil {
		e.mu.Lock()
		e.reserved -= res.Qty
		e.mu.Unlock()
	}
	return nil
}

// takeToken moves a held token to a terminal state. A token that is already
// terminal is a programming-contract violation.
func (l *Ledger) takeToken(token uuid.UUID, next tokenState) (*Reservation, error) {
	l.tokMu.Lock()
	defer l.tokMu.Unlock()
	res, ok := l.tokens[token]
	if !ok {
		return nil, apperr.NotFound(token.String(), "unknown reservation token")
	}
	if res.state != tokenHeld {
		err := apperr.Conflict(token.String(), "reservation already %s", stateName(res.state))
		if l.strict {
			l.log.WithField("token", token).Panic(err.Error())
		}
		l.log.WithField("token", token).Error(err.Error())
		return nil, err
	}
	res.state = next
	return res, nil
}

func stateName(s tokenState) string {
	switch s {
	case tokenCommitted:
		return "committed"
	case tokenReleased:
		return "released"
	default:
		return "held"
	}
}
