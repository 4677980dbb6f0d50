package registry

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"marketplace-api/internal/apperr"
	"marketplace-api/internal/models"
)

// Registry owns the in-memory authoritative state: stores (with their
// inventories, discount and policy sets, owners and managers) and shopper
// carts. All cross-references are id lookups, never live object references.
//
// Each store carries its own reader-writer lock: policy and discount
// evaluation only needs a consistent snapshot, while the rare configuration
// writes take the write side.
type Registry struct {
	mu     sync.RWMutex
	stores map[uuid.UUID]*storeRecord

	cartMu sync.Mutex
	carts  map[string]*models.Cart
}

type storeRecord struct {
	mu    sync.RWMutex
	store *models.Store
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		stores: make(map[uuid.UUID]*storeRecord),
		carts:  make(map[string]*models.Cart),
	}
}

// AddStore registers a store record. Used both for open_store and for
// reloading persisted stores on process start.
func (r *Registry) AddStore(store *models.Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[store.ID] = &storeRecord{store: store}
}

func (r *Registry) record(storeID uuid.UUID) (*storeRecord, error) {
	r.mu.RLock()
	rec, ok := r.stores[storeID]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound(storeID.String(), "store not found")
	}
	return rec, nil
}

// View runs fn with the store under its read lock.
func (r *Registry) View(storeID uuid.UUID, fn func(*models.Store) error) error {
	rec, err := r.record(storeID)
	if err != nil {
		return err
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return fn(rec.store)
}

// Update runs fn with the store under its write lock.
func (r *Registry) Update(storeID uuid.UUID, fn func(*models.Store) error) error {
	rec, err := r.record(storeID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return fn(rec.store)
}

// Snapshot returns copies of the store's inventory, discount and policy sets,
// taken atomically under the store's read lock. The engines evaluate against
// these copies so concurrent configuration writes cannot tear a checkout.
func (r *Registry) Snapshot(storeID uuid.UUID) (inventory map[string]*models.Product, discounts map[uuid.UUID]*models.Discount, policies map[uuid.UUID]*models.Policy, state models.StoreState, err error) {
	rec, err := r.record(storeID)
	if err != nil {
		return nil, nil, nil, models.StoreClosed, err
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()

	inventory = make(map[string]*models.Product, len(rec.store.Inventory))
	for name, p := range rec.store.Inventory {
		clone := *p
		inventory[name] = &clone
	}
	discounts = make(map[uuid.UUID]*models.Discount, len(rec.store.Discounts))
	for id, d := range rec.store.Discounts {
		clone := *d
		discounts[id] = &clone
	}
	policies = make(map[uuid.UUID]*models.Policy, len(rec.store.Policies))
	for id, p := range rec.store.Policies {
		clone := *p
		policies[id] = &clone
	}
	return inventory, discounts, policies, rec.store.State, nil
}

// StoreIDs returns every registered store id in sorted order.
func (r *Registry) StoreIDs() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(r.stores))
	for id := range r.stores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return strings.Compare(ids[i].String(), ids[j].String()) < 0
	})
	return ids
}

// Cart returns the shopper's cart, creating it on first use.
func (r *Registry) Cart(userID string) *models.Cart {
	r.cartMu.Lock()
	defer r.cartMu.Unlock()
	cart, ok := r.carts[userID]
	if !ok {
		cart = &models.Cart{UserID: userID, Baskets: make(map[uuid.UUID]*models.Basket)}
		r.carts[userID] = cart
	}
	return cart
}

// SetCartLine sets the requested quantity of a product in the shopper's
// basket for a store. Quantity zero removes the line; an emptied basket is
// dropped from the cart.
func (r *Registry) SetCartLine(userID string, storeID uuid.UUID, product string, qty int) error {
	if qty < 0 {
		return apperr.Validation(product, "quantity must not be negative, got %d", qty)
	}
	r.cartMu.Lock()
	defer r.cartMu.Unlock()

	cart, ok := r.carts[userID]
	if !ok {
		cart = &models.Cart{UserID: userID, Baskets: make(map[uuid.UUID]*models.Basket)}
		r.carts[userID] = cart
	}
	basket, ok := cart.Baskets[storeID]
	if !ok {
		if qty == 0 {
			return apperr.NotFound(product, "no such line in cart")
		}
		basket = &models.Basket{StoreID: storeID, Lines: make(map[string]int)}
		cart.Baskets[storeID] = basket
	}
	if qty == 0 {
		if _, present := basket.Lines[product]; !present {
			return apperr.NotFound(product, "no such line in cart")
		}
		delete(basket.Lines, product)
		if len(basket.Lines) == 0 {
			delete(cart.Baskets, storeID)
		}
		return nil
	}
	basket.Lines[product] = qty
	return nil
}

// CartSnapshot returns deep copies of the shopper's baskets, ordered by
// store id so multi-basket checkout work is deterministic.
func (r *Registry) CartSnapshot(userID string) []models.Basket {
	r.cartMu.Lock()
	defer r.cartMu.Unlock()

	cart, ok := r.carts[userID]
	if !ok {
		return nil
	}
	baskets := make([]models.Basket, 0, len(cart.Baskets))
	for _, b := range cart.Baskets {
		baskets = append(baskets, b.Copy())
	}
	sort.Slice(baskets, func(i, j int) bool {
		return strings.Compare(baskets[i].StoreID.String(), baskets[j].StoreID.String()) < 0
	})
	return baskets
}

// ClearBaskets removes the given stores' baskets from the shopper's cart,
// called after those baskets were turned into purchases.
func (r *Registry) ClearBaskets(userID string, storeIDs []uuid.UUID) {
	r.cartMu.Lock()
	defer r.cartMu.Unlock()
	cart, ok := r.carts[userID]
	if !ok {
		return
	}
	for _, id := range storeIDs {
		delete(cart.Baskets, id)
	}
}

// SearchFilter selects products across open stores.
type SearchFilter struct {
	Name     string
	Category string
	MinPrice int64
	MaxPrice int64 // zero means unbounded
}

// Search scans open stores for products matching the filter. This is a plain
// filter over the registry, not an index.
func (r *Registry) Search(filter SearchFilter) []models.Product {
	var out []models.Product
	for _, id := range r.StoreIDs() {
		_ = r.View(id, func(store *models.Store) error {
			if store.State != models.StoreOpen {
				return nil
			}
			for _, p := range store.Inventory {
				if filter.Name != "" && !strings.Contains(strings.ToLower(p.Name), strings.ToLower(filter.Name)) {
					continue
				}
				if filter.Category != "" && p.Category != filter.Category {
					continue
				}
				if p.PriceCents < filter.MinPrice {
					continue
				}
				if filter.MaxPrice > 0 && p.PriceCents > filter.MaxPrice {
					continue
				}
				out = append(out, *p)
			}
			return nil
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return strings.Compare(out[i].StoreID.String(), out[j].StoreID.String()) < 0
	})
	return out
}
