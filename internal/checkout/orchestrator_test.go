package checkout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-api/internal/apperr"
	"marketplace-api/internal/models"
	"marketplace-api/internal/registry"
	"marketplace-api/internal/stock"
)

const goodCard = "4111111111111111"

// A Tuesday.
var tuesday = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type memPersistence struct {
	mu        sync.Mutex
	purchases []models.Purchase
	failNext  bool
}

func (m *memPersistence) SavePurchases(batch []*models.Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return assert.AnError
	}
	for _, p := range batch {
		m.purchases = append(m.purchases, *p)
	}
	return nil
}

func (m *memPersistence) SaveProduct(*models.Product) error { return nil }

func (m *memPersistence) saved() []models.Purchase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Purchase(nil), m.purchases...)
}

type fixture struct {
	reg    *registry.Registry
	ledger *stock.Ledger
	db     *memPersistence
	orch   *Orchestrator
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		reg:    registry.NewRegistry(),
		ledger: stock.NewLedger(),
		db:     &memPersistence{},
	}
	f.orch = NewOrchestrator(f.reg, f.ledger, NewCardValidator("4000000000000002"), f.db).
		WithClock(func() time.Time { return tuesday })
	return f
}

func (f *fixture) addStore(t *testing.T, products ...*models.Product) uuid.UUID {
	t.Helper()
	store := &models.Store{
		ID:        uuid.New(),
		Name:      "store",
		State:     models.StoreOpen,
		Owners:    map[string]models.OwnerRole{"owner": models.RoleInitialOwner},
		Managers:  map[string]models.Permission{},
		Inventory: make(map[string]*models.Product),
		Discounts: make(map[uuid.UUID]*models.Discount),
		Policies:  make(map[uuid.UUID]*models.Policy),
	}
	for _, p := range products {
		p.ID = uuid.New()
		p.StoreID = store.ID
		store.Inventory[p.Name] = p
		require.NoError(t, f.ledger.Track(stock.ProductKey{StoreID: store.ID, Product: p.Name}, p.Quantity))
	}
	f.reg.AddStore(store)
	return store.ID
}

func TestCheckoutCommits(t *testing.T) {
	f := setup(t)
	storeID := f.addStore(t, &models.Product{Name: "soap", Category: "bath", PriceCents: 250, Quantity: 10})
	require.NoError(t, f.reg.SetCartLine("u1", storeID, "soap", 2))

	receipt, err := f.orch.Checkout(context.Background(), "u1", models.PaymentInfo{CardNumber: goodCard})
	require.NoError(t, err)

	assert.Equal(t, int64(500), receipt.TotalCents)
	require.Len(t, receipt.Purchases, 1)
	assert.Equal(t, "u1", receipt.Purchases[0].UserID)

	onHand, _ := f.ledger.OnHand(stock.ProductKey{StoreID: storeID, Product: "soap"})
	assert.Equal(t, 8, onHand)
	assert.Empty(t, f.reg.CartSnapshot("u1"))
	assert.Len(t, f.db.saved(), 1)
}

func TestCheckoutAppliesDiscounts(t *testing.T) {
	f := setup(t)
	storeID := f.addStore(t, &models.Product{Name: "candle", Category: "decor", PriceCents: 100, Quantity: 20})
	rule := &models.Discount{ID: uuid.New(), Kind: models.DiscountFreePerX, Product: "candle", Free: 1, Per: 3}
	require.NoError(t, f.reg.Update(storeID, func(s *models.Store) error {
		s.Discounts[rule.ID] = rule
		return nil
	}))
	require.NoError(t, f.reg.SetCartLine("u1", storeID, "candle", 4))

	receipt, err := f.orch.Checkout(context.Background(), "u1", models.PaymentInfo{CardNumber: goodCard})
	require.NoError(t, err)

	// Buy 4, pay for 3.
	assert.Equal(t, int64(300), receipt.TotalCents)
	assert.Equal(t, int64(100), receipt.Purchases[0].DiscountCents)
}

func TestCheckoutEmptyCart(t *testing.T) {
	f := setup(t)
	_, err := f.orch.Checkout(context.Background(), "u1", models.PaymentInfo{CardNumber: goodCard})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestPolicyFailureLeavesNoReservation(t *testing.T) {
	f := setup(t)
	minTwo := 2
	storeID := f.addStore(t, &models.Product{Name: "soap", Category: "bath", PriceCents: 250, Quantity: 10})
	pol := &models.Policy{ID: uuid.New(), Scope: models.PolicyBasket, MinQty: &minTwo}
	require.NoError(t, f.reg.Update(storeID, func(s *models.Store) error {
		s.Policies[pol.ID] = pol
		return nil
	}))
	require.NoError(t, f.reg.SetCartLine("u1", storeID, "soap", 1))

	_, err := f.orch.Checkout(context.Background(), "u1", models.PaymentInfo{CardNumber: goodCard})
	require.Error(t, err)
	assert.Equal(t, apperr.KindPolicyViolation, apperr.KindOf(err))

	key := stock.ProductKey{StoreID: storeID, Product: "soap"}
	onHand, _ := f.ledger.OnHand(key)
	assert.Equal(t, 10, onHand)
	assert.Equal(t, 0, f.ledger.Outstanding(key))

	// Same cart at quantity two clears the policy.
	require.NoError(t, f.reg.SetCartLine("u1", storeID, "soap", 2))
	_, err = f.orch.Checkout(context.Background(), "u1", models.PaymentInfo{CardNumber: goodCard})
	assert.NoError(t, err)
}

// A reservation failure in a later basket must release reservations already
// taken for earlier baskets.
func TestReservationFailureRollsBackAllBaskets(t *testing.T) {
	f := setup(t)
	storeA := f.addStore(t, &models.Product{Name: "soap", Category: "bath", PriceCents: 250, Quantity: 10})
	storeB := f.addStore(t, &models.Product{Name: "towel", Category: "bath", PriceCents: 900, Quantity: 1})
	require.NoError(t, f.reg.SetCartLine("u1", storeA, "soap", 2))
	require.NoError(t, f.reg.SetCartLine("u1", storeB, "towel", 5))

	_, err := f.orch.Checkout(context.Background(), "u1", models.PaymentInfo{CardNumber: goodCard})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInsufficientStock, apperr.KindOf(err))
	assert.Equal(t, "towel", err.(*apperr.Error).Resource)

	onHandA, _ := f.ledger.OnHand(stock.ProductKey{StoreID: storeA, Product: "soap"})
	onHandB, _ := f.ledger.OnHand(stock.ProductKey{StoreID: storeB, Product: "towel"})
	assert.Equal(t, 10, onHandA)
	assert.Equal(t, 1, onHandB)

	// Cart untouched for retry.
	assert.Len(t, f.reg.CartSnapshot("u1"), 2)
	assert.Empty(t, f.db.saved())
}

func TestPaymentDeclinedReleasesReservations(t *testing.T) {
	f := setup(t)
	storeID := f.addStore(t, &models.Product{Name: "soap", Category: "bath", PriceCents: 250, Quantity: 10})
	require.NoError(t, f.reg.SetCartLine("u1", storeID, "soap", 2))

	_, err := f.orch.Checkout(context.Background(), "u1", models.PaymentInfo{CardNumber: "1234"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindPaymentDeclined, apperr.KindOf(err))

	onHand, _ := f.ledger.OnHand(stock.ProductKey{StoreID: storeID, Product: "soap"})
	assert.Equal(t, 10, onHand)
	assert.Len(t, f.reg.CartSnapshot("u1"), 1)
}

func TestBlacklistedCardDeclined(t *testing.T) {
	f := setup(t)
	storeID := f.addStore(t, &models.Product{Name: "soap", Category: "bath", PriceCents: 250, Quantity: 10})
	require.NoError(t, f.reg.SetCartLine("u1", storeID, "soap", 1))

	_, err := f.orch.Checkout(context.Background(), "u1", models.PaymentInfo{CardNumber: "4000 0000 0000 0002"})
	assert.Equal(t, apperr.KindPaymentDeclined, apperr.KindOf(err))
}

func TestClosedStoreRejected(t *testing.T) {
	f := setup(t)
	storeID := f.addStore(t, &models.Product{Name: "soap", Category: "bath", PriceCents: 250, Quantity: 10})
	require.NoError(t, f.reg.SetCartLine("u1", storeID, "soap", 1))
	require.NoError(t, f.reg.Update(storeID, func(s *models.Store) error {
		s.State = models.StoreClosed
		return nil
	}))

	_, err := f.orch.Checkout(context.Background(), "u1", models.PaymentInfo{CardNumber: goodCard})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestPersistenceFailureReleasesReservations(t *testing.T) {
	f := setup(t)
	storeID := f.addStore(t, &models.Product{Name: "soap", Category: "bath", PriceCents: 250, Quantity: 10})
	require.NoError(t, f.reg.SetCartLine("u1", storeID, "soap", 2))
	f.db.failNext = true

	_, err := f.orch.Checkout(context.Background(), "u1", models.PaymentInfo{CardNumber: goodCard})
	require.Error(t, err)

	key := stock.ProductKey{StoreID: storeID, Product: "soap"}
	onHand, _ := f.ledger.OnHand(key)
	assert.Equal(t, 10, onHand)
	assert.Equal(t, 0, f.ledger.Outstanding(key))
}

// A persistence failure in a multi-store checkout must not leave any basket's
// purchase record behind, and the cart stays intact for retry.
func TestPersistenceFailureRecordsNoPurchases(t *testing.T) {
	f := setup(t)
	storeA := f.addStore(t, &models.Product{Name: "soap", Category: "bath", PriceCents: 250, Quantity: 10})
	storeB := f.addStore(t, &models.Product{Name: "towel", Category: "bath", PriceCents: 900, Quantity: 5})
	require.NoError(t, f.reg.SetCartLine("u1", storeA, "soap", 2))
	require.NoError(t, f.reg.SetCartLine("u1", storeB, "towel", 1))
	f.db.failNext = true

	_, err := f.orch.Checkout(context.Background(), "u1", models.PaymentInfo{CardNumber: goodCard})
	require.Error(t, err)

	assert.Empty(t, f.db.saved())
	assert.Len(t, f.reg.CartSnapshot("u1"), 2)

	// The retry records exactly one purchase per basket.
	receipt, err := f.orch.Checkout(context.Background(), "u1", models.PaymentInfo{CardNumber: goodCard})
	require.NoError(t, err)
	assert.Len(t, receipt.Purchases, 2)
	assert.Len(t, f.db.saved(), 2)
}

// Two shoppers race for stock that can satisfy only one of them: exactly one
// checkout commits, the other reports insufficient stock, and no oversell
// happens.
func TestConcurrentCheckoutsNoOversell(t *testing.T) {
	f := setup(t)
	storeID := f.addStore(t, &models.Product{Name: "soap", Category: "bath", PriceCents: 250, Quantity: 10})
	require.NoError(t, f.reg.SetCartLine("u1", storeID, "soap", 7))
	require.NoError(t, f.reg.SetCartLine("u2", storeID, "soap", 7))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, user := range []string{"u1", "u2"} {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			_, errs[i] = f.orch.Checkout(context.Background(), user, models.PaymentInfo{CardNumber: goodCard})
		}(i, user)
	}
	wg.Wait()

	var committed, failed int
	for _, err := range errs {
		if err == nil {
			committed++
		} else {
			assert.Equal(t, apperr.KindInsufficientStock, apperr.KindOf(err))
			failed++
		}
	}
	assert.Equal(t, 1, committed)
	assert.Equal(t, 1, failed)

	onHand, _ := f.ledger.OnHand(stock.ProductKey{StoreID: storeID, Product: "soap"})
	assert.Equal(t, 3, onHand)
	assert.Len(t, f.db.saved(), 1)
}
