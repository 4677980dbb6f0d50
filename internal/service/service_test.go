package service

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-api/internal/apperr"
	"marketplace-api/internal/appoint"
	"marketplace-api/internal/checkout"
	"marketplace-api/internal/features"
	"marketplace-api/internal/models"
	"marketplace-api/internal/registry"
	"marketplace-api/internal/stock"
)

// memDB satisfies both the service and the checkout persistence surfaces.
type memDB struct {
	mu            sync.Mutex
	purchases     []models.Purchase
	failSaveStore error
}

func (m *memDB) SaveStore(*models.Store) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failSaveStore
}

func (m *memDB) SaveProduct(*models.Product) error              { return nil }
func (m *memDB) DeleteProduct(uuid.UUID) error                  { return nil }
func (m *memDB) SaveDiscount(uuid.UUID, *models.Discount) error { return nil }
func (m *memDB) DeleteDiscount(uuid.UUID) error                 { return nil }
func (m *memDB) SavePolicy(uuid.UUID, *models.Policy) error     { return nil }
func (m *memDB) DeletePolicy(uuid.UUID) error                   { return nil }
func (m *memDB) SaveAppointment(*models.Appointment) error      { return nil }

func (m *memDB) SavePurchases(batch []*models.Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range batch {
		m.purchases = append(m.purchases, *p)
	}
	return nil
}

func (m *memDB) PurchasesByUser(userID string) ([]models.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Purchase
	for _, p := range m.purchases {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memDB) PurchasesByStore(storeID uuid.UUID) ([]models.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Purchase
	for _, p := range m.purchases {
		if p.StoreID == storeID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memDB) AllPurchases() ([]models.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Purchase(nil), m.purchases...), nil
}

func setup(t *testing.T) *Service {
	t.Helper()
	reg := registry.NewRegistry()
	ledger := stock.NewLedger()
	db := &memDB{}
	orch := checkout.NewOrchestrator(reg, ledger, checkout.NewCardValidator(), db)
	return New(Deps{
		Registry: reg,
		Ledger:   ledger,
		Protocol: appoint.NewProtocol(),
		Checkout: orch,
		DB:       db,
		Users:    NewStaticDirectory("admin"),
	})
}

func openStore(t *testing.T, svc *Service, owner string) uuid.UUID {
	t.Helper()
	store, err := svc.OpenStore(context.Background(), owner, "Corner Shop")
	require.NoError(t, err)
	return store.ID
}

func addProduct(t *testing.T, svc *Service, actor string, storeID uuid.UUID, name string, priceCents int64, qty int) {
	t.Helper()
	_, err := svc.AddProduct(context.Background(), actor, storeID, models.ProductSpec{
		Name:       name,
		Category:   "general",
		PriceCents: priceCents,
		Quantity:   qty,
	})
	require.NoError(t, err)
}

func TestOpenStoreFounderIsOwner(t *testing.T) {
	svc := setup(t)
	store, err := svc.OpenStore(context.Background(), "alice", "Corner Shop")
	require.NoError(t, err)
	assert.Equal(t, models.RoleInitialOwner, store.Owners["alice"])
	assert.Equal(t, models.StoreOpen, store.State)
}

func TestOpenStoreRejectsEmptyName(t *testing.T) {
	svc := setup(t)
	_, err := svc.OpenStore(context.Background(), "alice", "   ")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestAddProductRequiresInventoryPermission(t *testing.T) {
	svc := setup(t)
	storeID := openStore(t, svc, "alice")

	_, err := svc.AddProduct(context.Background(), "mallory", storeID, models.ProductSpec{Name: "soap", PriceCents: 100, Quantity: 1})
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))

	// Fresh managers only get watch_history.
	require.NoError(t, svc.AppointManager(context.Background(), "alice", storeID, models.ManagerRequest{Manager: "bob"}))
	_, err = svc.AddProduct(context.Background(), "bob", storeID, models.ProductSpec{Name: "soap", PriceCents: 100, Quantity: 1})
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))

	require.NoError(t, svc.SetManagerPermissions(context.Background(), "alice", storeID, models.ManagerRequest{
		Manager:     "bob",
		Permissions: []string{"inventory"},
	}))
	_, err = svc.AddProduct(context.Background(), "bob", storeID, models.ProductSpec{Name: "soap", PriceCents: 100, Quantity: 1})
	assert.NoError(t, err)
}

func TestAddProductDuplicateName(t *testing.T) {
	svc := setup(t)
	storeID := openStore(t, svc, "alice")
	addProduct(t, svc, "alice", storeID, "soap", 100, 5)

	_, err := svc.AddProduct(context.Background(), "alice", storeID, models.ProductSpec{Name: "soap", PriceCents: 200, Quantity: 1})
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

func TestRemoveProductBlockedByReservation(t *testing.T) {
	svc := setup(t)
	storeID := openStore(t, svc, "alice")
	addProduct(t, svc, "alice", storeID, "soap", 100, 5)

	_, err := svc.ledger.Reserve(stock.ProductKey{StoreID: storeID, Product: "soap"}, 2)
	require.NoError(t, err)

	err = svc.RemoveProduct(context.Background(), "alice", storeID, "soap")
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

// Editing a product while a checkout holds a reservation must not reset the
// tracked quantity, or the eventual release would inflate stock past the
// owner-set count.
func TestEditProductBlockedByReservation(t *testing.T) {
	svc := setup(t)
	storeID := openStore(t, svc, "alice")
	addProduct(t, svc, "alice", storeID, "soap", 100, 10)

	key := stock.ProductKey{StoreID: storeID, Product: "soap"}
	tok, err := svc.ledger.Reserve(key, 4)
	require.NoError(t, err)

	_, err = svc.EditProduct(context.Background(), "alice", storeID, "soap", models.ProductSpec{
		Name: "soap", PriceCents: 100, Quantity: 10,
	})
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	require.NoError(t, svc.ledger.Release(tok))
	onHand, _ := svc.ledger.OnHand(key)
	assert.Equal(t, 10, onHand)

	// With the reservation gone the edit applies.
	updated, err := svc.EditProduct(context.Background(), "alice", storeID, "soap", models.ProductSpec{
		Name: "soap", PriceCents: 100, Quantity: 7,
	})
	require.NoError(t, err)
	assert.Equal(t, 7, updated.Quantity)
	onHand, _ = svc.ledger.OnHand(key)
	assert.Equal(t, 7, onHand)
}

func TestDiscountLifecycle(t *testing.T) {
	svc := setup(t)
	ctx := context.Background()
	storeID := openStore(t, svc, "alice")
	addProduct(t, svc, "alice", storeID, "soap", 100, 5)

	d1, err := svc.AddDiscount(ctx, "alice", storeID, models.DiscountSpec{
		Kind: "percentage", Scope: "product", Target: "soap", Percent: 10,
	})
	require.NoError(t, err)
	d2, err := svc.AddDiscount(ctx, "alice", storeID, models.DiscountSpec{
		Kind: "percentage", Scope: "basket", Percent: 5,
	})
	require.NoError(t, err)

	combined, err := svc.CombineDiscounts(ctx, "alice", storeID, models.CombineDiscountsRequest{
		DiscountIDs: []string{d1.ID.String(), d2.ID.String()},
		Operator:    "xor",
	})
	require.NoError(t, err)

	// A child of a live composite cannot be removed.
	err = svc.RemoveDiscount(ctx, "alice", storeID, d1.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	require.NoError(t, svc.RemoveDiscount(ctx, "alice", storeID, combined.ID))
	assert.NoError(t, svc.RemoveDiscount(ctx, "alice", storeID, d1.ID))
}

func TestAddDiscountUnknownProduct(t *testing.T) {
	svc := setup(t)
	storeID := openStore(t, svc, "alice")

	_, err := svc.AddDiscount(context.Background(), "alice", storeID, models.DiscountSpec{
		Kind: "free_per_x", Product: "ghost", Free: 1, Per: 3,
	})
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestPolicyLifecycle(t *testing.T) {
	svc := setup(t)
	ctx := context.Background()
	storeID := openStore(t, svc, "alice")

	one := 1
	p, err := svc.AddPolicy(ctx, "alice", storeID, models.PolicySpec{Scope: "basket", MinQty: &one})
	require.NoError(t, err)

	three := 3
	_, err = svc.EditPolicy(ctx, "alice", storeID, p.ID, models.PolicySpec{Scope: "basket", MaxQty: &three})
	require.NoError(t, err)

	require.NoError(t, svc.RemovePolicy(ctx, "alice", storeID, p.ID))
	err = svc.RemovePolicy(ctx, "alice", storeID, p.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestOwnerAppointmentFlow(t *testing.T) {
	svc := setup(t)
	ctx := context.Background()
	storeID := openStore(t, svc, "alice")

	appt, err := svc.NominateOwner(ctx, "alice", storeID, "bob")
	require.NoError(t, err)

	decided, err := svc.VoteOnAppointment(ctx, "alice", appt.ID, "approve")
	require.NoError(t, err)
	assert.Equal(t, models.AppointmentCommitted, decided.State)

	// bob now holds owner powers.
	require.NoError(t, svc.AppointManager(ctx, "bob", storeID, models.ManagerRequest{Manager: "carol"}))
}

func TestNominateRequiresOwner(t *testing.T) {
	svc := setup(t)
	storeID := openStore(t, svc, "alice")

	_, err := svc.NominateOwner(context.Background(), "mallory", storeID, "bob")
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))
}

func TestRemoveOwnerCascades(t *testing.T) {
	svc := setup(t)
	ctx := context.Background()
	storeID := openStore(t, svc, "alice")

	appt, err := svc.NominateOwner(ctx, "alice", storeID, "bob")
	require.NoError(t, err)
	_, err = svc.VoteOnAppointment(ctx, "alice", appt.ID, "approve")
	require.NoError(t, err)
	require.NoError(t, svc.AppointManager(ctx, "bob", storeID, models.ManagerRequest{
		Manager: "carol", Permissions: []string{"inventory"},
	}))

	require.NoError(t, svc.RemoveOwner(ctx, "alice", storeID, "bob"))

	// bob's appointee goes with him.
	_, err = svc.AddProduct(ctx, "carol", storeID, models.ProductSpec{Name: "soap", PriceCents: 100, Quantity: 1})
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))
	_, err = svc.NominateOwner(ctx, "bob", storeID, "dave")
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))
}

func TestFoundingOwnerCannotBeRemoved(t *testing.T) {
	svc := setup(t)
	ctx := context.Background()
	storeID := openStore(t, svc, "alice")

	appt, err := svc.NominateOwner(ctx, "alice", storeID, "bob")
	require.NoError(t, err)
	_, err = svc.VoteOnAppointment(ctx, "alice", appt.ID, "approve")
	require.NoError(t, err)

	err = svc.RemoveOwner(ctx, "bob", storeID, "alice")
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

func TestOnlyAppointerManagesManager(t *testing.T) {
	svc := setup(t)
	ctx := context.Background()
	storeID := openStore(t, svc, "alice")

	appt, err := svc.NominateOwner(ctx, "alice", storeID, "bob")
	require.NoError(t, err)
	_, err = svc.VoteOnAppointment(ctx, "alice", appt.ID, "approve")
	require.NoError(t, err)

	require.NoError(t, svc.AppointManager(ctx, "alice", storeID, models.ManagerRequest{Manager: "carol"}))

	err = svc.SetManagerPermissions(ctx, "bob", storeID, models.ManagerRequest{
		Manager: "carol", Permissions: []string{"inventory"},
	})
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))
	err = svc.RemoveManager(ctx, "bob", storeID, "carol")
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))

	assert.NoError(t, svc.RemoveManager(ctx, "alice", storeID, "carol"))
}

func TestCartCheckoutAndHistory(t *testing.T) {
	svc := setup(t)
	ctx := context.Background()
	storeID := openStore(t, svc, "alice")
	addProduct(t, svc, "alice", storeID, "soap", 250, 5)

	require.NoError(t, svc.SetCartLine(ctx, "carol", storeID, models.CartLineRequest{Product: "soap", Quantity: 2}))

	receipt, err := svc.Checkout(ctx, "carol", models.PaymentInfo{CardNumber: "4242424242424242", Holder: "Carol"})
	require.NoError(t, err)
	assert.Equal(t, int64(500), receipt.TotalCents)
	assert.Empty(t, svc.ViewCart("carol"))

	history, err := svc.PurchaseHistory(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, storeID, history[0].StoreID)
}

func TestCartRejectsClosedStore(t *testing.T) {
	svc := setup(t)
	ctx := context.Background()
	storeID := openStore(t, svc, "alice")
	addProduct(t, svc, "alice", storeID, "soap", 100, 5)
	require.NoError(t, svc.CloseStore(ctx, "alice", storeID))

	err := svc.SetCartLine(ctx, "carol", storeID, models.CartLineRequest{Product: "soap", Quantity: 1})
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	require.NoError(t, svc.ReopenStore(ctx, "alice", storeID))
	assert.NoError(t, svc.SetCartLine(ctx, "carol", storeID, models.CartLineRequest{Product: "soap", Quantity: 1}))
}

// A store state change that fails to persist must not take effect in memory.
func TestCloseStoreKeepsStateOnSaveFailure(t *testing.T) {
	svc := setup(t)
	ctx := context.Background()
	storeID := openStore(t, svc, "alice")
	addProduct(t, svc, "alice", storeID, "soap", 100, 5)

	mdb := svc.db.(*memDB)
	mdb.failSaveStore = assert.AnError
	require.Error(t, svc.CloseStore(ctx, "alice", storeID))

	// Still open: cart writes are accepted.
	assert.NoError(t, svc.SetCartLine(ctx, "carol", storeID, models.CartLineRequest{Product: "soap", Quantity: 1}))

	mdb.failSaveStore = nil
	require.NoError(t, svc.CloseStore(ctx, "alice", storeID))
	err := svc.SetCartLine(ctx, "carol", storeID, models.CartLineRequest{Product: "soap", Quantity: 2})
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

// A committed appointment whose owner-set write fails must not promote the
// nominee in memory.
func TestVoteCommitKeepsOwnersOnSaveFailure(t *testing.T) {
	svc := setup(t)
	ctx := context.Background()
	storeID := openStore(t, svc, "alice")

	appt, err := svc.NominateOwner(ctx, "alice", storeID, "bob")
	require.NoError(t, err)

	mdb := svc.db.(*memDB)
	mdb.failSaveStore = assert.AnError
	_, err = svc.VoteOnAppointment(ctx, "alice", appt.ID, "approve")
	require.Error(t, err)

	err = svc.AppointManager(ctx, "bob", storeID, models.ManagerRequest{Manager: "carol"})
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))
}

func TestClosedStoreHiddenFromSearch(t *testing.T) {
	svc := setup(t)
	ctx := context.Background()
	storeID := openStore(t, svc, "alice")
	addProduct(t, svc, "alice", storeID, "soap", 100, 5)

	assert.Len(t, svc.Search(registry.SearchFilter{Name: "soap"}), 1)
	require.NoError(t, svc.CloseStore(ctx, "alice", storeID))
	assert.Empty(t, svc.Search(registry.SearchFilter{Name: "soap"}))
}

func TestStoreHistoryAccess(t *testing.T) {
	svc := setup(t)
	ctx := context.Background()
	storeID := openStore(t, svc, "alice")

	_, err := svc.StorePurchaseHistory(ctx, "mallory", storeID)
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))

	// Default manager grant includes watch_history.
	require.NoError(t, svc.AppointManager(ctx, "alice", storeID, models.ManagerRequest{Manager: "bob"}))
	_, err = svc.StorePurchaseHistory(ctx, "bob", storeID)
	assert.NoError(t, err)

	_, err = svc.StorePurchaseHistory(ctx, "admin", storeID)
	assert.NoError(t, err)
}

func TestSystemHistoryAdminOnly(t *testing.T) {
	svc := setup(t)
	ctx := context.Background()

	_, err := svc.SystemPurchaseHistory(ctx, "alice")
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))

	_, err = svc.SystemPurchaseHistory(ctx, "admin")
	assert.NoError(t, err)
}

func TestStoreViewCacheInvalidation(t *testing.T) {
	svc := setup(t)
	svc.features.Register(features.FlagCacheEnabled, true, "read cache")
	ctx := context.Background()
	storeID := openStore(t, svc, "alice")
	addProduct(t, svc, "alice", storeID, "soap", 100, 5)

	view, err := svc.ViewStore(ctx, storeID)
	require.NoError(t, err)
	require.Len(t, view.Products, 1)

	// A write must not leave the cached view stale.
	addProduct(t, svc, "alice", storeID, "towel", 200, 3)
	view, err = svc.ViewStore(ctx, storeID)
	require.NoError(t, err)
	assert.Len(t, view.Products, 2)
}
