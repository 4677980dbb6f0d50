package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-api/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleStore() *models.Store {
	return &models.Store{
		ID:    uuid.New(),
		Name:  "Corner Shop",
		State: models.StoreOpen,
		Owners: map[string]models.OwnerRole{
			"alice": models.RoleInitialOwner,
			"bob":   models.RoleAppointedOwner,
		},
		Managers: map[string]models.Permission{
			"carol": models.PermWatchHistory | models.PermManageInventory,
		},
		Inventory:   make(map[string]*models.Product),
		Discounts:   make(map[uuid.UUID]*models.Discount),
		Policies:    make(map[uuid.UUID]*models.Policy),
		AppointedBy: map[string]string{"bob": "alice", "carol": "alice"},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	db := newTestDB(t)
	store := sampleStore()
	require.NoError(t, db.SaveStore(store))

	product := &models.Product{
		ID:         uuid.New(),
		StoreID:    store.ID,
		Name:       "soap",
		Category:   "bath",
		Brand:      "acme",
		PriceCents: 250,
		Quantity:   10,
	}
	require.NoError(t, db.SaveProduct(product))

	one := 1
	policy := &models.Policy{
		ID:          uuid.New(),
		Scope:       models.PolicyBasket,
		MinQty:      &one,
		AllowedDays: []time.Weekday{time.Tuesday},
	}
	require.NoError(t, db.SavePolicy(store.ID, policy))

	rule := &models.Discount{
		ID:      uuid.New(),
		Kind:    models.DiscountPercentage,
		Scope:   models.ScopeProduct,
		Target:  "soap",
		Percent: 10,
	}
	require.NoError(t, db.SaveDiscount(store.ID, rule))

	stores, err := db.LoadStores()
	require.NoError(t, err)
	require.Len(t, stores, 1)

	got := stores[0]
	assert.Equal(t, store.Name, got.Name)
	assert.Equal(t, store.Owners, got.Owners)
	assert.Equal(t, store.Managers, got.Managers)
	assert.Equal(t, store.AppointedBy, got.AppointedBy)

	require.Contains(t, got.Inventory, "soap")
	assert.Equal(t, *product, *got.Inventory["soap"])

	require.Contains(t, got.Discounts, rule.ID)
	assert.Equal(t, rule.Percent, got.Discounts[rule.ID].Percent)

	require.Contains(t, got.Policies, policy.ID)
	require.NotNil(t, got.Policies[policy.ID].MinQty)
	assert.Equal(t, 1, *got.Policies[policy.ID].MinQty)
	assert.Equal(t, []time.Weekday{time.Tuesday}, got.Policies[policy.ID].AllowedDays)
}

func TestSaveStoreUpserts(t *testing.T) {
	db := newTestDB(t)
	store := sampleStore()
	require.NoError(t, db.SaveStore(store))

	store.State = models.StoreClosed
	store.Owners["dave"] = models.RoleAppointedOwner
	require.NoError(t, db.SaveStore(store))

	stores, err := db.LoadStores()
	require.NoError(t, err)
	require.Len(t, stores, 1)
	assert.Equal(t, models.StoreClosed, stores[0].State)
	assert.Contains(t, stores[0].Owners, "dave")
}

func TestDeleteProduct(t *testing.T) {
	db := newTestDB(t)
	store := sampleStore()
	require.NoError(t, db.SaveStore(store))

	product := &models.Product{ID: uuid.New(), StoreID: store.ID, Name: "soap", PriceCents: 100, Quantity: 1}
	require.NoError(t, db.SaveProduct(product))
	require.NoError(t, db.DeleteProduct(product.ID))

	stores, err := db.LoadStores()
	require.NoError(t, err)
	assert.Empty(t, stores[0].Inventory)
}

func TestAppointmentRoundTrip(t *testing.T) {
	db := newTestDB(t)
	appt := &models.Appointment{
		ID:        uuid.New(),
		StoreID:   uuid.New(),
		Nominator: "alice",
		Nominee:   "bob",
		Votes:     map[string]models.Vote{"alice": models.VotePending},
		State:     models.AppointmentPending,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, db.SaveAppointment(appt))

	// Vote lands, appointment commits.
	appt.Votes["alice"] = models.VoteApprove
	appt.State = models.AppointmentCommitted
	appt.DecidedAt = appt.CreatedAt.Add(time.Minute)
	require.NoError(t, db.SaveAppointment(appt))

	loaded, err := db.LoadAppointments()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, models.AppointmentCommitted, loaded[0].State)
	assert.Equal(t, models.VoteApprove, loaded[0].Votes["alice"])
	assert.Equal(t, appt.DecidedAt.Unix(), loaded[0].DecidedAt.Unix())
}

func TestPurchaseLedgerIsAppendOnly(t *testing.T) {
	db := newTestDB(t)
	purchase := &models.Purchase{
		ID:      uuid.New(),
		UserID:  "carol",
		StoreID: uuid.New(),
		Lines: []models.PricedLine{
			{Product: "soap", Quantity: 2, UnitPriceCents: 250, SubtotalCents: 500, TotalCents: 500},
		},
		SubtotalCents: 500,
		TotalCents:    500,
		PaymentRef:    "pay-1",
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, db.SavePurchases([]*models.Purchase{purchase}))

	// The same id cannot be written twice.
	assert.Error(t, db.SavePurchases([]*models.Purchase{purchase}))

	byUser, err := db.PurchasesByUser("carol")
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, purchase.Lines, byUser[0].Lines)

	byStore, err := db.PurchasesByStore(purchase.StoreID)
	require.NoError(t, err)
	assert.Len(t, byStore, 1)

	all, err := db.AllPurchases()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	none, err := db.PurchasesByUser("nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

// A batch that fails part-way must leave no rows behind, or a failed
// multi-store checkout would record purchases that never committed.
func TestSavePurchasesIsAtomic(t *testing.T) {
	db := newTestDB(t)
	first := &models.Purchase{
		ID:         uuid.New(),
		UserID:     "carol",
		StoreID:    uuid.New(),
		TotalCents: 500,
		PaymentRef: "pay-1",
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	second := &models.Purchase{}
	*second = *first
	second.StoreID = uuid.New()
	// Same id as the first record, so the second insert fails.
	require.Error(t, db.SavePurchases([]*models.Purchase{first, second}))

	all, err := db.AllPurchases()
	require.NoError(t, err)
	assert.Empty(t, all)
}
