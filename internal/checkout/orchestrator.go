package checkout

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"marketplace-api/internal/apperr"
	"marketplace-api/internal/discount"
	"marketplace-api/internal/models"
	"marketplace-api/internal/policy"
	"marketplace-api/internal/registry"
	"marketplace-api/internal/stock"
)

// Persistence is the slice of the durable store the orchestrator writes
// through on a successful checkout.
type Persistence interface {
	// SavePurchases persists a checkout's purchase records as one atomic
	// batch: either every record lands in the ledger or none does.
	SavePurchases([]*models.Purchase) error
	SaveProduct(*models.Product) error
}

// Orchestrator coordinates a checkout attempt through its phases:
// validate every basket, price every basket, reserve every line, charge the
// card, then commit. Any failure at any phase releases every reservation
// taken in this attempt before the error is surfaced, so a caller never
// observes a failed checkout that still holds stock.
type Orchestrator struct {
	registry  *registry.Registry
	ledger    *stock.Ledger
	policies  *policy.Engine
	discounts *discount.Engine
	gateway   PaymentGateway
	db        Persistence
	log       *logrus.Entry
	now       func() time.Time
}

// NewOrchestrator wires a checkout orchestrator.
func NewOrchestrator(reg *registry.Registry, ledger *stock.Ledger, gateway PaymentGateway, db Persistence) *Orchestrator {
	return &Orchestrator{
		registry:  reg,
		ledger:    ledger,
		policies:  policy.NewEngine(),
		discounts: discount.NewEngine(),
		gateway:   gateway,
		db:        db,
		log:       logrus.WithField("component", "checkout"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the orchestrator's clock; used by tests that exercise
// day-restricted policies.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// snapshot is one basket together with the store configuration it will be
// judged against, all copied under the store lock.
type basketSnapshot struct {
	basket    models.Basket
	inventory map[string]*models.Product
	priced    models.PricedBasket
}

type reservationLine struct {
	key   stock.ProductKey
	qty   int
	token uuid.UUID
}

// Checkout runs one checkout attempt over every basket in the shopper's
// cart. On success the purchased baskets are cleared from the cart; on any
// failure the cart is left untouched so the shopper may retry.
func (o *Orchestrator) Checkout(ctx context.Context, userID string, info models.PaymentInfo) (*models.Receipt, error) {
	baskets := o.registry.CartSnapshot(userID)
	if len(baskets) == 0 {
		return nil, apperr.Validation(userID, "cart is empty")
	}
	now := o.now()

	// Validating and Pricing: both phases complete for every basket before a
	// single unit is reserved, so a policy failure never leaks a reservation.
	snapshots := make([]basketSnapshot, 0, len(baskets))
	for _, basket := range baskets {
		inventory, discounts, policies, state, err := o.registry.Snapshot(basket.StoreID)
		if err != nil {
			return nil, err
		}
		if state != models.StoreOpen {
			return nil, apperr.Conflict(basket.StoreID.String(), "store is closed")
		}
		for name := range basket.Lines {
			if _, ok := inventory[name]; !ok {
				return nil, apperr.NotFound(name, "product no longer in store")
			}
		}
		if err := o.policies.Validate(basket, inventory, policies, now); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, basketSnapshot{
			basket:    basket,
			inventory: inventory,
			priced:    o.discounts.Price(basket, inventory, discounts, now),
		})
	}

	// Reserving: all lines across all baskets, in fixed (store id, product)
	// order so two overlapping checkouts cannot deadlock.
	lines := collectLines(snapshots)
	reserved := make([]reservationLine, 0, len(lines))
	for i := range lines {
		token, err := o.ledger.Reserve(lines[i].key, lines[i].qty)
		if err != nil {
			o.releaseAll(reserved)
			return nil, err
		}
		lines[i].token = token
		reserved = append(reserved, lines[i])
	}

	// Paying.
	var total int64
	for _, snap := range snapshots {
		total += snap.priced.TotalCents
	}
	ref, err := o.gateway.Charge(ctx, info, total)
	if err != nil {
		o.releaseAll(reserved)
		return nil, err
	}

	// Committing: the purchase records are durable before the reservations
	// are finalized and the cart is cleared.
	receipt := &models.Receipt{TotalCents: total, PaymentRef: ref}
	purchases := make([]*models.Purchase, 0, len(snapshots))
	for _, snap := range snapshots {
		purchases = append(purchases, &models.Purchase{
			ID:            uuid.New(),
			UserID:        userID,
			StoreID:       snap.basket.StoreID,
			Lines:         snap.priced.Lines,
			SubtotalCents: snap.priced.SubtotalCents,
			DiscountCents: snap.priced.DiscountCents,
			TotalCents:    snap.priced.TotalCents,
			PaymentRef:    ref,
			CreatedAt:     now,
		})
	}
	if err := o.db.SavePurchases(purchases); err != nil {
		o.releaseAll(reserved)
		return nil, errors.Wrap(err, "persist purchases")
	}
	for _, p := range purchases {
		receipt.Purchases = append(receipt.Purchases, *p)
	}

	for _, line := range reserved {
		if err := o.ledger.Commit(line.token); err != nil {
			// Tokens are private to this checkout, so a failed commit here is
			// a bug, not a race.
			o.log.WithError(err).WithField("product", line.key.Product).Error("reservation commit failed")
		}
	}
	o.syncQuantities(snapshots)

	storeIDs := make([]uuid.UUID, 0, len(snapshots))
	for _, snap := range snapshots {
		storeIDs = append(storeIDs, snap.basket.StoreID)
	}
	o.registry.ClearBaskets(userID, storeIDs)

	o.log.WithFields(logrus.Fields{
		"user_id":     userID,
		"baskets":     len(snapshots),
		"total_cents": total,
		"payment_ref": ref,
	}).Info("checkout committed")
	return receipt, nil
}

func collectLines(snapshots []basketSnapshot) []reservationLine {
	var lines []reservationLine
	for _, snap := range snapshots {
		for name, qty := range snap.basket.Lines {
			lines = append(lines, reservationLine{
				key: stock.ProductKey{StoreID: snap.basket.StoreID, Product: name},
				qty: qty,
			})
		}
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].key.StoreID != lines[j].key.StoreID {
			return strings.Compare(lines[i].key.StoreID.String(), lines[j].key.StoreID.String()) < 0
		}
		return lines[i].key.Product < lines[j].key.Product
	})
	return lines
}

func (o *Orchestrator) releaseAll(reserved []reservationLine) {
	for _, line := range reserved {
		if err := o.ledger.Release(line.token); err != nil {
			o.log.WithError(err).WithField("product", line.key.Product).Error("reservation release failed")
		}
	}
}

// syncQuantities writes the committed on-hand quantities back to the store
// records and the durable product rows.
func (o *Orchestrator) syncQuantities(snapshots []basketSnapshot) {
	for _, snap := range snapshots {
		storeID := snap.basket.StoreID
		err := o.registry.Update(storeID, func(store *models.Store) error {
			for name := range snap.basket.Lines {
				product, ok := store.Inventory[name]
				if !ok {
					continue
				}
				if onHand, tracked := o.ledger.OnHand(stock.ProductKey{StoreID: storeID, Product: name}); tracked {
					product.Quantity = onHand
				}
				if err := o.db.SaveProduct(product); err != nil {
					o.log.WithError(err).WithField("product", name).Error("persist product quantity failed")
				}
			}
			return nil
		})
		if err != nil {
			o.log.WithError(err).WithField("store_id", storeID).Error("sync quantities failed")
		}
	}
}
