package policy

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"marketplace-api/internal/apperr"
	"marketplace-api/internal/models"
)

// Engine validates baskets against a store's purchase policies. Like the
// discount engine it is pure: callers hand it a consistent snapshot of the
// policy set and it mutates nothing.
type Engine struct{}

// NewEngine creates a policy engine.
func NewEngine() *Engine { return &Engine{} }

// Validate checks the basket against every policy. All policies in scope must
// pass; the first violation (in id order, for determinism) is reported with
// the offending policy id. A policy with no bounds and no day restriction is
// vacuous and always passes.
func (e *Engine) Validate(basket models.Basket, inventory map[string]*models.Product, policies map[uuid.UUID]*models.Policy, today time.Time) error {
	ordered := make([]*models.Policy, 0, len(policies))
	for _, p := range policies {
		ordered = append(ordered, p)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return strings.Compare(ordered[i].ID.String(), ordered[j].ID.String()) < 0
	})

	for _, p := range ordered {
		if err := check(p, basket, inventory, today); err != nil {
			return err
		}
	}
	return nil
}

func check(p *models.Policy, basket models.Basket, inventory map[string]*models.Product, today time.Time) error {
	if len(p.AllowedDays) > 0 && !dayAllowed(p.AllowedDays, today.Weekday()) {
		return apperr.PolicyViolation(p.ID.String(), "purchases not allowed on %s", today.Weekday())
	}

	qty := scopedQuantity(p, basket, inventory)
	if p.Scope != models.PolicyBasket && qty == 0 {
		// Nothing in the basket touches this product/category policy.
		return nil
	}
	if p.MinQty != nil && qty < *p.MinQty {
		return apperr.PolicyViolation(p.ID.String(), "quantity %d below minimum %d", qty, *p.MinQty)
	}
	if p.MaxQty != nil && qty > *p.MaxQty {
		return apperr.PolicyViolation(p.ID.String(), "quantity %d above maximum %d", qty, *p.MaxQty)
	}
	return nil
}

func scopedQuantity(p *models.Policy, basket models.Basket, inventory map[string]*models.Product) int {
	switch p.Scope {
	case models.PolicyBasket:
		return basket.TotalUnits()
	case models.PolicyProduct:
		return basket.Lines[p.Target]
	case models.PolicyCategory:
		total := 0
		for name, qty := range basket.Lines {
			if product, ok := inventory[name]; ok && product.Category == p.Target {
				total += qty
			}
		}
		return total
	}
	return 0
}

func dayAllowed(days []time.Weekday, day time.Weekday) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}
