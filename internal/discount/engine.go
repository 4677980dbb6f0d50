package discount

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"marketplace-api/internal/models"
)

// outcome is one rule's evaluation against a basket: whether its condition
// matched, and the candidate discount it would grant per line. Applicability
// is independent of amount so combinators can reason about it separately.
type outcome struct {
	applies bool
	amount  int64
	perLine map[string]int64
}

// Engine prices baskets against a store's discount rule set. It is pure: it
// reads a configuration snapshot and mutates nothing, so callers only need a
// consistent view of the store's rules.
type Engine struct{}

// NewEngine creates a discount engine.
func NewEngine() *Engine { return &Engine{} }

// Price evaluates every top-level rule in rules against the basket and
// returns the priced result. Rules referenced as children of a composite are
// only applied through their parent. Inventory supplies current unit prices
// and categories; free units are valued at the product's current price, not
// the price when the rule was authored.
func (e *Engine) Price(basket models.Basket, inventory map[string]*models.Product, rules map[uuid.UUID]*models.Discount, now time.Time) models.PricedBasket {
	childIDs := make(map[uuid.UUID]bool)
	for _, rule := range rules {
		if rule.Kind == models.DiscountComposite {
			for _, id := range rule.Children {
				childIDs[id] = true
			}
		}
	}

	var topLevel []*models.Discount
	for id, rule := range rules {
		if !childIDs[id] {
			topLevel = append(topLevel, rule)
		}
	}
	// Deterministic evaluation order.
	sort.Slice(topLevel, func(i, j int) bool {
		return strings.Compare(topLevel[i].ID.String(), topLevel[j].ID.String()) < 0
	})

	perLine := make(map[string]int64)
	for _, rule := range topLevel {
		out := e.eval(rule, basket, inventory, rules, now, make(map[uuid.UUID]bool))
		if !out.applies {
			continue
		}
		for name, cents := range out.perLine {
			perLine[name] += cents
		}
	}

	return assemble(basket, inventory, perLine)
}

func (e *Engine) eval(rule *models.Discount, basket models.Basket, inventory map[string]*models.Product, rules map[uuid.UUID]*models.Discount, now time.Time, visiting map[uuid.UUID]bool) outcome {
	if visiting[rule.ID] {
		// Self-referential composite; treat as not applying.
		return outcome{}
	}
	visiting[rule.ID] = true
	defer delete(visiting, rule.ID)

	switch rule.Kind {
	case models.DiscountPercentage:
		return evalPercentage(rule, basket, inventory, now)
	case models.DiscountFreePerX:
		return evalFreePerX(rule, basket, inventory, now)
	case models.DiscountComposite:
		return e.evalComposite(rule, basket, inventory, rules, now, visiting)
	default:
		return outcome{}
	}
}

func evalPercentage(rule *models.Discount, basket models.Basket, inventory map[string]*models.Product, now time.Time) outcome {
	if rule.Expired(now) {
		return outcome{}
	}
	per := make(map[string]int64)
	for name, qty := range basket.Lines {
		product, ok := inventory[name]
		if !ok || qty <= 0 {
			continue
		}
		switch rule.Scope {
		case models.ScopeProduct:
			if name != rule.Target {
				continue
			}
		case models.ScopeCategory:
			if product.Category != rule.Target {
				continue
			}
		case models.ScopeBasket:
			// Every line is in scope.
		}
		subtotal := product.PriceCents * int64(qty)
		if cents := roundPercent(subtotal, rule.Percent); cents > 0 {
			per[name] = cents
		}
	}
	if len(per) == 0 {
		return outcome{}
	}
	return outcome{applies: true, amount: sumLines(per), perLine: per}
}

func evalFreePerX(rule *models.Discount, basket models.Basket, inventory map[string]*models.Product, now time.Time) outcome {
	if rule.Expired(now) {
		return outcome{}
	}
	qty, ok := basket.Lines[rule.Product]
	product, tracked := inventory[rule.Product]
	if !ok || !tracked || rule.Per <= 0 {
		return outcome{}
	}
	freeUnits := (qty / rule.Per) * rule.Free
	if freeUnits <= 0 {
		return outcome{}
	}
	if freeUnits > qty {
		freeUnits = qty
	}
	amount := int64(freeUnits) * product.PriceCents
	return outcome{
		applies: true,
		amount:  amount,
		perLine: map[string]int64{rule.Product: amount},
	}
}

func (e *Engine) evalComposite(rule *models.Discount, basket models.Basket, inventory map[string]*models.Product, rules map[uuid.UUID]*models.Discount, now time.Time, visiting map[uuid.UUID]bool) outcome {
	children := make([]*models.Discount, 0, len(rule.Children))
	for _, id := range rule.Children {
		if child, ok := rules[id]; ok {
			children = append(children, child)
		}
	}
	if len(children) == 0 {
		return outcome{}
	}
	sort.Slice(children, func(i, j int) bool {
		return strings.Compare(children[i].ID.String(), children[j].ID.String()) < 0
	})

	outs := make([]outcome, len(children))
	for i, child := range children {
		outs[i] = e.eval(child, basket, inventory, rules, now, visiting)
	}

	switch rule.Op {
	case models.OpAnd:
		// All children must apply; the granted amount is their sum.
		merged := outcome{applies: true, perLine: make(map[string]int64)}
		for _, out := range outs {
			if !out.applies {
				return outcome{}
			}
			mergeLines(merged.perLine, out.perLine)
		}
		merged.amount = sumLines(merged.perLine)
		return merged

	case models.OpOr:
		// Any child may fire; applying children stack.
		merged := outcome{perLine: make(map[string]int64)}
		for _, out := range outs {
			if out.applies {
				merged.applies = true
				mergeLines(merged.perLine, out.perLine)
			}
		}
		merged.amount = sumLines(merged.perLine)
		return merged

	case models.OpXor:
		// Exactly one child wins. If several would apply, keep the one with
		// the largest resulting amount; amount ties go to the lowest id,
		// which the pre-sort already guarantees.
		best := outcome{}
		for _, out := range outs {
			if out.applies && out.amount > best.amount {
				best = out
			}
		}
		return best
	}
	return outcome{}
}

func assemble(basket models.Basket, inventory map[string]*models.Product, perLine map[string]int64) models.PricedBasket {
	names := make([]string, 0, len(basket.Lines))
	for name := range basket.Lines {
		names = append(names, name)
	}
	sort.Strings(names)

	priced := models.PricedBasket{StoreID: basket.StoreID}
	for _, name := range names {
		qty := basket.Lines[name]
		product, ok := inventory[name]
		if !ok {
			continue
		}
		subtotal := product.PriceCents * int64(qty)
		cents := perLine[name]
		if cents > subtotal {
			cents = subtotal
		}
		priced.Lines = append(priced.Lines, models.PricedLine{
			Product:        name,
			Quantity:       qty,
			UnitPriceCents: product.PriceCents,
			SubtotalCents:  subtotal,
			DiscountCents:  cents,
			TotalCents:     subtotal - cents,
		})
		priced.SubtotalCents += subtotal
		priced.DiscountCents += cents
		priced.TotalCents += subtotal - cents
	}
	return priced
}

func mergeLines(dst, src map[string]int64) {
	for name, cents := range src {
		dst[name] += cents
	}
}

func sumLines(lines map[string]int64) int64 {
	var total int64
	for _, cents := range lines {
		total += cents
	}
	return total
}

// roundPercent computes percent of subtotal in cents, rounding half away
// from zero.
func roundPercent(subtotal int64, percent float64) int64 {
	return int64(math.Round(float64(subtotal) * percent / 100))
}
