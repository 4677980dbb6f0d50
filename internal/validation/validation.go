package validation

import (
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"marketplace-api/internal/apperr"
	"marketplace-api/internal/models"
)

// SanitizeString strips control characters and surrounding whitespace from
// boundary input.
func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// ValidateStoreName checks the display name of a new store.
func ValidateStoreName(name string) error {
	if SanitizeString(name) == "" {
		return apperr.Validation("name", "store name is required")
	}
	if len(name) > 100 {
		return apperr.Validation("name", "store name cannot exceed 100 characters")
	}
	return nil
}

// ValidateProductSpec checks a product payload.
func ValidateProductSpec(spec models.ProductSpec) error {
	if SanitizeString(spec.Name) == "" {
		return apperr.Validation("name", "product name is required")
	}
	if spec.PriceCents < 0 {
		return apperr.Validation("price_cents", "price must not be negative")
	}
	if spec.Quantity < 0 {
		return apperr.Validation("quantity", "quantity must not be negative")
	}
	return nil
}

// BuildDiscount validates a discount payload and converts it into the tagged
// variant. Validation happens once, here at the boundary.
func BuildDiscount(spec models.DiscountSpec) (*models.Discount, error) {
	d := &models.Discount{ID: uuid.New()}

	if spec.ExpiresAt != "" {
		expiry, err := time.Parse("2006-01-02", spec.ExpiresAt)
		if err != nil {
			return nil, apperr.Validation("expires_at", "must be a YYYY-MM-DD date")
		}
		d.ExpiresAt = expiry
	}

	switch strings.ToLower(SanitizeString(spec.Kind)) {
	case "percentage":
		d.Kind = models.DiscountPercentage
		if spec.Percent <= 0 || spec.Percent > 100 {
			return nil, apperr.Validation("percent", "must be in (0, 100], got %v", spec.Percent)
		}
		d.Percent = spec.Percent
		switch strings.ToLower(SanitizeString(spec.Scope)) {
		case "product":
			d.Scope = models.ScopeProduct
		case "category":
			d.Scope = models.ScopeCategory
		case "basket":
			d.Scope = models.ScopeBasket
		default:
			return nil, apperr.Validation("scope", "must be product, category or basket")
		}
		d.Target = SanitizeString(spec.Target)
		if d.Scope != models.ScopeBasket && d.Target == "" {
			return nil, apperr.Validation("target", "required for %s scope", spec.Scope)
		}
		return d, nil

	case "free_per_x":
		d.Kind = models.DiscountFreePerX
		d.Product = SanitizeString(spec.Product)
		if d.Product == "" {
			return nil, apperr.Validation("product", "product name is required")
		}
		if spec.Free <= 0 || spec.Per <= 0 {
			return nil, apperr.Validation("free", "free and per must be positive")
		}
		if spec.Free >= spec.Per {
			return nil, apperr.Validation("free", "free (%d) must be less than per (%d)", spec.Free, spec.Per)
		}
		d.Free = spec.Free
		d.Per = spec.Per
		return d, nil
	}
	return nil, apperr.Validation("kind", "must be percentage or free_per_x")
}

// BuildComposite validates a combine request and builds a composite discount
// over the given child ids.
func BuildComposite(ids []uuid.UUID, operator string) (*models.Discount, error) {
	if len(ids) < 2 {
		return nil, apperr.Validation("discount_ids", "composite needs at least two discounts")
	}
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return nil, apperr.Validation("discount_ids", "duplicate discount id %s", id)
		}
		seen[id] = true
	}
	d := &models.Discount{ID: uuid.New(), Kind: models.DiscountComposite, Children: ids}
	switch strings.ToLower(SanitizeString(operator)) {
	case "and":
		d.Op = models.OpAnd
	case "or":
		d.Op = models.OpOr
	case "xor":
		d.Op = models.OpXor
	default:
		return nil, apperr.Validation("operator", "must be and, or, or xor")
	}
	return d, nil
}

// BuildPolicy validates a policy payload and converts it. A policy with no
// bounds and no day restriction is legal (it is simply vacuous).
func BuildPolicy(spec models.PolicySpec) (*models.Policy, error) {
	p := &models.Policy{ID: uuid.New()}

	switch strings.ToLower(SanitizeString(spec.Scope)) {
	case "basket":
		p.Scope = models.PolicyBasket
	case "product":
		p.Scope = models.PolicyProduct
	case "category":
		p.Scope = models.PolicyCategory
	default:
		return nil, apperr.Validation("scope", "must be basket, product or category")
	}
	p.Target = SanitizeString(spec.Target)
	if p.Scope != models.PolicyBasket && p.Target == "" {
		return nil, apperr.Validation("target", "required for %s scope", spec.Scope)
	}

	if spec.MinQty != nil {
		if *spec.MinQty < 0 {
			return nil, apperr.Validation("min_qty", "must not be negative")
		}
		p.MinQty = spec.MinQty
	}
	if spec.MaxQty != nil {
		if *spec.MaxQty < 0 {
			return nil, apperr.Validation("max_qty", "must not be negative")
		}
		p.MaxQty = spec.MaxQty
	}
	if p.MinQty != nil && p.MaxQty != nil && *p.MinQty > *p.MaxQty {
		return nil, apperr.Validation("min_qty", "minimum %d exceeds maximum %d", *p.MinQty, *p.MaxQty)
	}

	for _, name := range spec.AllowedDays {
		day, ok := models.ParseDay(strings.ToLower(SanitizeString(name)))
		if !ok {
			return nil, apperr.Validation("allowed_days", "unknown weekday %q", name)
		}
		p.AllowedDays = append(p.AllowedDays, day)
	}
	return p, nil
}

// ParsePermissions converts permission names into the manager bitset.
func ParsePermissions(names []string) (models.Permission, error) {
	var perms models.Permission
	for _, name := range names {
		switch strings.ToLower(SanitizeString(name)) {
		case "inventory":
			perms |= models.PermManageInventory
		case "discounts":
			perms |= models.PermManageDiscounts
		case "policies":
			perms |= models.PermManagePolicies
		case "appoint_managers":
			perms |= models.PermAppointManagers
		case "watch_history":
			perms |= models.PermWatchHistory
		case "close_store":
			perms |= models.PermCloseStore
		default:
			return 0, apperr.Validation("permissions", "unknown permission %q", name)
		}
	}
	return perms, nil
}
