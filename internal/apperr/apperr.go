package apperr

import "fmt"

// Kind classifies an error the way the API boundary needs to report it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation covers malformed input: empty required fields, negative
	// price/quantity, a free-per-x ratio where free >= per, and so on.
	KindValidation
	// KindForbidden covers missing authentication or a missing permission.
	KindForbidden
	// KindNotFound covers absent stores, products, discounts, policies,
	// appointments and users.
	KindNotFound
	// KindConflict covers duplicate registration, already-owner nominations,
	// double votes and reservation contract violations.
	KindConflict
	// KindPolicyViolation is raised when a basket fails a configured purchase
	// policy; the error carries the offending policy id.
	KindPolicyViolation
	// KindPaymentDeclined is raised when the external payment check fails.
	KindPaymentDeclined
	// KindInsufficientStock is raised when a reservation loses the race for
	// the remaining on-hand quantity.
	KindInsufficientStock
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindPolicyViolation:
		return "policy_violation"
	case KindPaymentDeclined:
		return "payment_declined"
	case KindInsufficientStock:
		return "insufficient_stock"
	default:
		return "unknown"
	}
}

// Error is the typed error every core component reports. Resource names the
// offending entity (a product name, policy id, appointment id) so callers can
// surface it without parsing the message.
type Error struct {
	Kind     Kind
	Resource string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Resource, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, resource, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Resource: resource, Message: fmt.Sprintf(format, args...)}
}

func Validation(resource, format string, args ...interface{}) *Error {
	return New(KindValidation, resource, format, args...)
}

func Forbidden(resource, format string, args ...interface{}) *Error {
	return New(KindForbidden, resource, format, args...)
}

func NotFound(resource, format string, args ...interface{}) *Error {
	return New(KindNotFound, resource, format, args...)
}

func Conflict(resource, format string, args ...interface{}) *Error {
	return New(KindConflict, resource, format, args...)
}

func PolicyViolation(policyID, format string, args ...interface{}) *Error {
	return New(KindPolicyViolation, policyID, format, args...)
}

func PaymentDeclined(format string, args ...interface{}) *Error {
	return New(KindPaymentDeclined, "", format, args...)
}

func InsufficientStock(product, format string, args ...interface{}) *Error {
	return New(KindInsufficientStock, product, format, args...)
}

// KindOf reports the kind of err, walking the wrap chain. Errors that are not
// *Error report KindUnknown.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return KindUnknown
		}
		err = u.Unwrap()
	}
	return KindUnknown
}

// IsKind reports whether err (or anything it wraps) has the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
