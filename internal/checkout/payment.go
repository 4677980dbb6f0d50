package checkout

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"marketplace-api/internal/apperr"
	"marketplace-api/internal/models"
)

// PaymentGateway is the pass/fail payment contract. The real gateway lives
// outside the engine; the contract is that a charge either fails
// deterministically and synchronously, or yields a payment reference.
type PaymentGateway interface {
	Charge(ctx context.Context, info models.PaymentInfo, amountCents int64) (ref string, err error)
}

// CardValidator is the built-in gateway: a card passes when its number is 16
// digits and not blacklisted. No network, no retries.
type CardValidator struct {
	blacklist map[string]bool
}

// NewCardValidator creates a validator with the given blacklisted numbers.
func NewCardValidator(blacklist ...string) *CardValidator {
	set := make(map[string]bool, len(blacklist))
	for _, number := range blacklist {
		set[normalizeCard(number)] = true
	}
	return &CardValidator{blacklist: set}
}

// Charge validates the card and returns a payment reference.
func (v *CardValidator) Charge(_ context.Context, info models.PaymentInfo, _ int64) (string, error) {
	number := normalizeCard(info.CardNumber)
	if len(number) != 16 {
		return "", apperr.PaymentDeclined("card number must be 16 digits")
	}
	for _, r := range number {
		if r < '0' || r > '9' {
			return "", apperr.PaymentDeclined("card number must be numeric")
		}
	}
	if v.blacklist[number] {
		return "", apperr.PaymentDeclined("card is blacklisted")
	}
	return "pay-" + uuid.New().String(), nil
}

func normalizeCard(number string) string {
	number = strings.ReplaceAll(number, " ", "")
	return strings.ReplaceAll(number, "-", "")
}
