package ledger

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// AmountScale is the number of decimal places carried by every amount.
	AmountScale = 2
	// AmountDigits is the maximum number of significant digits.
	AmountDigits = 12
)

// MaxAmount is the largest representable amount.
var MaxAmount = decimal.New(1, AmountDigits-AmountScale).Sub(decimal.New(1, -AmountScale))

// ParseAmount parses a decimal string and validates it as a transfer amount.
func ParseAmount(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	if err := ValidateAmount(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// ValidateAmount checks that d is strictly positive and fits the fixed-point format.
func ValidateAmount(d decimal.Decimal) error {
	if !d.IsPositive() {
		return fmt.Errorf("%w: %s must be greater than zero", ErrInvalidAmount, d.String())
	}
	if !fitsFormat(d) {
		return fmt.Errorf("%w: %s exceeds %d digits with %d decimal places", ErrInvalidAmount, d.String(), AmountDigits, AmountScale)
	}
	return nil
}

// validateCreditLimit accepts nil (unlimited) or a non-negative fixed-point value.
func validateCreditLimit(limit *decimal.Decimal) error {
	if limit == nil {
		return nil
	}
	if limit.IsNegative() || !fitsFormat(*limit) {
		return fmt.Errorf("%w: credit limit %s", ErrInvalidAccount, limit.String())
	}
	return nil
}

func fitsFormat(d decimal.Decimal) bool {
	if !d.Equal(d.Round(AmountScale)) {
		return false
	}
	return d.Abs().LessThanOrEqual(MaxAmount)
}

func formatAmount(d decimal.Decimal) string {
	return d.StringFixed(AmountScale)
}
