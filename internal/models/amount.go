package models

import (
	"fmt"
	"math"

	"auction-engine/internal/biddingerrors"

	"github.com/shopspring/decimal"
)

var maxAmount = decimal.NewFromInt(math.MaxInt64)

// AmountFromDecimal converts a wire amount into integral currency units.
// Fractional, non-positive or out-of-range values are rejected with ErrInvalidAmount.
func AmountFromDecimal(d decimal.Decimal) (int64, error) {
	if !d.IsPositive() {
		return 0, fmt.Errorf("%w: amount must be positive, got %s", biddingerrors.ErrInvalidAmount, d.String())
	}
	if !d.IsInteger() {
		return 0, fmt.Errorf("%w: amount must be a whole currency unit, got %s", biddingerrors.ErrInvalidAmount, d.String())
	}
	if d.GreaterThan(maxAmount) {
		return 0, fmt.Errorf("%w: amount %s is out of range", biddingerrors.ErrInvalidAmount, d.String())
	}
	return d.IntPart(), nil
}

// PriceFromDecimal converts a wire price into integral currency units. Unlike
// a bid amount, a price may be zero.
func PriceFromDecimal(d decimal.Decimal) (int64, error) {
	if d.IsZero() {
		return 0, nil
	}
	return AmountFromDecimal(d)
}
