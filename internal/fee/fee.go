// Package fee computes the platform fee taken from an escrow.
package fee

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	MinPercentage = decimal.NewFromInt(5)
	MaxPercentage = decimal.NewFromInt(8)

	hundred = decimal.NewFromInt(100)
)

// Breakdown is an amount split into the platform fee and the company's share.
type Breakdown struct {
	Amount     decimal.Decimal
	Percentage decimal.Decimal
	Fee        decimal.Decimal
	Net        decimal.Decimal
}

// Compute splits amount at pct. The fee is rounded half away from zero to
// cents and Net is derived by subtraction, so Net+Fee always equals Amount.
func Compute(amount, pct decimal.Decimal) Breakdown {
	fee := amount.Mul(pct).Div(hundred).Round(2)
	return Breakdown{
		Amount:     amount,
		Percentage: pct,
		Fee:        fee,
		Net:        amount.Sub(fee),
	}
}

// ValidatePercentage rejects values outside [MinPercentage, MaxPercentage].
// Out-of-range values are never clamped.
func ValidatePercentage(pct decimal.Decimal) error {
	if pct.LessThan(MinPercentage) || pct.GreaterThan(MaxPercentage) {
		return fmt.Errorf("platform fee percentage must be between %s and %s, got %s",
			MinPercentage, MaxPercentage, pct)
	}
	if !pct.Equal(pct.Round(2)) {
		return fmt.Errorf("platform fee percentage allows at most 2 decimals, got %s", pct)
	}
	return nil
}

// ValidateAmount requires a positive amount with at most two decimals.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	if !amount.Equal(amount.Round(2)) {
		return fmt.Errorf("amount allows at most 2 decimals")
	}
	return nil
}
