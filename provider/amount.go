package provider

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// minorUnitScale is the number of decimals of a two-decimal currency such as CNY.
const minorUnitScale = 2

var maxMinorUnits = decimal.NewFromInt(math.MaxInt64)

// ToMinorUnits converts an amount in major units (yuan) to minor units (fen).
// Amounts that are not positive or carry more than two decimals are rejected;
// nothing is rounded.
func ToMinorUnits(amount decimal.Decimal) (int64, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return 0, fmt.Errorf("%w: amount must be greater than 0", ErrInvalidRequest)
	}

	minor := amount.Shift(minorUnitScale)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("%w: amount %s has more than %d decimals", ErrInvalidRequest, amount.String(), minorUnitScale)
	}
	if minor.GreaterThan(maxMinorUnits) {
		return 0, fmt.Errorf("%w: amount %s is too large", ErrInvalidRequest, amount.String())
	}
	return minor.IntPart(), nil
}

// ToMajorUnits converts minor units back to a major-unit amount.
func ToMajorUnits(minor int64) decimal.Decimal {
	return decimal.NewFromInt(minor).Shift(-minorUnitScale)
}

// FormatMajorUnits renders minor units with exactly two decimals, e.g. 990 as "9.90".
func FormatMajorUnits(minor int64) string {
	return ToMajorUnits(minor).StringFixed(minorUnitScale)
}
