package helpers

import (
	"github.com/shopspring/decimal"

	pkgerrors "github.com/angelmondragon/marketplace-settlement/pkg/errors"
)

var one = decimal.NewFromInt(1)

// PlatformFee returns round_half_up(price × rate) in minor units.
func PlatformFee(priceCents int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(priceCents).Mul(rate).Round(0).IntPart()
}

// ValidateFeeRate accepts rates in [0, 1) with at most four decimal places,
// matching the numeric(5,4) column.
func ValidateFeeRate(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThanOrEqual(one) {
		return pkgerrors.New(pkgerrors.CodeInternal, "fee percentage out of range").
			WithDetails(map[string]any{"feePercentage": rate.String()})
	}
	if !rate.Equal(rate.Truncate(4)) {
		return pkgerrors.New(pkgerrors.CodeInternal, "fee percentage exceeds four decimal places").
			WithDetails(map[string]any{"feePercentage": rate.String()})
	}
	return nil
}
