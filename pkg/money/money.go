// Package money holds helpers for integer minor-unit amounts.
//
// Balances and amounts are int64 minor units throughout the ledger. Decimal
// values appear only at presentation edges.
package money

import (
	"math"

	"github.com/shopspring/decimal"
)

// MinorUnitExponent is the number of minor-unit digits per major unit (cents).
const MinorUnitExponent = 2

// Format renders minor units as a fixed-point major-unit string, e.g. 95000 -> "950.00".
func Format(minor int64) string {
	return decimal.New(minor, -MinorUnitExponent).StringFixed(MinorUnitExponent)
}

// Add returns a+b and false when the sum overflows int64.
func Add(a, b int64) (int64, bool) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, false
	}
	if b < 0 && a < math.MinInt64-b {
		return 0, false
	}
	return a + b, true
}
