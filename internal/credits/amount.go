// Package credits defines the fixed-point credit amounts used by the ledger.
// Amounts are decimal at the API boundary and integer micro-credits in
// storage, so every balance mutation can be a single atomic SQL statement.
package credits

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MaxScale is the number of decimal places a credit amount may carry.
// One micro-credit (1e-6) is the smallest billable unit.
const MaxScale = 6

var microFactor = decimal.New(1, MaxScale) // 10^6

// Zero is the zero credit amount.
var Zero = decimal.Zero

// Parse converts a decimal string into a credit amount, rejecting values
// finer than micro-credit resolution.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse credit amount %q: %w", s, err)
	}
	if d.Exponent() < -MaxScale {
		return decimal.Zero, fmt.Errorf("credit amount %q exceeds %d decimal places", s, MaxScale)
	}
	return d, nil
}

// ToMicro converts a credit amount to integer micro-credits.
// Fails if the amount is finer than micro-credit resolution.
func ToMicro(d decimal.Decimal) (int64, error) {
	scaled := d.Mul(microFactor)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("credit amount %s exceeds %d decimal places", d.String(), MaxScale)
	}
	if !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("credit amount %s overflows micro-credit range", d.String())
	}
	return scaled.IntPart(), nil
}

// FromMicro converts integer micro-credits back to a decimal credit amount.
func FromMicro(n int64) decimal.Decimal {
	return decimal.New(n, -MaxScale)
}
