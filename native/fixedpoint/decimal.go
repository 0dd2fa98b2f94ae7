package fixedpoint

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const decimals = 18

// Exp parses a decimal string ("0.15", "1.08", "2") into an 18-decimal
// mantissa. Digits beyond the 18th decimal are truncated.
func Exp(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return new(big.Int), nil
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("fixedpoint: parse %q: %w", value, err)
	}
	return FromDecimal(d)
}

// MustExp is Exp for compile-time constants and tests.
func MustExp(value string) *big.Int {
	v, err := Exp(value)
	if err != nil {
		panic(err)
	}
	return v
}

// FromDecimal converts a decimal into a mantissa, rejecting negatives and
// values that do not fit 256 bits.
func FromDecimal(d decimal.Decimal) (*big.Int, error) {
	if d.IsNegative() {
		return nil, ErrUnderflow
	}
	mantissa := d.Shift(decimals).Truncate(0).BigInt()
	if _, err := load(mantissa); err != nil {
		return nil, err
	}
	return mantissa, nil
}

// Amount parses a plain integer amount ("1000", "2500000000000000000").
func Amount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("fixedpoint: invalid amount %q", value)
	}
	if _, err := load(v); err != nil {
		return nil, err
	}
	return v, nil
}

// Format renders a mantissa as a human readable decimal string.
func Format(mantissa *big.Int) string {
	if mantissa == nil {
		return "0"
	}
	return decimal.NewFromBigInt(mantissa, -decimals).String()
}
