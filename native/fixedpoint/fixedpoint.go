// Package fixedpoint implements the 18-decimal scaled-integer arithmetic used
// by every ledger calculation. Amounts travel as *big.Int to match the rest of
// the codebase, but every operation is evaluated in 256-bit unsigned space so
// that results which would not fit an on-chain word abort instead of silently
// growing.
package fixedpoint

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

var (
	ErrOverflow       = errors.New("fixedpoint: overflow")
	ErrUnderflow      = errors.New("fixedpoint: underflow")
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")
)

var (
	// Scale is the mantissa denominator (1e18).
	Scale = big.NewInt(1_000_000_000_000_000_000)
	// HalfScale is 0.5 expressed as a mantissa.
	HalfScale = big.NewInt(500_000_000_000_000_000)
	// MaxUint256 is the largest representable amount. Repay entry points treat
	// it as "everything owed".
	MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

func load(x *big.Int) (*uint256.Int, error) {
	if x == nil {
		return new(uint256.Int), nil
	}
	if x.Sign() < 0 {
		return nil, ErrUnderflow
	}
	v, overflow := uint256.FromBig(x)
	if overflow {
		return nil, ErrOverflow
	}
	return v, nil
}

func load2(a, b *big.Int) (*uint256.Int, *uint256.Int, error) {
	x, err := load(a)
	if err != nil {
		return nil, nil, err
	}
	y, err := load(b)
	if err != nil {
		return nil, nil, err
	}
	return x, y, nil
}

// Add returns a+b.
func Add(a, b *big.Int) (*big.Int, error) {
	x, y, err := load2(a, b)
	if err != nil {
		return nil, err
	}
	if _, overflow := x.AddOverflow(x, y); overflow {
		return nil, ErrOverflow
	}
	return x.ToBig(), nil
}

// Sub returns a-b and fails when b > a.
func Sub(a, b *big.Int) (*big.Int, error) {
	x, y, err := load2(a, b)
	if err != nil {
		return nil, err
	}
	if _, underflow := x.SubOverflow(x, y); underflow {
		return nil, ErrUnderflow
	}
	return x.ToBig(), nil
}

// Mul returns a*b.
func Mul(a, b *big.Int) (*big.Int, error) {
	x, y, err := load2(a, b)
	if err != nil {
		return nil, err
	}
	if _, overflow := x.MulOverflow(x, y); overflow {
		return nil, ErrOverflow
	}
	return x.ToBig(), nil
}

// Div returns a/b truncated.
func Div(a, b *big.Int) (*big.Int, error) {
	x, y, err := load2(a, b)
	if err != nil {
		return nil, err
	}
	if y.IsZero() {
		return nil, ErrDivisionByZero
	}
	return x.Div(x, y).ToBig(), nil
}

// MulExp multiplies two mantissas: a*b/1e18.
func MulExp(a, b *big.Int) (*big.Int, error) {
	product, err := Mul(a, b)
	if err != nil {
		return nil, err
	}
	return Div(product, Scale)
}

// DivExp divides two mantissas: a*1e18/b.
func DivExp(a, b *big.Int) (*big.Int, error) {
	scaled, err := Mul(a, Scale)
	if err != nil {
		return nil, err
	}
	return Div(scaled, b)
}

// MulTruncate applies a mantissa to a plain amount and truncates the result
// back to an integer: truncate(exp * scalar).
func MulTruncate(exp, scalar *big.Int) (*big.Int, error) {
	return MulExp(exp, scalar)
}

// MulTruncateAdd returns truncate(exp * scalar) + addend.
func MulTruncateAdd(exp, scalar, addend *big.Int) (*big.Int, error) {
	product, err := MulTruncate(exp, scalar)
	if err != nil {
		return nil, err
	}
	return Add(product, addend)
}

// DivScalarByExp returns scalar*1e18/exp, the inverse of MulTruncate.
func DivScalarByExp(scalar, exp *big.Int) (*big.Int, error) {
	return DivExp(scalar, exp)
}

// MulDiv returns a*b/d with the product checked for overflow.
func MulDiv(a, b, d *big.Int) (*big.Int, error) {
	product, err := Mul(a, b)
	if err != nil {
		return nil, err
	}
	return Div(product, d)
}

// Truncate drops the fractional part of a mantissa.
func Truncate(exp *big.Int) *big.Int {
	if exp == nil {
		return new(big.Int)
	}
	return new(big.Int).Quo(exp, Scale)
}

// IsMax reports whether v equals MaxUint256.
func IsMax(v *big.Int) bool {
	return v != nil && v.Cmp(MaxUint256) == 0
}

// Min returns a copy of the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Clone returns a copy of v, mapping nil to zero.
func Clone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// One returns 1e18 as a fresh value.
func One() *big.Int { return new(big.Int).Set(Scale) }

// Bps converts basis points to a mantissa.
func Bps(bps uint64) *big.Int {
	v := new(big.Int).SetUint64(bps)
	v.Mul(v, big.NewInt(100_000_000_000_000))
	return v
}

// ToUint256 exposes the checked conversion for callers that keep values in
// word form.
func ToUint256(x *big.Int) (*uint256.Int, error) { return load(x) }
