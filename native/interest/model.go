// Package interest contains the rate models markets consult during accrual.
// Models are pure: they map a market's balances to per-period rates expressed
// as 18-decimal mantissas and hold no ledger state of their own.
package interest

import (
	"errors"
	"math/big"

	"isolend/native/fixedpoint"
)

var errPeriodsPerYear = errors.New("interest: periods per year must be positive")

// Model maps utilisation to per-period borrow and supply rates.
type Model interface {
	BorrowRate(cash, borrows, reserves, badDebt *big.Int) (*big.Int, error)
	SupplyRate(cash, borrows, reserves, reserveFactor, badDebt *big.Int) (*big.Int, error)
}

// UtilizationRate computes U = (borrows + badDebt) / (cash + borrows + badDebt - reserves).
// A market with nothing lent out has zero utilisation.
func UtilizationRate(cash, borrows, reserves, badDebt *big.Int) (*big.Int, error) {
	lent, err := fixedpoint.Add(borrows, badDebt)
	if err != nil {
		return nil, err
	}
	if lent.Sign() == 0 {
		return new(big.Int), nil
	}
	gross, err := fixedpoint.Add(cash, lent)
	if err != nil {
		return nil, err
	}
	denominator, err := fixedpoint.Sub(gross, reserves)
	if err != nil {
		return nil, err
	}
	return fixedpoint.DivExp(lent, denominator)
}

// supplyFromBorrow derives the supplier rate: U * borrowRate * (1 - reserveFactor).
func supplyFromBorrow(borrowRate, utilization, reserveFactor *big.Int) (*big.Int, error) {
	oneMinus, err := fixedpoint.Sub(fixedpoint.Scale, reserveFactor)
	if err != nil {
		return nil, err
	}
	rateToPool, err := fixedpoint.MulExp(borrowRate, oneMinus)
	if err != nil {
		return nil, err
	}
	return fixedpoint.MulExp(utilization, rateToPool)
}

func perPeriod(perYear *big.Int, periodsPerYear uint64) (*big.Int, error) {
	if periodsPerYear == 0 {
		return nil, errPeriodsPerYear
	}
	return fixedpoint.Div(perYear, new(big.Int).SetUint64(periodsPerYear))
}

// WhitePaper is the linear model: rate = base + U * multiplier.
type WhitePaper struct {
	BaseRatePerPeriod   *big.Int
	MultiplierPerPeriod *big.Int
}

// NewWhitePaper converts yearly parameters into per-period ones.
func NewWhitePaper(baseRatePerYear, multiplierPerYear *big.Int, periodsPerYear uint64) (*WhitePaper, error) {
	base, err := perPeriod(baseRatePerYear, periodsPerYear)
	if err != nil {
		return nil, err
	}
	multiplier, err := perPeriod(multiplierPerYear, periodsPerYear)
	if err != nil {
		return nil, err
	}
	return &WhitePaper{BaseRatePerPeriod: base, MultiplierPerPeriod: multiplier}, nil
}

func (m *WhitePaper) BorrowRate(cash, borrows, reserves, badDebt *big.Int) (*big.Int, error) {
	utilization, err := UtilizationRate(cash, borrows, reserves, badDebt)
	if err != nil {
		return nil, err
	}
	return fixedpoint.MulTruncateAdd(utilization, m.MultiplierPerPeriod, m.BaseRatePerPeriod)
}

func (m *WhitePaper) SupplyRate(cash, borrows, reserves, reserveFactor, badDebt *big.Int) (*big.Int, error) {
	utilization, err := UtilizationRate(cash, borrows, reserves, badDebt)
	if err != nil {
		return nil, err
	}
	borrowRate, err := m.BorrowRate(cash, borrows, reserves, badDebt)
	if err != nil {
		return nil, err
	}
	return supplyFromBorrow(borrowRate, utilization, reserveFactor)
}

// JumpRate is the kinked model: linear up to Kink, then JumpMultiplier applies
// to the excess utilisation.
type JumpRate struct {
	BaseRatePerPeriod       *big.Int
	MultiplierPerPeriod     *big.Int
	JumpMultiplierPerPeriod *big.Int
	Kink                    *big.Int
}

// NewJumpRate converts yearly parameters into per-period ones. Kink is a plain
// utilisation mantissa and is not scaled.
func NewJumpRate(baseRatePerYear, multiplierPerYear, jumpMultiplierPerYear, kink *big.Int, periodsPerYear uint64) (*JumpRate, error) {
	base, err := perPeriod(baseRatePerYear, periodsPerYear)
	if err != nil {
		return nil, err
	}
	multiplier, err := perPeriod(multiplierPerYear, periodsPerYear)
	if err != nil {
		return nil, err
	}
	jump, err := perPeriod(jumpMultiplierPerYear, periodsPerYear)
	if err != nil {
		return nil, err
	}
	return &JumpRate{
		BaseRatePerPeriod:       base,
		MultiplierPerPeriod:     multiplier,
		JumpMultiplierPerPeriod: jump,
		Kink:                    fixedpoint.Clone(kink),
	}, nil
}

func (m *JumpRate) BorrowRate(cash, borrows, reserves, badDebt *big.Int) (*big.Int, error) {
	utilization, err := UtilizationRate(cash, borrows, reserves, badDebt)
	if err != nil {
		return nil, err
	}
	kink := fixedpoint.Clone(m.Kink)
	if kink.Sign() == 0 || utilization.Cmp(kink) <= 0 {
		return fixedpoint.MulTruncateAdd(utilization, m.MultiplierPerPeriod, m.BaseRatePerPeriod)
	}
	normal, err := fixedpoint.MulTruncateAdd(kink, m.MultiplierPerPeriod, m.BaseRatePerPeriod)
	if err != nil {
		return nil, err
	}
	excess, err := fixedpoint.Sub(utilization, kink)
	if err != nil {
		return nil, err
	}
	return fixedpoint.MulTruncateAdd(excess, m.JumpMultiplierPerPeriod, normal)
}

func (m *JumpRate) SupplyRate(cash, borrows, reserves, reserveFactor, badDebt *big.Int) (*big.Int, error) {
	utilization, err := UtilizationRate(cash, borrows, reserves, badDebt)
	if err != nil {
		return nil, err
	}
	borrowRate, err := m.BorrowRate(cash, borrows, reserves, badDebt)
	if err != nil {
		return nil, err
	}
	return supplyFromBorrow(borrowRate, utilization, reserveFactor)
}
