package interest

import (
	"math/big"

	"isolend/native/fixedpoint"
)

// StableRate prices fixed-rate borrowing on top of the variable curve. The
// premium grows once stable loans exceed the optimal share of total borrows so
// that a market cannot be drained at a locked-in discount.
type StableRate struct {
	BasePremiumPerPeriod   *big.Int
	StablePremiumPerPeriod *big.Int
	OptimalStableLoanRatio *big.Int
}

// NewStableRate converts yearly premiums into per-period ones.
func NewStableRate(basePremiumPerYear, stablePremiumPerYear, optimalRatio *big.Int, periodsPerYear uint64) (*StableRate, error) {
	base, err := perPeriod(basePremiumPerYear, periodsPerYear)
	if err != nil {
		return nil, err
	}
	premium, err := perPeriod(stablePremiumPerYear, periodsPerYear)
	if err != nil {
		return nil, err
	}
	return &StableRate{
		BasePremiumPerPeriod:   base,
		StablePremiumPerPeriod: premium,
		OptimalStableLoanRatio: fixedpoint.Clone(optimalRatio),
	}, nil
}

// StableLoanRatio returns stableBorrows / totalBorrows.
func StableLoanRatio(stableBorrows, totalBorrows *big.Int) (*big.Int, error) {
	if totalBorrows == nil || totalBorrows.Sign() == 0 {
		return new(big.Int), nil
	}
	return fixedpoint.DivExp(stableBorrows, totalBorrows)
}

// StableBorrowRate returns variable + base premium + premium * excess ratio,
// where excess = (ratio - optimal) / (1 - optimal) once ratio > optimal.
func (m *StableRate) StableBorrowRate(variableRate, stableBorrows, totalBorrows *big.Int) (*big.Int, error) {
	rate, err := fixedpoint.Add(variableRate, m.BasePremiumPerPeriod)
	if err != nil {
		return nil, err
	}
	ratio, err := StableLoanRatio(stableBorrows, totalBorrows)
	if err != nil {
		return nil, err
	}
	optimal := fixedpoint.Clone(m.OptimalStableLoanRatio)
	if ratio.Cmp(optimal) <= 0 {
		return rate, nil
	}
	over, err := fixedpoint.Sub(ratio, optimal)
	if err != nil {
		return nil, err
	}
	room, err := fixedpoint.Sub(fixedpoint.Scale, optimal)
	if err != nil {
		return nil, err
	}
	if room.Sign() == 0 {
		return fixedpoint.Add(rate, m.StablePremiumPerPeriod)
	}
	excess, err := fixedpoint.DivExp(over, room)
	if err != nil {
		return nil, err
	}
	return fixedpoint.MulTruncateAdd(excess, m.StablePremiumPerPeriod, rate)
}
