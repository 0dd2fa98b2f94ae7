package lending

import (
	"fmt"
	"math/big"

	"isolend/native/clock"
	"isolend/native/fixedpoint"
)

// AccrueInterest brings the market's checkpoint up to the clock. It is a
// no-op when the market is already fresh.
func (m *Market) AccrueInterest() error {
	return m.run(m.accrue)
}

// accrue is the body of AccrueInterest for callers that already hold the
// guard and an open transaction.
func (m *Market) accrue() error {
	ledger, err := m.loadLedger()
	if err != nil {
		return err
	}
	cfg, err := m.loadConfig()
	if err != nil {
		return err
	}
	now := m.clock.Current()
	if ledger.AccrualCheckpoint == now {
		return nil
	}
	elapsed := clock.PeriodsElapsed(ledger.AccrualCheckpoint, now)
	if elapsed == 0 {
		return nil
	}

	next, interest, err := m.accrueLedger(ledger, cfg, now, elapsed)
	if err != nil {
		return err
	}

	release := new(big.Int)
	if cfg.ReduceReservesDelta > 0 && m.converter != nil &&
		clock.PeriodsElapsed(next.LastReduceReserves, now) >= cfg.ReduceReservesDelta {
		next.LastReduceReserves = now
		release = fixedpoint.Min(next.TotalReserves, next.Cash)
	}
	if err := m.putLedger(next); err != nil {
		return err
	}
	m.state.Emit(newAccrueEvent(m, next, interest))

	if release.Sign() > 0 {
		return m.releaseReserves(next, release)
	}
	return nil
}

// accrueLedger computes the accrued ledger without writing anything:
//
//	interest       = totalBorrows * rate * elapsed
//	stableInterest = sum(principal_i * stableRate_i) * elapsed
//	reserves      += (interest + stableInterest) * reserveFactor
//	borrowIndex   += borrowIndex * rate * elapsed
func (m *Market) accrueLedger(ledger *Ledger, cfg MarketConfig, now, elapsed uint64) (*Ledger, *big.Int, error) {
	rate, err := m.rateModel.BorrowRate(ledger.Cash, ledger.TotalDebt(), ledger.TotalReserves, ledger.BadDebt)
	if err != nil {
		return nil, nil, err
	}
	if rate.Cmp(cfg.MaxBorrowRate) > 0 {
		return nil, nil, fmt.Errorf("%w: %s > %s", ErrRateTooHigh, rate, cfg.MaxBorrowRate)
	}
	periods := new(big.Int).SetUint64(elapsed)

	simpleFactor, err := fixedpoint.Mul(rate, periods)
	if err != nil {
		return nil, nil, err
	}
	variableInterest, err := fixedpoint.MulTruncate(simpleFactor, ledger.TotalBorrows)
	if err != nil {
		return nil, nil, err
	}
	stableInterest, err := fixedpoint.MulTruncate(ledger.StableWeight, periods)
	if err != nil {
		return nil, nil, err
	}
	interest, err := fixedpoint.Add(variableInterest, stableInterest)
	if err != nil {
		return nil, nil, err
	}

	next := ledger.Clone()
	if next.TotalBorrows, err = fixedpoint.Add(ledger.TotalBorrows, variableInterest); err != nil {
		return nil, nil, err
	}
	if next.TotalStableBorrows, err = fixedpoint.Add(ledger.TotalStableBorrows, stableInterest); err != nil {
		return nil, nil, err
	}
	if next.TotalReserves, err = fixedpoint.MulTruncateAdd(cfg.ReserveFactor, interest, ledger.TotalReserves); err != nil {
		return nil, nil, err
	}
	if next.BorrowIndex, err = fixedpoint.MulTruncateAdd(simpleFactor, ledger.BorrowIndex, ledger.BorrowIndex); err != nil {
		return nil, nil, err
	}
	next.AccrualCheckpoint = now
	return next, interest, nil
}
