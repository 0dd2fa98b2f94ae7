package lending

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "isolend/native/common"
	"isolend/native/fixedpoint"
	"isolend/native/interest"
)

// clampSub returns a-b, or zero when rounding left b slightly above a.
func clampSub(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Sub(a, b)
}

// addDebt books amount of new principal in mode, realising interest owed so
// far into the principal.
func (m *Market) addDebt(pos *Position, ledger *Ledger, mode RepayMode, amount *big.Int) error {
	now := ledger.AccrualCheckpoint
	switch mode {
	case ModeVariable:
		owed, err := variableDebt(pos, ledger)
		if err != nil {
			return err
		}
		if pos.VariablePrincipal, err = fixedpoint.Add(owed, amount); err != nil {
			return err
		}
		pos.VariableIndex = fixedpoint.Clone(ledger.BorrowIndex)
		ledger.TotalBorrows, err = fixedpoint.Add(ledger.TotalBorrows, amount)
		return err
	case ModeStable:
		rate, err := m.stableRate(ledger, amount)
		if err != nil {
			return err
		}
		owed, err := stableDebt(pos, now)
		if err != nil {
			return err
		}
		principal, err := fixedpoint.Add(owed, amount)
		if err != nil {
			return err
		}
		// account rate is the debt-weighted blend of the old and new rate
		blended, err := weightedRate(pos.StableRate, owed, rate, amount)
		if err != nil {
			return err
		}
		if err := ledger.restake(pos.StablePrincipal, pos.StableRate, principal, blended); err != nil {
			return err
		}
		if ledger.TotalStableBorrows, err = fixedpoint.Add(ledger.TotalStableBorrows, amount); err != nil {
			return err
		}
		pos.StablePrincipal = principal
		pos.StableRate = blended
		pos.StableCheckpoint = now
		return nil
	default:
		return fmt.Errorf("%w: unknown rate mode %d", ErrInvalidParams, mode)
	}
}

// weightedRate returns (rateA*weightA + rateB*weightB) / (weightA+weightB).
func weightedRate(rateA, weightA, rateB, weightB *big.Int) (*big.Int, error) {
	total, err := fixedpoint.Add(weightA, weightB)
	if err != nil {
		return nil, err
	}
	if total.Sign() == 0 {
		return new(big.Int), nil
	}
	a, err := fixedpoint.Mul(rateA, weightA)
	if err != nil {
		return nil, err
	}
	b, err := fixedpoint.Mul(rateB, weightB)
	if err != nil {
		return nil, err
	}
	sum, err := fixedpoint.Add(a, b)
	if err != nil {
		return nil, err
	}
	return fixedpoint.Div(sum, total)
}

// restake replaces one position's share of the stable sums. Once no stable
// principal is left the total and average are reset so rounding dust cannot
// keep accruing.
func (l *Ledger) restake(oldPrincipal, oldRate, newPrincipal, newRate *big.Int) error {
	leaving, err := fixedpoint.Mul(oldPrincipal, oldRate)
	if err != nil {
		return err
	}
	joining, err := fixedpoint.Mul(newPrincipal, newRate)
	if err != nil {
		return err
	}
	weight, err := fixedpoint.Add(clampSub(l.StableWeight, leaving), joining)
	if err != nil {
		return err
	}
	principals, err := fixedpoint.Add(clampSub(l.StablePrincipals, oldPrincipal), newPrincipal)
	if err != nil {
		return err
	}
	if principals.Sign() == 0 {
		l.StablePrincipals = new(big.Int)
		l.StableWeight = new(big.Int)
		l.TotalStableBorrows = new(big.Int)
		l.AverageStableRate = new(big.Int)
		return nil
	}
	l.StablePrincipals, l.StableWeight = principals, weight
	l.AverageStableRate, err = fixedpoint.Div(weight, principals)
	return err
}

// removeDebt reduces the mode's debt by amount, which must not exceed what
// is owed. A fully repaid leg is reset to canonical zero.
func (m *Market) removeDebt(pos *Position, ledger *Ledger, mode RepayMode, amount *big.Int) error {
	now := ledger.AccrualCheckpoint
	switch mode {
	case ModeVariable:
		owed, err := variableDebt(pos, ledger)
		if err != nil {
			return err
		}
		remaining, err := fixedpoint.Sub(owed, amount)
		if err != nil {
			return err
		}
		if remaining.Sign() == 0 {
			pos.clearVariable()
		} else {
			pos.VariablePrincipal = remaining
			pos.VariableIndex = fixedpoint.Clone(ledger.BorrowIndex)
		}
		ledger.TotalBorrows = clampSub(ledger.TotalBorrows, amount)
		return nil
	case ModeStable:
		owed, err := stableDebt(pos, now)
		if err != nil {
			return err
		}
		remaining, err := fixedpoint.Sub(owed, amount)
		if err != nil {
			return err
		}
		ledger.TotalStableBorrows = clampSub(ledger.TotalStableBorrows, amount)
		if err := ledger.restake(pos.StablePrincipal, pos.StableRate, remaining, pos.StableRate); err != nil {
			return err
		}
		if remaining.Sign() == 0 {
			pos.clearStable()
		} else {
			pos.StablePrincipal = remaining
			pos.StableCheckpoint = now
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown rate mode %d", ErrInvalidParams, mode)
	}
}

func debtIn(pos *Position, ledger *Ledger, mode RepayMode) (*big.Int, error) {
	if mode == ModeStable {
		return stableDebt(pos, ledger.AccrualCheckpoint)
	}
	return variableDebt(pos, ledger)
}

// Borrow lends amount at the variable rate.
func (m *Market) Borrow(borrower common.Address, amount *big.Int) error {
	return m.borrow(borrower, amount, ModeVariable)
}

// BorrowStable lends amount at a rate locked for the account.
func (m *Market) BorrowStable(borrower common.Address, amount *big.Int) error {
	if m.stableModel == nil {
		return ErrStableBorrowDisabled
	}
	return m.borrow(borrower, amount, ModeStable)
}

func (m *Market) borrow(borrower common.Address, amount *big.Int, mode RepayMode) error {
	if borrower == (common.Address{}) {
		return ErrInvalidParams
	}
	if err := requirePositive(amount); err != nil {
		return err
	}
	return m.run(func() error {
		if err := m.accrue(); err != nil {
			return err
		}
		ledger, err := m.loadLedger()
		if err != nil {
			return err
		}
		if err := m.requireFresh(ledger); err != nil {
			return err
		}
		if err := m.allow(borrower, nativecommon.ActionBorrow); err != nil {
			return err
		}
		cfg, err := m.loadConfig()
		if err != nil {
			return err
		}
		if limit := cfg.BorrowCap; limit.Sign() > 0 {
			next := new(big.Int).Add(ledger.TotalDebt(), amount)
			if next.Cmp(limit) > 0 {
				return fmt.Errorf("%w: %s > %s", ErrBorrowCapExceeded, next, limit)
			}
		}
		if ledger.Cash.Cmp(amount) < 0 {
			return ErrInsufficientCash
		}
		if err := m.requireLiquidity(borrower, nativecommon.ActionBorrow, nil, amount); err != nil {
			return err
		}
		if err := m.risk.EnsureMembership(borrower, m.address); err != nil {
			return err
		}

		pos, err := m.loadPosition(borrower)
		if err != nil {
			return err
		}
		if err := m.addDebt(pos, ledger, mode, amount); err != nil {
			return err
		}
		ledger.Cash.Sub(ledger.Cash, amount)
		if err := m.putLedger(ledger); err != nil {
			return err
		}
		if err := m.putPosition(borrower, pos); err != nil {
			return err
		}
		if err := m.transferOut(borrower, amount); err != nil {
			return err
		}
		owed, err := debtIn(pos, ledger, mode)
		if err != nil {
			return err
		}
		m.state.Emit(newBorrowEvent(m, borrower, amount, owed, mode))
		return nil
	})
}

// RepayBorrow repays the borrower's own debt in mode. MaxUint256 repays
// everything owed.
func (m *Market) RepayBorrow(borrower common.Address, amount *big.Int, mode RepayMode) (*big.Int, error) {
	return m.RepayBorrowBehalf(borrower, borrower, amount, mode)
}

// RepayBorrowBehalf repays borrower's debt with payer's tokens. No more than
// the debt is ever pulled.
func (m *Market) RepayBorrowBehalf(payer, borrower common.Address, amount *big.Int, mode RepayMode) (*big.Int, error) {
	if payer == (common.Address{}) || borrower == (common.Address{}) {
		return nil, ErrInvalidParams
	}
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	var repaid *big.Int
	err := m.run(func() error {
		if err := m.accrue(); err != nil {
			return err
		}
		ledger, err := m.loadLedger()
		if err != nil {
			return err
		}
		if err := m.requireFresh(ledger); err != nil {
			return err
		}
		if err := m.allow(borrower, nativecommon.ActionRepay); err != nil {
			return err
		}
		pos, err := m.loadPosition(borrower)
		if err != nil {
			return err
		}
		owed, err := debtIn(pos, ledger, mode)
		if err != nil {
			return err
		}
		if owed.Sign() == 0 {
			return ErrNoDebtToRepay
		}
		pull := fixedpoint.Min(amount, owed)
		received, err := m.transferIn(payer, pull)
		if err != nil {
			return err
		}
		if err := m.removeDebt(pos, ledger, mode, received); err != nil {
			return err
		}
		if ledger.Cash, err = fixedpoint.Add(ledger.Cash, received); err != nil {
			return err
		}
		if err := m.putLedger(ledger); err != nil {
			return err
		}
		if err := m.putPosition(borrower, pos); err != nil {
			return err
		}
		left, err := debtIn(pos, ledger, mode)
		if err != nil {
			return err
		}
		m.state.Emit(newRepayEvent(m, payer, borrower, received, left, mode))
		repaid = received
		return nil
	})
	if err != nil {
		return nil, err
	}
	return repaid, nil
}

// SwapBorrowRateMode moves amount of principal out of mode from into the
// other mode. A nil or MaxUint256 amount moves everything. No cash moves.
func (m *Market) SwapBorrowRateMode(account common.Address, from RepayMode, amount *big.Int) error {
	if account == (common.Address{}) {
		return ErrInvalidParams
	}
	if amount != nil && amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if m.stableModel == nil {
		return ErrStableBorrowDisabled
	}
	to := ModeStable
	if from == ModeStable {
		to = ModeVariable
	}
	return m.run(func() error {
		if err := m.accrue(); err != nil {
			return err
		}
		ledger, err := m.loadLedger()
		if err != nil {
			return err
		}
		if err := m.requireFresh(ledger); err != nil {
			return err
		}
		pos, err := m.loadPosition(account)
		if err != nil {
			return err
		}
		owed, err := debtIn(pos, ledger, from)
		if err != nil {
			return err
		}
		if owed.Sign() == 0 {
			return ErrNoDebtToRepay
		}
		moved := owed
		if amount != nil && !fixedpoint.IsMax(amount) {
			if amount.Cmp(owed) > 0 {
				return fmt.Errorf("%w: swap %s exceeds debt %s", ErrInvalidAmount, amount, owed)
			}
			moved = new(big.Int).Set(amount)
		}
		if err := m.removeDebt(pos, ledger, from, moved); err != nil {
			return err
		}
		if err := m.addDebt(pos, ledger, to, moved); err != nil {
			return err
		}
		if err := m.putLedger(ledger); err != nil {
			return err
		}
		if err := m.putPosition(account, pos); err != nil {
			return err
		}
		m.state.Emit(m.newEvent(EventTypeRateModeSwapped, map[string]string{
			"account": account.Hex(),
			"from":    from.String(),
			"to":      to.String(),
			"amount":  amountString(moved),
		}))
		return nil
	})
}

// RebalanceStableBorrowRate resets account's locked rate to the current
// stable rate. It is allowed only while utilization is at or above the
// configured threshold and the market's average borrow rate has fallen below
// the configured fraction of the variable rate.
func (m *Market) RebalanceStableBorrowRate(account common.Address) error {
	if account == (common.Address{}) {
		return ErrInvalidParams
	}
	if m.stableModel == nil {
		return ErrStableBorrowDisabled
	}
	return m.run(func() error {
		if err := m.accrue(); err != nil {
			return err
		}
		ledger, err := m.loadLedger()
		if err != nil {
			return err
		}
		if err := m.requireFresh(ledger); err != nil {
			return err
		}
		cfg, err := m.loadConfig()
		if err != nil {
			return err
		}
		pos, err := m.loadPosition(account)
		if err != nil {
			return err
		}
		if pos.StablePrincipal.Sign() == 0 {
			return ErrNoDebtToRepay
		}
		if err := m.checkRebalance(ledger, cfg); err != nil {
			return err
		}

		owed, err := stableDebt(pos, ledger.AccrualCheckpoint)
		if err != nil {
			return err
		}
		oldRate := pos.StableRate
		// take the position out of the average, reprice, and put it back
		if err := m.removeDebt(pos, ledger, ModeStable, owed); err != nil {
			return err
		}
		if err := m.addDebt(pos, ledger, ModeStable, owed); err != nil {
			return err
		}
		if err := m.putLedger(ledger); err != nil {
			return err
		}
		if err := m.putPosition(account, pos); err != nil {
			return err
		}
		m.state.Emit(m.newEvent(EventTypeStableRebalanced, map[string]string{
			"account": account.Hex(),
			"oldRate": amountString(oldRate),
			"newRate": amountString(pos.StableRate),
		}))
		return nil
	})
}

func (m *Market) checkRebalance(ledger *Ledger, cfg MarketConfig) error {
	utilization, err := interest.UtilizationRate(ledger.Cash, ledger.TotalDebt(), ledger.TotalReserves, ledger.BadDebt)
	if err != nil {
		return err
	}
	if utilization.Cmp(cfg.RebalanceUtilizationThreshold) < 0 {
		return fmt.Errorf("%w: utilization below threshold", ErrRebalanceNotAllowed)
	}
	variableRate, err := m.rateModel.BorrowRate(ledger.Cash, ledger.TotalDebt(), ledger.TotalReserves, ledger.BadDebt)
	if err != nil {
		return err
	}
	average, err := m.averageBorrowRate(ledger)
	if err != nil {
		return err
	}
	bound, err := fixedpoint.MulExp(variableRate, cfg.RebalanceRateFractionThreshold)
	if err != nil {
		return err
	}
	if average.Cmp(bound) >= 0 {
		return fmt.Errorf("%w: average rate %s not below %s", ErrRebalanceNotAllowed, average, bound)
	}
	return nil
}
