package lending

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "isolend/native/common"
	"isolend/native/fixedpoint"
)

// LiquidateBorrow repays part of borrower's debt in m on their behalf and
// seizes collateral shares in the collateral market. Both markets are
// accrued first; the seized share count is returned.
func (m *Market) LiquidateBorrow(liquidator, borrower common.Address, repay *big.Int, collateral *Market) (*big.Int, error) {
	if collateral == nil || liquidator == (common.Address{}) || borrower == (common.Address{}) {
		return nil, ErrInvalidParams
	}
	if liquidator == borrower {
		return nil, ErrLiquidatorIsBorrower
	}
	if err := requirePositive(repay); err != nil {
		return nil, err
	}
	if fixedpoint.IsMax(repay) {
		return nil, ErrRepayAll
	}
	var seized *big.Int
	err := m.run(func() error {
		if err := m.accrue(); err != nil {
			return err
		}
		if collateral != m {
			if err := collateral.AccrueInterest(); err != nil {
				return err
			}
		}
		var err error
		seized, err = m.liquidateFresh(liquidator, borrower, repay, collateral)
		return err
	})
	if err != nil {
		return nil, err
	}
	return seized, nil
}

func (m *Market) liquidateFresh(liquidator, borrower common.Address, repay *big.Int, collateral *Market) (*big.Int, error) {
	ledger, err := m.loadLedger()
	if err != nil {
		return nil, err
	}
	if err := m.requireFresh(ledger); err != nil {
		return nil, err
	}
	collateralLedger, err := collateral.loadLedger()
	if err != nil {
		return nil, err
	}
	if collateralLedger.AccrualCheckpoint != m.clock.Current() {
		return nil, ErrStaleCollateral
	}
	if !m.risk.IsListed(collateral.address) {
		return nil, &PolicyError{Action: nativecommon.ActionLiquidate, Code: nativecommon.RejectionMarketNotListed}
	}
	if err := m.allow(borrower, nativecommon.ActionLiquidate); err != nil {
		return nil, err
	}

	pos, err := m.loadPosition(borrower)
	if err != nil {
		return nil, err
	}
	variable, stable, err := accountDebt(pos, ledger)
	if err != nil {
		return nil, err
	}
	debt, err := fixedpoint.Add(variable, stable)
	if err != nil {
		return nil, err
	}
	if debt.Sign() == 0 {
		return nil, ErrNoDebtToRepay
	}
	closeFactor, err := m.risk.CloseFactor()
	if err != nil {
		return nil, err
	}
	maxClose, err := fixedpoint.MulTruncate(closeFactor, debt)
	if err != nil {
		return nil, err
	}
	if repay.Cmp(maxClose) > 0 {
		return nil, fmt.Errorf("%w: %s > %s", ErrTooMuchRepay, repay, maxClose)
	}
	seizeShares, err := m.risk.CalculateSeizeTokens(m.address, collateral.address, repay)
	if err != nil {
		return nil, err
	}
	held, err := collateral.BalanceOf(borrower)
	if err != nil {
		return nil, err
	}
	if held.Cmp(seizeShares) < 0 {
		return nil, fmt.Errorf("%w: seize %s of %s", ErrSeizeTooMuch, seizeShares, held)
	}

	if err := m.transferInExact(liquidator, repay); err != nil {
		return nil, err
	}
	fromVariable := fixedpoint.Min(repay, variable)
	fromStable := new(big.Int).Sub(repay, fromVariable)
	if fromVariable.Sign() > 0 {
		if err := m.removeDebt(pos, ledger, ModeVariable, fromVariable); err != nil {
			return nil, err
		}
	}
	if fromStable.Sign() > 0 {
		if err := m.removeDebt(pos, ledger, ModeStable, fromStable); err != nil {
			return nil, err
		}
	}
	if ledger.Cash, err = fixedpoint.Add(ledger.Cash, repay); err != nil {
		return nil, err
	}
	if err := m.putLedger(ledger); err != nil {
		return nil, err
	}
	if err := m.putPosition(borrower, pos); err != nil {
		return nil, err
	}

	if collateral == m {
		err = m.seize(liquidator, borrower, seizeShares)
	} else {
		err = collateral.Seize(m.address, liquidator, borrower, seizeShares)
	}
	if err != nil {
		return nil, err
	}
	m.state.Emit(m.newEvent(EventTypeLiquidate, map[string]string{
		"liquidator":       liquidator.Hex(),
		"borrower":         borrower.Hex(),
		"repay":            amountString(repay),
		"collateralMarket": collateral.address.Hex(),
		"seizedShares":     amountString(seizeShares),
	}))
	m.logger.Info("lending: liquidation", "borrower", borrower.Hex(), "repay", repay.String(), "seized", seizeShares.String())
	return seizeShares, nil
}

// Seize moves shares of borrower's collateral to liquidator on behalf of
// seizer, another market in the same pool. The protocol's cut is burned
// into reserves.
func (m *Market) Seize(seizer, liquidator, borrower common.Address, shares *big.Int) error {
	if seizer == (common.Address{}) || !m.risk.IsListed(seizer) {
		return ErrUnauthorizedCaller
	}
	if err := requirePositive(shares); err != nil {
		return err
	}
	return m.run(func() error {
		return m.seize(liquidator, borrower, shares)
	})
}

// checkSeizeShare enforces share < incentive - 1. At the boundary the
// liquidator would keep nothing beyond the repaid value.
func checkSeizeShare(share, incentive *big.Int) error {
	spread, err := fixedpoint.Sub(incentive, fixedpoint.Scale)
	if err != nil {
		return fmt.Errorf("%w: liquidation incentive below one", ErrProtocolSeizeShareTooHigh)
	}
	if fixedpoint.Clone(share).Cmp(spread) >= 0 {
		return fmt.Errorf("%w: %s >= %s", ErrProtocolSeizeShareTooHigh, share, spread)
	}
	return nil
}

func (m *Market) seize(liquidator, borrower common.Address, shares *big.Int) error {
	if liquidator == borrower {
		return ErrLiquidatorIsBorrower
	}
	if err := m.allow(borrower, nativecommon.ActionSeize); err != nil {
		return err
	}
	ledger, err := m.loadLedger()
	if err != nil {
		return err
	}
	cfg, err := m.loadConfig()
	if err != nil {
		return err
	}
	incentive, err := m.risk.LiquidationIncentive()
	if err != nil {
		return err
	}
	if err := checkSeizeShare(cfg.ProtocolSeizeShare, incentive); err != nil {
		return err
	}
	victim, err := m.loadPosition(borrower)
	if err != nil {
		return err
	}
	if victim.Shares.Cmp(shares) < 0 {
		return ErrSeizeTooMuch
	}

	protocolShares, err := fixedpoint.MulDiv(shares, cfg.ProtocolSeizeShare, incentive)
	if err != nil {
		return err
	}
	liquidatorShares := new(big.Int).Sub(shares, protocolShares)
	rate, err := m.exchangeRate(ledger, cfg)
	if err != nil {
		return err
	}
	protocolAmount, err := fixedpoint.MulTruncate(rate, protocolShares)
	if err != nil {
		return err
	}

	victim.Shares.Sub(victim.Shares, shares)
	if ledger.TotalShares, err = fixedpoint.Sub(ledger.TotalShares, protocolShares); err != nil {
		return err
	}
	if ledger.TotalReserves, err = fixedpoint.Add(ledger.TotalReserves, protocolAmount); err != nil {
		return err
	}
	if err := m.putLedger(ledger); err != nil {
		return err
	}
	if err := m.putPosition(borrower, victim); err != nil {
		return err
	}
	winner, err := m.loadPosition(liquidator)
	if err != nil {
		return err
	}
	winner.Shares.Add(winner.Shares, liquidatorShares)
	if err := m.putPosition(liquidator, winner); err != nil {
		return err
	}
	m.state.Emit(m.newEvent(EventTypeSeize, map[string]string{
		"liquidator":       liquidator.Hex(),
		"borrower":         borrower.Hex(),
		"seizedShares":     amountString(shares),
		"liquidatorShares": amountString(liquidatorShares),
		"protocolShares":   amountString(protocolShares),
		"protocolAmount":   amountString(protocolAmount),
	}))
	return nil
}
