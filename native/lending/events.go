package lending

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"isolend/core/types"
	"isolend/native/fixedpoint"
)

const (
	EventTypeAccrue            = "lending.accrue"
	EventTypeMint              = "lending.mint"
	EventTypeRedeem            = "lending.redeem"
	EventTypeBorrow            = "lending.borrow"
	EventTypeRepay             = "lending.repay"
	EventTypeRateModeSwapped   = "lending.rate_mode.swapped"
	EventTypeStableRebalanced  = "lending.stable_rate.rebalanced"
	EventTypeLiquidate         = "lending.liquidate"
	EventTypeSeize             = "lending.seize"
	EventTypeTransfer          = "lending.transfer"
	EventTypeReservesAdded     = "lending.reserves.added"
	EventTypeReservesReduced   = "lending.reserves.reduced"
	EventTypeFlashLoan         = "lending.flashloan"
	EventTypeHeal              = "lending.heal"
	EventTypeBadDebtWrittenOff = "lending.bad_debt.written_off"
	EventTypeBadDebtLocked     = "lending.bad_debt.locked"
	EventTypeBadDebtResolved   = "lending.bad_debt.resolved"
	EventTypeConfigUpdated     = "lending.config.updated"
)

func amountString(v *big.Int) string {
	return fixedpoint.Clone(v).String()
}

func (m *Market) newEvent(eventType string, attrs map[string]string) *types.Event {
	if attrs == nil {
		attrs = make(map[string]string)
	}
	attrs["market"] = m.address.Hex()
	attrs["pool"] = m.pool
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newAccrueEvent(m *Market, ledger *Ledger, interest *big.Int) *types.Event {
	return m.newEvent(EventTypeAccrue, map[string]string{
		"interest":     amountString(interest),
		"borrowIndex":  amountString(ledger.BorrowIndex),
		"totalBorrows": amountString(ledger.TotalDebt()),
		"reserves":     amountString(ledger.TotalReserves),
		"checkpoint":   strconv.FormatUint(ledger.AccrualCheckpoint, 10),
	})
}

func newMintEvent(m *Market, payer, minter common.Address, amount, shares *big.Int) *types.Event {
	return m.newEvent(EventTypeMint, map[string]string{
		"payer":  payer.Hex(),
		"minter": minter.Hex(),
		"amount": amountString(amount),
		"shares": amountString(shares),
	})
}

func newRedeemEvent(m *Market, redeemer common.Address, amount, shares *big.Int) *types.Event {
	return m.newEvent(EventTypeRedeem, map[string]string{
		"redeemer": redeemer.Hex(),
		"amount":   amountString(amount),
		"shares":   amountString(shares),
	})
}

func newBorrowEvent(m *Market, borrower common.Address, amount, accountDebt *big.Int, mode RepayMode) *types.Event {
	return m.newEvent(EventTypeBorrow, map[string]string{
		"borrower":    borrower.Hex(),
		"amount":      amountString(amount),
		"accountDebt": amountString(accountDebt),
		"mode":        mode.String(),
	})
}

func newRepayEvent(m *Market, payer, borrower common.Address, amount, accountDebt *big.Int, mode RepayMode) *types.Event {
	return m.newEvent(EventTypeRepay, map[string]string{
		"payer":       payer.Hex(),
		"borrower":    borrower.Hex(),
		"amount":      amountString(amount),
		"accountDebt": amountString(accountDebt),
		"mode":        mode.String(),
	})
}
