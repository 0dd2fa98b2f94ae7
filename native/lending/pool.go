package lending

import (
	"fmt"
	"log/slog"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"isolend/core/types"
	nativecommon "isolend/native/common"
	"isolend/native/fixedpoint"
)

// BadDebtRegistry receives the shortfall written off by healing. The debt
// auction implements it.
type BadDebtRegistry interface {
	Address() common.Address
	// Custodian is the account that holds impaired collateral until an
	// auction hands it to a winner.
	Custodian() common.Address
	RecordShortfall(caller common.Address, pool string, value *big.Int) error
}

// FlashLoanReceiver is called once per batch with every borrowed amount and
// the fee owed on each.
type FlashLoanReceiver interface {
	Address() common.Address
	ExecuteOperation(markets []common.Address, amounts, fees []*big.Int, initiator common.Address, data []byte) error
}

// Pool groups the markets of one isolated pool.
type Pool struct {
	id       string
	address  common.Address
	state    marketState
	risk     RiskController
	registry BadDebtRegistry
	pauses   nativecommon.PauseView
	logger   *slog.Logger

	markets map[common.Address]*Market
	order   []common.Address
}

// NewPool creates an empty pool. address identifies the pool to the bad debt
// registry.
func NewPool(id string, address common.Address, state marketState, risk RiskController) (*Pool, error) {
	if state == nil {
		return nil, errNilState
	}
	if risk == nil {
		return nil, errNilRisk
	}
	if id == "" || address == (common.Address{}) {
		return nil, fmt.Errorf("%w: pool id and address required", ErrInvalidParams)
	}
	return &Pool{
		id:      id,
		address: address,
		state:   state,
		risk:    risk,
		logger:  slog.Default(),
		markets: make(map[common.Address]*Market),
	}, nil
}

// SetLogger replaces the pool logger. Records carry the pool id.
func (p *Pool) SetLogger(logger *slog.Logger) {
	if p == nil || logger == nil {
		return
	}
	p.logger = logger.With("pool", p.id)
}

// SetPauses wires the protocol-wide pause switch checked by pool actions.
func (p *Pool) SetPauses(view nativecommon.PauseView) {
	if p == nil {
		return
	}
	p.pauses = view
}

// SetRegistry wires the debt auction that absorbs healed shortfalls.
func (p *Pool) SetRegistry(registry BadDebtRegistry) {
	if p == nil {
		return
	}
	p.registry = registry
}

func (p *Pool) ID() string              { return p.id }
func (p *Pool) Address() common.Address { return p.address }

// AddMarket registers a market handle. The market must belong to this pool.
func (p *Pool) AddMarket(m *Market) error {
	if m == nil {
		return ErrInvalidParams
	}
	if m.pool != p.id {
		return fmt.Errorf("%w: market pool %q, want %q", ErrInvalidParams, m.pool, p.id)
	}
	if _, ok := p.markets[m.address]; ok {
		return errDuplicateMarket
	}
	p.markets[m.address] = m
	p.order = append(p.order, m.address)
	return nil
}

// Markets returns the pool's markets in registration order.
func (p *Pool) Markets() []*Market {
	out := make([]*Market, 0, len(p.order))
	for _, addr := range p.order {
		out = append(out, p.markets[addr])
	}
	return out
}

// Market looks up a market by address.
func (p *Pool) Market(addr common.Address) (*Market, bool) {
	m, ok := p.markets[addr]
	return m, ok
}

func (p *Pool) emit(eventType string, attrs map[string]string) {
	attrs["pool"] = p.id
	p.state.Emit(&types.Event{Type: eventType, Attributes: attrs})
}

// lock takes the re-entrancy guard of every market in ms. The returned
// release must be called exactly once.
func lock(ms []*Market) (func(), error) {
	held := make([]*Market, 0, len(ms))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].guard.Exit()
		}
	}
	for _, m := range ms {
		if err := m.guard.Enter(); err != nil {
			release()
			return nil, err
		}
		held = append(held, m)
	}
	return release, nil
}

type flashLeg struct {
	market      *Market
	amount      *big.Int
	protocolFee *big.Int
	supplierFee *big.Int
}

func (l flashLeg) owed() *big.Int {
	owed := new(big.Int).Add(l.amount, l.protocolFee)
	return owed.Add(owed, l.supplierFee)
}

// ExecuteFlashLoan lends amounts[i] of markets[i] to receiver for the
// duration of one callback. Every leg must come back with its fee or the
// whole batch is undone.
func (p *Pool) ExecuteFlashLoan(initiator common.Address, receiver FlashLoanReceiver, markets []common.Address, amounts []*big.Int, data []byte) error {
	if receiver == nil || receiver.Address() == (common.Address{}) || initiator == (common.Address{}) {
		return ErrInvalidParams
	}
	if len(markets) == 0 || len(markets) != len(amounts) {
		return fmt.Errorf("%w: %d markets, %d amounts", ErrInvalidParams, len(markets), len(amounts))
	}
	legs := make([]flashLeg, len(markets))
	seen := make(map[common.Address]struct{}, len(markets))
	handles := make([]*Market, len(markets))
	for i, addr := range markets {
		if addr == (common.Address{}) {
			return ErrInvalidParams
		}
		if _, dup := seen[addr]; dup {
			return fmt.Errorf("%w: duplicate market %s", ErrInvalidParams, addr.Hex())
		}
		seen[addr] = struct{}{}
		m, ok := p.markets[addr]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownMarket, addr.Hex())
		}
		if err := requirePositive(amounts[i]); err != nil {
			return err
		}
		legs[i] = flashLeg{market: m, amount: new(big.Int).Set(amounts[i])}
		handles[i] = m
	}
	if err := nativecommon.Guard(p.pauses, moduleName); err != nil {
		return err
	}
	release, err := lock(handles)
	if err != nil {
		return err
	}
	defer release()

	target := receiver.Address()
	return p.state.Atomic(func() error {
		fees := make([]*big.Int, len(legs))
		for i := range legs {
			leg := &legs[i]
			m := leg.market
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
			if !cfg.FlashLoansEnabled {
				return fmt.Errorf("%w: %s", ErrFlashLoanDisabled, m.symbol)
			}
			if err := m.allow(target, nativecommon.ActionFlashLoan); err != nil {
				return err
			}
			if ledger.Cash.Cmp(leg.amount) < 0 {
				return fmt.Errorf("%w: %s", ErrInsufficientCash, m.symbol)
			}
			if leg.protocolFee, err = fixedpoint.MulTruncate(cfg.FlashLoanProtocolFee, leg.amount); err != nil {
				return err
			}
			if leg.supplierFee, err = fixedpoint.MulTruncate(cfg.FlashLoanSupplierFee, leg.amount); err != nil {
				return err
			}
			fees[i] = new(big.Int).Add(leg.protocolFee, leg.supplierFee)

			ledger.Cash.Sub(ledger.Cash, leg.amount)
			if err := m.putLedger(ledger); err != nil {
				return err
			}
			if err := m.transferOut(target, leg.amount); err != nil {
				return err
			}
		}

		loaned := make([]*big.Int, len(legs))
		for i := range legs {
			loaned[i] = new(big.Int).Set(legs[i].amount)
		}
		if err := receiver.ExecuteOperation(append([]common.Address(nil), markets...), loaned, fees, initiator, data); err != nil {
			return fmt.Errorf("lending: flash loan receiver: %w", err)
		}

		for _, leg := range legs {
			m := leg.market
			owed := leg.owed()
			if err := m.transferInExact(target, owed); err != nil {
				return err
			}
			ledger, err := m.loadLedger()
			if err != nil {
				return err
			}
			if ledger.Cash, err = fixedpoint.Add(ledger.Cash, owed); err != nil {
				return err
			}
			if ledger.TotalReserves, err = fixedpoint.Add(ledger.TotalReserves, leg.protocolFee); err != nil {
				return err
			}
			if err := m.putLedger(ledger); err != nil {
				return err
			}
			m.state.Emit(m.newEvent(EventTypeFlashLoan, map[string]string{
				"receiver":    target.Hex(),
				"initiator":   initiator.Hex(),
				"amount":      amountString(leg.amount),
				"protocolFee": amountString(leg.protocolFee),
				"supplierFee": amountString(leg.supplierFee),
			}))
		}
		return nil
	})
}

// HealAccount writes off an account whose collateral cannot cover even a
// close-factor-limited liquidation. Only the markets the account entered are
// valued and written off: their shares move to the registry's custodian and
// their debt becomes market bad debt. Supply in markets the account never
// entered was not counted as collateral and stays with the account.
func (p *Pool) HealAccount(caller, borrower common.Address) error {
	if borrower == (common.Address{}) || caller == (common.Address{}) {
		return ErrInvalidParams
	}
	if p.registry == nil {
		return errRegistryNotConfigured
	}
	if err := nativecommon.Guard(p.pauses, moduleName); err != nil {
		return err
	}
	markets := p.Markets()
	release, err := lock(markets)
	if err != nil {
		return err
	}
	defer release()

	custodian := p.registry.Custodian()
	return p.state.Atomic(func() error {
		for _, m := range markets {
			if err := m.accrue(); err != nil {
				return err
			}
			if err := m.allow(borrower, nativecommon.ActionHeal); err != nil {
				return err
			}
		}
		collateral, debt, err := p.risk.AccountValues(borrower)
		if err != nil {
			return err
		}
		if debt.Sign() == 0 {
			return fmt.Errorf("%w: no debt", ErrNotHealable)
		}
		closeFactor, err := p.risk.CloseFactor()
		if err != nil {
			return err
		}
		incentive, err := p.risk.LiquidationIncentive()
		if err != nil {
			return err
		}
		threshold, err := fixedpoint.MulExp(debt, closeFactor)
		if err != nil {
			return err
		}
		if threshold, err = fixedpoint.MulExp(threshold, incentive); err != nil {
			return err
		}
		if collateral.Cmp(threshold) >= 0 {
			return fmt.Errorf("%w: collateral %s >= %s", ErrNotHealable, collateral, threshold)
		}

		entered, err := p.risk.AccountMarkets(borrower)
		if err != nil {
			return err
		}
		for _, addr := range entered {
			m, ok := p.markets[addr]
			if !ok {
				continue
			}
			if err := m.writeOff(borrower, custodian); err != nil {
				return err
			}
		}
		shortfall := clampSub(debt, collateral)
		if err := p.registry.RecordShortfall(p.address, p.id, shortfall); err != nil {
			return err
		}
		p.emit(EventTypeHeal, map[string]string{
			"caller":     caller.Hex(),
			"borrower":   borrower.Hex(),
			"collateral": amountString(collateral),
			"debt":       amountString(debt),
			"shortfall":  amountString(shortfall),
		})
		p.logger.Info("lending: account healed", "borrower", borrower.Hex(), "shortfall", shortfall.String())
		return nil
	})
}

// writeOff moves borrower's shares to custodian and turns their debt into
// market bad debt.
func (m *Market) writeOff(borrower, custodian common.Address) error {
	ledger, err := m.loadLedger()
	if err != nil {
		return err
	}
	pos, err := m.loadPosition(borrower)
	if err != nil {
		return err
	}
	if pos.IsZero() {
		return nil
	}
	variable, stable, err := accountDebt(pos, ledger)
	if err != nil {
		return err
	}
	shares := new(big.Int).Set(pos.Shares)
	if variable.Sign() > 0 {
		if err := m.removeDebt(pos, ledger, ModeVariable, variable); err != nil {
			return err
		}
	}
	if stable.Sign() > 0 {
		if err := m.removeDebt(pos, ledger, ModeStable, stable); err != nil {
			return err
		}
	}
	written := new(big.Int).Add(variable, stable)
	if ledger.BadDebt, err = fixedpoint.Add(ledger.BadDebt, written); err != nil {
		return err
	}
	pos.Shares = new(big.Int)
	if err := m.putLedger(ledger); err != nil {
		return err
	}
	if err := m.putPosition(borrower, pos); err != nil {
		return err
	}
	if shares.Sign() > 0 {
		held, err := m.loadPosition(custodian)
		if err != nil {
			return err
		}
		held.Shares.Add(held.Shares, shares)
		if err := m.putPosition(custodian, held); err != nil {
			return err
		}
	}
	m.state.Emit(m.newEvent(EventTypeBadDebtWrittenOff, map[string]string{
		"borrower":  borrower.Hex(),
		"custodian": custodian.Hex(),
		"shares":    amountString(shares),
		"badDebt":   amountString(written),
	}))
	return nil
}

// LockBadDebt is called by the registry when an auction round opens. The
// bad debt written off so far and the custodian's shares behind it become
// the round's lot. Accounts healed later wait for the next round.
func (p *Pool) LockBadDebt(caller common.Address) error {
	return p.settlement(caller, func(m *Market, custodian common.Address) error {
		return m.lockBadDebt(custodian)
	})
}

// SettleBadDebt is called by the registry when an auction settles. The
// locked collateral moves from the custodian to winner and the locked bad
// debt is cleared.
func (p *Pool) SettleBadDebt(caller, winner common.Address) error {
	if winner == (common.Address{}) {
		return ErrInvalidParams
	}
	return p.settlement(caller, func(m *Market, custodian common.Address) error {
		return m.resolveBadDebt(custodian, winner)
	})
}

// settlement runs fn on every accrued market under the pool lock. Only the
// registry may call it.
func (p *Pool) settlement(caller common.Address, fn func(*Market, common.Address) error) error {
	if p.registry == nil {
		return errRegistryNotConfigured
	}
	if caller != p.registry.Address() {
		return ErrUnauthorizedCaller
	}
	markets := p.Markets()
	release, err := lock(markets)
	if err != nil {
		return err
	}
	defer release()

	custodian := p.registry.Custodian()
	return p.state.Atomic(func() error {
		for _, m := range markets {
			if err := m.accrue(); err != nil {
				return err
			}
			if err := fn(m, custodian); err != nil {
				return err
			}
		}
		return nil
	})
}

func (m *Market) lockBadDebt(custodian common.Address) error {
	ledger, err := m.loadLedger()
	if err != nil {
		return err
	}
	held, err := m.loadPosition(custodian)
	if err != nil {
		return err
	}
	if ledger.AuctionedBadDebt.Cmp(ledger.BadDebt) == 0 && ledger.AuctionedShares.Cmp(held.Shares) == 0 {
		return nil
	}
	ledger.AuctionedBadDebt = new(big.Int).Set(ledger.BadDebt)
	ledger.AuctionedShares = new(big.Int).Set(held.Shares)
	if err := m.putLedger(ledger); err != nil {
		return err
	}
	m.state.Emit(m.newEvent(EventTypeBadDebtLocked, map[string]string{
		"shares":  amountString(ledger.AuctionedShares),
		"badDebt": amountString(ledger.AuctionedBadDebt),
	}))
	return nil
}

func (m *Market) resolveBadDebt(custodian, winner common.Address) error {
	ledger, err := m.loadLedger()
	if err != nil {
		return err
	}
	held, err := m.loadPosition(custodian)
	if err != nil {
		return err
	}
	shares := fixedpoint.Min(ledger.AuctionedShares, held.Shares)
	resolved := fixedpoint.Min(ledger.AuctionedBadDebt, ledger.BadDebt)
	if shares.Sign() == 0 && resolved.Sign() == 0 {
		return nil
	}
	if shares.Sign() > 0 && custodian != winner {
		held.Shares = new(big.Int).Sub(held.Shares, shares)
		if err := m.putPosition(custodian, held); err != nil {
			return err
		}
		pos, err := m.loadPosition(winner)
		if err != nil {
			return err
		}
		pos.Shares.Add(pos.Shares, shares)
		if err := m.putPosition(winner, pos); err != nil {
			return err
		}
	}
	ledger.BadDebt = clampSub(ledger.BadDebt, resolved)
	ledger.AuctionedBadDebt = new(big.Int)
	ledger.AuctionedShares = new(big.Int)
	if err := m.putLedger(ledger); err != nil {
		return err
	}
	m.state.Emit(m.newEvent(EventTypeBadDebtResolved, map[string]string{
		"winner":  winner.Hex(),
		"shares":  amountString(shares),
		"badDebt": amountString(resolved),
	}))
	return nil
}

// BadDebtByMarket returns each market's outstanding bad debt keyed by
// market symbol, sorted for display.
func (p *Pool) BadDebtByMarket() ([]string, map[string]*big.Int, error) {
	out := make(map[string]*big.Int, len(p.order))
	names := make([]string, 0, len(p.order))
	for _, m := range p.Markets() {
		debt, err := m.BadDebt()
		if err != nil {
			return nil, nil, err
		}
		out[m.symbol] = debt
		names = append(names, m.symbol)
	}
	sort.Strings(names)
	return names, out, nil
}
