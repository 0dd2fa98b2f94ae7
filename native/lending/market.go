// Package lending is the market accounting engine of an isolated pool. Each
// Market owns one asset's ledger: it accrues interest through a compounding
// borrow index, converts between shares and underlying via the exchange
// rate, and executes borrowing, liquidation and reserve movements. Pool
// groups the markets of one pool for the entry points that span several of
// them (flash loans and healing).
package lending

import (
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"isolend/core/types"
	"isolend/native/clock"
	nativecommon "isolend/native/common"
	"isolend/native/fixedpoint"
	"isolend/native/interest"
)

const moduleName = "lending"

type marketState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	Emit(evt *types.Event)
	Atomic(fn func() error) error
}

// RiskController is the pool policy collaborator consulted before every
// state-changing action.
type RiskController interface {
	IsActionAllowed(market, account common.Address, action nativecommon.Action) (bool, nativecommon.Rejection)
	HypotheticalLiquidity(account, market common.Address, redeemShares, borrowAmount *big.Int) (liquidity, shortfall *big.Int, err error)
	CalculateSeizeTokens(borrowed, collateral common.Address, repay *big.Int) (*big.Int, error)
	CloseFactor() (*big.Int, error)
	LiquidationIncentive() (*big.Int, error)
	AccountValues(account common.Address) (collateral, debt *big.Int, err error)
	AccountMarkets(account common.Address) ([]common.Address, error)
	EnsureMembership(account, market common.Address) error
	IsListed(market common.Address) bool
}

// TokenLedger moves underlying tokens.
type TokenLedger interface {
	BalanceOf(asset, holder common.Address) (*big.Int, error)
	Transfer(asset, from, to common.Address, amount *big.Int) (*big.Int, error)
}

// ReserveSink receives reserves released by markets.
type ReserveSink interface {
	Address() common.Address
	ReleaseFunds(caller common.Address, pool string, asset common.Address, amount *big.Int) error
}

// Authorizer checks (caller, contract, method) permissions.
type Authorizer interface {
	Check(account, contract common.Address, signature string) error
}

// Dependencies are the collaborators a market is built with.
type Dependencies struct {
	State       marketState
	Bank        TokenLedger
	Risk        RiskController
	Clock       clock.Source
	RateModel   interest.Model
	StableModel *interest.StableRate
	Converter   ReserveSink
	ACM         Authorizer
}

// Market is the in-memory handle of one market. The persisted ledger,
// configuration and positions live in state; the handle carries identity
// and collaborators.
type Market struct {
	address    common.Address
	underlying common.Address
	pool       string
	symbol     string

	state       marketState
	bank        TokenLedger
	risk        RiskController
	clock       clock.Source
	rateModel   interest.Model
	stableModel *interest.StableRate
	converter   ReserveSink
	acm         Authorizer
	pauses      nativecommon.PauseView
	logger      *slog.Logger

	guard nativecommon.Reentrancy
}

// NewMarket creates the handle for a market lending underlying inside pool.
func NewMarket(address, underlying common.Address, pool, symbol string, deps Dependencies) (*Market, error) {
	if address == (common.Address{}) || underlying == (common.Address{}) {
		return nil, fmt.Errorf("%w: market and underlying addresses required", ErrInvalidParams)
	}
	if deps.State == nil {
		return nil, errNilState
	}
	if deps.Risk == nil {
		return nil, errNilRisk
	}
	if deps.RateModel == nil {
		return nil, errNilRateModel
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("%w: clock required", ErrInvalidParams)
	}
	if deps.Bank == nil {
		return nil, fmt.Errorf("%w: token ledger required", ErrInvalidParams)
	}
	return &Market{
		address:     address,
		underlying:  underlying,
		pool:        strings.TrimSpace(pool),
		symbol:      strings.TrimSpace(symbol),
		state:       deps.State,
		bank:        deps.Bank,
		risk:        deps.Risk,
		clock:       deps.Clock,
		rateModel:   deps.RateModel,
		stableModel: deps.StableModel,
		converter:   deps.Converter,
		acm:         deps.ACM,
		logger:      slog.Default(),
	}, nil
}

// SetLogger overrides the default logger.
func (m *Market) SetLogger(logger *slog.Logger) {
	if m == nil || logger == nil {
		return
	}
	m.logger = logger.With("market", m.symbol)
}

// SetPauses wires the module-wide pause switch.
func (m *Market) SetPauses(p nativecommon.PauseView) {
	if m == nil {
		return
	}
	m.pauses = p
}

// SetConverter wires the reserve converter reserves are released to.
func (m *Market) SetConverter(converter ReserveSink) {
	if m == nil {
		return
	}
	m.converter = converter
}

// Address is the market's own address, which also keys its shares.
func (m *Market) Address() common.Address { return m.address }

// Underlying is the token the market lends.
func (m *Market) Underlying() common.Address { return m.underlying }

// Pool is the id of the isolated pool the market belongs to.
func (m *Market) Pool() string { return m.pool }

// Symbol is the market's display symbol, e.g. vUSDC.
func (m *Market) Symbol() string { return m.symbol }

func (m *Market) ledgerKey() []byte {
	return []byte(fmt.Sprintf("lending/%s/ledger", m.address.Hex()))
}

func (m *Market) configKey() []byte {
	return []byte(fmt.Sprintf("lending/%s/config", m.address.Hex()))
}

func (m *Market) positionKey(account common.Address) []byte {
	return []byte(fmt.Sprintf("lending/%s/position/%s", m.address.Hex(), account.Hex()))
}

// Initialise stores cfg and an empty ledger checkpointed at the current
// period. It is a no-op for a market that already has a ledger, so a
// restarted process keeps its accounting.
func (m *Market) Initialise(cfg MarketConfig) error {
	if cfg.MaxBorrowRate == nil || cfg.MaxBorrowRate.Sign() == 0 {
		cfg.MaxBorrowRate = new(big.Int).Set(DefaultMaxBorrowRate)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return m.state.Atomic(func() error {
		ok, err := m.state.KVGet(m.ledgerKey(), nil)
		if err != nil || ok {
			return err
		}
		now := m.clock.Current()
		ledger := &Ledger{AccrualCheckpoint: now, BorrowIndex: fixedpoint.One(), LastReduceReserves: now}
		if err := m.putLedger(ledger.Clone()); err != nil {
			return err
		}
		return m.putConfig(cfg.Clone())
	})
}

func (m *Market) loadLedger() (*Ledger, error) {
	var ledger Ledger
	ok, err := m.state.KVGet(m.ledgerKey(), &ledger)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errNotInitialised
	}
	return ledger.Clone(), nil
}

func (m *Market) putLedger(ledger *Ledger) error {
	return m.state.KVPut(m.ledgerKey(), ledger)
}

func (m *Market) loadConfig() (MarketConfig, error) {
	var cfg MarketConfig
	ok, err := m.state.KVGet(m.configKey(), &cfg)
	if err != nil {
		return MarketConfig{}, err
	}
	if !ok {
		return MarketConfig{}, errNotInitialised
	}
	return cfg.Clone(), nil
}

func (m *Market) putConfig(cfg MarketConfig) error {
	return m.state.KVPut(m.configKey(), &cfg)
}

func (m *Market) loadPosition(account common.Address) (*Position, error) {
	var pos Position
	if _, err := m.state.KVGet(m.positionKey(account), &pos); err != nil {
		return nil, err
	}
	return pos.normalise(), nil
}

// putPosition stores the position, deleting the record once it is empty so
// fully exited accounts leave no residue.
func (m *Market) putPosition(account common.Address, pos *Position) error {
	if pos.IsZero() {
		return m.state.KVDelete(m.positionKey(account))
	}
	return m.state.KVPut(m.positionKey(account), pos)
}

// run executes fn as one guarded transaction.
func (m *Market) run(fn func() error) error {
	if err := nativecommon.Guard(m.pauses, moduleName); err != nil {
		return err
	}
	if err := m.guard.Enter(); err != nil {
		return err
	}
	defer m.guard.Exit()
	return m.state.Atomic(fn)
}

func (m *Market) allow(account common.Address, action nativecommon.Action) error {
	if ok, code := m.risk.IsActionAllowed(m.address, account, action); !ok {
		return &PolicyError{Action: action, Code: code}
	}
	return nil
}

func (m *Market) requireFresh(ledger *Ledger) error {
	if ledger.AccrualCheckpoint != m.clock.Current() {
		return ErrStaleMarket
	}
	return nil
}

// transferIn pulls amount from payer and returns what actually arrived.
func (m *Market) transferIn(payer common.Address, amount *big.Int) (*big.Int, error) {
	before, err := m.bank.BalanceOf(m.underlying, m.address)
	if err != nil {
		return nil, err
	}
	if _, err := m.bank.Transfer(m.underlying, payer, m.address, amount); err != nil {
		return nil, err
	}
	after, err := m.bank.BalanceOf(m.underlying, m.address)
	if err != nil {
		return nil, err
	}
	return fixedpoint.Sub(after, before)
}

// transferInExact pulls amount and fails unless all of it arrived.
func (m *Market) transferInExact(payer common.Address, amount *big.Int) error {
	received, err := m.transferIn(payer, amount)
	if err != nil {
		return err
	}
	if received.Cmp(amount) != 0 {
		return fmt.Errorf("%w: expected %s got %s", ErrTransferShortfall, amount, received)
	}
	return nil
}

func (m *Market) transferOut(to common.Address, amount *big.Int) error {
	_, err := m.bank.Transfer(m.underlying, m.address, to, amount)
	return err
}

// Ledger returns a copy of the market ledger.
func (m *Market) Ledger() (*Ledger, error) { return m.loadLedger() }

// Config returns a copy of the market configuration.
func (m *Market) Config() (MarketConfig, error) { return m.loadConfig() }

// Position returns a copy of the account's stored position.
func (m *Market) Position(account common.Address) (*Position, error) {
	return m.loadPosition(account)
}

// Cash returns the underlying the market accounts for.
func (m *Market) Cash() (*big.Int, error) {
	ledger, err := m.loadLedger()
	if err != nil {
		return nil, err
	}
	return ledger.Cash, nil
}

// BadDebt returns the market's unresolved written-off debt.
func (m *Market) BadDebt() (*big.Int, error) {
	ledger, err := m.loadLedger()
	if err != nil {
		return nil, err
	}
	return ledger.BadDebt, nil
}

// ActionPaused reports whether the market has switched action off.
func (m *Market) ActionPaused(action nativecommon.Action) (bool, error) {
	cfg, err := m.loadConfig()
	if err != nil {
		return false, err
	}
	return cfg.Pauses.Paused(action), nil
}

func (m *Market) exchangeRate(ledger *Ledger, cfg MarketConfig) (*big.Int, error) {
	if ledger.TotalShares.Sign() == 0 {
		return fixedpoint.Clone(cfg.InitialExchangeRate), nil
	}
	backing, err := fixedpoint.Add(ledger.Cash, ledger.TotalDebt())
	if err != nil {
		return nil, err
	}
	if backing, err = fixedpoint.Add(backing, ledger.BadDebt); err != nil {
		return nil, err
	}
	if backing, err = fixedpoint.Sub(backing, ledger.TotalReserves); err != nil {
		return nil, err
	}
	return fixedpoint.DivExp(backing, ledger.TotalShares)
}

// ExchangeRateStored returns the share price as of the last accrual.
func (m *Market) ExchangeRateStored() (*big.Int, error) {
	ledger, err := m.loadLedger()
	if err != nil {
		return nil, err
	}
	cfg, err := m.loadConfig()
	if err != nil {
		return nil, err
	}
	return m.exchangeRate(ledger, cfg)
}

// ExchangeRateCurrent accrues interest and returns the fresh share price.
func (m *Market) ExchangeRateCurrent() (*big.Int, error) {
	if err := m.AccrueInterest(); err != nil {
		return nil, err
	}
	return m.ExchangeRateStored()
}

// BalanceOf returns the account's share balance.
func (m *Market) BalanceOf(account common.Address) (*big.Int, error) {
	pos, err := m.loadPosition(account)
	if err != nil {
		return nil, err
	}
	return pos.Shares, nil
}

// BalanceOfUnderlying values the account's shares at the stored exchange
// rate.
func (m *Market) BalanceOfUnderlying(account common.Address) (*big.Int, error) {
	shares, err := m.BalanceOf(account)
	if err != nil {
		return nil, err
	}
	rate, err := m.ExchangeRateStored()
	if err != nil {
		return nil, err
	}
	return fixedpoint.MulTruncate(rate, shares)
}

func variableDebt(pos *Position, ledger *Ledger) (*big.Int, error) {
	if pos.VariablePrincipal.Sign() == 0 || pos.VariableIndex.Sign() == 0 {
		return new(big.Int), nil
	}
	return fixedpoint.MulDiv(pos.VariablePrincipal, ledger.BorrowIndex, pos.VariableIndex)
}

// stableDebt grows the stable principal by rate * elapsed since the
// position's checkpoint, measured up to asOf.
func stableDebt(pos *Position, asOf uint64) (*big.Int, error) {
	if pos.StablePrincipal.Sign() == 0 {
		return new(big.Int), nil
	}
	elapsed := clock.PeriodsElapsed(pos.StableCheckpoint, asOf)
	factor, err := fixedpoint.Mul(pos.StableRate, new(big.Int).SetUint64(elapsed))
	if err != nil {
		return nil, err
	}
	return fixedpoint.MulTruncateAdd(factor, pos.StablePrincipal, pos.StablePrincipal)
}

func accountDebt(pos *Position, ledger *Ledger) (variable, stable *big.Int, err error) {
	if variable, err = variableDebt(pos, ledger); err != nil {
		return nil, nil, err
	}
	if stable, err = stableDebt(pos, ledger.AccrualCheckpoint); err != nil {
		return nil, nil, err
	}
	return variable, stable, nil
}

// BorrowBalanceStored returns variable plus stable debt as of the last
// accrual.
func (m *Market) BorrowBalanceStored(account common.Address) (*big.Int, error) {
	ledger, err := m.loadLedger()
	if err != nil {
		return nil, err
	}
	pos, err := m.loadPosition(account)
	if err != nil {
		return nil, err
	}
	variable, stable, err := accountDebt(pos, ledger)
	if err != nil {
		return nil, err
	}
	return fixedpoint.Add(variable, stable)
}

// BorrowBalanceCurrent accrues interest and returns the fresh debt.
func (m *Market) BorrowBalanceCurrent(account common.Address) (*big.Int, error) {
	if err := m.AccrueInterest(); err != nil {
		return nil, err
	}
	return m.BorrowBalanceStored(account)
}

// AccountSnapshot returns the share balance, stored borrow balance and
// stored exchange rate in one read.
func (m *Market) AccountSnapshot(account common.Address) (shares, borrowBalance, exchangeRate *big.Int, err error) {
	if shares, err = m.BalanceOf(account); err != nil {
		return nil, nil, nil, err
	}
	if borrowBalance, err = m.BorrowBalanceStored(account); err != nil {
		return nil, nil, nil, err
	}
	if exchangeRate, err = m.ExchangeRateStored(); err != nil {
		return nil, nil, nil, err
	}
	return shares, borrowBalance, exchangeRate, nil
}

// BorrowRatePerPeriod returns the current variable borrow rate.
func (m *Market) BorrowRatePerPeriod() (*big.Int, error) {
	ledger, err := m.loadLedger()
	if err != nil {
		return nil, err
	}
	return m.rateModel.BorrowRate(ledger.Cash, ledger.TotalDebt(), ledger.TotalReserves, ledger.BadDebt)
}

// SupplyRatePerPeriod returns the rate suppliers earn. With stable loans
// outstanding the borrow side is the debt-weighted blend of both modes.
func (m *Market) SupplyRatePerPeriod() (*big.Int, error) {
	ledger, err := m.loadLedger()
	if err != nil {
		return nil, err
	}
	cfg, err := m.loadConfig()
	if err != nil {
		return nil, err
	}
	if ledger.TotalStableBorrows.Sign() == 0 {
		return m.rateModel.SupplyRate(ledger.Cash, ledger.TotalDebt(), ledger.TotalReserves, cfg.ReserveFactor, ledger.BadDebt)
	}
	blended, err := m.averageBorrowRate(ledger)
	if err != nil {
		return nil, err
	}
	utilization, err := interest.UtilizationRate(ledger.Cash, ledger.TotalDebt(), ledger.TotalReserves, ledger.BadDebt)
	if err != nil {
		return nil, err
	}
	oneMinus, err := fixedpoint.Sub(fixedpoint.Scale, cfg.ReserveFactor)
	if err != nil {
		return nil, err
	}
	toPool, err := fixedpoint.MulExp(blended, oneMinus)
	if err != nil {
		return nil, err
	}
	return fixedpoint.MulExp(utilization, toPool)
}

// StableBorrowRatePerPeriod returns the rate a new stable borrow would lock.
func (m *Market) StableBorrowRatePerPeriod() (*big.Int, error) {
	ledger, err := m.loadLedger()
	if err != nil {
		return nil, err
	}
	return m.stableRate(ledger, new(big.Int))
}

func (m *Market) stableRate(ledger *Ledger, additional *big.Int) (*big.Int, error) {
	if m.stableModel == nil {
		return nil, ErrStableBorrowDisabled
	}
	variableRate, err := m.rateModel.BorrowRate(ledger.Cash, ledger.TotalDebt(), ledger.TotalReserves, ledger.BadDebt)
	if err != nil {
		return nil, err
	}
	stable, err := fixedpoint.Add(ledger.TotalStableBorrows, additional)
	if err != nil {
		return nil, err
	}
	total, err := fixedpoint.Add(ledger.TotalDebt(), additional)
	if err != nil {
		return nil, err
	}
	return m.stableModel.StableBorrowRate(variableRate, stable, total)
}

// averageBorrowRate weights the variable and average stable rates by their
// outstanding debt.
func (m *Market) averageBorrowRate(ledger *Ledger) (*big.Int, error) {
	total := ledger.TotalDebt()
	if total.Sign() == 0 {
		return new(big.Int), nil
	}
	variableRate, err := m.rateModel.BorrowRate(ledger.Cash, total, ledger.TotalReserves, ledger.BadDebt)
	if err != nil {
		return nil, err
	}
	weighted, err := fixedpoint.Mul(variableRate, ledger.TotalBorrows)
	if err != nil {
		return nil, err
	}
	stablePart, err := fixedpoint.Mul(ledger.AverageStableRate, ledger.TotalStableBorrows)
	if err != nil {
		return nil, err
	}
	if weighted, err = fixedpoint.Add(weighted, stablePart); err != nil {
		return nil, err
	}
	return fixedpoint.Div(weighted, total)
}
