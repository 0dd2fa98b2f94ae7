package lending

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"isolend/core/events"
	"isolend/core/state"
	"isolend/native/acm"
	"isolend/native/bank"
	"isolend/native/clock"
	"isolend/native/fixedpoint"
	"isolend/native/interest"
	"isolend/native/oracle"
	"isolend/native/risk"
)

var (
	admin     = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	alice     = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol     = common.HexToAddress("0x0000000000000000000000000000000000000ca0")
	poolAddr  = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	usdcToken = common.HexToAddress("0x0000000000000000000000000000000000001dc0")
	ethToken  = common.HexToAddress("0x00000000000000000000000000000000000000e0")
	vUSDC     = common.HexToAddress("0x000000000000000000000000000000000000c1c1")
	vETH      = common.HexToAddress("0x000000000000000000000000000000000000e1e1")
)

func units(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), fixedpoint.Scale) }

type stubConverter struct {
	addr     common.Address
	released map[common.Address]*big.Int
	fail     error
}

func newStubConverter() *stubConverter {
	return &stubConverter{
		addr:     common.HexToAddress("0x00000000000000000000000000000000000000cc"),
		released: make(map[common.Address]*big.Int),
	}
}

func (c *stubConverter) Address() common.Address { return c.addr }

func (c *stubConverter) ReleaseFunds(caller common.Address, pool string, asset common.Address, amount *big.Int) error {
	if c.fail != nil {
		return c.fail
	}
	prev := fixedpoint.Clone(c.released[asset])
	c.released[asset] = prev.Add(prev, amount)
	return nil
}

type stubRegistry struct {
	addr      common.Address
	custodian common.Address
	recorded  *big.Int
	caller    common.Address
}

func (r *stubRegistry) Address() common.Address   { return r.addr }
func (r *stubRegistry) Custodian() common.Address { return r.custodian }

func (r *stubRegistry) RecordShortfall(caller common.Address, pool string, value *big.Int) error {
	r.caller = caller
	r.recorded = new(big.Int).Add(fixedpoint.Clone(r.recorded), value)
	return nil
}

type fixture struct {
	t         *testing.T
	state     *state.Manager
	recorder  *events.Recorder
	bank      *bank.Ledger
	clock     *clock.Manual
	oracle    *oracle.Feed
	acm       *acm.Manager
	risk      *risk.Controller
	converter *stubConverter
	registry  *stubRegistry
	pool      *Pool
	usdc      *Market
	eth       *Market
}

func defaultConfig() MarketConfig {
	return MarketConfig{
		ReserveFactor:        fixedpoint.MustExp("0.1"),
		ProtocolSeizeShare:   fixedpoint.MustExp("0.05"),
		FlashLoanProtocolFee: fixedpoint.MustExp("0.0005"),
		FlashLoanSupplierFee: fixedpoint.MustExp("0.0004"),
		FlashLoansEnabled:    true,
		InitialExchangeRate:  fixedpoint.One(),
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := state.NewManager(nil)
	rec := &events.Recorder{}
	st.SetEmitter(rec)
	clk := clock.NewManual(false, 10_512_000, 100)
	feed := oracle.NewFeed(st, clk, 0)
	access := acm.NewManager(st, admin)

	ctrl, err := risk.NewController("main", poolAddr, st, feed, access)
	if err != nil {
		t.Fatalf("risk controller: %v", err)
	}
	if err := ctrl.Initialise(risk.PoolParams{
		CloseFactor:          fixedpoint.MustExp("0.5"),
		LiquidationIncentive: fixedpoint.MustExp("1.1"),
	}); err != nil {
		t.Fatalf("risk initialise: %v", err)
	}

	f := &fixture{
		t:         t,
		state:     st,
		recorder:  rec,
		bank:      bank.NewLedger(st),
		clock:     clk,
		oracle:    feed,
		acm:       access,
		risk:      ctrl,
		converter: newStubConverter(),
		registry: &stubRegistry{
			addr:      common.HexToAddress("0x00000000000000000000000000000000000000a0"),
			custodian: common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		},
	}
	pool, err := NewPool("main", poolAddr, st, ctrl)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	pool.SetRegistry(f.registry)
	f.pool = pool

	f.usdc = f.addMarket(vUSDC, usdcToken, "vUSDC", units(1), defaultConfig())
	f.eth = f.addMarket(vETH, ethToken, "vETH", units(2000), defaultConfig())

	for _, holder := range []common.Address{alice, bob, carol} {
		f.fund(usdcToken, holder, units(10_000))
		f.fund(ethToken, holder, units(10))
	}
	return f
}

// rateModel gives 0.000001 per period at full utilization.
func rateModel() interest.Model {
	return &interest.WhitePaper{BaseRatePerPeriod: new(big.Int), MultiplierPerPeriod: big.NewInt(1_000_000_000_000)}
}

func (f *fixture) addMarket(addr, underlying common.Address, symbol string, price *big.Int, cfg MarketConfig) *Market {
	f.t.Helper()
	m, err := NewMarket(addr, underlying, "main", symbol, Dependencies{
		State:     f.state,
		Bank:      f.bank,
		Risk:      f.risk,
		Clock:     f.clock,
		RateModel: rateModel(),
		StableModel: &interest.StableRate{
			BasePremiumPerPeriod:   big.NewInt(100_000_000_000),
			StablePremiumPerPeriod: big.NewInt(500_000_000_000),
			OptimalStableLoanRatio: fixedpoint.MustExp("0.5"),
		},
		Converter: f.converter,
		ACM:       f.acm,
	})
	if err != nil {
		f.t.Fatalf("new market %s: %v", symbol, err)
	}
	if err := m.Initialise(cfg); err != nil {
		f.t.Fatalf("initialise %s: %v", symbol, err)
	}
	if err := f.risk.ListMarket(m, risk.MarketParams{
		CollateralFactor:     fixedpoint.MustExp("0.8"),
		LiquidationThreshold: fixedpoint.MustExp("0.85"),
	}); err != nil {
		f.t.Fatalf("list %s: %v", symbol, err)
	}
	if err := f.oracle.BindMarket(addr, underlying); err != nil {
		f.t.Fatalf("bind %s: %v", symbol, err)
	}
	f.setPrice(underlying, price)
	if err := f.pool.AddMarket(m); err != nil {
		f.t.Fatalf("add %s: %v", symbol, err)
	}
	return m
}

func (f *fixture) fund(asset, holder common.Address, amount *big.Int) {
	f.t.Helper()
	if err := f.bank.Mint(asset, holder, amount); err != nil {
		f.t.Fatalf("fund: %v", err)
	}
}

func (f *fixture) setPrice(asset common.Address, price *big.Int) {
	f.t.Helper()
	if err := f.oracle.SetPrice(asset, price); err != nil {
		f.t.Fatalf("set price: %v", err)
	}
}

func (f *fixture) grant(market *Market, signature string, account common.Address) {
	f.t.Helper()
	if err := f.acm.GiveCallPermission(admin, market.Address(), signature, account); err != nil {
		f.t.Fatalf("grant %s: %v", signature, err)
	}
}

func (f *fixture) balance(asset, holder common.Address) *big.Int {
	f.t.Helper()
	bal, err := f.bank.BalanceOf(asset, holder)
	if err != nil {
		f.t.Fatalf("balance: %v", err)
	}
	return bal
}

func (f *fixture) ledger(m *Market) *Ledger {
	f.t.Helper()
	l, err := m.Ledger()
	if err != nil {
		f.t.Fatalf("ledger: %v", err)
	}
	return l
}

// borrowSetup leaves alice supplying 1000 USDC and bob borrowing 500 USDC
// against 1 ETH of collateral.
func (f *fixture) borrowSetup() {
	f.t.Helper()
	if _, err := f.usdc.Mint(alice, units(1000)); err != nil {
		f.t.Fatalf("alice mint: %v", err)
	}
	if _, err := f.eth.Mint(bob, units(1)); err != nil {
		f.t.Fatalf("bob mint: %v", err)
	}
	if err := f.risk.EnterMarkets(bob, []common.Address{vETH}); err != nil {
		f.t.Fatalf("enter markets: %v", err)
	}
	if err := f.usdc.Borrow(bob, units(500)); err != nil {
		f.t.Fatalf("bob borrow: %v", err)
	}
}
