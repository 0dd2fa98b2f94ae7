package risk

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"isolend/core/state"
	nativecommon "isolend/native/common"
	"isolend/native/fixedpoint"
)

type stubPosition struct {
	shares   *big.Int
	borrowed *big.Int
}

type stubMarket struct {
	addr       common.Address
	underlying common.Address
	rate       *big.Int
	paused     nativecommon.ActionPauses
	positions  map[common.Address]stubPosition
}

func newStubMarket(addr common.Address) *stubMarket {
	return &stubMarket{addr: addr, rate: fixedpoint.One(), positions: make(map[common.Address]stubPosition)}
}

func (m *stubMarket) Address() common.Address    { return m.addr }
func (m *stubMarket) Underlying() common.Address { return m.underlying }
func (m *stubMarket) ExchangeRateStored() (*big.Int, error) {
	return new(big.Int).Set(m.rate), nil
}
func (m *stubMarket) ActionPaused(action nativecommon.Action) (bool, error) {
	return m.paused.Paused(action), nil
}
func (m *stubMarket) AccountSnapshot(account common.Address) (*big.Int, *big.Int, *big.Int, error) {
	pos := m.positions[account]
	return fixedpoint.Clone(pos.shares), fixedpoint.Clone(pos.borrowed), new(big.Int).Set(m.rate), nil
}

type stubOracle map[common.Address]*big.Int

func (o stubOracle) GetUnderlyingPrice(market common.Address) (*big.Int, error) {
	return new(big.Int).Set(o[market]), nil
}

var (
	vETH  = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	vUSDC = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	alice = common.HexToAddress("0x0000000000000000000000000000000000000001")
)

func eth(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), fixedpoint.Scale) }

func newTestController(t *testing.T) (*Controller, *stubMarket, *stubMarket, stubOracle) {
	t.Helper()
	oracle := stubOracle{vETH: eth(2000), vUSDC: eth(1)}
	ctrl, err := NewController("main", common.HexToAddress("0xc0"), state.NewManager(nil), oracle, nil)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	if err := ctrl.Initialise(PoolParams{
		CloseFactor:          fixedpoint.MustExp("0.5"),
		LiquidationIncentive: fixedpoint.MustExp("1.1"),
	}); err != nil {
		t.Fatalf("initialise: %v", err)
	}
	ethMarket, usdcMarket := newStubMarket(vETH), newStubMarket(vUSDC)
	if err := ctrl.ListMarket(ethMarket, MarketParams{CollateralFactor: fixedpoint.MustExp("0.75"), LiquidationThreshold: fixedpoint.MustExp("0.8")}); err != nil {
		t.Fatalf("list eth: %v", err)
	}
	if err := ctrl.ListMarket(usdcMarket, MarketParams{CollateralFactor: fixedpoint.MustExp("0.8"), LiquidationThreshold: fixedpoint.MustExp("0.85")}); err != nil {
		t.Fatalf("list usdc: %v", err)
	}
	return ctrl, ethMarket, usdcMarket, oracle
}

func TestHypotheticalLiquidityUsesCollateralFactor(t *testing.T) {
	ctrl, ethMarket, _, _ := newTestController(t)
	ethMarket.positions[alice] = stubPosition{shares: eth(1)}
	if err := ctrl.EnterMarkets(alice, []common.Address{vETH}); err != nil {
		t.Fatalf("enter: %v", err)
	}
	// 1 ETH at 2000 with cf 0.75 -> 1500 of borrowing power.
	liquidity, shortfall, err := ctrl.HypotheticalLiquidity(alice, vUSDC, big.NewInt(0), eth(1000))
	if err != nil {
		t.Fatalf("liquidity: %v", err)
	}
	if liquidity.Cmp(eth(500)) != 0 || shortfall.Sign() != 0 {
		t.Fatalf("unexpected liquidity=%s shortfall=%s", liquidity, shortfall)
	}
	_, shortfall, err = ctrl.HypotheticalLiquidity(alice, vUSDC, big.NewInt(0), eth(1600))
	if err != nil {
		t.Fatalf("liquidity: %v", err)
	}
	if shortfall.Cmp(eth(100)) != 0 {
		t.Fatalf("unexpected shortfall %s", shortfall)
	}
}

func TestLiquidateRequiresThresholdShortfall(t *testing.T) {
	ctrl, ethMarket, usdcMarket, oracle := newTestController(t)
	ethMarket.positions[alice] = stubPosition{shares: eth(1)}
	usdcMarket.positions[alice] = stubPosition{borrowed: eth(1550)}
	if err := ctrl.EnterMarkets(alice, []common.Address{vETH, vUSDC}); err != nil {
		t.Fatalf("enter: %v", err)
	}
	// threshold value 1600 > 1550 debt: healthy for liquidation purposes.
	if ok, code := ctrl.IsActionAllowed(vUSDC, alice, nativecommon.ActionLiquidate); ok || code != nativecommon.RejectionInsufficientShortfall {
		t.Fatalf("expected insufficient shortfall, got ok=%v code=%s", ok, code)
	}
	oracle[vETH] = eth(1900)
	if ok, code := ctrl.IsActionAllowed(vUSDC, alice, nativecommon.ActionLiquidate); !ok {
		t.Fatalf("expected liquidation to be allowed, code=%s", code)
	}
}

func TestIsActionAllowedHonoursPauses(t *testing.T) {
	ctrl, ethMarket, _, _ := newTestController(t)
	ethMarket.paused = ethMarket.paused.With(nativecommon.ActionMint, true)
	if ok, code := ctrl.IsActionAllowed(vETH, alice, nativecommon.ActionMint); ok || code != nativecommon.RejectionActionPaused {
		t.Fatalf("expected paused rejection, got %v %s", ok, code)
	}
	if ok, code := ctrl.IsActionAllowed(common.HexToAddress("0xdead"), alice, nativecommon.ActionMint); ok || code != nativecommon.RejectionMarketNotListed {
		t.Fatalf("expected not listed rejection, got %v %s", ok, code)
	}
}

func TestCalculateSeizeTokens(t *testing.T) {
	ctrl, ethMarket, _, _ := newTestController(t)
	ethMarket.rate = fixedpoint.MustExp("2")
	// repay 1000 USDC * 1.1 * 1 / (2000 * 2) = 0.275 shares
	seize, err := ctrl.CalculateSeizeTokens(vUSDC, vETH, eth(1000))
	if err != nil {
		t.Fatalf("seize tokens: %v", err)
	}
	if seize.Cmp(fixedpoint.MustExp("0.275")) != 0 {
		t.Fatalf("unexpected seize tokens %s", seize)
	}
}

func TestExitMarketBlockedByBorrow(t *testing.T) {
	ctrl, ethMarket, usdcMarket, _ := newTestController(t)
	ethMarket.positions[alice] = stubPosition{shares: eth(1)}
	usdcMarket.positions[alice] = stubPosition{borrowed: eth(10)}
	if err := ctrl.EnterMarkets(alice, []common.Address{vETH, vUSDC}); err != nil {
		t.Fatalf("enter: %v", err)
	}
	code, err := ctrl.ExitMarket(alice, vUSDC)
	if err != nil || code != nativecommon.RejectionOutstandingBorrow {
		t.Fatalf("expected outstanding borrow rejection, got %s %v", code, err)
	}
	code, err = ctrl.ExitMarket(alice, vETH)
	if err != nil || code != nativecommon.RejectionInsufficientLiquidity {
		t.Fatalf("expected liquidity rejection, got %s %v", code, err)
	}
	usdcMarket.positions[alice] = stubPosition{}
	code, err = ctrl.ExitMarket(alice, vETH)
	if err != nil || code != nativecommon.RejectionNone {
		t.Fatalf("expected exit to succeed, got %s %v", code, err)
	}
	if member, _ := ctrl.IsMember(alice, vETH); member {
		t.Fatalf("still a member after exit")
	}
}
