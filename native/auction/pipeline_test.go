package auction

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"isolend/native/fixedpoint"
	"isolend/native/interest"
	"isolend/native/lending"
	"isolend/native/risk"
)

var (
	carol     = common.HexToAddress("0x0000000000000000000000000000000000000ca0")
	usdcToken = common.HexToAddress("0x0000000000000000000000000000000000001dc0")
	ethToken  = common.HexToAddress("0x00000000000000000000000000000000000000e0")
	vUSDC     = common.HexToAddress("0x000000000000000000000000000000000000c1c1")
	vETH      = common.HexToAddress("0x000000000000000000000000000000000000e1e1")
)

type lendingPool struct {
	pool *lending.Pool
	ctrl *risk.Controller
	usdc *lending.Market
	eth  *lending.Market
}

// newLendingPool lists a USDC and an ETH market in a real pool registered
// with the harness auction, with alice supplying 1000 USDC.
func newLendingPool(t *testing.T, h *harness) *lendingPool {
	t.Helper()
	h.must(h.converter.SetPoolBaseAsset(admin, "lend", usdcToken))

	ctrl, err := risk.NewController("lend", poolAddr, h.state, h.feed, h.acm)
	h.must(err)
	h.must(ctrl.Initialise(risk.PoolParams{
		CloseFactor:          fixedpoint.MustExp("0.5"),
		LiquidationIncentive: fixedpoint.MustExp("1.1"),
	}))
	pool, err := lending.NewPool("lend", poolAddr, h.state, ctrl)
	h.must(err)
	pool.SetRegistry(h.auction)
	h.must(h.auction.AddPool(pool))

	newMarket := func(addr, underlying common.Address, symbol string, price *big.Int) *lending.Market {
		m, err := lending.NewMarket(addr, underlying, "lend", symbol, lending.Dependencies{
			State:     h.state,
			Bank:      h.bank,
			Risk:      ctrl,
			Clock:     h.clock,
			RateModel: &interest.WhitePaper{BaseRatePerPeriod: new(big.Int), MultiplierPerPeriod: new(big.Int)},
			Converter: h.converter,
			ACM:       h.acm,
		})
		h.must(err)
		h.must(m.Initialise(lending.MarketConfig{
			ReserveFactor:       fixedpoint.MustExp("0.1"),
			ProtocolSeizeShare:  fixedpoint.MustExp("0.05"),
			InitialExchangeRate: fixedpoint.One(),
		}))
		h.must(ctrl.ListMarket(m, risk.MarketParams{
			CollateralFactor:     fixedpoint.MustExp("0.8"),
			LiquidationThreshold: fixedpoint.MustExp("0.85"),
		}))
		h.must(h.feed.BindMarket(addr, underlying))
		h.must(h.feed.SetPrice(underlying, price))
		h.must(pool.AddMarket(m))
		return m
	}
	lp := &lendingPool{
		pool: pool,
		ctrl: ctrl,
		usdc: newMarket(vUSDC, usdcToken, "vUSDC", units(1)),
		eth:  newMarket(vETH, ethToken, "vETH", units(2_000)),
	}
	h.must(h.bank.Mint(usdcToken, alice, units(1_000)))
	h.must(h.bank.Mint(usdcToken, carol, units(1_000)))
	if _, err := lp.usdc.Mint(alice, units(1_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	return lp
}

// borrowAgainstEth gives who 1 ETH of collateral and borrows amount USDC.
func (lp *lendingPool) borrowAgainstEth(t *testing.T, h *harness, who common.Address, amount *big.Int) {
	t.Helper()
	h.must(h.bank.Mint(ethToken, who, units(1)))
	if _, err := lp.eth.Mint(who, units(1)); err != nil {
		t.Fatalf("collateral: %v", err)
	}
	h.must(lp.ctrl.EnterMarkets(who, []common.Address{vETH}))
	h.must(lp.usdc.Borrow(who, amount))
}

// TestHealedCollateralSoldAtAuction runs a borrower from insolvency through
// healing, the auction and settlement against a real pool.
func TestHealedCollateralSoldAtAuction(t *testing.T) {
	cfg := testConfig()
	cfg.MinPoolBadDebt = units(100)
	h := newHarness(t, cfg)
	lp := newLendingPool(t, h)
	lp.borrowAgainstEth(t, h, bob, units(500))

	h.must(h.feed.SetPrice(ethToken, units(200)))
	h.must(lp.pool.HealAccount(carol, bob))
	debt, err := h.auction.PoolBadDebt("lend")
	h.must(err)
	if debt.Cmp(units(300)) != 0 {
		t.Fatalf("recorded bad debt %s", debt)
	}

	h.must(h.auction.StartAuction(carol, "lend"))
	h.must(h.auction.PlaceBid(carol, "lend", units(150)))
	h.clock.Advance(cfg.NextBidderWindow + 1)
	h.must(h.auction.CloseAuction(carol, "lend"))

	shares, err := lp.eth.BalanceOf(carol)
	h.must(err)
	if shares.Cmp(units(1)) != 0 {
		t.Fatalf("winner holds %s collateral shares", shares)
	}
	custodian, err := lp.eth.BalanceOf(auctionAddr)
	h.must(err)
	if custodian.Sign() != 0 {
		t.Fatalf("custodian still holds %s", custodian)
	}
	ledger, err := lp.usdc.Ledger()
	h.must(err)
	if ledger.BadDebt.Sign() != 0 {
		t.Fatalf("market bad debt not resolved: %s", ledger.BadDebt)
	}
	reserve, err := h.converter.PoolBaseReserve("lend")
	h.must(err)
	if reserve.Cmp(units(150)) != 0 {
		t.Fatalf("converter received %s", reserve)
	}
}

// TestHealDuringOpenRoundWaitsForNextRound heals a second borrower while a
// round is open. The winner gets only what the round opened with and the
// later shortfall stays recorded for the next round.
func TestHealDuringOpenRoundWaitsForNextRound(t *testing.T) {
	cfg := testConfig()
	cfg.MinPoolBadDebt = units(100)
	h := newHarness(t, cfg)
	lp := newLendingPool(t, h)
	dave := common.HexToAddress("0x0000000000000000000000000000000000000da7")
	lp.borrowAgainstEth(t, h, bob, units(500))
	lp.borrowAgainstEth(t, h, dave, units(300))

	h.must(h.feed.SetPrice(ethToken, units(200)))
	h.must(lp.pool.HealAccount(carol, bob))
	h.must(h.auction.StartAuction(carol, "lend"))

	h.must(h.feed.SetPrice(ethToken, units(100)))
	h.must(lp.pool.HealAccount(carol, dave))
	h.must(h.auction.PlaceBid(carol, "lend", units(150)))
	h.clock.Advance(cfg.NextBidderWindow + 1)
	h.must(h.auction.CloseAuction(carol, "lend"))

	won, err := lp.eth.BalanceOf(carol)
	h.must(err)
	if won.Cmp(units(1)) != 0 {
		t.Fatalf("winner holds %s, want only the first borrower's collateral", won)
	}
	held, err := lp.eth.BalanceOf(auctionAddr)
	h.must(err)
	if held.Cmp(units(1)) != 0 {
		t.Fatalf("custodian holds %s, want the second borrower's collateral", held)
	}
	ledger, err := lp.usdc.Ledger()
	h.must(err)
	if ledger.BadDebt.Cmp(units(300)) != 0 {
		t.Fatalf("market bad debt %s, want the second borrower's 300", ledger.BadDebt)
	}
	debt, err := h.auction.PoolBadDebt("lend")
	h.must(err)
	if debt.Cmp(units(200)) != 0 {
		t.Fatalf("pool bad debt %s, want the second shortfall of 200", debt)
	}

	h.must(h.auction.StartAuction(carol, "lend"))
	rec, err := h.auction.Current("lend")
	h.must(err)
	if rec.Round != 2 || rec.BadDebt.Cmp(units(200)) != 0 {
		t.Fatalf("next round %+v", rec)
	}
}
