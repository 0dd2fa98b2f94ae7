package reserves

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"isolend/core/events"
	"isolend/core/state"
	"isolend/native/acm"
	"isolend/native/bank"
	"isolend/native/clock"
	nativecommon "isolend/native/common"
	"isolend/native/exchange"
	"isolend/native/fixedpoint"
	"isolend/native/oracle"
)

var (
	admin      = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	auctionAcc = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	lp         = common.HexToAddress("0x0000000000000000000000000000000000001111")
	treasury   = common.HexToAddress("0x0000000000000000000000000000000000002222")
	convAddr   = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	usdc       = common.HexToAddress("0x0000000000000000000000000000000000001dc0")
	baseToken  = common.HexToAddress("0x0000000000000000000000000000000000000ba5")
	usdcMarket = common.HexToAddress("0x000000000000000000000000000000000000c1c1")
	baseMarket = common.HexToAddress("0x000000000000000000000000000000000000b1b1")
)

const poolID = "main"

func units(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), fixedpoint.Scale) }

type harness struct {
	t         *testing.T
	state     *state.Manager
	recorder  *events.Recorder
	bank      *bank.Ledger
	clock     *clock.Manual
	router    *exchange.Router
	converter *Converter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := state.NewManager(nil)
	rec := &events.Recorder{}
	st.SetEmitter(rec)
	ledger := bank.NewLedger(st)
	clk := clock.NewManual(true, 0, 1_000)
	feed := oracle.NewFeed(st, clk, 0)
	access := acm.NewManager(st, admin)
	router, err := exchange.NewRouter(st, ledger, clk)
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	conv, err := NewConverter(convAddr, Dependencies{
		State:    st,
		Bank:     ledger,
		Oracle:   feed,
		Exchange: router,
		ACM:      access,
		Clock:    clk,
	})
	if err != nil {
		t.Fatalf("converter: %v", err)
	}
	h := &harness{t: t, state: st, recorder: rec, bank: ledger, clock: clk, router: router, converter: conv}

	for _, sig := range []string{
		"setMinAmountToConvert(uint256)",
		"setShortfallContractAddress(address)",
		"setPoolBaseAsset(address,address)",
		"addMarket(address,address,address)",
		"withdrawPoolReserve(address,address,uint256)",
		"sweepToken(address,address)",
	} {
		if err := access.GiveCallPermission(admin, convAddr, sig, admin); err != nil {
			t.Fatalf("grant %s: %v", sig, err)
		}
	}
	if err := feed.SetPrice(usdc, fixedpoint.One()); err != nil {
		t.Fatalf("price: %v", err)
	}
	if err := feed.SetPrice(baseToken, fixedpoint.MustExp("2")); err != nil {
		t.Fatalf("price: %v", err)
	}
	h.must(conv.SetPoolBaseAsset(admin, poolID, baseToken))
	h.must(conv.SetAuction(admin, auctionAcc))
	h.must(conv.SetMinAmountToConvert(admin, units(10)))
	h.must(conv.RegisterMarket(admin, usdcMarket, poolID, usdc))
	h.must(conv.RegisterMarket(admin, baseMarket, poolID, baseToken))

	h.mint(usdc, lp, units(1_000_000))
	h.mint(baseToken, lp, units(1_000_000))
	if _, err := router.AddLiquidity(lp, usdc, baseToken, units(1_000), units(1_000)); err != nil {
		t.Fatalf("liquidity: %v", err)
	}
	return h
}

func (h *harness) must(err error) {
	h.t.Helper()
	if err != nil {
		h.t.Fatalf("unexpected error: %v", err)
	}
}

func (h *harness) mint(asset, to common.Address, amount *big.Int) {
	h.t.Helper()
	h.must(h.bank.Mint(asset, to, amount))
}

func (h *harness) balance(asset, holder common.Address) *big.Int {
	h.t.Helper()
	bal, err := h.bank.BalanceOf(asset, holder)
	h.must(err)
	return bal
}

// release mimics a market handing reserves over: tokens first, then the
// bookkeeping call.
func (h *harness) release(market, asset common.Address, amount *big.Int) error {
	h.t.Helper()
	h.mint(asset, market, amount)
	if _, err := h.bank.Transfer(asset, market, convAddr, amount); err != nil {
		h.t.Fatalf("transfer: %v", err)
	}
	return h.converter.ReleaseFunds(market, poolID, asset, amount)
}

func (h *harness) assetReserve() *big.Int {
	h.t.Helper()
	v, err := h.converter.PoolAssetReserve(poolID, usdc)
	h.must(err)
	return v
}

func (h *harness) baseReserve() *big.Int {
	h.t.Helper()
	v, err := h.converter.PoolBaseReserve(poolID)
	h.must(err)
	return v
}

func TestReleaseThenConvertCreditsBaseReserve(t *testing.T) {
	h := newHarness(t)
	h.must(h.release(usdcMarket, usdc, units(60)))
	if got := h.assetReserve(); got.Cmp(units(60)) != 0 {
		t.Fatalf("released slice %s", got)
	}

	path := []common.Address{usdc, baseToken}
	quote, err := h.router.GetAmountsOut(units(60), path)
	h.must(err)
	out, err := h.converter.Convert(lp, []common.Address{usdcMarket}, []*big.Int{quote[1]}, [][]common.Address{path}, 1_000)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if out[0].Cmp(quote[1]) != 0 {
		t.Fatalf("converted %s, quoted %s", out[0], quote[1])
	}
	if got := h.assetReserve(); got.Sign() != 0 {
		t.Fatalf("slice not zeroed: %s", got)
	}
	if got := h.baseReserve(); got.Cmp(quote[1]) != 0 {
		t.Fatalf("base reserve %s want %s", got, quote[1])
	}
	tracked, err := h.converter.Tracked(baseToken)
	h.must(err)
	if tracked.Cmp(h.balance(baseToken, convAddr)) > 0 {
		t.Fatalf("tracked %s exceeds holdings", tracked)
	}
	if len(h.recorder.OfType(EventTypeConverted)) != 1 {
		t.Fatalf("expected one conversion event")
	}
}

func TestConvertRevertsWholeCallBelowMinimum(t *testing.T) {
	h := newHarness(t)
	h.must(h.release(usdcMarket, usdc, units(60)))
	h.must(h.converter.SetMinAmountToConvert(admin, units(100)))

	_, err := h.converter.Convert(lp, []common.Address{usdcMarket}, []*big.Int{nil}, [][]common.Address{{usdc, baseToken}}, 1_000)
	if !errors.Is(err, ErrBelowMinimum) {
		t.Fatalf("expected ErrBelowMinimum, got %v", err)
	}
	if got := h.assetReserve(); got.Cmp(units(60)) != 0 {
		t.Fatalf("failed conversion moved the slice: %s", got)
	}
	if got := h.balance(usdc, convAddr); got.Cmp(units(60)) != 0 {
		t.Fatalf("failed conversion moved tokens: %s", got)
	}
}

func TestConvertValidatesInputs(t *testing.T) {
	h := newHarness(t)
	h.must(h.release(usdcMarket, usdc, units(60)))
	path := []common.Address{usdc, baseToken}

	cases := []struct {
		name     string
		markets  []common.Address
		mins     []*big.Int
		paths    [][]common.Address
		deadline uint64
		want     error
	}{
		{"empty", nil, nil, nil, 1_000, ErrInvalidParams},
		{"mismatched", []common.Address{usdcMarket}, []*big.Int{nil, nil}, [][]common.Address{path}, 1_000, ErrInvalidParams},
		{"expired", []common.Address{usdcMarket}, []*big.Int{nil}, [][]common.Address{path}, 999, ErrExpired},
		{"wrong end", []common.Address{usdcMarket}, []*big.Int{nil}, [][]common.Address{{usdc, usdc}}, 1_000, ErrInvalidPath},
		{"wrong start", []common.Address{usdcMarket}, []*big.Int{nil}, [][]common.Address{{baseToken, usdc, baseToken}}, 1_000, ErrInvalidPath},
		{"base market", []common.Address{baseMarket}, []*big.Int{nil}, [][]common.Address{{baseToken, usdc}}, 1_000, ErrInvalidParams},
		{"unknown market", []common.Address{lp}, []*big.Int{nil}, [][]common.Address{path}, 1_000, ErrUnknownMarket},
		{"slippage", []common.Address{usdcMarket}, []*big.Int{units(60)}, [][]common.Address{path}, 1_000, exchange.ErrInsufficientOutput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.converter.Convert(lp, tc.markets, tc.mins, tc.paths, tc.deadline)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if got := h.assetReserve(); got.Cmp(units(60)) != 0 {
				t.Fatalf("slice changed to %s", got)
			}
		})
	}
}

func TestReleaseFundsChecksCallerAndHoldings(t *testing.T) {
	h := newHarness(t)
	if err := h.converter.ReleaseFunds(lp, poolID, usdc, units(1)); !errors.Is(err, ErrUnknownMarket) {
		t.Fatalf("expected ErrUnknownMarket, got %v", err)
	}
	if err := h.converter.ReleaseFunds(usdcMarket, poolID, baseToken, units(1)); !errors.Is(err, ErrUnauthorizedCaller) {
		t.Fatalf("expected ErrUnauthorizedCaller, got %v", err)
	}
	if err := h.converter.ReleaseFunds(usdcMarket, poolID, usdc, units(1)); !errors.Is(err, ErrUntrackedShortfall) {
		t.Fatalf("expected ErrUntrackedShortfall, got %v", err)
	}
	if err := h.converter.ReleaseFunds(usdcMarket, poolID, usdc, nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}

	h.must(h.release(baseMarket, baseToken, units(5)))
	if got := h.baseReserve(); got.Cmp(units(5)) != 0 {
		t.Fatalf("base release credited %s", got)
	}
	if err := h.converter.SetPoolBaseAsset(admin, poolID, usdc); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("base asset changed while holding reserve: %v", err)
	}
}

func TestAuctionReserveHooks(t *testing.T) {
	h := newHarness(t)
	h.must(h.release(baseMarket, baseToken, units(50)))

	if err := h.converter.TransferReserveForAuction(lp, poolID, units(1)); !errors.Is(err, ErrUnauthorizedCaller) {
		t.Fatalf("expected ErrUnauthorizedCaller, got %v", err)
	}
	if err := h.converter.TransferReserveForAuction(auctionAcc, poolID, units(51)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	h.must(h.converter.TransferReserveForAuction(auctionAcc, poolID, units(20)))
	if got := h.balance(baseToken, auctionAcc); got.Cmp(units(20)) != 0 {
		t.Fatalf("auction received %s", got)
	}
	if got := h.baseReserve(); got.Cmp(units(30)) != 0 {
		t.Fatalf("base reserve %s", got)
	}

	if err := h.converter.DepositAuctionProceeds(auctionAcc, poolID, units(20)); !errors.Is(err, ErrUntrackedShortfall) {
		t.Fatalf("expected ErrUntrackedShortfall, got %v", err)
	}
	if _, err := h.bank.Transfer(baseToken, auctionAcc, convAddr, units(20)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	h.must(h.converter.DepositAuctionProceeds(auctionAcc, poolID, units(20)))
	if got := h.baseReserve(); got.Cmp(units(50)) != 0 {
		t.Fatalf("base reserve after proceeds %s", got)
	}
}

func TestSweepAndWithdraw(t *testing.T) {
	h := newHarness(t)
	h.must(h.release(baseMarket, baseToken, units(50)))
	h.mint(baseToken, convAddr, units(7))

	if _, err := h.converter.SweepToken(lp, baseToken, treasury); !errors.Is(err, acm.ErrUnauthorized) {
		t.Fatalf("expected acm.ErrUnauthorized, got %v", err)
	}
	swept, err := h.converter.SweepToken(admin, baseToken, treasury)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept.Cmp(units(7)) != 0 {
		t.Fatalf("swept %s", swept)
	}
	if _, err := h.converter.SweepToken(admin, baseToken, treasury); !errors.Is(err, ErrNothingToSweep) {
		t.Fatalf("expected ErrNothingToSweep, got %v", err)
	}

	h.must(h.converter.WithdrawPoolReserve(admin, poolID, treasury, units(10)))
	if got := h.balance(baseToken, treasury); got.Cmp(units(17)) != 0 {
		t.Fatalf("treasury holds %s", got)
	}
	if err := h.converter.WithdrawPoolReserve(admin, poolID, treasury, units(41)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestModulePauseBlocksConverter(t *testing.T) {
	h := newHarness(t)
	h.converter.SetPauses(nativecommon.StaticPauses{moduleName: true})
	if err := h.release(usdcMarket, usdc, units(1)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
}
