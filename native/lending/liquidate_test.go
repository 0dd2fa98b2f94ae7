package lending

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "isolend/native/common"
	"isolend/native/fixedpoint"
)

func TestLiquidationSeizesWithProtocolCut(t *testing.T) {
	f := newFixture(t)
	f.borrowSetup()
	f.setPrice(ethToken, units(550))

	if _, err := f.usdc.LiquidateBorrow(carol, bob, units(300), f.eth); !errors.Is(err, ErrTooMuchRepay) {
		t.Fatalf("expected close factor rejection, got %v", err)
	}

	ethBefore := f.ledger(f.eth)
	seized, err := f.usdc.LiquidateBorrow(carol, bob, units(100), f.eth)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if want := big.NewInt(200_000_000_000_000_000); seized.Cmp(want) != 0 {
		t.Fatalf("seized %s want %s", seized, want)
	}

	protocol := big.NewInt(9_090_909_090_909_090)
	liquidatorCut := new(big.Int).Sub(seized, protocol)
	got, err := f.eth.BalanceOf(carol)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if got.Cmp(liquidatorCut) != 0 {
		t.Fatalf("liquidator received %s want %s", got, liquidatorCut)
	}
	if protocol.Cmp(liquidatorCut) >= 0 {
		t.Fatalf("protocol cut %s not below liquidator cut %s", protocol, liquidatorCut)
	}
	ethAfter := f.ledger(f.eth)
	if delta := new(big.Int).Sub(ethAfter.TotalReserves, ethBefore.TotalReserves); delta.Cmp(protocol) != 0 {
		t.Fatalf("collateral reserves grew by %s want %s", delta, protocol)
	}
	if burned := new(big.Int).Sub(ethBefore.TotalShares, ethAfter.TotalShares); burned.Cmp(protocol) != 0 {
		t.Fatalf("burned %s shares want %s", burned, protocol)
	}
	left, _ := f.eth.BalanceOf(bob)
	if want := new(big.Int).Sub(units(1), seized); left.Cmp(want) != 0 {
		t.Fatalf("borrower kept %s want %s", left, want)
	}

	debt, err := f.usdc.BorrowBalanceStored(bob)
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	if debt.Cmp(units(400)) != 0 {
		t.Fatalf("borrower debt %s want 400", debt)
	}

	// value handed out never exceeds repay * incentive
	seizedValue, _ := fixedpoint.MulTruncate(units(550), seized)
	bound, _ := fixedpoint.MulTruncate(fixedpoint.MustExp("1.1"), units(100))
	if seizedValue.Cmp(bound) > 0 {
		t.Fatalf("seized value %s exceeds %s", seizedValue, bound)
	}
	if len(f.recorder.OfType(EventTypeLiquidate)) != 1 || len(f.recorder.OfType(EventTypeSeize)) != 1 {
		t.Fatalf("expected one liquidate and one seize event")
	}
}

func TestLiquidationParameterChecks(t *testing.T) {
	f := newFixture(t)
	f.borrowSetup()
	f.setPrice(ethToken, units(550))

	if _, err := f.usdc.LiquidateBorrow(bob, bob, units(10), f.eth); !errors.Is(err, ErrLiquidatorIsBorrower) {
		t.Fatalf("expected ErrLiquidatorIsBorrower, got %v", err)
	}
	if _, err := f.usdc.LiquidateBorrow(carol, bob, fixedpoint.MaxUint256, f.eth); !errors.Is(err, ErrRepayAll) {
		t.Fatalf("expected ErrRepayAll, got %v", err)
	}
	if _, err := f.usdc.LiquidateBorrow(carol, bob, big.NewInt(0), f.eth); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := f.usdc.LiquidateBorrow(carol, bob, units(10), nil); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams, got %v", err)
	}
}

func TestLiquidationRejectsHealthyAccount(t *testing.T) {
	f := newFixture(t)
	f.borrowSetup()
	before := f.balance(usdcToken, carol)
	_, err := f.usdc.LiquidateBorrow(carol, bob, units(10), f.eth)
	if !IsPolicyRejection(err, nativecommon.RejectionInsufficientShortfall) {
		t.Fatalf("expected shortfall rejection, got %v", err)
	}
	if f.balance(usdcToken, carol).Cmp(before) != 0 {
		t.Fatalf("rejected liquidation moved tokens")
	}
}

func TestLiquidationRequiresFreshMarkets(t *testing.T) {
	f := newFixture(t)
	f.borrowSetup()
	f.setPrice(ethToken, units(550))
	f.clock.Advance(3)
	f.setPrice(ethToken, units(550))

	if _, err := f.usdc.liquidateFresh(carol, bob, units(10), f.eth); !errors.Is(err, ErrStaleMarket) {
		t.Fatalf("expected ErrStaleMarket, got %v", err)
	}
	if err := f.usdc.AccrueInterest(); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if _, err := f.usdc.liquidateFresh(carol, bob, units(10), f.eth); !errors.Is(err, ErrStaleCollateral) {
		t.Fatalf("expected ErrStaleCollateral, got %v", err)
	}
	if _, err := f.usdc.LiquidateBorrow(carol, bob, units(10), f.eth); err != nil {
		t.Fatalf("liquidate after accrual: %v", err)
	}
}

func TestSeizeRequiresListedSeizer(t *testing.T) {
	f := newFixture(t)
	f.borrowSetup()
	stranger := common.HexToAddress("0x0000000000000000000000000000000000005eed")
	if err := f.eth.Seize(stranger, carol, bob, units(1)); !errors.Is(err, ErrUnauthorizedCaller) {
		t.Fatalf("expected ErrUnauthorizedCaller, got %v", err)
	}
}

func TestProtocolSeizeShareBoundary(t *testing.T) {
	f := newFixture(t)
	f.grant(f.eth, "setProtocolSeizeShare(uint256)", admin)

	if err := f.eth.SetProtocolSeizeShare(admin, fixedpoint.MustExp("0.1")); !errors.Is(err, ErrProtocolSeizeShareTooHigh) {
		t.Fatalf("expected boundary rejection, got %v", err)
	}
	below := new(big.Int).Sub(fixedpoint.MustExp("0.1"), big.NewInt(1))
	if err := f.eth.SetProtocolSeizeShare(admin, below); err != nil {
		t.Fatalf("share just below boundary: %v", err)
	}
	cfg, err := f.eth.Config()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.ProtocolSeizeShare.Cmp(below) != 0 {
		t.Fatalf("share not stored: %s", cfg.ProtocolSeizeShare)
	}
}

func TestSeizeFailsWhenIncentiveDropsBelowShare(t *testing.T) {
	f := newFixture(t)
	f.borrowSetup()
	f.setPrice(ethToken, units(550))
	if err := f.acm.GiveCallPermission(admin, poolAddr, "setLiquidationIncentive(uint256)", admin); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := f.risk.SetLiquidationIncentive(admin, fixedpoint.MustExp("1.04")); err != nil {
		t.Fatalf("incentive: %v", err)
	}
	before := f.ledger(f.usdc)
	if _, err := f.usdc.LiquidateBorrow(carol, bob, units(100), f.eth); !errors.Is(err, ErrProtocolSeizeShareTooHigh) {
		t.Fatalf("expected ErrProtocolSeizeShareTooHigh, got %v", err)
	}
	if after := f.ledger(f.usdc); after.TotalBorrows.Cmp(before.TotalBorrows) != 0 || after.Cash.Cmp(before.Cash) != 0 {
		t.Fatalf("failed seize left the repay booked")
	}
}

func TestLiquidationInSameMarket(t *testing.T) {
	f := newFixture(t)
	if _, err := f.usdc.Mint(bob, units(1000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := f.risk.EnterMarkets(bob, []common.Address{vUSDC}); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if err := f.usdc.Borrow(bob, units(800)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := f.acm.GiveCallPermission(admin, poolAddr, "setCollateralFactor(address,uint256,uint256)", admin); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := f.risk.SetCollateralFactor(admin, vUSDC, fixedpoint.MustExp("0.5"), fixedpoint.MustExp("0.6")); err != nil {
		t.Fatalf("collateral factor: %v", err)
	}
	seized, err := f.usdc.LiquidateBorrow(carol, bob, units(10), f.usdc)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if seized.Cmp(units(11)) != 0 {
		t.Fatalf("seized %s want 11", seized)
	}
	got, _ := f.usdc.BalanceOf(carol)
	if got.Sign() <= 0 || got.Cmp(seized) >= 0 {
		t.Fatalf("liquidator got %s of %s seized", got, seized)
	}
}
