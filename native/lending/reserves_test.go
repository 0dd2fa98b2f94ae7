package lending

import (
	"errors"
	"testing"

	"isolend/native/acm"
)

func TestAddReservesIsPermissionless(t *testing.T) {
	f := newFixture(t)
	if _, err := f.usdc.Mint(alice, units(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	added, err := f.usdc.AddReserves(carol, units(10))
	if err != nil {
		t.Fatalf("add reserves: %v", err)
	}
	if added.Cmp(units(10)) != 0 {
		t.Fatalf("added %s", added)
	}
	ledger := f.ledger(f.usdc)
	if ledger.TotalReserves.Cmp(units(10)) != 0 || ledger.Cash.Cmp(units(110)) != 0 {
		t.Fatalf("unexpected ledger %+v", ledger)
	}
	// reserves are excluded from the suppliers' claim
	rate, _ := f.usdc.ExchangeRateStored()
	if rate.Cmp(units(1)) != 0 {
		t.Fatalf("reserves moved the exchange rate: %s", rate)
	}
}

func TestReduceReservesReleasesToConverter(t *testing.T) {
	f := newFixture(t)
	if _, err := f.usdc.AddReserves(carol, units(10)); err != nil {
		t.Fatalf("add reserves: %v", err)
	}
	if err := f.usdc.ReduceReserves(bob, units(4)); !errors.Is(err, acm.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	f.grant(f.usdc, sigReduceReserves, admin)
	if err := f.usdc.ReduceReserves(admin, units(11)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := f.usdc.ReduceReserves(admin, units(4)); err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if got := f.converter.released[usdcToken]; got == nil || got.Cmp(units(4)) != 0 {
		t.Fatalf("converter notified of %v", got)
	}
	if bal := f.balance(usdcToken, f.converter.addr); bal.Cmp(units(4)) != 0 {
		t.Fatalf("converter holds %s", bal)
	}
	if reserves := f.ledger(f.usdc).TotalReserves; reserves.Cmp(units(6)) != 0 {
		t.Fatalf("reserves left %s", reserves)
	}
}

func TestReduceReservesRollsBackOnConverterFailure(t *testing.T) {
	f := newFixture(t)
	if _, err := f.usdc.AddReserves(carol, units(10)); err != nil {
		t.Fatalf("add reserves: %v", err)
	}
	f.grant(f.usdc, sigReduceReserves, admin)
	refused := errors.New("converter refused")
	f.converter.fail = refused
	if err := f.usdc.ReduceReserves(admin, units(4)); !errors.Is(err, refused) {
		t.Fatalf("expected converter error, got %v", err)
	}
	if bal := f.balance(usdcToken, f.converter.addr); bal.Sign() != 0 {
		t.Fatalf("tokens left the market: %s", bal)
	}
	if reserves := f.ledger(f.usdc).TotalReserves; reserves.Cmp(units(10)) != 0 {
		t.Fatalf("reserves changed: %s", reserves)
	}

	f.usdc.SetConverter(nil)
	if err := f.usdc.ReduceReserves(admin, units(4)); !errors.Is(err, errConverterNotConfigured) {
		t.Fatalf("expected errConverterNotConfigured, got %v", err)
	}
}

func TestAccrualReleasesReservesAfterDelta(t *testing.T) {
	f := newFixture(t)
	if _, err := f.usdc.AddReserves(carol, units(10)); err != nil {
		t.Fatalf("add reserves: %v", err)
	}
	f.grant(f.usdc, "setReduceReservesBlockDelta(uint256)", admin)
	if err := f.usdc.SetReduceReservesDelta(admin, 0); !errors.Is(err, errInvalidReduceDelta) {
		t.Fatalf("expected errInvalidReduceDelta, got %v", err)
	}
	if err := f.usdc.SetReduceReservesDelta(admin, 50); err != nil {
		t.Fatalf("delta: %v", err)
	}

	f.clock.Advance(30)
	if err := f.usdc.AccrueInterest(); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if f.converter.released[usdcToken] != nil {
		t.Fatalf("released before the delta elapsed")
	}

	f.clock.Advance(30)
	if err := f.usdc.AccrueInterest(); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if got := f.converter.released[usdcToken]; got == nil || got.Cmp(units(10)) != 0 {
		t.Fatalf("expected 10 released, got %v", got)
	}
	ledger := f.ledger(f.usdc)
	if ledger.TotalReserves.Sign() != 0 || ledger.LastReduceReserves != f.clock.Current() {
		t.Fatalf("unexpected ledger after release %+v", ledger)
	}
}
