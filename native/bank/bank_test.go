package bank

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"isolend/core/state"
)

var (
	usdc  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	alice = common.HexToAddress("0x0000000000000000000000000000000000000001")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

func newTestLedger(t *testing.T) (*Ledger, *state.Manager) {
	t.Helper()
	mgr := state.NewManager(nil)
	return NewLedger(mgr), mgr
}

func TestTransferMovesBalances(t *testing.T) {
	ledger, _ := newTestLedger(t)
	if err := ledger.Mint(usdc, alice, big.NewInt(1_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	received, err := ledger.Transfer(usdc, alice, bob, big.NewInt(400))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if received.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("unexpected received amount %s", received)
	}
	a, _ := ledger.BalanceOf(usdc, alice)
	b, _ := ledger.BalanceOf(usdc, bob)
	if a.Cmp(big.NewInt(600)) != 0 || b.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("unexpected balances alice=%s bob=%s", a, b)
	}
}

func TestTransferRejectsOverdraft(t *testing.T) {
	ledger, _ := newTestLedger(t)
	if err := ledger.Mint(usdc, alice, big.NewInt(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := ledger.Transfer(usdc, alice, bob, big.NewInt(11)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if _, err := ledger.Transfer(usdc, alice, common.Address{}, big.NewInt(1)); !errors.Is(err, ErrZeroAddress) {
		t.Fatalf("expected ErrZeroAddress, got %v", err)
	}
}

func TestFeeOnTransferDeliversLess(t *testing.T) {
	ledger, _ := newTestLedger(t)
	if err := ledger.SetTransferFee(usdc, 100); err != nil {
		t.Fatalf("set fee: %v", err)
	}
	if err := ledger.Mint(usdc, alice, big.NewInt(1_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	received, err := ledger.Transfer(usdc, alice, bob, big.NewInt(1_000))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if received.Cmp(big.NewInt(990)) != 0 {
		t.Fatalf("expected 990 after 1%% fee, got %s", received)
	}
	supply, _ := ledger.TotalSupply(usdc)
	if supply.Cmp(big.NewInt(990)) != 0 {
		t.Fatalf("fee should be burned, supply=%s", supply)
	}
}

func TestBurnReducesSupply(t *testing.T) {
	ledger, _ := newTestLedger(t)
	_ = ledger.Mint(usdc, alice, big.NewInt(50))
	if err := ledger.Burn(usdc, alice, big.NewInt(20)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	supply, _ := ledger.TotalSupply(usdc)
	if supply.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("unexpected supply %s", supply)
	}
}
