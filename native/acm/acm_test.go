package acm

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"isolend/core/state"
)

var (
	admin    = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	operator = common.HexToAddress("0x0000000000000000000000000000000000000011")
	marketA  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	marketB  = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

func TestGrantIsScopedToContractAndSignature(t *testing.T) {
	mgr := NewManager(state.NewManager(nil), admin)
	if err := mgr.GiveCallPermission(admin, marketA, "setReserveFactor(uint256)", operator); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := mgr.Check(operator, marketA, "setReserveFactor(uint256)"); err != nil {
		t.Fatalf("expected permission on market A: %v", err)
	}
	if err := mgr.Check(operator, marketB, "setReserveFactor(uint256)"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized on market B, got %v", err)
	}
	if err := mgr.Check(operator, marketA, "setSupplyCap(uint256)"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for other method, got %v", err)
	}
}

func TestWildcardGrantAndRevoke(t *testing.T) {
	mgr := NewManager(state.NewManager(nil), admin)
	if err := mgr.GiveCallPermission(admin, common.Address{}, "setMarketBorrowCap(uint256)", operator); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if ok, err := mgr.IsAllowedToCall(operator, marketB, "setMarketBorrowCap(uint256)"); err != nil || !ok {
		t.Fatalf("expected wildcard permission, ok=%v err=%v", ok, err)
	}
	if err := mgr.RevokeCallPermission(admin, common.Address{}, "setMarketBorrowCap(uint256)", operator); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if ok, _ := mgr.IsAllowedToCall(operator, marketB, "setMarketBorrowCap(uint256)"); ok {
		t.Fatalf("permission survived revoke")
	}
}

func TestOnlyAdminGrants(t *testing.T) {
	mgr := NewManager(state.NewManager(nil), admin)
	if err := mgr.GiveCallPermission(operator, marketA, "setReserveFactor(uint256)", operator); err == nil {
		t.Fatalf("expected non-admin grant to fail")
	}
}
