package common

import (
	"errors"
	"testing"
)

func TestGuardHonoursPauseView(t *testing.T) {
	pauses := StaticPauses{"lending": true}
	if err := Guard(pauses, "lending"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := Guard(pauses, "auction"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Guard(nil, "lending"); err != nil {
		t.Fatalf("nil view must not block: %v", err)
	}
}

func TestActionPausesBitset(t *testing.T) {
	var p ActionPauses
	p = p.With(ActionBorrow, true).With(ActionSeize, true)
	if !p.Paused(ActionBorrow) || !p.Paused(ActionSeize) || p.Paused(ActionMint) {
		t.Fatalf("unexpected pause set %v", p.Names())
	}
	p = p.With(ActionBorrow, false)
	if p.Paused(ActionBorrow) {
		t.Fatalf("borrow still paused")
	}
	if names := p.Names(); len(names) != 1 || names[0] != "seize" {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestParseAction(t *testing.T) {
	action, err := ParseAction(" FlashLoan ")
	if err != nil || action != ActionFlashLoan {
		t.Fatalf("unexpected parse result %v %v", action, err)
	}
	if _, err := ParseAction("teleport"); err == nil {
		t.Fatalf("expected unknown action error")
	}
}

func TestReentrancyFailsFast(t *testing.T) {
	var guard Reentrancy
	if err := guard.Enter(); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if err := guard.Enter(); !errors.Is(err, ErrReentered) {
		t.Fatalf("expected ErrReentered, got %v", err)
	}
	guard.Exit()
	if guard.Held() {
		t.Fatalf("guard still held after exit")
	}
}

func TestRejectionNames(t *testing.T) {
	if RejectionInsufficientShortfall.String() != "insufficient shortfall" {
		t.Fatalf("unexpected name %q", RejectionInsufficientShortfall)
	}
	if Rejection(200).String() != "rejection(200)" {
		t.Fatalf("unexpected fallback name")
	}
}
