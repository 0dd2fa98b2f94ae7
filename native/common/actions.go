package common

import (
	"fmt"
	"strings"
)

// Action enumerates the market operations a risk controller can veto.
type Action uint8

const (
	ActionMint Action = iota
	ActionRedeem
	ActionBorrow
	ActionRepay
	ActionSeize
	ActionLiquidate
	ActionTransfer
	ActionEnterMarket
	ActionExitMarket
	ActionFlashLoan
	ActionHeal
	actionCount
)

var actionNames = [...]string{
	ActionMint:        "mint",
	ActionRedeem:      "redeem",
	ActionBorrow:      "borrow",
	ActionRepay:       "repay",
	ActionSeize:       "seize",
	ActionLiquidate:   "liquidate",
	ActionTransfer:    "transfer",
	ActionEnterMarket: "enterMarket",
	ActionExitMarket:  "exitMarket",
	ActionFlashLoan:   "flashLoan",
	ActionHeal:        "heal",
}

func (a Action) String() string {
	if a < actionCount {
		return actionNames[a]
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// ParseAction resolves a case-insensitive action name.
func ParseAction(name string) (Action, error) {
	trimmed := strings.TrimSpace(name)
	for i, candidate := range actionNames {
		if strings.EqualFold(candidate, trimmed) {
			return Action(i), nil
		}
	}
	return 0, fmt.Errorf("unknown action %q", name)
}

// ActionPauses is a bitset of paused actions for a single market.
type ActionPauses uint16

// Paused reports whether the action is switched off.
func (p ActionPauses) Paused(action Action) bool {
	return p&(1<<action) != 0
}

// With returns the set with the action toggled to paused.
func (p ActionPauses) With(action Action, paused bool) ActionPauses {
	if paused {
		return p | (1 << action)
	}
	return p &^ (1 << action)
}

// Names lists the paused actions.
func (p ActionPauses) Names() []string {
	var names []string
	for a := Action(0); a < actionCount; a++ {
		if p.Paused(a) {
			names = append(names, a.String())
		}
	}
	return names
}
