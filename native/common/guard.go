package common

import (
	"errors"
	"fmt"
)

var ErrModulePaused = errors.New("module paused")

// PauseView answers whether a whole module (lending, reserves, auction) is
// switched off.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard fails with ErrModulePaused naming module when view has it paused. A
// nil view pauses nothing.
func Guard(view PauseView, module string) error {
	if view == nil || module == "" || !view.IsPaused(module) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrModulePaused, module)
}

// StaticPauses is a fixed table loaded from configuration.
type StaticPauses map[string]bool

func (s StaticPauses) IsPaused(module string) bool { return s[module] }
