package common

import "errors"

// ErrReentered is returned when a guarded entry point is invoked while it is
// already executing, typically from a flash-loan or token callback.
var ErrReentered = errors.New("reentrant call")

// Reentrancy is a single-flag lock. Unlike a mutex it fails fast instead of
// blocking, since a re-entry always comes from the same call stack.
type Reentrancy struct {
	entered bool
}

// Enter marks the guard as held.
func (r *Reentrancy) Enter() error {
	if r.entered {
		return ErrReentered
	}
	r.entered = true
	return nil
}

// Exit releases the guard.
func (r *Reentrancy) Exit() { r.entered = false }

// Held reports whether the guard is currently entered.
func (r *Reentrancy) Held() bool { return r.entered }
