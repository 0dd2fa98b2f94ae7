// Package clock provides the protocol's notion of time. Markets and auctions
// measure every delay, deadline and accrual period through a Source so the
// same accounting works whether the chain counts blocks or seconds.
package clock

import (
	"sync/atomic"
	"time"
)

// SecondsPerYear is the period count used by time-based deployments.
const SecondsPerYear uint64 = 31_536_000

// DefaultBlocksPerYear matches a 3 second block cadence.
const DefaultBlocksPerYear uint64 = 10_512_000

// Source reports the current period and how many periods make up a year.
type Source interface {
	Current() uint64
	PeriodsPerYear() uint64
	IsTimeBased() bool
}

// PeriodsElapsed returns to-from, or zero when the checkpoint is ahead of the
// clock.
func PeriodsElapsed(from, to uint64) uint64 {
	if to <= from {
		return 0
	}
	return to - from
}

type funcSource struct {
	timeBased      bool
	periodsPerYear uint64
	current        func() uint64
}

// New builds a source from a period function. When isTimeBased is set the
// year length is fixed to SecondsPerYear and blocksPerYear is ignored.
func New(isTimeBased bool, blocksPerYear uint64, current func() uint64) Source {
	periods := blocksPerYear
	if isTimeBased {
		periods = SecondsPerYear
	}
	if periods == 0 {
		periods = DefaultBlocksPerYear
	}
	return &funcSource{timeBased: isTimeBased, periodsPerYear: periods, current: current}
}

func (s *funcSource) Current() uint64 {
	if s.current == nil {
		return 0
	}
	return s.current()
}

func (s *funcSource) PeriodsPerYear() uint64 { return s.periodsPerYear }
func (s *funcSource) IsTimeBased() bool      { return s.timeBased }

// Wall returns a time-based source reading unix seconds.
func Wall() Source {
	return New(true, 0, func() uint64 {
		now := time.Now().Unix()
		if now < 0 {
			return 0
		}
		return uint64(now)
	})
}

// Manual is a settable source used by tests, simulations and block-driven
// hosts that advance the height explicitly.
type Manual struct {
	now            atomic.Uint64
	timeBased      bool
	periodsPerYear uint64
}

// NewManual creates a manual source starting at the supplied period.
func NewManual(isTimeBased bool, blocksPerYear, start uint64) *Manual {
	periods := blocksPerYear
	if isTimeBased {
		periods = SecondsPerYear
	}
	if periods == 0 {
		periods = DefaultBlocksPerYear
	}
	m := &Manual{timeBased: isTimeBased, periodsPerYear: periods}
	m.now.Store(start)
	return m
}

func (m *Manual) Current() uint64        { return m.now.Load() }
func (m *Manual) PeriodsPerYear() uint64 { return m.periodsPerYear }
func (m *Manual) IsTimeBased() bool      { return m.timeBased }

// Set moves the clock to the supplied period. Moving backwards is ignored so
// accrual checkpoints stay monotonic.
func (m *Manual) Set(period uint64) {
	for {
		current := m.now.Load()
		if period <= current {
			return
		}
		if m.now.CompareAndSwap(current, period) {
			return
		}
	}
}

// Advance moves the clock forward by delta periods.
func (m *Manual) Advance(delta uint64) { m.now.Add(delta) }
