package clock

import "testing"

func TestManualIsMonotonic(t *testing.T) {
	m := NewManual(false, 100, 10)
	m.Advance(5)
	if m.Current() != 15 {
		t.Fatalf("unexpected period %d", m.Current())
	}
	m.Set(12)
	if m.Current() != 15 {
		t.Fatalf("clock moved backwards to %d", m.Current())
	}
	m.Set(40)
	if m.Current() != 40 {
		t.Fatalf("unexpected period %d", m.Current())
	}
}

func TestTimeBasedUsesSecondsPerYear(t *testing.T) {
	m := NewManual(true, 100, 0)
	if m.PeriodsPerYear() != SecondsPerYear || !m.IsTimeBased() {
		t.Fatalf("expected time-based year, got %d", m.PeriodsPerYear())
	}
	src := New(false, 0, func() uint64 { return 7 })
	if src.PeriodsPerYear() != DefaultBlocksPerYear || src.Current() != 7 {
		t.Fatalf("unexpected block source %d/%d", src.PeriodsPerYear(), src.Current())
	}
}

func TestPeriodsElapsed(t *testing.T) {
	if PeriodsElapsed(10, 4) != 0 {
		t.Fatalf("expected zero for checkpoint ahead of clock")
	}
	if PeriodsElapsed(4, 10) != 6 {
		t.Fatalf("expected six periods")
	}
}
