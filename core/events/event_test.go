package events

import (
	"testing"

	"isolend/core/types"
)

func TestMultiFansOutToRecorders(t *testing.T) {
	first, second := &Recorder{}, &Recorder{}
	emitter := Multi{first, nil, second}
	emitter.Emit(&types.Event{Type: "lending.mint"})
	emitter.Emit(&types.Event{Type: "lending.borrow"})

	if len(first.Events()) != 2 || len(second.Events()) != 2 {
		t.Fatalf("expected both recorders to see two events")
	}
	if got := first.OfType("lending.borrow"); len(got) != 1 {
		t.Fatalf("expected one borrow event, got %d", len(got))
	}
	first.Reset()
	if len(first.Events()) != 0 {
		t.Fatalf("expected reset recorder to be empty")
	}
}
