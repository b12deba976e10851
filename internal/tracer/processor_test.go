package tracer

import (
	"testing"

	"github.com/tracesplice/tracer/internal/testutil"
)

type recordingVisitor struct {
	seen []Event
}

func (v *recordingVisitor) Accept(e Event) { v.seen = append(v.seen, e) }

func TestPerfEventProcessor_DispatchesInTimestampOrder(t *testing.T) {
	visitor := &recordingVisitor{}
	p := NewPerfEventProcessor(visitor, 200, testutil.NewTestLogger(t))

	p.AddEvent(&ForkEvent{Tid: 3, TsN: 30})
	p.AddEvent(&ForkEvent{Tid: 1, TsN: 10})
	p.AddEvent(&ForkEvent{Tid: 2, TsN: 20})

	p.ProcessAllEvents()

	if len(visitor.seen) != 3 {
		t.Fatalf("got %d dispatched events, want 3", len(visitor.seen))
	}
	var prev Ts
	for i, e := range visitor.seen {
		if e.Timestamp() < prev {
			t.Fatalf("event %d dispatched out of order: ts=%d after ts=%d", i, e.Timestamp(), prev)
		}
		prev = e.Timestamp()
	}
}

func TestPerfEventProcessor_HoldsEventsWithinDelayWindow(t *testing.T) {
	visitor := &recordingVisitor{}
	const delay = uint64(200)
	p := NewPerfEventProcessor(visitor, delay, testutil.NewTestLogger(t))

	p.AddEvent(&ForkEvent{Tid: 1, TsN: 100})

	p.ProcessOldEvents(100) // ts(100) + delay(200) = 300 > now(100): must not dispatch yet
	if len(visitor.seen) != 0 {
		t.Fatalf("event dispatched before its delay window elapsed: %d seen", len(visitor.seen))
	}

	p.ProcessOldEvents(300) // ts(100) + delay(200) == 300: now eligible
	if len(visitor.seen) != 1 {
		t.Fatalf("event not dispatched once its delay window elapsed: %d seen", len(visitor.seen))
	}
}

func TestPerfEventProcessor_ReordersWithinWindow(t *testing.T) {
	visitor := &recordingVisitor{}
	p := NewPerfEventProcessor(visitor, 50, testutil.NewTestLogger(t))

	// Arrives out of order, but both within the same delay window.
	p.AddEvent(&ForkEvent{Tid: 2, TsN: 120})
	p.AddEvent(&ForkEvent{Tid: 1, TsN: 100})

	p.ProcessOldEvents(170)

	if len(visitor.seen) != 2 {
		t.Fatalf("got %d dispatched events, want 2", len(visitor.seen))
	}
	first := visitor.seen[0].(*ForkEvent)
	second := visitor.seen[1].(*ForkEvent)
	if first.Tid != 1 || second.Tid != 2 {
		t.Fatalf("events reordered incorrectly: first=%d second=%d", first.Tid, second.Tid)
	}
}

func TestPerfEventProcessor_LenReflectsBufferedEvents(t *testing.T) {
	visitor := &recordingVisitor{}
	p := NewPerfEventProcessor(visitor, 200, testutil.NewTestLogger(t))

	p.AddEvent(&ForkEvent{Tid: 1, TsN: 10})
	p.AddEvent(&ForkEvent{Tid: 2, TsN: 20})
	if got := p.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}

	p.ProcessAllEvents()
	if got := p.Len(); got != 0 {
		t.Fatalf("Len() after drain = %d, want 0", got)
	}
}
