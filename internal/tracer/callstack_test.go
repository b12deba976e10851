package tracer

import "testing"

func frame(pc uint64, mapName string) CallstackFrame {
	return CallstackFrame{PC: pc, MapName: mapName}
}

func TestCallstackManager_SampleWithNoTrampolineIsComplete(t *testing.T) {
	m := NewCallstackManager()

	cs := []CallstackFrame{frame(1, "main"), frame(2, "main"), frame(3, "libc")}
	out := m.OnSample(1, cs)

	if len(out.Frames) != 3 {
		t.Fatalf("expected complete stack of 3 frames, got %d", len(out.Frames))
	}
}

func TestCallstackManager_SpliceAcrossTrampoline(t *testing.T) {
	m := NewCallstackManager()

	// Outer entry: caller frames down to main, ending in the trampoline
	// because the uprobe fired inside it.
	outerEntry := []CallstackFrame{
		frame(0x100, "target"), // instrumented function's own frame
		frame(0x200, "target"),
		frame(0x300, "[uprobes]"),
	}
	m.OnEntry(10, outerEntry)

	// A sample taken while inside the instrumented call only sees down to
	// the trampoline again (the unwinder can't see past it).
	innerSample := []CallstackFrame{
		frame(0x400, "target"),
		frame(0x300, "[uprobes]"),
	}
	full := m.OnSample(10, innerSample)

	want := []CallstackFrame{
		frame(0x400, "target"),
		frame(0x200, "target"), // spliced in from the outer entry's fragment
	}
	if len(full.Frames) != len(want) {
		t.Fatalf("spliced stack = %+v, want %+v", full.Frames, want)
	}
	for i := range want {
		if full.Frames[i] != want[i] {
			t.Fatalf("frame %d = %+v, want %+v", i, full.Frames[i], want[i])
		}
	}
}

func TestCallstackManager_NilFragmentPoisonsJoin(t *testing.T) {
	m := NewCallstackManager()

	// An entry whose own unwind failed entirely pushes a nil fragment.
	m.OnEntry(10, nil)

	sample := []CallstackFrame{
		frame(0x400, "target"),
		frame(0x300, "[uprobes]"),
	}
	full := m.OnSample(10, sample)

	if !full.Empty() {
		t.Fatalf("join reaching a nil fragment should fail entirely, got %+v", full.Frames)
	}
}

func TestCallstackManager_EmptyNonNilFragmentPoisonsJoin(t *testing.T) {
	m := NewCallstackManager()

	// A short entry callstack: just the instrumented function's own
	// frame followed directly by the trampoline. deriveFragment strips
	// both, leaving a zero-length (but non-nil) fragment.
	m.OnEntry(10, []CallstackFrame{
		frame(0x100, "target"),
		frame(0x300, "[uprobes]"),
	})

	sample := []CallstackFrame{
		frame(0x400, "target"),
		frame(0x300, "[uprobes]"),
	}
	full := m.OnSample(10, sample)

	if !full.Empty() {
		t.Fatalf("join reaching an empty previous fragment should fail entirely, got %+v", full.Frames)
	}
}

func TestCallstackManager_ExitPopsFragment(t *testing.T) {
	m := NewCallstackManager()

	m.OnEntry(10, []CallstackFrame{frame(1, "a")})
	if got := m.Depth(10); got != 1 {
		t.Fatalf("depth after entry = %d, want 1", got)
	}

	m.OnExit(10)
	if got := m.Depth(10); got != 0 {
		t.Fatalf("depth after exit = %d, want 0", got)
	}
}

func TestCallstackManager_EmptySampleIsEmpty(t *testing.T) {
	m := NewCallstackManager()

	out := m.OnSample(1, nil)
	if !out.Empty() {
		t.Fatalf("empty unwind should produce an empty callstack, got %+v", out.Frames)
	}
}
