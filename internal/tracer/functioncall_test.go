package tracer

import "testing"

func TestFunctionCallManager_SimpleEntryExit(t *testing.T) {
	m := NewFunctionCallManager()

	m.OnEntry(1, 0x1000, 10)
	if got := m.Depth(1); got != 1 {
		t.Fatalf("depth after entry = %d, want 1", got)
	}

	call, ok := m.OnExit(1, 20)
	if !ok {
		t.Fatal("OnExit returned false for a matched entry")
	}
	if call.FunctionVirtualAddress != 0x1000 || call.BeginTs != 10 || call.EndTs != 20 || call.Depth != 0 {
		t.Fatalf("unexpected call: %+v", call)
	}
	if got := m.Depth(1); got != 0 {
		t.Fatalf("depth after exit = %d, want 0", got)
	}
}

func TestFunctionCallManager_NestedCalls(t *testing.T) {
	m := NewFunctionCallManager()

	m.OnEntry(1, 0x1000, 0) // outer
	m.OnEntry(1, 0x2000, 1) // inner
	if got := m.Depth(1); got != 2 {
		t.Fatalf("depth after two entries = %d, want 2", got)
	}

	inner, ok := m.OnExit(1, 2)
	if !ok {
		t.Fatal("OnExit for inner call returned false")
	}
	if inner.FunctionVirtualAddress != 0x2000 || inner.Depth != 1 {
		t.Fatalf("inner call mismatched outer: %+v", inner)
	}

	outer, ok := m.OnExit(1, 3)
	if !ok {
		t.Fatal("OnExit for outer call returned false")
	}
	if outer.FunctionVirtualAddress != 0x1000 || outer.Depth != 0 {
		t.Fatalf("unexpected outer call: %+v", outer)
	}
}

func TestFunctionCallManager_SpuriousExitDropped(t *testing.T) {
	m := NewFunctionCallManager()

	if _, ok := m.OnExit(1, 5); ok {
		t.Fatal("OnExit with no matching entry should return false")
	}
}

func TestFunctionCallManager_IndependentThreads(t *testing.T) {
	m := NewFunctionCallManager()

	m.OnEntry(1, 0x1000, 0)
	m.OnEntry(2, 0x2000, 0)

	if _, ok := m.OnExit(2, 1); !ok {
		t.Fatal("OnExit for thread 2 should match thread 2's own entry")
	}
	if got := m.Depth(1); got != 1 {
		t.Fatalf("thread 1's stack should be untouched by thread 2's exit, depth = %d", got)
	}
}
