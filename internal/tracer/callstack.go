package tracer

// fragment is the non-trampoline portion of a callstack captured at a
// past entry probe, with its innermost frame (the instrumented function
// itself) and its trampoline frame already stripped. A zero-length
// fragment, nil or not, stands for "this entry produced no usable
// stack", and poisons any join that reaches down to it.
type fragment []CallstackFrame

// CallstackManager joins unwound fragments across instrumentation
// trampoline frames to reconstruct full callstacks (§4.5 / C6). The
// unwinder can see only as far as the uprobe trampoline; this manager
// splices in the non-trampoline tail captured at each enclosing entry
// probe.
type CallstackManager struct {
	stacks map[int32][]fragment
}

// NewCallstackManager creates an empty manager.
func NewCallstackManager() *CallstackManager {
	return &CallstackManager{stacks: make(map[int32][]fragment)}
}

// join implements the rule in §4.5: if this is empty, unwinding failed
// and the join fails. If this does not end in a trampoline frame, it is
// already complete. Otherwise the trampoline frame is dropped and the
// previously captured fragments are appended, most-recent first; any
// zero-length fragment along the way fails the whole join, matching the
// original JoinCallstackWithPreviousUprobesCallstacks, which does not
// distinguish an empty previous fragment from a missing one.
func join(this []CallstackFrame, previous []fragment) []CallstackFrame {
	if len(this) == 0 {
		return nil
	}

	if !this[len(this)-1].IsTrampoline() {
		return this
	}

	full := append([]CallstackFrame{}, this[:len(this)-1]...)
	for i := len(previous) - 1; i >= 0; i-- {
		if len(previous[i]) == 0 {
			return nil
		}
		full = append(full, previous[i]...)
	}
	return full
}

// OnSample joins callstack against tid's current fragment stack without
// modifying state.
func (m *CallstackManager) OnSample(tid int32, callstack []CallstackFrame) Callstack {
	return Callstack{Tid: tid, Frames: join(callstack, m.stacks[tid])}
}

// deriveFragment strips the instrumented function's own frame (frame 0)
// and, if present, a trailing trampoline frame, leaving the portion of
// the stack a deeper entry probe can splice onto.
func deriveFragment(callstack []CallstackFrame) fragment {
	if len(callstack) == 0 {
		return nil
	}

	rest := callstack[1:]
	if len(rest) > 0 && rest[len(rest)-1].IsTrampoline() {
		rest = rest[:len(rest)-1]
	}

	f := make(fragment, len(rest))
	copy(f, rest)
	return f
}

// OnEntry computes the full callstack for this entry probe (as OnSample
// would), then pushes the fragment derived from callstack onto tid's
// stack for later joins. A short entry callstack derives a zero-length
// fragment, which still gets pushed so any deeper join correctly fails.
func (m *CallstackManager) OnEntry(tid int32, callstack []CallstackFrame) Callstack {
	full := Callstack{Tid: tid, Frames: join(callstack, m.stacks[tid])}
	m.stacks[tid] = append(m.stacks[tid], deriveFragment(callstack))

	return full
}

// OnExit pops one fragment off tid's stack, mirroring the matching entry
// probe. If the stack becomes empty, the thread's entry is removed.
func (m *CallstackManager) OnExit(tid int32) {
	stack := m.stacks[tid]
	if len(stack) == 0 {
		return
	}

	stack = stack[:len(stack)-1]
	if len(stack) == 0 {
		delete(m.stacks, tid)
	} else {
		m.stacks[tid] = stack
	}
}

// Depth reports the number of fragments on tid's stack. Used by tests.
func (m *CallstackManager) Depth(tid int32) int {
	return len(m.stacks[tid])
}
