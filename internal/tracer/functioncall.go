package tracer

// functionCallFrame is one open entry on a thread's call stack: the
// instrumented function and the timestamp its entry probe fired at.
type functionCallFrame struct {
	functionAddress uint64
	beginTs         Ts
}

// FunctionCallManager matches user-probe entries to exits with a
// per-thread stack (§4.4 / C5). The engine owns it outright; there is no
// internal locking, matching the "no concurrent mutation" rule of §5.
type FunctionCallManager struct {
	stacks map[int32][]functionCallFrame
}

// NewFunctionCallManager creates an empty manager.
func NewFunctionCallManager() *FunctionCallManager {
	return &FunctionCallManager{stacks: make(map[int32][]functionCallFrame)}
}

// OnEntry records a new open call on tid's stack.
func (m *FunctionCallManager) OnEntry(tid int32, functionAddress uint64, ts Ts) {
	m.stacks[tid] = append(m.stacks[tid], functionCallFrame{
		functionAddress: functionAddress,
		beginTs:         ts,
	})
}

// OnExit matches ts against the most recent open entry on tid's stack
// (LIFO). It returns false if tid has no open entry — a spurious exit
// with no matching entry, which is dropped, not an error. Cross-thread
// exits never match because each tid has its own stack.
func (m *FunctionCallManager) OnExit(tid int32, ts Ts) (FunctionCall, bool) {
	stack := m.stacks[tid]
	if len(stack) == 0 {
		return FunctionCall{}, false
	}

	top := stack[len(stack)-1]
	stack = stack[:len(stack)-1]

	depth := len(stack)
	if len(stack) == 0 {
		delete(m.stacks, tid)
	} else {
		m.stacks[tid] = stack
	}

	return FunctionCall{
		Tid:                    tid,
		FunctionVirtualAddress: top.functionAddress,
		BeginTs:                top.beginTs,
		EndTs:                  ts,
		Depth:                  depth,
	}, true
}

// Depth reports the number of still-open entries on tid's stack. Used by
// tests asserting the §8 nesting invariant.
func (m *FunctionCallManager) Depth(tid int32) int {
	return len(m.stacks[tid])
}
