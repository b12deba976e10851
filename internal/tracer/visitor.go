package tracer

import "github.com/rs/zerolog"

// UnwindingVisitor dispatches by event kind, owning the function-call and
// callstack managers and the unwinder, and producing records for the
// listener (§4.6 / C7). It also maintains the per-thread duplicate-entry
// guard described there.
type UnwindingVisitor struct {
	unwinder   Unwinder
	functionMgr *FunctionCallManager
	callstackMgr *CallstackManager
	listener   Listener
	logger     zerolog.Logger

	emitCallstackOnReturn bool
	notifyTidOnFork       bool

	// entrySP is, per thread, the stack pointer recorded at the last
	// unmatched entry probe; used to detect duplicate entries / missed
	// exits.
	entrySP map[int32][]uint64

	droppedDuplicateEntries uint64
}

// NewUnwindingVisitor creates a visitor bound to unwinder and listener.
// emitCallstackOnReturn and notifyTidOnFork make the §9 open questions'
// choices configuration-visible.
func NewUnwindingVisitor(unwinder Unwinder, listener Listener, emitCallstackOnReturn, notifyTidOnFork bool, logger zerolog.Logger) *UnwindingVisitor {
	return &UnwindingVisitor{
		unwinder:              unwinder,
		functionMgr:           NewFunctionCallManager(),
		callstackMgr:          NewCallstackManager(),
		listener:              listener,
		logger:                logger.With().Str("component", "unwinding_visitor").Logger(),
		emitCallstackOnReturn: emitCallstackOnReturn,
		notifyTidOnFork:       notifyTidOnFork,
		entrySP:               make(map[int32][]uint64),
	}
}

// DroppedDuplicateEntries reports how many uprobe entries have been
// dropped by the duplicate-entry guard since creation, surfaced in the
// engine's periodic stats.
func (v *UnwindingVisitor) DroppedDuplicateEntries() uint64 { return v.droppedDuplicateEntries }

// Accept implements Visitor: a tagged-variant type switch instead of a
// virtual accept/visit hierarchy, per §9's design note.
func (v *UnwindingVisitor) Accept(event Event) {
	switch e := event.(type) {
	case *MapsEvent:
		v.visitMaps(e)
	case *StackSampleEvent:
		v.visitStackSample(e)
	case *UProbeEvent:
		v.visitUProbe(e)
	case *URetProbeEvent:
		v.visitURetProbe(e)
	case *ContextSwitchEvent:
		v.visitContextSwitch(e)
	case *CPUWideContextSwitchEvent:
		v.visitCPUWideContextSwitch(e)
	case *ForkEvent:
		v.visitFork(e)
	case *ExitEvent:
		v.visitExit(e)
	default:
		v.logger.Warn().Str("kind", event.Kind().String()).Msg("unexpected event reached visitor, skipping")
	}
}

func (v *UnwindingVisitor) visitContextSwitch(e *ContextSwitchEvent) {
	rec := ContextSwitchRecord{Tid: e.Tid, Cpu: e.Cpu, TsN: e.TsN}
	if e.Dir == SwitchIn {
		v.listener.OnContextSwitchIn(rec)
	} else {
		v.listener.OnContextSwitchOut(rec)
	}
}

func (v *UnwindingVisitor) visitCPUWideContextSwitch(e *CPUWideContextSwitchEvent) {
	v.listener.OnContextSwitchOut(ContextSwitchRecord{Tid: e.PrevTid, Cpu: e.Cpu, TsN: e.TsN})
	v.listener.OnContextSwitchIn(ContextSwitchRecord{Tid: e.NextTid, Cpu: e.Cpu, TsN: e.TsN})
}

// visitFork notifies the listener of a newly observed thread. Whether
// fork-time notification happens at all is the §9 open question this
// visitor resolves via notifyTidOnFork, set by the engine from
// Config.NotifyTidOnFork.
func (v *UnwindingVisitor) visitFork(e *ForkEvent) {
	if v.notifyTidOnFork {
		v.listener.OnTid(e.Tid)
	}
}

func (v *UnwindingVisitor) visitExit(e *ExitEvent) {
	delete(v.entrySP, e.Tid)
}

func (v *UnwindingVisitor) visitMaps(e *MapsEvent) {
	v.unwinder.SetMaps(e.Maps)
}

func (v *UnwindingVisitor) visitStackSample(e *StackSampleEvent) {
	frames := v.unwinder.Unwind(e.Regs, e.StackBytes)
	full := v.callstackMgr.OnSample(e.Tid, frames)
	if !full.Empty() {
		full.TsN = e.TsN
		v.listener.OnCallstack(full)
	}
}

// guardEntry implements the duplicate-entry / missed-exit guard: within a
// single thread, successive nested entries must have strictly decreasing
// stack pointers. A non-decreasing SP means the kernel delivered a
// duplicate uprobe record, or an intervening uretprobe was lost. Returns
// false if the event should be dropped entirely.
func (v *UnwindingVisitor) guardEntry(tid int32, sp uint64) bool {
	stack := v.entrySP[tid]
	if len(stack) > 0 && sp >= stack[len(stack)-1] {
		v.droppedDuplicateEntries++
		v.logger.Warn().
			Int32("tid", tid).
			Uint64("sp", sp).
			Uint64("top_sp", stack[len(stack)-1]).
			Msg("duplicate uprobe entry or missed exit detected, dropping")
		return false
	}
	v.entrySP[tid] = append(stack, sp)
	return true
}

// guardExit pops the thread's SP stack on a matching probe return. It is
// best-effort: an exit with no corresponding tracked entry (e.g. because
// the entry was itself dropped by the guard) is a no-op.
func (v *UnwindingVisitor) guardExit(tid int32) {
	stack := v.entrySP[tid]
	if len(stack) == 0 {
		return
	}
	stack = stack[:len(stack)-1]
	if len(stack) == 0 {
		delete(v.entrySP, tid)
	} else {
		v.entrySP[tid] = stack
	}
}

func (v *UnwindingVisitor) visitUProbe(e *UProbeEvent) {
	if !v.guardEntry(e.Tid, e.Regs.SP) {
		return
	}

	v.functionMgr.OnEntry(e.Tid, e.Fn.VirtualAddress, e.TsN)

	frames := v.unwinder.Unwind(e.Regs, e.StackBytes)
	full := v.callstackMgr.OnEntry(e.Tid, frames)
	if !full.Empty() {
		full.TsN = e.TsN
		v.listener.OnCallstack(full)
	}

	v.listener.OnFunctionBegin(FunctionBoundary{
		Tid:                    e.Tid,
		FunctionVirtualAddress: e.Fn.VirtualAddress,
		TsN:                    e.TsN,
	})
}

func (v *UnwindingVisitor) visitURetProbe(e *URetProbeEvent) {
	v.guardExit(e.Tid)

	if call, ok := v.functionMgr.OnExit(e.Tid, e.TsN); ok {
		v.listener.OnFunctionCall(call)
		v.listener.OnFunctionEnd(FunctionBoundary{
			Tid:                    e.Tid,
			FunctionVirtualAddress: e.Fn.VirtualAddress,
			TsN:                    e.TsN,
		})
	}

	v.callstackMgr.OnExit(e.Tid)

	if v.emitCallstackOnReturn {
		frames := v.unwinder.Unwind(e.Regs, e.StackBytes)
		full := v.callstackMgr.OnSample(e.Tid, frames)
		if !full.Empty() {
			full.TsN = e.TsN
			v.listener.OnCallstack(full)
		}
	}
}
