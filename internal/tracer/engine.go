package tracer

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	tracererrors "github.com/tracesplice/tracer/internal/errors"
	"github.com/tracesplice/tracer/internal/safe"
)

// pollInterval is how long the engine sleeps when a round robin pass
// found nothing new on any ring, to avoid busy-spinning (§4.2 Main loop).
const pollInterval = time.Millisecond

// cpuSource is a context-switch/task-tracking ring bound to one CPU.
type cpuSource struct {
	ring PerfRingBuffer
	cpu  int32
}

// sampleSource is a stack-sampling ring bound to one thread.
type sampleSource struct {
	ring PerfRingBuffer
	tid  int32
}

// probeSource is a uprobe or uretprobe ring bound to one instrumented
// function.
type probeSource struct {
	ring PerfRingBuffer
	fn   Function
}

// TracerEngine is the top-level orchestrator (§4.2 / C9): it owns every
// kernel ring, round-robins them for new records, decodes each into a
// typed Event, and feeds the PerfEventProcessor's reorder window, which
// in turn drives the UnwindingVisitor and ultimately the Listener.
type TracerEngine struct {
	sessionID string

	cfg     Config
	kernel  KernelCounters
	clock   Clock
	visitor *UnwindingVisitor
	proc    *PerfEventProcessor
	logger  zerolog.Logger

	ctxSwitchSources []cpuSource
	sampleSources    map[int32]sampleSource
	uprobeSources    map[string]probeSource
	uretprobeSources map[string]probeSource

	knownTids map[int32]bool

	// pendingSampleRemovals holds tids whose EXIT record has been seen
	// during the current round-robin pass; their sampling ring is torn
	// down once the pass finishes, not mid-iteration (§4.2).
	pendingSampleRemovals []int32

	lostCount      uint64
	processedCount uint64
}

// NewTracerEngine creates an engine for cfg, injected with kernel, clock
// and listener. cfg is defaulted and validated before use.
func NewTracerEngine(cfg Config, kernel KernelCounters, clock Clock, listener Listener, logger zerolog.Logger) (*TracerEngine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	sessionID := uuid.NewString()
	log := logger.With().
		Str("component", "tracer_engine").
		Str("session_id", sessionID).
		Int32("target_pid", cfg.TargetPid).
		Logger()

	unwinder := NewFramePointerUnwinder()
	visitor := NewUnwindingVisitor(unwinder, listener, cfg.EmitCallstackOnReturn, cfg.NotifyTidOnFork, log)
	proc := NewPerfEventProcessor(visitor, cfg.ProcessingDelayMs*uint64(time.Millisecond), log)

	return &TracerEngine{
		sessionID:        sessionID,
		cfg:              cfg,
		kernel:           kernel,
		clock:            clock,
		visitor:          visitor,
		proc:             proc,
		logger:           log,
		sampleSources:    make(map[int32]sampleSource),
		uprobeSources:    make(map[string]probeSource),
		uretprobeSources: make(map[string]probeSource),
		knownTids:        make(map[int32]bool),
	}, nil
}

// Run opens every configured ring, polls them until ctx is cancelled, and
// tears everything down on the way out (§4.2 Startup / Main loop /
// Shutdown). It always returns after a clean shutdown; ctx cancellation
// is not itself an error.
func (e *TracerEngine) Run(ctx context.Context) error {
	if err := e.start(ctx); err != nil {
		e.stop()
		return err
	}
	defer e.stop()

	statsTicker := time.NewTicker(time.Duration(e.cfg.EventCountWindowS) * time.Second)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.proc.ProcessAllEvents()
			return nil
		case <-statsTicker.C:
			e.logStats()
		default:
		}

		found := e.pollOnce()
		e.proc.ProcessOldEvents(e.clock.NowNs())
		e.applyPendingSampleRemovals()

		if !found {
			select {
			case <-ctx.Done():
				e.proc.ProcessAllEvents()
				return nil
			case <-time.After(pollInterval):
			}
		}
	}
}

func (e *TracerEngine) logStats() {
	e.logger.Info().
		Uint64("processed", e.processedCount).
		Uint64("lost", e.lostCount).
		Uint64("dropped_duplicate_entries", e.visitor.DroppedDuplicateEntries()).
		Int("reorder_buffer_len", e.proc.Len()).
		Msg("tracer stats")
}

func (e *TracerEngine) start(ctx context.Context) error {
	if maps, err := ReadMaps(int(e.cfg.TargetPid)); err != nil {
		e.logger.Warn().Err(err).Msg("initial maps read failed, unwinding will start with no maps")
	} else {
		e.proc.AddEvent(&MapsEvent{TsN: e.clock.NowNs(), Maps: maps})
	}

	if e.cfg.TraceContextSwitches {
		for cpu := 0; cpu < runtime.NumCPU(); cpu++ {
			ring, err := e.kernel.OpenContextSwitch(cpu)
			if err != nil {
				e.logger.Warn().Err(err).Int("cpu", cpu).Msg("context switch counter unavailable, skipping this cpu")
				continue
			}
			if err := e.kernel.Enable(ring); err != nil {
				e.logger.Warn().Err(err).Int("cpu", cpu).Msg("failed to enable context switch counter")
			}
			cpu32, _ := safe.IntToInt32(cpu)
			e.ctxSwitchSources = append(e.ctxSwitchSources, cpuSource{ring: ring, cpu: cpu32})
		}
	}

	tids, err := ListThreads(ctx, e.cfg.TargetPid)
	if err != nil {
		return fmt.Errorf("initial thread scan: %w", err)
	}
	for _, tid := range tids {
		e.visitor.listener.OnTid(tid)
		e.observeTid(tid)
	}

	if e.cfg.TraceInstrumentedFunctions {
		for _, fn := range e.cfg.InstrumentedFunctions {
			if err := e.openProbePair(fn); err != nil {
				e.logger.Warn().Err(err).Str("function", fn.ID).Msg("failed to attach instrumented function, skipping")
			}
		}
	}

	return nil
}

// observeTid registers a newly discovered thread and opens a sampling
// ring for it if callstack sampling is enabled. It does not notify the
// listener itself: the initial scan in start always calls OnTid, and for
// FORK records the visitor calls it, subject to NotifyTidOnFork.
func (e *TracerEngine) observeTid(tid int32) {
	if e.knownTids[tid] {
		return
	}
	e.knownTids[tid] = true

	if e.cfg.TraceCallstacks {
		ring, err := e.kernel.OpenSample(tid, e.cfg.SamplingPeriodNs)
		if err != nil {
			e.logger.Warn().Err(err).Int32("tid", tid).Msg("sampling counter unavailable for thread, skipping")
			return
		}
		if err := e.kernel.Enable(ring); err != nil {
			e.logger.Warn().Err(err).Int32("tid", tid).Msg("failed to enable sampling counter")
		}
		e.sampleSources[tid] = sampleSource{ring: ring, tid: tid}
	}
}

func (e *TracerEngine) openProbePair(fn Function) error {
	entry, err := e.kernel.OpenUprobe(fn.BinaryPath, fn.FileOffset, e.cfg.TargetPid)
	if err != nil {
		return fmt.Errorf("open uprobe: %w", err)
	}
	exit, err := e.kernel.OpenUretprobe(fn.BinaryPath, fn.FileOffset, e.cfg.TargetPid)
	if err != nil {
		_ = entry.Close()
		return fmt.Errorf("open uretprobe: %w", err)
	}

	if err := e.kernel.Enable(entry); err != nil {
		e.logger.Warn().Err(err).Str("function", fn.ID).Msg("failed to enable uprobe")
	}
	if err := e.kernel.Enable(exit); err != nil {
		e.logger.Warn().Err(err).Str("function", fn.ID).Msg("failed to enable uretprobe")
	}

	e.uprobeSources[fn.ID] = probeSource{ring: entry, fn: fn}
	e.uretprobeSources[fn.ID] = probeSource{ring: exit, fn: fn}
	return nil
}

func (e *TracerEngine) stop() {
	for _, s := range e.ctxSwitchSources {
		e.closeRing(s.ring)
	}
	for _, s := range e.sampleSources {
		e.closeRing(s.ring)
	}
	for _, s := range e.uprobeSources {
		e.closeRing(s.ring)
	}
	for _, s := range e.uretprobeSources {
		e.closeRing(s.ring)
	}
}

// applyPendingSampleRemovals disables and closes the sampling ring for
// every tid that exited during the last round-robin pass and drops it
// from sampleSources, so dead threads stop being polled and their ring
// memory is released (§4.2 PERF_RECORD_EXIT, §5 resource policy).
func (e *TracerEngine) applyPendingSampleRemovals() {
	for _, tid := range e.pendingSampleRemovals {
		if s, ok := e.sampleSources[tid]; ok {
			e.closeRing(s.ring)
			delete(e.sampleSources, tid)
		}
	}
	e.pendingSampleRemovals = e.pendingSampleRemovals[:0]
}

func (e *TracerEngine) closeRing(ring PerfRingBuffer) {
	_ = e.kernel.Disable(ring)
	tracererrors.DeferClose(e.logger, ring, "error closing ring")
}

// pollOnce round-robins every ring once, draining up to
// RoundRobinBatch records from each, and reports whether anything was
// read (§4.2 Main loop).
func (e *TracerEngine) pollOnce() bool {
	found := false

	for _, s := range e.ctxSwitchSources {
		if e.drainCtxSwitchRing(s) {
			found = true
		}
	}
	for tid, s := range e.sampleSources {
		if e.drainSampleRing(tid, s) {
			found = true
		}
	}
	for _, s := range e.uprobeSources {
		if e.drainProbeRing(s, false) {
			found = true
		}
	}
	for _, s := range e.uretprobeSources {
		if e.drainProbeRing(s, true) {
			found = true
		}
	}

	return found
}

func (e *TracerEngine) drainCtxSwitchRing(s cpuSource) bool {
	found := false
	for i := 0; i < e.cfg.RoundRobinBatch; i++ {
		if !s.ring.HasNewData() {
			break
		}
		found = true

		header, err := s.ring.ReadHeader()
		if err != nil {
			e.logger.Warn().Err(err).Msg("failed to read record header, skipping ring for this pass")
			break
		}

		switch header.Kind {
		case RecordCtxSwitch:
			payload, err := s.ring.ConsumeRecord(header)
			if err != nil {
				e.logger.Warn().Err(err).Msg("failed to consume context switch record")
				continue
			}
			event, err := decodeContextSwitch(header, payload, s.cpu)
			if err != nil {
				e.logger.Warn().Err(err).Msg("failed to decode context switch record")
				continue
			}
			e.visitor.Accept(event)
			e.processedCount++

		case RecordCtxSwitchCPUWide:
			payload, err := s.ring.ConsumeRecord(header)
			if err != nil {
				e.logger.Warn().Err(err).Msg("failed to consume cpu-wide switch record")
				continue
			}
			event, err := decodeContextSwitchCPUWide(payload, s.cpu)
			if err != nil {
				e.logger.Warn().Err(err).Msg("failed to decode cpu-wide switch record")
				continue
			}
			e.visitor.Accept(event)
			e.processedCount++

		case RecordFork:
			payload, err := s.ring.ConsumeRecord(header)
			if err != nil {
				e.logger.Warn().Err(err).Msg("failed to consume fork record")
				continue
			}
			pid, tid, ts, _, err := decodeTidTime(payload)
			if err != nil {
				e.logger.Warn().Err(err).Msg("failed to decode fork record")
				continue
			}
			e.observeTid(tid)
			e.proc.AddEvent(&ForkEvent{Pid: pid, Tid: tid, TsN: ts})
			e.processedCount++

		case RecordExit:
			payload, err := s.ring.ConsumeRecord(header)
			if err != nil {
				e.logger.Warn().Err(err).Msg("failed to consume exit record")
				continue
			}
			pid, tid, ts, _, err := decodeTidTime(payload)
			if err != nil {
				e.logger.Warn().Err(err).Msg("failed to decode exit record")
				continue
			}
			e.proc.AddEvent(&ExitEvent{Pid: pid, Tid: tid, TsN: ts})
			if _, ok := e.sampleSources[tid]; ok {
				e.pendingSampleRemovals = append(e.pendingSampleRemovals, tid)
			}
			e.processedCount++

		case RecordMmap:
			if err := s.ring.SkipRecord(header); err != nil {
				e.logger.Warn().Err(err).Msg("failed to skip mmap record")
				continue
			}
			maps, err := ReadMaps(int(e.cfg.TargetPid))
			if err != nil {
				e.logger.Warn().Err(err).Msg("re-read of maps after mmap failed, keeping last-known-good snapshot")
				continue
			}
			e.proc.AddEvent(&MapsEvent{TsN: e.clock.NowNs(), Maps: maps})
			e.processedCount++

		case RecordLost:
			payload, err := s.ring.ConsumeRecord(header)
			if err != nil {
				e.logger.Warn().Err(err).Msg("failed to consume lost record")
				continue
			}
			n, err := decodeLost(payload)
			if err != nil {
				e.logger.Warn().Err(err).Msg("failed to decode lost record")
				continue
			}
			e.lostCount += n

		default:
			if err := s.ring.SkipRecord(header); err != nil {
				e.logger.Warn().Err(err).Str("kind", header.Kind.String()).Msg("failed to skip unrecognized record")
			}
		}
	}
	return found
}

func (e *TracerEngine) drainSampleRing(tid int32, s sampleSource) bool {
	found := false
	for i := 0; i < e.cfg.RoundRobinBatch; i++ {
		if !s.ring.HasNewData() {
			break
		}
		found = true

		header, err := s.ring.ReadHeader()
		if err != nil {
			e.logger.Warn().Err(err).Int32("tid", tid).Msg("failed to read sample header")
			break
		}
		if header.Kind == RecordLost {
			payload, err := s.ring.ConsumeRecord(header)
			if err == nil {
				if n, derr := decodeLost(payload); derr == nil {
					e.lostCount += n
				}
			}
			continue
		}

		payload, err := s.ring.ConsumeRecord(header)
		if err != nil {
			e.logger.Warn().Err(err).Int32("tid", tid).Msg("failed to consume sample record")
			continue
		}
		event, err := decodeStackSample(payload, -1)
		if err != nil {
			e.logger.Warn().Err(err).Int32("tid", tid).Msg("failed to decode sample record")
			continue
		}
		e.proc.AddEvent(event)
		e.processedCount++
	}
	return found
}

func (e *TracerEngine) drainProbeRing(s probeSource, isReturn bool) bool {
	found := false
	for i := 0; i < e.cfg.RoundRobinBatch; i++ {
		if !s.ring.HasNewData() {
			break
		}
		found = true

		header, err := s.ring.ReadHeader()
		if err != nil {
			e.logger.Warn().Err(err).Str("function", s.fn.ID).Msg("failed to read probe header")
			break
		}
		payload, err := s.ring.ConsumeRecord(header)
		if err != nil {
			e.logger.Warn().Err(err).Str("function", s.fn.ID).Msg("failed to consume probe record")
			continue
		}

		tid, ts, regs, stackBytes, err := decodeProbeRecord(payload)
		if err != nil {
			e.logger.Warn().Err(err).Str("function", s.fn.ID).Msg("failed to decode probe record")
			continue
		}

		if isReturn {
			e.proc.AddEvent(&URetProbeEvent{Tid: tid, TsN: ts, Regs: regs, StackBytes: stackBytes, Fn: s.fn})
		} else {
			e.proc.AddEvent(&UProbeEvent{Tid: tid, TsN: ts, Regs: regs, StackBytes: stackBytes, Fn: s.fn})
		}
		e.processedCount++
	}
	return found
}
