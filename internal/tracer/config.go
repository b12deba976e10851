package tracer

import "fmt"

// Default tuning constants (§4 Constants), overridable per Config field.
const (
	DefaultProcessingDelayMs  = 200
	DefaultRoundRobinBatch    = 5
	DefaultEventCountWindowS  = 10
	DefaultSamplingPeriodNs   = 10_000_000 // 10ms
)

// Config describes one tracing session: what to attach to, and how to
// tune the engine's reordering and batching behavior. Loading a Config
// from a file or flags is the caller's concern (cmd/tracer); this type is
// the ambient, validated shape the engine itself consumes.
type Config struct {
	TargetPid int32

	TraceContextSwitches      bool
	TraceCallstacks           bool
	TraceInstrumentedFunctions bool

	SamplingPeriodNs      uint64
	InstrumentedFunctions []Function

	ProcessingDelayMs  uint64
	RoundRobinBatch    int
	EventCountWindowS  uint64

	// EmitCallstackOnReturn resolves §9's open question: whether a
	// callstack should also be captured and emitted at function return,
	// not just at entry and on periodic samples.
	EmitCallstackOnReturn bool

	// NotifyTidOnFork resolves §9's open question: whether the listener
	// is notified of a new thread as soon as a FORK record is observed.
	// When false, only the threads found by the engine's initial scan are
	// reported through OnTid.
	NotifyTidOnFork bool
}

// WithDefaults returns a copy of c with zero-valued tunables replaced by
// their defaults.
func (c Config) WithDefaults() Config {
	if c.ProcessingDelayMs == 0 {
		c.ProcessingDelayMs = DefaultProcessingDelayMs
	}
	if c.RoundRobinBatch == 0 {
		c.RoundRobinBatch = DefaultRoundRobinBatch
	}
	if c.EventCountWindowS == 0 {
		c.EventCountWindowS = DefaultEventCountWindowS
	}
	if c.SamplingPeriodNs == 0 {
		c.SamplingPeriodNs = DefaultSamplingPeriodNs
	}
	return c
}

// Validate rejects a Config that cannot produce a runnable engine.
func (c Config) Validate() error {
	if c.TargetPid <= 0 {
		return fmt.Errorf("target_pid must be positive, got %d", c.TargetPid)
	}
	if c.TraceInstrumentedFunctions && len(c.InstrumentedFunctions) == 0 {
		return fmt.Errorf("trace_instrumented_functions is set but instrumented_functions is empty")
	}
	for _, fn := range c.InstrumentedFunctions {
		if fn.BinaryPath == "" {
			return fmt.Errorf("instrumented function %q has no binary_path", fn.ID)
		}
	}
	return nil
}
