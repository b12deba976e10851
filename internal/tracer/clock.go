package tracer

import "time"

// Clock produces monotonic nanosecond timestamps (§3 C1), the same unit
// every event, record and the PROCESSING_DELAY window are expressed in.
type Clock interface {
	NowNs() Ts
}

// monotonicClock is the production Clock, backed by time.Now's monotonic
// reading relative to process start.
type monotonicClock struct {
	start time.Time
}

// NewClock returns the production Clock.
func NewClock() Clock {
	return &monotonicClock{start: time.Now()}
}

func (c *monotonicClock) NowNs() Ts {
	return Ts(time.Since(c.start).Nanoseconds())
}

// FakeClock is a Clock whose value is set explicitly, for deterministic
// tests of PerfEventProcessor's reorder window.
type FakeClock struct {
	Ns Ts
}

func (c *FakeClock) NowNs() Ts { return c.Ns }
