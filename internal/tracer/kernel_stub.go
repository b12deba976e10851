//go:build !linux

package tracer

import "github.com/rs/zerolog"

// NewLinuxKernelCounters is unavailable on non-Linux platforms; callers
// should fall back to NewUnsupportedKernelCounters.
func NewLinuxKernelCounters(logger zerolog.Logger) KernelCounters {
	return NewUnsupportedKernelCounters("perf_event_open/uprobes require Linux")
}
