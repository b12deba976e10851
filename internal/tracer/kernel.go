package tracer

import "fmt"

// KernelCounters is the injected capability for opening kernel perf
// counters (§6 External Interfaces). The production implementation
// (kernel_linux.go) backs the context-switch and sampling counters with
// perf_event_open; its uprobe/uretprobe opens always fail. Tests inject a
// fake.
type KernelCounters interface {
	OpenContextSwitch(cpu int) (PerfRingBuffer, error)
	OpenSample(tid int32, periodNs uint64) (PerfRingBuffer, error)
	OpenUprobe(binaryPath string, fileOffset uint64, tid int32) (PerfRingBuffer, error)
	OpenUretprobe(binaryPath string, fileOffset uint64, tid int32) (PerfRingBuffer, error)
	Enable(ring PerfRingBuffer) error
	Disable(ring PerfRingBuffer) error
}

// unsupportedKernelCounters is the fallback KernelCounters used on
// platforms (or kernels) where counters can't be opened at all; every
// open call fails, which the engine treats as an omitted, degraded
// counter rather than a fatal error (§4.2 / §7 Open errors).
type unsupportedKernelCounters struct {
	reason string
}

// NewUnsupportedKernelCounters returns a KernelCounters all of whose
// Open* calls fail with reason, for platforms/kernels that can't trace
// at all.
func NewUnsupportedKernelCounters(reason string) KernelCounters {
	return &unsupportedKernelCounters{reason: reason}
}

func (u *unsupportedKernelCounters) OpenContextSwitch(int) (PerfRingBuffer, error) {
	return nil, fmt.Errorf("tracing unsupported: %s", u.reason)
}

func (u *unsupportedKernelCounters) OpenSample(int32, uint64) (PerfRingBuffer, error) {
	return nil, fmt.Errorf("tracing unsupported: %s", u.reason)
}

func (u *unsupportedKernelCounters) OpenUprobe(string, uint64, int32) (PerfRingBuffer, error) {
	return nil, fmt.Errorf("tracing unsupported: %s", u.reason)
}

func (u *unsupportedKernelCounters) OpenUretprobe(string, uint64, int32) (PerfRingBuffer, error) {
	return nil, fmt.Errorf("tracing unsupported: %s", u.reason)
}

func (u *unsupportedKernelCounters) Enable(PerfRingBuffer) error  { return nil }
func (u *unsupportedKernelCounters) Disable(PerfRingBuffer) error { return nil }
