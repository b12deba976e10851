package tracer

import (
	"os"
	"runtime"

	"github.com/tracesplice/tracer/internal/sys/proc"
)

// Capabilities describes what this host can actually trace, so a caller
// can decide up front whether to run in a degraded mode rather than
// discovering it one failed Open call at a time (ported from the
// teacher's eBPF capability probe, adapted to a plain struct since this
// tracer has no protobuf transport).
type Capabilities struct {
	Supported     bool
	KernelVersion string
	BTFAvailable  bool
	CapBPF        bool
}

// DetectCapabilities probes this host for tracing support.
func DetectCapabilities() Capabilities {
	if runtime.GOOS != "linux" {
		return Capabilities{Supported: false, KernelVersion: runtime.GOOS + " (not Linux)"}
	}

	return Capabilities{
		Supported:     true,
		KernelVersion: proc.GetKernelVersion(),
		BTFAvailable:  hasBTF(),
		CapBPF:        hasCapBPF(),
	}
}

func hasBTF() bool {
	_, err := os.Stat("/sys/kernel/btf/vmlinux")
	return err == nil
}

// hasCapBPF is a simplified check: a proper implementation would read
// the process's effective capability set, but CAP_BPF in practice always
// implies running as root on the hosts this tracer targets.
func hasCapBPF() bool {
	return os.Geteuid() == 0
}
