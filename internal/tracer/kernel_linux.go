//go:build linux

package tracer

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/cilium/ebpf/link"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/tracesplice/tracer/internal/sys/proc"
)

// linuxKernelCounters is the production KernelCounters, backed by
// perf_event_open for context-switch and sampling counters (§6, grounded
// on the teacher's perf_event_open usage in its CPU profiler). For
// entry/exit probes it only resolves and opens the target binary with
// cilium/ebpf's link.OpenExecutable; no uprobe is attached, and
// OpenUprobe/OpenUretprobe always return an error (see openProbe).
type linuxKernelCounters struct {
	logger zerolog.Logger
}

// NewLinuxKernelCounters returns the production KernelCounters for this
// host.
func NewLinuxKernelCounters(logger zerolog.Logger) KernelCounters {
	return &linuxKernelCounters{logger: logger.With().Str("component", "kernel_counters").Logger()}
}

const perfRingPages = 8 // 8 data pages + 1 control page, must be power of two

func (k *linuxKernelCounters) OpenContextSwitch(cpu int) (PerfRingBuffer, error) {
	attr := &unix.PerfEventAttr{
		Type:        unix.PERF_TYPE_SOFTWARE,
		Config:      unix.PERF_COUNT_SW_DUMMY,
		Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Sample_type: unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_TIME,
		Bits:        unix.PerfBitContextSwitch,
	}

	fd, err := unix.PerfEventOpen(attr, -1, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("perf_event_open context switch (cpu=%d): %w", cpu, err)
	}

	return newMmapRing(fd)
}

func (k *linuxKernelCounters) OpenSample(tid int32, periodNs uint64) (PerfRingBuffer, error) {
	if periodNs == 0 {
		return nil, fmt.Errorf("sampling period must be positive")
	}

	attr := &unix.PerfEventAttr{
		Type:        unix.PERF_TYPE_SOFTWARE,
		Config:      unix.PERF_COUNT_SW_CPU_CLOCK,
		Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Sample:      periodNs,
		Sample_type: unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_TIME | unix.PERF_SAMPLE_REGS_USER | unix.PERF_SAMPLE_STACK_USER,
	}

	fd, err := unix.PerfEventOpen(attr, int(tid), -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("perf_event_open sample (tid=%d): %w", tid, err)
	}

	return newMmapRing(fd)
}

// resolveBinary mirrors the teacher's uprobe attacher: resolving
// /proc/<tid>/exe works across mount namespaces, where the caller-
// supplied path might not.
func resolveBinary(tid int32, fallback string) string {
	if tid <= 0 {
		return fallback
	}
	if resolved, err := proc.GetBinaryPath(int(tid)); err == nil {
		return resolved
	}
	return fallback
}

// openProbe does the real, host-visible half of uprobe/uretprobe
// attachment: resolving the target binary through /proc/<pid>/exe (works
// across mount namespaces, per the teacher's attacher) and opening it for
// instrumentation. It stops short of actually attaching, which needs a
// loaded *ebpf.Program and ring buffer map produced by a bpf2go build
// this repository does not carry (see DESIGN.md).
func (k *linuxKernelCounters) openProbe(binaryPath string, fileOffset uint64, tid int32, isReturn bool) (PerfRingBuffer, error) {
	resolved := resolveBinary(tid, binaryPath)

	exe, err := link.OpenExecutable(resolved)
	if err != nil {
		return nil, fmt.Errorf("open executable %s: %w", resolved, err)
	}
	defer exe.Close() //nolint:errcheck

	kind := "uprobe"
	if isReturn {
		kind = "uretprobe"
	}
	return nil, fmt.Errorf("%s attachment at %s+%#x requires a loaded eBPF program and ring buffer map, which this build does not embed", kind, resolved, fileOffset)
}

func (k *linuxKernelCounters) OpenUprobe(binaryPath string, fileOffset uint64, tid int32) (PerfRingBuffer, error) {
	return k.openProbe(binaryPath, fileOffset, tid, false)
}

func (k *linuxKernelCounters) OpenUretprobe(binaryPath string, fileOffset uint64, tid int32) (PerfRingBuffer, error) {
	return k.openProbe(binaryPath, fileOffset, tid, true)
}

func (k *linuxKernelCounters) Enable(ring PerfRingBuffer) error {
	r, ok := ring.(interface{ enable() error })
	if !ok {
		return nil
	}
	return r.enable()
}

func (k *linuxKernelCounters) Disable(ring PerfRingBuffer) error {
	r, ok := ring.(interface{ disable() error })
	if !ok {
		return nil
	}
	return r.disable()
}

// --- classic mmap'd perf ring (context switch / sample counters) ---

// perfEventMmapPage mirrors the kernel's struct perf_event_mmap_page
// control-page header: the producer (kernel) and consumer (us) offsets
// into the following data region, expressed in bytes and wrapping modulo
// the data region size.
type perfEventMmapPage struct {
	Version       uint32
	CompatVersion uint32
	Lock          uint32
	Index         uint32
	Offset        int64
	TimeEnabled   uint64
	TimeRunning   uint64
	_             [123]uint64 // kernel fields and padding up to byte 1024
	DataHead      uint64      // written by kernel, atomically
	DataTail      uint64      // written by us, atomically
}

// mmapRing is a PerfRingBuffer over one perf_event_open fd's mmap'd ring
// (§4.1). It has a single reader; no locking.
type mmapRing struct {
	fd   int
	data []byte // full mmap, page 0 is the control header

	dataStart uintptr
	dataSize  uint64

	peeked    *RecordHeader
	peekedRaw []byte
}

func newMmapRing(fd int) (*mmapRing, error) {
	pageSize := os.Getpagesize()
	totalSize := pageSize * (perfRingPages + 1)

	data, err := unix.Mmap(fd, 0, totalSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd) //nolint:errcheck
		return nil, fmt.Errorf("mmap perf ring: %w", err)
	}

	return &mmapRing{
		fd:        fd,
		data:      data,
		dataStart: uintptr(pageSize),
		dataSize:  uint64(pageSize * perfRingPages),
	}, nil
}

func (r *mmapRing) header() *perfEventMmapPage {
	return (*perfEventMmapPage)(unsafe.Pointer(&r.data[0]))
}

func (r *mmapRing) enable() error {
	return unix.IoctlSetInt(r.fd, unix.PERF_EVENT_IOC_ENABLE, 0)
}

func (r *mmapRing) disable() error {
	return unix.IoctlSetInt(r.fd, unix.PERF_EVENT_IOC_DISABLE, 0)
}

func (r *mmapRing) CurrentSize() int {
	hdr := r.header()
	head := atomicLoadUint64(&hdr.DataHead)
	tail := atomicLoadUint64(&hdr.DataTail)
	return int(head - tail)
}

func (r *mmapRing) HasNewData() bool { return r.CurrentSize() > 0 }

// readAt copies n bytes starting at ring-relative offset off (which may
// wrap around the end of the data region) into a freshly allocated
// buffer.
func (r *mmapRing) readAt(off uint64, n int) []byte {
	out := make([]byte, n)
	base := r.dataStart
	for i := 0; i < n; i++ {
		pos := (off + uint64(i)) % r.dataSize
		out[i] = r.data[uintptr(base)+uintptr(pos)]
	}
	return out
}

func (r *mmapRing) ReadHeader() (RecordHeader, error) {
	if r.peeked != nil {
		return *r.peeked, nil
	}
	if !r.HasNewData() {
		return RecordHeader{}, errNoData
	}

	hdr := r.header()
	tail := atomicLoadUint64(&hdr.DataTail)

	raw := r.readAt(tail, rawHeaderSize)
	rawHdr, err := decodeRawHeader(raw)
	if err != nil {
		return RecordHeader{}, err
	}

	out := RecordHeader{
		Kind: classifyRawType(perfRecordType(rawHdr.Type)),
		Misc: rawHdr.Misc,
		Size: rawHdr.Size,
	}
	r.peeked = &out
	return out, nil
}

func (r *mmapRing) ConsumeRecord(header RecordHeader) ([]byte, error) {
	hdr := r.header()
	tail := atomicLoadUint64(&hdr.DataTail)

	if int(header.Size) < rawHeaderSize {
		return nil, fmt.Errorf("record size %d shorter than header", header.Size)
	}
	payload := r.readAt(tail+rawHeaderSize, int(header.Size)-rawHeaderSize)
	r.advance(tail, header)
	return payload, nil
}

func (r *mmapRing) SkipRecord(header RecordHeader) error {
	hdr := r.header()
	tail := atomicLoadUint64(&hdr.DataTail)
	r.advance(tail, header)
	return nil
}

func (r *mmapRing) advance(tail uint64, header RecordHeader) {
	atomicStoreUint64(&r.header().DataTail, tail+uint64(header.Size))
	r.peeked = nil
}

func (r *mmapRing) Close() error {
	if err := unix.Munmap(r.data); err != nil {
		unix.Close(r.fd) //nolint:errcheck
		return fmt.Errorf("munmap perf ring: %w", err)
	}
	return unix.Close(r.fd)
}

var errNoData = errors.New("no new data in ring")

func atomicLoadUint64(p *uint64) uint64 {
	return atomic.LoadUint64(p)
}

func atomicStoreUint64(p *uint64, v uint64) {
	atomic.StoreUint64(p, v)
}
