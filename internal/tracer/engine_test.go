package tracer

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/tracesplice/tracer/internal/testutil"
)

var errNoDataTest = errors.New("no new data in fake ring")

type fakeRecord struct {
	header  RecordHeader
	payload []byte
}

// fakeRing is an in-memory PerfRingBuffer for tests: a plain FIFO of
// pre-built records, with no actual kernel or mmap behind it.
type fakeRing struct {
	records []fakeRecord
	closed  bool
}

func (r *fakeRing) HasNewData() bool { return len(r.records) > 0 }

func (r *fakeRing) ReadHeader() (RecordHeader, error) {
	if len(r.records) == 0 {
		return RecordHeader{}, errNoDataTest
	}
	return r.records[0].header, nil
}

func (r *fakeRing) ConsumeRecord(RecordHeader) ([]byte, error) {
	if len(r.records) == 0 {
		return nil, errNoDataTest
	}
	payload := r.records[0].payload
	r.records = r.records[1:]
	return payload, nil
}

func (r *fakeRing) SkipRecord(RecordHeader) error {
	if len(r.records) == 0 {
		return errNoDataTest
	}
	r.records = r.records[1:]
	return nil
}

func (r *fakeRing) CurrentSize() int { return len(r.records) }

func (r *fakeRing) Close() error {
	r.closed = true
	return nil
}

func (r *fakeRing) pushContextSwitch(tid int32, ts Ts) {
	payload := make([]byte, 16)
	binary.LittleEndian.PutUint32(payload[0:4], uint32(tid))
	binary.LittleEndian.PutUint32(payload[4:8], uint32(tid))
	binary.LittleEndian.PutUint64(payload[8:16], uint64(ts))
	r.records = append(r.records, fakeRecord{
		header:  RecordHeader{Kind: RecordCtxSwitch, Size: uint16(rawHeaderSize + len(payload))},
		payload: payload,
	})
}

func (r *fakeRing) pushForkOrExit(kind RecordKind, pid, tid int32, ts Ts) {
	payload := make([]byte, 16)
	binary.LittleEndian.PutUint32(payload[0:4], uint32(pid))
	binary.LittleEndian.PutUint32(payload[4:8], uint32(tid))
	binary.LittleEndian.PutUint64(payload[8:16], uint64(ts))
	r.records = append(r.records, fakeRecord{
		header:  RecordHeader{Kind: kind, Size: uint16(rawHeaderSize + len(payload))},
		payload: payload,
	})
}

type fakeKernelCounters struct {
	ctxRings    []*fakeRing
	sampleRings map[int32]*fakeRing
}

func (k *fakeKernelCounters) OpenContextSwitch(cpu int) (PerfRingBuffer, error) {
	ring := &fakeRing{}
	k.ctxRings = append(k.ctxRings, ring)
	return ring, nil
}

func (k *fakeKernelCounters) OpenSample(tid int32, _ uint64) (PerfRingBuffer, error) {
	ring := &fakeRing{}
	if k.sampleRings == nil {
		k.sampleRings = make(map[int32]*fakeRing)
	}
	k.sampleRings[tid] = ring
	return ring, nil
}

func (k *fakeKernelCounters) OpenUprobe(string, uint64, int32) (PerfRingBuffer, error) {
	return nil, errNoDataTest
}

func (k *fakeKernelCounters) OpenUretprobe(string, uint64, int32) (PerfRingBuffer, error) {
	return nil, errNoDataTest
}

func (k *fakeKernelCounters) Enable(PerfRingBuffer) error  { return nil }
func (k *fakeKernelCounters) Disable(PerfRingBuffer) error { return nil }

func TestTracerEngine_DispatchesContextSwitchToListener(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pid := int32(os.Getpid())
	if _, err := ListThreads(ctx, pid); err != nil {
		t.Skipf("thread enumeration unavailable in this environment: %v", err)
	}

	cfg := Config{
		TargetPid:            pid,
		TraceContextSwitches: true,
	}

	kernel := &fakeKernelCounters{}
	listener := &RecordingListener{}
	// Context switches are emitted to the listener directly, without
	// going through the reorder window, so the clock never needs to be
	// advanced past the default processing delay for this test.
	clock := &FakeClock{Ns: 0}

	engine, err := NewTracerEngine(cfg, kernel, clock, listener, testutil.NewTestLogger(t))
	if err != nil {
		t.Fatalf("NewTracerEngine: %v", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(runCtx) }()

	// Give the engine a moment to complete startup before injecting data.
	time.Sleep(20 * time.Millisecond)
	if len(kernel.ctxRings) == 0 {
		runCancel()
		<-done
		t.Fatal("engine did not open any context switch rings")
	}
	kernel.ctxRings[0].pushContextSwitch(42, 1)

	time.Sleep(20 * time.Millisecond)
	runCancel()

	if err := <-done; err != nil {
		t.Fatalf("engine.Run returned error: %v", err)
	}

	found := false
	for _, rec := range listener.ContextSwitchIn {
		if rec.Tid == 42 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a context switch in for tid 42, got %+v", listener.ContextSwitchIn)
	}

	for _, ring := range kernel.ctxRings {
		if !ring.closed {
			t.Error("engine did not close a context switch ring on shutdown")
		}
	}
}

func TestTracerEngine_ExitClosesAndRemovesSampleRing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pid := int32(os.Getpid())
	if _, err := ListThreads(ctx, pid); err != nil {
		t.Skipf("thread enumeration unavailable in this environment: %v", err)
	}

	cfg := Config{
		TargetPid:            pid,
		TraceContextSwitches: true,
		TraceCallstacks:      true,
	}

	kernel := &fakeKernelCounters{}
	listener := &RecordingListener{}
	clock := &FakeClock{Ns: 0}

	engine, err := NewTracerEngine(cfg, kernel, clock, listener, testutil.NewTestLogger(t))
	if err != nil {
		t.Fatalf("NewTracerEngine: %v", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(runCtx) }()

	time.Sleep(20 * time.Millisecond)
	if len(kernel.ctxRings) == 0 {
		runCancel()
		<-done
		t.Fatal("engine did not open any context switch rings")
	}

	const fakeTid = int32(999999)
	kernel.ctxRings[0].pushForkOrExit(RecordFork, pid, fakeTid, 1)
	time.Sleep(20 * time.Millisecond)

	sampleRing := kernel.sampleRings[fakeTid]
	if sampleRing == nil {
		runCancel()
		<-done
		t.Fatal("engine did not open a sampling ring for the forked tid")
	}

	kernel.ctxRings[0].pushForkOrExit(RecordExit, pid, fakeTid, 2)
	time.Sleep(20 * time.Millisecond)
	runCancel()

	if err := <-done; err != nil {
		t.Fatalf("engine.Run returned error: %v", err)
	}

	if !sampleRing.closed {
		t.Error("engine did not close the exited tid's sampling ring")
	}
	if _, ok := engine.sampleSources[fakeTid]; ok {
		t.Error("engine did not remove the exited tid from sampleSources")
	}
}
