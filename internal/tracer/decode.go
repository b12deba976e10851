package tracer

import (
	"encoding/binary"
	"fmt"
)

// The kernel's PERF_RECORD_SWITCH(_CPU_WIDE) and PERF_RECORD_SAMPLE
// payloads are a packed concatenation of the fields selected by the
// event's Sample_type bitmask, in a fixed bit order. kernel_linux.go only
// ever sets PERF_SAMPLE_TID | PERF_SAMPLE_TIME for the raw counters, and
// additionally PERF_SAMPLE_REGS_USER | PERF_SAMPLE_STACK_USER for the
// sampling counter, so these decoders only need to understand that
// subset.

const perfRecordMiscSwitchOut = 1 << 13 // PERF_RECORD_MISC_SWITCH_OUT

// decodeTidTime decodes the PERF_SAMPLE_TID | PERF_SAMPLE_TIME prefix
// common to every record this tracer reads from the classic perf ring:
// pid (4 bytes), tid (4 bytes), time (8 bytes).
func decodeTidTime(payload []byte) (pid, tid int32, ts Ts, rest []byte, err error) {
	if len(payload) < 16 {
		return 0, 0, 0, nil, fmt.Errorf("short tid/time payload: %d bytes", len(payload))
	}
	pid = int32(binary.LittleEndian.Uint32(payload[0:4]))
	tid = int32(binary.LittleEndian.Uint32(payload[4:8]))
	ts = Ts(binary.LittleEndian.Uint64(payload[8:16]))
	return pid, tid, ts, payload[16:], nil
}

func decodeContextSwitch(header RecordHeader, payload []byte, cpu int32) (Event, error) {
	_, tid, ts, _, err := decodeTidTime(payload)
	if err != nil {
		return nil, err
	}

	dir := SwitchIn
	if header.Misc&perfRecordMiscSwitchOut != 0 {
		dir = SwitchOut
	}

	return &ContextSwitchEvent{Tid: tid, Cpu: cpu, TsN: ts, Dir: dir}, nil
}

// decodeContextSwitchCPUWide decodes a system-wide switch record: the
// next/prev pid+tid are appended ahead of the usual tid/time prefix.
func decodeContextSwitchCPUWide(payload []byte, cpu int32) (Event, error) {
	if len(payload) < 8 {
		return nil, fmt.Errorf("short cpu-wide switch payload: %d bytes", len(payload))
	}
	otherPid := int32(binary.LittleEndian.Uint32(payload[0:4]))
	_ = otherPid
	otherTid := int32(binary.LittleEndian.Uint32(payload[4:8]))

	_, tid, ts, _, err := decodeTidTime(payload[8:])
	if err != nil {
		return nil, err
	}

	return &CPUWideContextSwitchEvent{PrevTid: otherTid, NextTid: tid, Cpu: cpu, TsN: ts}, nil
}

// sampleRegsSize is the byte size of the three registers this tracer asks
// for via PERF_SAMPLE_REGS_USER (PC, SP, FP), each a uint64.
const sampleRegsSize = 24

// decodeStackSample decodes a PERF_SAMPLE_TID|TIME|REGS_USER|STACK_USER
// record: tid/time prefix, then a fixed 3-register block, then a
// dynamic-length stack capture prefixed by its own uint64 size.
func decodeStackSample(payload []byte, cpu int32) (*StackSampleEvent, error) {
	_, tid, ts, rest, err := decodeTidTime(payload)
	if err != nil {
		return nil, err
	}
	if len(rest) < sampleRegsSize+8 {
		return nil, fmt.Errorf("short stack sample payload: %d bytes", len(rest))
	}

	regs := RegisterFile{
		PC: binary.LittleEndian.Uint64(rest[0:8]),
		SP: binary.LittleEndian.Uint64(rest[8:16]),
		FP: binary.LittleEndian.Uint64(rest[16:24]),
	}
	rest = rest[sampleRegsSize:]

	stackLen := binary.LittleEndian.Uint64(rest[0:8])
	rest = rest[8:]
	if uint64(len(rest)) < stackLen {
		return nil, fmt.Errorf("stack sample declares %d bytes but only %d available", stackLen, len(rest))
	}

	return &StackSampleEvent{
		Tid:        tid,
		Cpu:        cpu,
		TsN:        ts,
		Regs:       regs,
		StackBytes: rest[:stackLen],
	}, nil
}

// decodeLost decodes a PERF_RECORD_LOST payload: an id (8 bytes, unused
// here) followed by the lost count.
func decodeLost(payload []byte) (uint64, error) {
	if len(payload) < 16 {
		return 0, fmt.Errorf("short lost record payload: %d bytes", len(payload))
	}
	return binary.LittleEndian.Uint64(payload[8:16]), nil
}

// probeRecord is the layout this tracer's uprobe/uretprobe BPF programs
// write into their ring buffer: tid, timestamp, the three registers, and
// a variable-length stack capture, mirroring decodeStackSample's shape
// so both sides of the probe boundary agree on one wire format.
func decodeProbeRecord(payload []byte) (tid int32, ts Ts, regs RegisterFile, stackBytes []byte, err error) {
	if len(payload) < 8+sampleRegsSize+8 {
		return 0, 0, RegisterFile{}, nil, fmt.Errorf("short probe record payload: %d bytes", len(payload))
	}
	tid = int32(binary.LittleEndian.Uint32(payload[0:4]))
	ts = Ts(binary.LittleEndian.Uint64(payload[8:16]))
	regs = RegisterFile{
		PC: binary.LittleEndian.Uint64(payload[16:24]),
		SP: binary.LittleEndian.Uint64(payload[24:32]),
		FP: binary.LittleEndian.Uint64(payload[32:40]),
	}
	rest := payload[40:]
	stackLen := binary.LittleEndian.Uint64(rest[0:8])
	rest = rest[8:]
	if uint64(len(rest)) < stackLen {
		return 0, 0, RegisterFile{}, nil, fmt.Errorf("probe record declares %d bytes but only %d available", stackLen, len(rest))
	}
	return tid, ts, regs, rest[:stackLen], nil
}
