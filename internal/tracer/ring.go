package tracer

import (
	"encoding/binary"
	"fmt"
)

// rawRecordHeader is the 8-byte wire layout of a perf record header:
// a 32-bit type, a 16-bit misc field, and a 16-bit total size (header
// included).
type rawRecordHeader struct {
	Type uint32
	Misc uint16
	Size uint16
}

const rawHeaderSize = 8

func decodeRawHeader(b []byte) (rawRecordHeader, error) {
	if len(b) < rawHeaderSize {
		return rawRecordHeader{}, fmt.Errorf("short record header: %d bytes", len(b))
	}
	return rawRecordHeader{
		Type: binary.LittleEndian.Uint32(b[0:4]),
		Misc: binary.LittleEndian.Uint16(b[4:6]),
		Size: binary.LittleEndian.Uint16(b[6:8]),
	}, nil
}

// perfRecordType mirrors the kernel's PERF_RECORD_* enum for the subset
// this tracer dispatches on (§4.2).
type perfRecordType uint32

const (
	perfRecordMmap          perfRecordType = 1
	perfRecordLost          perfRecordType = 2
	perfRecordFork          perfRecordType = 7
	perfRecordExit          perfRecordType = 4
	perfRecordSample        perfRecordType = 9
	perfRecordSwitch        perfRecordType = 14
	perfRecordSwitchCPUWide perfRecordType = 15
)

// PerfRingBuffer wraps a single per-CPU, per-kind kernel ring (§4.1 / C2).
// It has no internal locking: it has exactly one reader. Consuming a
// record with a kind mismatching its header is a programming error; a
// correct caller always dispatches on the kind ReadHeader just returned.
type PerfRingBuffer interface {
	// HasNewData reports whether the ring has at least one unread
	// record.
	HasNewData() bool

	// ReadHeader peeks the next record's header without advancing the
	// read pointer.
	ReadHeader() (RecordHeader, error)

	// ConsumeRecord reads and returns the raw payload following header
	// (header excluded), advancing the read pointer by header.Size.
	ConsumeRecord(header RecordHeader) ([]byte, error)

	// SkipRecord advances the read pointer past header without copying
	// its payload out.
	SkipRecord(header RecordHeader) error

	// CurrentSize reports the number of unread bytes remaining in the
	// ring.
	CurrentSize() int

	// Close unmaps and releases the ring's resources.
	Close() error
}

// classifyRawType maps a kernel record type to this tracer's RecordKind,
// or recordUnknown for anything it doesn't dispatch on (§4.2 default
// case: log and skip).
func classifyRawType(t perfRecordType) RecordKind {
	switch t {
	case perfRecordSwitch:
		return RecordCtxSwitch
	case perfRecordSwitchCPUWide:
		return RecordCtxSwitchCPUWide
	case perfRecordFork:
		return RecordFork
	case perfRecordExit:
		return RecordExit
	case perfRecordMmap:
		return RecordMmap
	case perfRecordSample:
		return RecordSample
	case perfRecordLost:
		return RecordLost
	default:
		return recordUnknown
	}
}
