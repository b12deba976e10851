package tracer

import "encoding/binary"

// Unwinder is the injected capability (§6 / C3) that turns a register
// file and a stack memory snapshot into a leaf-to-root frame list. It may
// fail (e.g. a corrupt or too-short stack snapshot), in which case it
// returns an empty slice rather than an error — propagated by callers as
// "no callstack emitted for this event", per §7.
type Unwinder interface {
	SetMaps(maps *Maps)
	Unwind(regs RegisterFile, stackBytes []byte) []CallstackFrame
}

// frameWalkLimit bounds how many frames a single unwind will walk, so a
// corrupt frame-pointer chain can't spin forever.
const frameWalkLimit = 128

// FramePointerUnwinder is a best-effort Unwinder for frame-pointer-based
// ABIs (x86-64 with -fno-omit-frame-pointer, arm64): it walks the
// classic [saved-fp][return-address] chain starting at regs.FP, resolving
// each return address against the current Maps snapshot. It has no DWARF
// CFI support; callers that need one supply their own Unwinder
// implementation against this same interface.
type FramePointerUnwinder struct {
	maps *Maps

	// symbolizers caches one Symbolizer per backing file (keyed by
	// MapName), including nil entries for files that failed to open, so
	// a stripped or unreadable binary is only tried once per unwinder
	// lifetime rather than once per frame.
	symbolizers map[string]*Symbolizer
}

// NewFramePointerUnwinder creates an Unwinder with no maps loaded yet;
// SetMaps must be called before the first Unwind for map names to
// resolve.
func NewFramePointerUnwinder() *FramePointerUnwinder {
	return &FramePointerUnwinder{symbolizers: make(map[string]*Symbolizer)}
}

func (u *FramePointerUnwinder) SetMaps(maps *Maps) { u.maps = maps }

// Unwind walks the frame-pointer chain recorded in stackBytes, which is
// assumed to be a snapshot of the thread's stack starting at regs.SP.
// Frame 0 is always the current PC; subsequent frames come from walking
// saved frame pointers until one resolves outside stackBytes' range or
// the walk limit is hit.
func (u *FramePointerUnwinder) Unwind(regs RegisterFile, stackBytes []byte) []CallstackFrame {
	if len(stackBytes) < 16 {
		return nil
	}

	frames := []CallstackFrame{u.frame(regs.PC)}

	fp := regs.FP
	base := regs.SP
	for i := 0; i < frameWalkLimit; i++ {
		if fp < base {
			break
		}
		offset := fp - base
		if offset+16 > uint64(len(stackBytes)) {
			break
		}

		savedFP := binary.LittleEndian.Uint64(stackBytes[offset : offset+8])
		returnAddr := binary.LittleEndian.Uint64(stackBytes[offset+8 : offset+16])
		if returnAddr == 0 {
			break
		}

		frames = append(frames, u.frame(returnAddr))

		if savedFP <= fp {
			break
		}
		fp = savedFP
	}

	return frames
}

func (u *FramePointerUnwinder) frame(pc uint64) CallstackFrame {
	frame := CallstackFrame{PC: pc, MapName: u.maps.NameFor(pc)}

	mapping, ok := u.maps.MappingFor(pc)
	if !ok || frame.IsTrampoline() {
		return frame
	}

	sym, offset, ok := u.symbolize(mapping, pc)
	if !ok {
		return frame
	}
	frame.FunctionName = sym.FunctionName
	frame.FunctionOffset = offset
	return frame
}

// symbolize resolves pc against the ELF backing mapping, lazily opening
// and caching a Symbolizer per binary path.
func (u *FramePointerUnwinder) symbolize(mapping Mapping, pc uint64) (Symbol, uint64, bool) {
	symbolizer, cached := u.symbolizers[mapping.Name]
	if !cached {
		symbolizer, _ = NewSymbolizer(mapping.Name)
		u.symbolizers[mapping.Name] = symbolizer
	}
	if symbolizer == nil {
		return Symbol{}, 0, false
	}

	fileOffset := pc - mapping.Start
	sym, ok := symbolizer.Resolve(fileOffset)
	if !ok {
		return Symbol{}, 0, false
	}
	return sym, fileOffset, true
}
