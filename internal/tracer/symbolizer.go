package tracer

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"sync"
)

// Symbol is a resolved callstack frame: a function name and, when DWARF
// line info is available, the source location it came from.
type Symbol struct {
	FunctionName string
	FileName     string
	Line         int
}

func (s Symbol) String() string {
	if s.FileName != "" && s.Line > 0 {
		return fmt.Sprintf("%s (%s:%d)", s.FunctionName, s.FileName, s.Line)
	}
	return s.FunctionName
}

// Symbolizer resolves the file offsets produced by a Maps lookup to
// function names, using DWARF when present and falling back to the ELF
// symbol table for stripped binaries (ported from the teacher's
// Symbolizer; ../proc/maps address translation is pushed to the caller,
// which already has a Maps snapshot, instead of re-reading it here).
type Symbolizer struct {
	binaryPath string
	elfFile    *elf.File
	dwarfData  *dwarf.Data
	symtab     []elf.Symbol

	mu    sync.Mutex
	cache map[uint64]Symbol
}

// NewSymbolizer opens binaryPath for address-to-symbol resolution.
func NewSymbolizer(binaryPath string) (*Symbolizer, error) {
	f, err := elf.Open(binaryPath)
	if err != nil {
		return nil, fmt.Errorf("open ELF file %s: %w", binaryPath, err)
	}

	s := &Symbolizer{
		binaryPath: binaryPath,
		elfFile:    f,
		cache:      make(map[uint64]Symbol),
	}

	s.dwarfData, _ = f.DWARF()
	s.symtab, _ = f.Symbols()

	if s.dwarfData == nil && len(s.symtab) == 0 {
		f.Close() //nolint:errcheck
		return nil, fmt.Errorf("%s has no DWARF debug info or symbol table", binaryPath)
	}
	return s, nil
}

// Resolve maps a file offset within the binary to a Symbol.
func (s *Symbolizer) Resolve(fileOffset uint64) (Symbol, bool) {
	s.mu.Lock()
	if sym, ok := s.cache[fileOffset]; ok {
		s.mu.Unlock()
		return sym, true
	}
	s.mu.Unlock()

	if s.dwarfData != nil {
		if sym, ok := s.resolveDWARF(fileOffset); ok {
			s.store(fileOffset, sym)
			return sym, true
		}
	}
	if sym, ok := s.resolveSymtab(fileOffset); ok {
		s.store(fileOffset, sym)
		return sym, true
	}
	return Symbol{}, false
}

func (s *Symbolizer) store(fileOffset uint64, sym Symbol) {
	s.mu.Lock()
	s.cache[fileOffset] = sym
	s.mu.Unlock()
}

func (s *Symbolizer) resolveDWARF(addr uint64) (Symbol, bool) {
	reader := s.dwarfData.Reader()
	for {
		entry, err := reader.Next()
		if err != nil || entry == nil {
			return Symbol{}, false
		}
		if entry.Tag != dwarf.TagSubprogram {
			continue
		}
		name, ok := entry.Val(dwarf.AttrName).(string)
		if !ok {
			continue
		}
		low, ok := entry.Val(dwarf.AttrLowpc).(uint64)
		if !ok {
			continue
		}
		high, ok := highPC(entry, low)
		if !ok || addr < low || addr >= high {
			continue
		}

		sym := Symbol{FunctionName: name}
		if lineReader, err := s.dwarfData.LineReader(entry); err == nil && lineReader != nil {
			var line dwarf.LineEntry
			if err := lineReader.SeekPC(addr, &line); err == nil {
				sym.FileName = line.File.Name
				sym.Line = line.Line
			}
		}
		return sym, true
	}
}

func highPC(entry *dwarf.Entry, low uint64) (uint64, bool) {
	switch v := entry.Val(dwarf.AttrHighpc).(type) {
	case uint64:
		return v, true
	case int64:
		return low + uint64(v), true
	default:
		return 0, false
	}
}

func (s *Symbolizer) resolveSymtab(addr uint64) (Symbol, bool) {
	for _, sym := range s.symtab {
		if addr >= sym.Value && addr < sym.Value+sym.Size {
			return Symbol{FunctionName: sym.Name}, true
		}
	}
	return Symbol{}, false
}

// Close releases the underlying ELF file handle.
func (s *Symbolizer) Close() error {
	return s.elfFile.Close()
}
