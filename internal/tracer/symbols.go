package tracer

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"strings"
)

// SymbolResolver resolves a function name to its file offset within an
// ELF binary, so a function list entry only has to name a function
// instead of hand-computing an offset (ported from the teacher's DWARF-
// backed FunctionMetadataProvider, trimmed to the lookup this tracer
// needs: no argument/return-value metadata, no LRU-cached detail lookups,
// since uprobe attachment here is entry/exit only and resolution happens
// once at startup, not per call).
type SymbolResolver struct {
	binaryPath string
	baseAddr   uint64
	byName     map[string]uint64 // function name -> file offset
}

// NewSymbolResolver opens binaryPath and indexes its functions, preferring
// DWARF subprogram entries and falling back to the ELF symbol table when
// the binary was built without debug info (e.g. -ldflags="-w").
func NewSymbolResolver(binaryPath string) (*SymbolResolver, error) {
	f, err := elf.Open(binaryPath)
	if err != nil {
		return nil, fmt.Errorf("open ELF file %s: %w", binaryPath, err)
	}
	defer f.Close() //nolint:errcheck

	r := &SymbolResolver{
		binaryPath: binaryPath,
		baseAddr:   textSegmentBase(f),
		byName:     make(map[string]uint64),
	}

	if dwarfData, err := f.DWARF(); err == nil {
		r.indexFromDWARF(dwarfData)
	}
	if len(r.byName) == 0 {
		if err := r.indexFromSymtab(f); err != nil {
			return nil, fmt.Errorf("%s has no usable DWARF or symbol table: %w", binaryPath, err)
		}
	}
	return r, nil
}

// textSegmentBase returns the load bias of the first executable PT_LOAD
// segment (its virtual address minus its file offset), used to turn a
// DWARF/symtab virtual address into a uprobe file offset.
func textSegmentBase(f *elf.File) uint64 {
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD && prog.Flags&elf.PF_X != 0 {
			return prog.Vaddr - prog.Off
		}
	}
	return 0
}

func (r *SymbolResolver) indexFromDWARF(data *dwarf.Data) {
	reader := data.Reader()
	for {
		entry, err := reader.Next()
		if err != nil || entry == nil {
			return
		}
		if entry.Tag != dwarf.TagSubprogram {
			continue
		}
		name, ok := entry.Val(dwarf.AttrName).(string)
		if !ok || name == "" {
			continue
		}
		lowPC, ok := entry.Val(dwarf.AttrLowpc).(uint64)
		if !ok {
			continue
		}
		r.byName[name] = r.fileOffset(lowPC)
	}
}

func (r *SymbolResolver) indexFromSymtab(f *elf.File) error {
	symbols, err := f.Symbols()
	if err != nil {
		return fmt.Errorf("read ELF symbol table: %w", err)
	}
	for _, sym := range symbols {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Name == "" {
			continue
		}
		r.byName[sym.Name] = r.fileOffset(sym.Value)
	}
	return nil
}

func (r *SymbolResolver) fileOffset(virtualAddr uint64) uint64 {
	if r.baseAddr > 0 && virtualAddr >= r.baseAddr {
		return virtualAddr - r.baseAddr
	}
	return virtualAddr
}

// Resolve returns the file offset of name, matching either the exact
// symbol or a package-qualified suffix (e.g. "Handler" matches
// "main.Handler"), mirroring how Go mangles function names into ELF
// symbols.
func (r *SymbolResolver) Resolve(name string) (uint64, bool) {
	if offset, ok := r.byName[name]; ok {
		return offset, true
	}
	for sym, offset := range r.byName {
		if strings.HasSuffix(sym, "."+name) {
			return offset, true
		}
	}
	return 0, false
}
