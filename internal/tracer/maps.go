package tracer

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Mapping is one entry of a process's memory map: an address range and
// the name of whatever backs it (a file path, or a synthetic name like
// "[heap]" or "[uprobes]").
type Mapping struct {
	Start uint64
	End   uint64
	Name  string
}

func (m Mapping) contains(addr uint64) bool { return addr >= m.Start && addr < m.End }

// Maps is an immutable snapshot of a process's memory maps (§6
// MapsSource), usable by an Unwinder to turn addresses into map names.
type Maps struct {
	mappings []Mapping
}

// ReadMaps reads /proc/<pid>/maps into a Maps snapshot (C4). Failure here
// is recoverable by the caller: per §4.2/§7, a failed re-read on MMAP
// just means the engine keeps using the last-known-good snapshot.
func ReadMaps(pid int) (*Maps, error) {
	//nolint:gosec // G304: path is constructed from a pid, not user input.
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, fmt.Errorf("open /proc/%d/maps: %w", pid, err)
	}
	defer f.Close() //nolint:errcheck

	var mappings []Mapping
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		mapping, ok := parseMapsLine(scanner.Text())
		if ok {
			mappings = append(mappings, mapping)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read /proc/%d/maps: %w", pid, err)
	}

	return &Maps{mappings: mappings}, nil
}

// parseMapsLine parses one line of /proc/<pid>/maps, e.g.:
//
//	7f1234560000-7f1234580000 r-xp 00000000 08:01 131073 /usr/bin/target
//	7fffaf7fe000-7fffaf7ff000 rw-p 00000000 00:00 0      [uprobes]
func parseMapsLine(line string) (Mapping, bool) {
	fields := strings.Fields(line)
	if len(fields) < 1 {
		return Mapping{}, false
	}

	addrRange := strings.SplitN(fields[0], "-", 2)
	if len(addrRange) != 2 {
		return Mapping{}, false
	}

	start, err := strconv.ParseUint(addrRange[0], 16, 64)
	if err != nil {
		return Mapping{}, false
	}
	end, err := strconv.ParseUint(addrRange[1], 16, 64)
	if err != nil {
		return Mapping{}, false
	}

	name := ""
	if len(fields) >= 6 {
		name = strings.Join(fields[5:], " ")
	}

	return Mapping{Start: start, End: end, Name: name}, true
}

// NameFor returns the mapping name covering addr, or "" if addr falls
// outside every known mapping (e.g. maps staled out from under a fast-
// moving target).
func (m *Maps) NameFor(addr uint64) string {
	if m == nil {
		return ""
	}
	for _, mapping := range m.mappings {
		if mapping.contains(addr) {
			return mapping.Name
		}
	}
	return ""
}

// MappingFor returns the mapping containing addr, if any.
func (m *Maps) MappingFor(addr uint64) (Mapping, bool) {
	if m == nil {
		return Mapping{}, false
	}
	for _, mapping := range m.mappings {
		if mapping.contains(addr) {
			return mapping, true
		}
	}
	return Mapping{}, false
}
