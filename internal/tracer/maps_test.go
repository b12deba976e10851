package tracer

import "testing"

func TestParseMapsLine(t *testing.T) {
	line := "7f1234560000-7f1234580000 r-xp 00000000 08:01 131073 /usr/bin/target"
	m, ok := parseMapsLine(line)
	if !ok {
		t.Fatal("expected line to parse")
	}
	if m.Start != 0x7f1234560000 || m.End != 0x7f1234580000 || m.Name != "/usr/bin/target" {
		t.Fatalf("unexpected mapping: %+v", m)
	}
}

func TestParseMapsLine_Anonymous(t *testing.T) {
	line := "7fffaf7fe000-7fffaf7ff000 rw-p 00000000 00:00 0"
	m, ok := parseMapsLine(line)
	if !ok {
		t.Fatal("expected line to parse")
	}
	if m.Name != "" {
		t.Fatalf("expected empty name for anonymous mapping, got %q", m.Name)
	}
}

func TestParseMapsLine_Trampoline(t *testing.T) {
	line := "7fffaf7fe000-7fffaf7ff000 rw-p 00000000 00:00 0      [uprobes]"
	m, ok := parseMapsLine(line)
	if !ok {
		t.Fatal("expected line to parse")
	}
	frame := CallstackFrame{MapName: m.Name}
	if !frame.IsTrampoline() {
		t.Fatalf("expected %q to be recognized as a trampoline mapping", m.Name)
	}
}

func TestMaps_NameFor(t *testing.T) {
	maps := &Maps{mappings: []Mapping{
		{Start: 0x1000, End: 0x2000, Name: "a"},
		{Start: 0x2000, End: 0x3000, Name: "b"},
	}}

	if got := maps.NameFor(0x1500); got != "a" {
		t.Fatalf("NameFor(0x1500) = %q, want %q", got, "a")
	}
	if got := maps.NameFor(0x2500); got != "b" {
		t.Fatalf("NameFor(0x2500) = %q, want %q", got, "b")
	}
	if got := maps.NameFor(0x9000); got != "" {
		t.Fatalf("NameFor(0x9000) = %q, want empty", got)
	}
}

func TestMaps_NameFor_NilReceiver(t *testing.T) {
	var maps *Maps
	if got := maps.NameFor(0x1000); got != "" {
		t.Fatalf("NameFor on nil Maps = %q, want empty", got)
	}
}
