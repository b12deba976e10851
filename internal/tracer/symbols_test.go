package tracer

import (
	"os"
	"runtime"
	"testing"
)

// The test binary itself is a real ELF file with symbols, so it doubles
// as a fixture without needing testdata (mirroring the teacher's approach
// of scanning os.Executable()).
func TestSymbolResolver_ResolvesOwnTestBinary(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("ELF parsing requires a Linux test binary")
	}

	self, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}

	resolver, err := NewSymbolResolver(self)
	if err != nil {
		t.Fatalf("NewSymbolResolver: %v", err)
	}

	if _, ok := resolver.Resolve("main"); !ok {
		t.Fatal("expected to resolve the test binary's main function")
	}
}

func TestSymbolResolver_UnknownFunction(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("ELF parsing requires a Linux test binary")
	}

	self, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}

	resolver, err := NewSymbolResolver(self)
	if err != nil {
		t.Fatalf("NewSymbolResolver: %v", err)
	}

	if _, ok := resolver.Resolve("definitelyNotARealFunctionName12345"); ok {
		t.Fatal("expected lookup of a nonexistent function to fail")
	}
}
