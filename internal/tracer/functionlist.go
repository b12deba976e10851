package tracer

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/tracesplice/tracer/internal/safe"
)

// functionListDocument is the on-disk shape of the instrumented-functions
// list: a flat YAML array under one top-level key, matching the other
// list-shaped config the teacher loads the same way.
type functionListDocument struct {
	InstrumentedFunctions []Function `yaml:"instrumented_functions"`
}

// LoadFunctionList reads a list of instrumented functions from a YAML
// file at path.
func LoadFunctionList(path string) ([]Function, error) {
	data, err := safe.ReadFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("read function list %s: %w", path, err)
	}

	var doc functionListDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse function list %s: %w", path, err)
	}

	resolvers := make(map[string]*SymbolResolver)

	for i, fn := range doc.InstrumentedFunctions {
		if fn.ID == "" {
			return nil, fmt.Errorf("function list %s: entry %d missing id", path, i)
		}
		if fn.BinaryPath == "" {
			return nil, fmt.Errorf("function list %s: entry %q missing binary_path", path, fn.ID)
		}

		if fn.FileOffset != 0 {
			continue
		}

		resolver, ok := resolvers[fn.BinaryPath]
		if !ok {
			r, err := NewSymbolResolver(fn.BinaryPath)
			if err != nil {
				return nil, fmt.Errorf("function list %s: entry %q: %w", path, fn.ID, err)
			}
			resolvers[fn.BinaryPath] = r
			resolver = r
		}

		offset, ok := resolver.Resolve(fn.ID)
		if !ok {
			return nil, fmt.Errorf("function list %s: entry %q: no file_offset given and %q not found in %s",
				path, fn.ID, fn.ID, fn.BinaryPath)
		}
		doc.InstrumentedFunctions[i].FileOffset = offset
	}

	return doc.InstrumentedFunctions, nil
}
