package symbolicate

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/g-k/tecken/internal/symbols"
)

// Module is one memoryMap row: a ["debug_file", "debug_id"] pair on the
// wire.
type Module struct {
	DebugFile string
	DebugID   string
}

func (m *Module) UnmarshalJSON(b []byte) error {
	var pair []string
	if err := json.Unmarshal(b, &pair); err != nil {
		return fmt.Errorf("memoryMap entry must be a pair of strings: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("memoryMap entry must have exactly two elements, got %d", len(pair))
	}
	m.DebugFile = pair[0]
	m.DebugID = pair[1]
	return nil
}

func (m Module) key() symbols.Key {
	return symbols.Key{DebugFile: m.DebugFile, DebugID: m.DebugID}
}

type offsetKind int

const (
	// offsetInt is a non-negative integer offset; the only kind that can
	// resolve against a symbol table.
	offsetInt offsetKind = iota
	// offsetNegative is a negative integer; rendered in hex with a sign.
	offsetNegative
	// offsetOther is a number that is not an integer; rendered verbatim.
	offsetOther
)

// Frame is one stack entry: a [module_index, module_offset] pair on the
// wire. A negative module index means "no module"; the offset is rendered
// as itself.
type Frame struct {
	ModuleIndex int

	kind   offsetKind
	offset uint64 // offsetInt
	signed int64  // offsetNegative
	raw    string // offsetOther
}

func (f *Frame) UnmarshalJSON(b []byte) error {
	var tuple []json.Number
	if err := json.Unmarshal(b, &tuple); err != nil {
		return fmt.Errorf("frame must be a pair of numbers: %w", err)
	}
	if len(tuple) != 2 {
		return fmt.Errorf("frame must have exactly two elements, got %d", len(tuple))
	}
	idx, err := tuple[0].Int64()
	if err != nil {
		return fmt.Errorf("module index %q is not an integer", tuple[0].String())
	}
	f.ModuleIndex = int(idx)

	off := tuple[1].String()
	if v, err := strconv.ParseUint(off, 10, 64); err == nil {
		f.kind = offsetInt
		f.offset = v
		return nil
	}
	if v, err := strconv.ParseInt(off, 10, 64); err == nil {
		f.kind = offsetNegative
		f.signed = v
		return nil
	}
	f.kind = offsetOther
	f.raw = off
	return nil
}

// Mapped reports whether the frame names a module.
func (f *Frame) Mapped() bool { return f.ModuleIndex >= 0 }

// Resolvable reports whether the offset can be looked up in a table.
func (f *Frame) Resolvable() bool { return f.kind == offsetInt }

// Offset is only meaningful when Resolvable.
func (f *Frame) Offset() uint64 { return f.offset }

// RenderOffset formats the raw offset the way clients expect: hex for
// integers (signed hex for negatives), the literal number otherwise.
func (f *Frame) RenderOffset() string {
	switch f.kind {
	case offsetInt:
		return fmt.Sprintf("%#x", f.offset)
	case offsetNegative:
		return fmt.Sprintf("%#x", f.signed)
	}
	return f.raw
}

// Stack is one call stack, outermost frame first.
type Stack []Frame

// Request is a decoded symbolication payload.
type Request struct {
	Version   int      `json:"version"`
	MemoryMap []Module `json:"memoryMap"`
	Stacks    []Stack  `json:"stacks"`
}

// Response mirrors the request shape with each frame replaced by a
// human-readable string.
type Response struct {
	SymbolicatedStacks [][]string `json:"symbolicatedStacks"`
	KnownModules       []bool     `json:"knownModules"`
	Debug              *Debug     `json:"debug,omitempty"`
}

// Debug carries request timings when the caller asked for them.
type Debug struct {
	Time         float64           `json:"time"`
	Stacks       DebugStacks       `json:"stacks"`
	Modules      DebugModules      `json:"modules"`
	CacheLookups DebugCacheLookups `json:"cache_lookups"`
	Downloads    DebugDownloads    `json:"downloads"`
}

type DebugStacks struct {
	Count int `json:"count"`
	Real  int `json:"real"`
}

type DebugModules struct {
	Count           int            `json:"count"`
	StacksPerModule map[string]int `json:"stacks_per_module"`
}

type DebugCacheLookups struct {
	Count int     `json:"count"`
	Time  float64 `json:"time"`
}

type DebugDownloads struct {
	Count int     `json:"count"`
	Time  float64 `json:"time"`
	Size  float64 `json:"size"`
}
