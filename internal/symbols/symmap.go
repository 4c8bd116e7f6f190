// Package symbols holds the parsed form of a Breakpad symbol file: a compact
// offset-to-name table with ordered lookup.
package symbols

import "sort"

// Map is an offset-to-name table paired with the sorted list of its offsets
// so callers can resolve an arbitrary offset to the nearest preceding symbol.
// Immutable after construction.
type Map struct {
	names   map[uint64]string
	offsets []uint64
}

// NewMap builds a Map from an offset-to-name table. The table is owned by
// the Map afterwards.
func NewMap(names map[uint64]string) *Map {
	offsets := make([]uint64, 0, len(names))
	for off := range names {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	return &Map{names: names, offsets: offsets}
}

// Empty is the shared negative sentinel: "we tried, there was nothing".
var Empty = NewMap(map[uint64]string{})

// Len returns the number of symbols in the table.
func (m *Map) Len() int { return len(m.offsets) }

// IsEmpty reports whether the table has no symbols.
func (m *Map) IsEmpty() bool { return len(m.offsets) == 0 }

// Lookup resolves an offset to a symbol name. An exact hit wins; otherwise
// the nearest symbol at a lower offset is used. Returns false when the table
// is empty or the offset precedes every symbol.
func (m *Map) Lookup(offset uint64) (string, bool) {
	if name, ok := m.names[offset]; ok {
		return name, true
	}
	// Floor lookup: first offset strictly greater, then step back one.
	i := sort.Search(len(m.offsets), func(i int) bool { return m.offsets[i] > offset })
	if i == 0 {
		return "", false
	}
	return m.names[m.offsets[i-1]], true
}

// Names exposes the underlying table for serialisation. Callers must not
// mutate it.
func (m *Map) Names() map[uint64]string { return m.names }

// Offsets exposes the ascending offset list for serialisation. Callers must
// not mutate it.
func (m *Map) Offsets() []uint64 { return m.offsets }
