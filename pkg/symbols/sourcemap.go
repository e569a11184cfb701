package symbols

import (
	"golang.org/x/exp/slices"
)

// SourceMap is an ordered address -> SourceLocation table. Addresses are
// strictly increasing; the table is never modified after it is built.
type SourceMap struct {
	addresses []uint32
	locations []SourceLocation
}

// NewSourceMap builds a source map from an unordered address table.
func NewSourceMap(entries map[uint32]SourceLocation) *SourceMap {
	sm := &SourceMap{
		addresses: make([]uint32, 0, len(entries)),
		locations: make([]SourceLocation, 0, len(entries)),
	}

	for addr := range entries {
		sm.addresses = append(sm.addresses, addr)
	}
	slices.Sort(sm.addresses)

	for _, addr := range sm.addresses {
		sm.locations = append(sm.locations, entries[addr])
	}

	return sm
}

// Len returns the number of recorded addresses
func (sm *SourceMap) Len() int {
	return len(sm.addresses)
}

// IndexOf returns the position of an exactly recorded address.
func (sm *SourceMap) IndexOf(addr uint32) (int, bool) {
	return slices.BinarySearch(sm.addresses, addr)
}

// Lookup returns the location recorded for an address
func (sm *SourceMap) Lookup(addr uint32) (SourceLocation, bool) {
	i, ok := sm.IndexOf(addr)
	if !ok {
		return SourceLocation{}, false
	}
	return sm.locations[i], true
}

// At returns the location stored at index i
func (sm *SourceMap) At(i int) SourceLocation {
	return sm.locations[i]
}

// AddressAt returns the address stored at index i
func (sm *SourceMap) AddressAt(i int) uint32 {
	return sm.addresses[i]
}

// CountFrom returns the number of entries from index i (inclusive) to the end
func (sm *SourceMap) CountFrom(i int) int {
	if i < 0 || i >= len(sm.addresses) {
		return 0
	}
	return len(sm.addresses) - i
}

// Addresses returns a copy of the recorded addresses in increasing order
func (sm *SourceMap) Addresses() []uint32 {
	return slices.Clone(sm.addresses)
}

type fileLine struct {
	file string
	line int
}

// ReverseSourceMap answers location -> address queries. It is derived once
// from a SourceMap and shares its lifetime.
type ReverseSourceMap struct {
	exact map[SourceLocation]uint32
	lines map[fileLine]uint32
}

// NewReverseSourceMap indexes every location of a source map. When several
// addresses share a location the lowest one wins.
func NewReverseSourceMap(sm *SourceMap) *ReverseSourceMap {
	rm := &ReverseSourceMap{
		exact: make(map[SourceLocation]uint32, sm.Len()),
		lines: make(map[fileLine]uint32),
	}

	// addresses are increasing, so the first write is the lowest address
	for i, loc := range sm.locations {
		addr := sm.addresses[i]
		if _, ok := rm.exact[loc]; !ok {
			rm.exact[loc] = addr
		}
		key := fileLine{file: loc.File, line: loc.Line}
		if _, ok := rm.lines[key]; !ok {
			rm.lines[key] = addr
		}
	}

	return rm
}

// Address returns the lowest address recorded for an exact location
func (rm *ReverseSourceMap) Address(loc SourceLocation) (uint32, bool) {
	addr, ok := rm.exact[loc]
	return addr, ok
}

// LineAddress returns the lowest address recorded for any column of a source line
func (rm *ReverseSourceMap) LineAddress(file string, line int) (uint32, bool) {
	addr, ok := rm.lines[fileLine{file: file, line: line}]
	return addr, ok
}
