// Package symbols maps generated addresses to source positions and labels.
//
// A debug session loads one Symbols bundle from the symbol database written by
// the compiler. Everything in the bundle is read-only after Load, so it can be
// queried from the event delivery goroutine without locking.
package symbols

// LabelMaps holds the forward and reverse label tables
type LabelMaps struct {
	// ByAddress maps a generated address to the label emitted there
	ByAddress map[uint32]string
	// ByName maps a label back to its address
	ByName map[string]uint32
}

// Label returns the label emitted at an address
func (l *LabelMaps) Label(addr uint32) (string, bool) {
	name, ok := l.ByAddress[addr]
	return name, ok
}

// Address returns the address of a label
func (l *LabelMaps) Address(name string) (uint32, bool) {
	addr, ok := l.ByName[name]
	return addr, ok
}

// Symbols is everything a session needs from the symbol database
type Symbols struct {
	Labels  *LabelMaps
	Source  *SourceMap
	Reverse *ReverseSourceMap

	db *Database
}

// Load opens the database at path and builds all the lookup tables. The
// database handle stays open until Close.
func Load(path string) (*Symbols, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}

	s, err := FromDatabase(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// FromDatabase builds the lookup tables from an already opened database
func FromDatabase(db *Database) (*Symbols, error) {
	labels, err := db.ReadLabelMappings()
	if err != nil {
		return nil, err
	}

	source, err := db.LoadSourceMap(labels)
	if err != nil {
		return nil, err
	}

	return &Symbols{
		Labels:  labels,
		Source:  source,
		Reverse: NewReverseSourceMap(source),
		db:      db,
	}, nil
}

// Close releases the underlying database. Lookup tables stay usable.
func (s *Symbols) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
