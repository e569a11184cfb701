package symbols

// Symbol Database
//
// The symbol database is produced by the compiler next to the generated image.
// It is a YAML document with two tables:
//
//	labels:
//	  - {address: 0x1000, name: L1}
//	sources:
//	  - {label: L1, file: a.cs, line: 10, column: 3}
//
// The labels table maps each generated address to the label emitted there. The
// sources table maps labels back to the source position that generated them.
// Both tables are required: empty tables are load errors, never empty results.

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"sync"

	"github.com/Manu343726/stubdbg/pkg/utils"
	"gopkg.in/yaml.v3"
)

type labelRecord struct {
	Address uint32 `yaml:"address"`
	Name    string `yaml:"name"`
}

type sourceRecord struct {
	Label  string `yaml:"label"`
	File   string `yaml:"file"`
	Line   int    `yaml:"line"`
	Column int    `yaml:"column"`
}

type databaseDocument struct {
	Labels  []labelRecord  `yaml:"labels"`
	Sources []sourceRecord `yaml:"sources"`
}

// Database is an opened symbol database
type Database struct {
	path string
	doc  *databaseDocument
	mu   sync.Mutex
}

// Open reads the symbol database at path
func Open(path string) (*Database, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, utils.MakeError(ErrDebugDataNotFound, "debug data file %s not found", path)
		}
		return nil, err
	}
	defer f.Close()

	db, err := Parse(f)
	if err != nil {
		return nil, err
	}
	db.path = path
	return db, nil
}

// Parse reads a symbol database from an arbitrary reader
func Parse(r io.Reader) (*Database, error) {
	var doc databaseDocument
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, utils.MakeError(ErrInvalidDatabase, "%v", err)
	}
	return &Database{doc: &doc}, nil
}

// Path returns the file the database was read from, if any
func (db *Database) Path() string {
	return db.path
}

func (db *Database) document() (*databaseDocument, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.doc == nil {
		return nil, utils.MakeError(ErrInvalidDatabase, "database %s is closed", db.path)
	}
	return db.doc, nil
}

// ReadLabelMappings returns the address -> label and label -> address tables.
func (db *Database) ReadLabelMappings() (*LabelMaps, error) {
	doc, err := db.document()
	if err != nil {
		return nil, err
	}

	labels := &LabelMaps{
		ByAddress: make(map[uint32]string, len(doc.Labels)),
	}
	for _, record := range doc.Labels {
		if record.Name == "" {
			return nil, utils.MakeError(ErrInvalidDatabase, "label at 0x%08X has no name", record.Address)
		}
		if previous, ok := labels.ByAddress[record.Address]; ok {
			return nil, utils.MakeError(ErrInvalidDatabase, "address 0x%08X labeled twice (%s, %s)", record.Address, previous, record.Name)
		}
		labels.ByAddress[record.Address] = record.Name
	}

	if len(labels.ByAddress) == 0 {
		return nil, utils.MakeError(ErrSymbolDataMissing, "LabelByAddressMapping")
	}

	labels.ByName = utils.InvertedMap(labels.ByAddress)
	if len(labels.ByName) != len(labels.ByAddress) {
		return nil, utils.MakeError(ErrInvalidDatabase, "label names are not unique")
	}

	return labels, nil
}

// LoadSourceMap builds the address-ordered source map, resolving each source
// record through the label tables.
func (db *Database) LoadSourceMap(labels *LabelMaps) (*SourceMap, error) {
	doc, err := db.document()
	if err != nil {
		return nil, err
	}

	entries := make(map[uint32]SourceLocation, len(doc.Sources))
	for _, record := range doc.Sources {
		addr, ok := labels.ByName[record.Label]
		if !ok {
			return nil, utils.MakeError(ErrInvalidDatabase, "source record for %s:%d references unknown label %q", record.File, record.Line, record.Label)
		}
		if record.Line < 0 || record.Column < 0 {
			return nil, utils.MakeError(ErrInvalidDatabase, "source record for %s has negative position %s:%d:%d", record.Label, record.File, record.Line, record.Column)
		}
		if _, ok := entries[addr]; ok {
			return nil, utils.MakeError(ErrInvalidDatabase, "label %s has more than one source record", record.Label)
		}
		entries[addr] = SourceLocation{
			File:   record.File,
			Line:   record.Line,
			Column: record.Column,
		}
	}

	if len(entries) == 0 {
		return nil, utils.MakeError(ErrSymbolDataMissing, "SourceMappings")
	}

	return NewSourceMap(entries), nil
}

// Close releases the database. It is safe to call more than once.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.doc = nil
	return nil
}
