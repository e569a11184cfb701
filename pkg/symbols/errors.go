package symbols

import "errors"

var (
	// ErrDebugDataNotFound is returned when the symbol database file does not exist
	ErrDebugDataNotFound = errors.New("debug data not found")
	// ErrSymbolDataMissing is returned when a required symbol table is absent or empty
	ErrSymbolDataMissing = errors.New("symbol data missing")
	// ErrInvalidDatabase is returned for tables that cannot be indexed consistently
	ErrInvalidDatabase = errors.New("invalid symbol database")
)
