package symbols

import "fmt"

// SourceLocation is the position in the source code that produced
// a generated address. It is a plain value: comparable and usable as a map key.
type SourceLocation struct {
	// File is the path to the source file
	File string
	// Line is the line number in the source file
	Line int
	// Column is the column number (0 if unknown)
	Column int
}

// IsValid returns true if the source location has meaningful data
func (s SourceLocation) IsValid() bool {
	return s.File != "" && s.Line > 0
}

// String returns a human-readable representation of the source location
func (s SourceLocation) String() string {
	if !s.IsValid() {
		return "<unknown>"
	}
	if s.Column > 0 {
		return fmt.Sprintf("%s:%d:%d", s.File, s.Line, s.Column)
	}
	return fmt.Sprintf("%s:%d", s.File, s.Line)
}
