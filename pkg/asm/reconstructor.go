package asm

import (
	"errors"
	"io/fs"
	"os"

	"github.com/Manu343726/stubdbg/pkg/symbols"
	"github.com/Manu343726/stubdbg/pkg/utils"
)

var (
	// ErrListingNotFound is returned when the companion listing file is missing
	ErrListingNotFound = errors.New("assembly listing not found")
	// ErrUnknownAddress is returned for addresses absent from the source map
	ErrUnknownAddress = errors.New("address has no source mapping")
)

// BlockLabels returns the labels of the generated code backing the source
// position of addr: the label at addr followed by the labels of every next
// address mapped to exactly the same position.
func BlockLabels(s *symbols.Symbols, addr uint32) ([]string, error) {
	start, ok := s.Source.IndexOf(addr)
	if !ok {
		return nil, utils.MakeError(ErrUnknownAddress, "0x%08X", addr)
	}

	first, ok := s.Labels.Label(addr)
	if !ok {
		return nil, utils.MakeError(ErrUnknownAddress, "no label at 0x%08X", addr)
	}

	loc := s.Source.At(start)
	labels := []string{first}
	seen := map[string]struct{}{first: {}}

	for i := start; i < start+s.Source.CountFrom(start); i++ {
		if s.Source.At(i) != loc {
			break
		}
		label, ok := s.Labels.Label(s.Source.AddressAt(i))
		if !ok {
			continue
		}
		if _, dup := seen[label]; !dup {
			seen[label] = struct{}{}
			labels = append(labels, label)
		}
	}

	return labels, nil
}

// Reconstructor builds the assembly view at an address
type Reconstructor struct {
	Symbols     *symbols.Symbols
	ListingPath string
}

// At returns the listing lines backing the source line at addr
func (r *Reconstructor) At(addr uint32) (string, error) {
	labels, err := BlockLabels(r.Symbols, addr)
	if err != nil {
		return "", err
	}

	f, err := os.Open(r.ListingPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", utils.MakeError(ErrListingNotFound, "%s", r.ListingPath)
		}
		return "", err
	}
	defer f.Close()

	set := make(map[string]struct{}, len(labels))
	for _, label := range labels {
		set[label] = struct{}{}
	}
	return Reconstruct(f, set)
}
