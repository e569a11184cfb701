package symbols

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDatabase = `
labels:
  - {address: 0x1008, name: L3}
  - {address: 0x1000, name: L1}
  - {address: 0x1004, name: L2}
  - {address: 0x100C, name: L4}
sources:
  - {label: L1, file: a.cs, line: 10, column: 3}
  - {label: L2, file: a.cs, line: 10, column: 3}
  - {label: L3, file: a.cs, line: 11, column: 5}
  - {label: L4, file: a.cs, line: 11, column: 9}
`

func writeDatabase(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.sdb")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_BuildsAllTables(t *testing.T) {
	s, err := Load(writeDatabase(t, sampleDatabase))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, 4, s.Source.Len())
	assert.Equal(t, []uint32{0x1000, 0x1004, 0x1008, 0x100C}, s.Source.Addresses())

	label, ok := s.Labels.Label(0x1008)
	require.True(t, ok)
	assert.Equal(t, "L3", label)

	addr, ok := s.Labels.Address("L4")
	require.True(t, ok)
	assert.Equal(t, uint32(0x100C), addr)

	loc, ok := s.Source.Lookup(0x1000)
	require.True(t, ok)
	assert.Equal(t, SourceLocation{File: "a.cs", Line: 10, Column: 3}, loc)
}

func TestSourceMap_IndexOfRecoversLocations(t *testing.T) {
	s, err := Load(writeDatabase(t, sampleDatabase))
	require.NoError(t, err)

	previous := -1
	for _, addr := range s.Source.Addresses() {
		i, ok := s.Source.IndexOf(addr)
		require.True(t, ok)
		assert.Greater(t, i, previous, "IndexOf must be strictly monotonic")
		previous = i

		loc, ok := s.Source.Lookup(addr)
		require.True(t, ok)
		assert.Equal(t, loc, s.Source.At(i))
		assert.Equal(t, addr, s.Source.AddressAt(i))
	}

	_, ok := s.Source.IndexOf(0x1002)
	assert.False(t, ok, "only recorded addresses have an index")
}

func TestSourceMap_CountFrom(t *testing.T) {
	sm := NewSourceMap(map[uint32]SourceLocation{
		1: {File: "a", Line: 1},
		2: {File: "a", Line: 2},
		3: {File: "a", Line: 3},
	})

	assert.Equal(t, 3, sm.CountFrom(0))
	assert.Equal(t, 1, sm.CountFrom(2))
	assert.Equal(t, 0, sm.CountFrom(3))
	assert.Equal(t, 0, sm.CountFrom(-1))
}

func TestReverseSourceMap(t *testing.T) {
	s, err := Load(writeDatabase(t, sampleDatabase))
	require.NoError(t, err)

	t.Run("exact location picks the lowest address", func(t *testing.T) {
		addr, ok := s.Reverse.Address(SourceLocation{File: "a.cs", Line: 10, Column: 3})
		require.True(t, ok)
		assert.Equal(t, uint32(0x1000), addr)
	})

	t.Run("line lookup ignores columns", func(t *testing.T) {
		addr, ok := s.Reverse.LineAddress("a.cs", 11)
		require.True(t, ok)
		assert.Equal(t, uint32(0x1008), addr)
	})

	t.Run("unknown line", func(t *testing.T) {
		_, ok := s.Reverse.LineAddress("a.cs", 99)
		assert.False(t, ok)
	})
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.sdb"))
		assert.ErrorIs(t, err, ErrDebugDataNotFound)
	})

	t.Run("empty label table", func(t *testing.T) {
		_, err := Load(writeDatabase(t, "labels: []\nsources: []\n"))
		assert.ErrorIs(t, err, ErrSymbolDataMissing)
		assert.Contains(t, err.Error(), "LabelByAddressMapping")
	})

	t.Run("empty document", func(t *testing.T) {
		_, err := Load(writeDatabase(t, ""))
		assert.ErrorIs(t, err, ErrSymbolDataMissing)
	})

	t.Run("empty source table", func(t *testing.T) {
		_, err := Load(writeDatabase(t, "labels:\n  - {address: 0x10, name: L1}\n"))
		assert.ErrorIs(t, err, ErrSymbolDataMissing)
		assert.Contains(t, err.Error(), "SourceMappings")
	})

	t.Run("unknown label", func(t *testing.T) {
		_, err := Load(writeDatabase(t, "labels:\n  - {address: 0x10, name: L1}\nsources:\n  - {label: L9, file: a.cs, line: 1}\n"))
		assert.ErrorIs(t, err, ErrInvalidDatabase)
	})

	t.Run("label with two source records", func(t *testing.T) {
		_, err := Load(writeDatabase(t, "labels:\n  - {address: 0x10, name: L1}\nsources:\n  - {label: L1, file: a.cs, line: 1}\n  - {label: L1, file: a.cs, line: 2}\n"))
		assert.ErrorIs(t, err, ErrInvalidDatabase)
	})

	t.Run("negative position", func(t *testing.T) {
		_, err := Load(writeDatabase(t, "labels:\n  - {address: 0x10, name: L1}\nsources:\n  - {label: L1, file: a.cs, line: -1}\n"))
		assert.ErrorIs(t, err, ErrInvalidDatabase)

		_, err = Load(writeDatabase(t, "labels:\n  - {address: 0x10, name: L1}\nsources:\n  - {label: L1, file: a.cs, line: 1, column: -2}\n"))
		assert.ErrorIs(t, err, ErrInvalidDatabase)
	})

	t.Run("duplicated address", func(t *testing.T) {
		_, err := Load(writeDatabase(t, "labels:\n  - {address: 0x10, name: L1}\n  - {address: 0x10, name: L2}\n"))
		assert.ErrorIs(t, err, ErrInvalidDatabase)
	})
}

func TestDatabase_CloseIsIdempotent(t *testing.T) {
	db, err := Parse(strings.NewReader(sampleDatabase))
	require.NoError(t, err)

	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err = db.ReadLabelMappings()
	assert.ErrorIs(t, err, ErrInvalidDatabase)
}

func TestSourceLocation_String(t *testing.T) {
	assert.Equal(t, "a.cs:10:3", SourceLocation{File: "a.cs", Line: 10, Column: 3}.String())
	assert.Equal(t, "a.cs:10", SourceLocation{File: "a.cs", Line: 10}.String())
	assert.Equal(t, "<unknown>", SourceLocation{}.String())
}
