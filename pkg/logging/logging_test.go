package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestNew_FansOutToFile(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "stubdbg.log")

	logger, closer, err := New(Options{Level: "warn", File: path, Console: &console})
	require.NoError(t, err)

	logger.Debug("only in file", "component", "test")
	logger.Warn("everywhere")
	require.NoError(t, closer.Close())

	assert.NotContains(t, console.String(), "only in file")
	assert.Contains(t, console.String(), "everywhere")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "only in file", record["msg"])
	assert.Equal(t, "test", record["component"])
}

func TestDiscard(t *testing.T) {
	assert.False(t, Discard().Enabled(context.Background(), slog.LevelError))
	assert.NotNil(t, OrDiscard(nil))
}
