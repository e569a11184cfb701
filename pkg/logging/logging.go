// Package logging builds the structured loggers used across stubdbg.
//
// Logs always go to a human readable handler (stderr by default) and, when a
// log file is configured, are also written as JSON lines to that file. Both
// handlers are combined with slog-multi so components only ever see a single
// *slog.Logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	slogmulti "github.com/samber/slog-multi"
)

// Options configures the logger
type Options struct {
	// Level is the minimum level written to the console ("debug", "info", "warn", "error")
	Level string
	// File is an optional path where JSON logs are appended
	File string
	// Console is where human readable logs are written. Defaults to os.Stderr.
	Console io.Writer
}

var levelColors = map[slog.Level]*color.Color{
	slog.LevelDebug: color.New(color.FgHiBlack),
	slog.LevelInfo:  color.New(color.FgCyan),
	slog.LevelWarn:  color.New(color.FgYellow),
	slog.LevelError: color.New(color.FgRed, color.Bold),
}

// ParseLevel parses a level name, defaulting to info
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func colorizeLevel(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 || a.Key != slog.LevelKey {
		return a
	}
	level, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	if c, ok := levelColors[level]; ok {
		return slog.String(slog.LevelKey, c.Sprint(level.String()))
	}
	return a
}

// New creates the logger. The returned closer releases the log file, if any.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	handlers := []slog.Handler{
		slog.NewTextHandler(console, &slog.HandlerOptions{
			Level:       ParseLevel(opts.Level),
			ReplaceAttr: colorizeLevel,
		}),
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		closer = f
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}

// Discard returns a logger that drops everything
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// OrDiscard returns logger, or a discarding logger if it is nil
func OrDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return Discard()
	}
	return logger
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
