// Package logging shapes slog for the gateway without depending on the
// configuration schema; callers pass the level and format strings through.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"log/slog"
)

// New builds the process logger for the requested level and format. Empty
// values fall back to info/json.
func New(level, format string) (*slog.Logger, error) {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New with an explicit destination, for tests that want to
// inspect emitted records.
func NewWithWriter(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info", "":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("logging: unsupported level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json", "":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("logging: unsupported format %q", format)
	}

	return slog.New(handler).With(slog.String("component", "nuxgate")), nil
}
