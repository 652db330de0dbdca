// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

// New returns a logger writing level-filtered records to w in the given
// format. Every record carries the run's id under "run_id".
func New(w io.Writer, level, format string) (*slog.Logger, string, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, "", fmt.Errorf("log level: %w", err)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(format) {
	case FormatText, "":
		h = slog.NewTextHandler(w, opts)
	case FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, "", fmt.Errorf("log format %q: want %s or %s", format, FormatText, FormatJSON)
	}

	runID := uuid.NewString()

	return slog.New(h).With("run_id", runID), runID, nil
}
