// Package logging builds the process logger: an slog.Logger whose handler
// is a charmbracelet/log logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
)

// Options configure New.
type Options struct {
	// Level is one of debug, info, warn or error. Empty means info.
	Level string
	// File appends logs to a file instead of Output.
	File string
	// Output is where logs go when File is empty. Nil means stderr.
	Output io.Writer
	// TestMode drops timestamps and pins the level to info for
	// deterministic output.
	TestMode bool
	// Prefix is shown before every message.
	Prefix string
}

// New creates a logger. The returned close function releases the log file,
// if one was opened.
func New(opts Options) (*slog.Logger, func() error, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	closer := func() error { return nil }
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out, closer = f, f.Close
	}

	logger := log.NewWithOptions(out, log.Options{
		Level:           level,
		ReportTimestamp: !opts.TestMode,
		TimeFormat:      "15:04:05.000",
		Prefix:          opts.Prefix,
	})
	if opts.TestMode {
		logger.SetLevel(log.InfoLevel)
	}
	logger.SetStyles(styles())
	return slog.New(logger), closer, nil
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel converts a level name.
func ParseLevel(level string) (log.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DebugLevel, nil
	case "", "info":
		return log.InfoLevel, nil
	case "warn", "warning":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	default:
		return log.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

func styles() *log.Styles {
	s := log.DefaultStyles()
	s.Keys["error"] = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	s.Values["error"] = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	s.Keys["runspace"] = lipgloss.NewStyle().Foreground(lipgloss.Color("51"))
	s.Keys["request"] = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	return s
}
