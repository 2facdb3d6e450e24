// Package log builds the server's slog loggers: leveled, JSON or text,
// optionally written to a rotating file, always behind a RedactingHandler.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options configures New.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json or text
	// File, when set, receives the log instead of stderr.
	File       string
	MaxSize    int64
	MaxBackups int
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// New returns a logger for opts and the closer for its output. The closer
// is a no-op for stderr.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		rf, err := NewRotatingFile(opts.File, opts.MaxSize, opts.MaxBackups)
		if err != nil {
			return nil, nil, err
		}
		w, closer = rf, rf
	}

	return NewWithWriter(w, level, opts.Format), closer, nil
}

// NewWithWriter returns a redacting logger writing to w.
func NewWithWriter(w io.Writer, level slog.Level, format string) *slog.Logger {
	ho := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(w, ho)
	} else {
		h = slog.NewJSONHandler(w, ho)
	}
	return slog.New(NewRedactingHandler(h))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
