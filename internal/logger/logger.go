// Package logger builds the slog loggers used by the arbiter and its
// children, optionally writing to a rotated file.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes one process's log destination. An empty File logs to
// the fallback writer (stderr in practice).
type Config struct {
	Level      string
	Format     string // "text" or "json"
	File       string
	Color      bool
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Logger is a slog.Logger that can reopen its file after rotation by an
// outside tool.
type Logger struct {
	*slog.Logger
	mu   sync.Mutex
	file *lj.Logger
}

// New creates a logger. fallback receives output when c.File is empty.
func New(c Config, fallback io.Writer) *Logger {
	if fallback == nil {
		fallback = os.Stderr
	}
	l := &Logger{}
	w := fallback
	if c.File != "" {
		l.file = &lj.Logger{
			Filename:   c.File,
			MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   c.Compress,
		}
		w = l.file
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	var h slog.Handler
	switch {
	case strings.EqualFold(c.Format, "json"):
		h = slog.NewJSONHandler(w, opts)
	case c.Color && c.File == "":
		h = NewColorTextHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	l.Logger = slog.New(h)
	return l
}

// Reopen closes the current log file; lumberjack opens it again on the
// next write, picking up a file moved away by logrotate.
func (l *Logger) Reopen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

func (l *Logger) Close() error { return l.Reopen() }

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "critical":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
