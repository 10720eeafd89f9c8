// Package logs provides structured logging for the edge node.
//
// The logger is a thin wrapper around log/slog that additionally keeps a
// bounded in-memory ring of recent entries. The ring exists so the health
// analyzer can mine recent log lines without scraping files.
package logs

import (
	"log/slog"
	"os"
	"sync"
	"time"
)

// Level names accepted by config.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Entry is one retained log line.
type Entry struct {
	Timestamp time.Time  `json:"timestamp"`
	Level     slog.Level `json:"level"`
	Message   string     `json:"message"`
}

// Config controls handler selection and level filtering.
type Config struct {
	Level   string `mapstructure:"level"`  // debug | info | warn | error
	Format  string `mapstructure:"format"` // json | text
	MaxRing int    `mapstructure:"max_ring"`
}

// Logger wraps slog with a bounded ring of recent entries.
type Logger struct {
	slog *slog.Logger

	mu      sync.Mutex
	entries []Entry
	maxSize int
}

// New creates a Logger writing to stderr.
func New(cfg Config) *Logger {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler = slog.NewJSONHandler(os.Stderr, opts)
	if cfg.Format == "text" {
		h = slog.NewTextHandler(os.Stderr, opts)
	}

	maxRing := cfg.MaxRing
	if maxRing <= 0 {
		maxRing = 1000
	}

	return &Logger{
		slog:    slog.New(h),
		entries: make([]Entry, 0, maxRing),
		maxSize: maxRing,
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// record appends to the ring, dropping the oldest entry when full.
func (l *Logger) record(level slog.Level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) >= l.maxSize {
		l.entries = l.entries[1:]
	}
	l.entries = append(l.entries, Entry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   msg,
	})
}

func (l *Logger) Debug(msg string, args ...any) {
	l.slog.Debug(msg, args...)
	l.record(slog.LevelDebug, msg)
}

func (l *Logger) Info(msg string, args ...any) {
	l.slog.Info(msg, args...)
	l.record(slog.LevelInfo, msg)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.slog.Warn(msg, args...)
	l.record(slog.LevelWarn, msg)
}

func (l *Logger) Error(msg string, args ...any) {
	l.slog.Error(msg, args...)
	l.record(slog.LevelError, msg)
}

// GetLast returns up to n most recent entries, oldest first.
func (l *Logger) GetLast(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n > len(l.entries) {
		n = len(l.entries)
	}
	start := len(l.entries) - n
	out := make([]Entry, n)
	copy(out, l.entries[start:])
	return out
}
