// Package logging provides structured, component-scoped logging for the
// multiplexer daemon and its supporting tools.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Level is a log severity level.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

var (
	defaultLogger *Logger
	once          sync.Once
)

// Logger wraps slog with daemon-specific conveniences.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// Config holds logger configuration.
type Config struct {
	Level Level
	JSON  bool
	// AddSource includes the file:line of the log call, off by default
	// since session-task logs already carry a component field.
	AddSource bool
}

// DefaultConfig returns a logger writing human-readable lines to stderr.
func DefaultConfig() Config {
	return Config{Level: LevelInfo}
}

// New creates a new Logger with the given configuration, writing to stderr.
func New(cfg Config) *Logger {
	levelVar := &slog.LevelVar{}
	levelVar.Set(cfg.Level)

	opts := &slog.HandlerOptions{Level: levelVar, AddSource: cfg.AddSource}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = NewConsoleHandler(os.Stderr, opts)
	}

	return &Logger{Logger: slog.New(handler), level: levelVar}
}

// Default returns the process-wide default logger, creating it on first use.
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(DefaultConfig())
	})
	return defaultLogger
}

// SetDefault replaces the process-wide default logger.
func SetDefault(l *Logger) {
	defaultLogger = l
}

// SetLevel changes the log level dynamically.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level)
}

// WithComponent returns a logger tagged with a component field, e.g.
// "device", "heartbeat", "session", "pairing".
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.Logger.With("component", name), level: l.level}
}

// WithFields returns a logger with additional structured fields attached.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{Logger: l.Logger.With(args...), level: l.level}
}

// Package-level convenience functions using the default logger.

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }

// Errorf logs a formatted error message at error level.
func Errorf(format string, args ...any) {
	Default().Error(fmt.Sprintf(format, args...))
}

// WithComponent returns a component-scoped logger derived from the default.
func WithComponent(name string) *Logger {
	return Default().WithComponent(name)
}

// SetOutput redirects the default logger's handler to w, used by tests that
// want to assert on log lines.
func SetOutput(w io.Writer, cfg Config) {
	levelVar := &slog.LevelVar{}
	levelVar.Set(cfg.Level)
	opts := &slog.HandlerOptions{Level: levelVar, AddSource: cfg.AddSource}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = NewConsoleHandler(w, opts)
	}
	SetDefault(&Logger{Logger: slog.New(handler), level: levelVar})
}
