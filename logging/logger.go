// Package logging provides structured logging for the possync engine
// using Go's log/slog package.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/c0deZ3R0/possync/errors"
)

// Logger is our wrapper around slog.Logger with additional convenience methods
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration
type Config struct {
	Level     string `json:"level"`      // debug, info, warn, error
	Format    string `json:"format"`     // text, json
	AddSource bool   `json:"add_source"` // whether to add source code information
	Output    io.Writer
}

// DefaultConfig is the configuration used when Init is never called.
var DefaultConfig = Config{
	Level:  "info",
	Format: "json",
}

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

// Operation is a LogValuer for sync operation names
type Operation string

func (o Operation) LogValue() slog.Value {
	return slog.StringValue(string(o))
}

// Component is a LogValuer for engine component names
type Component string

func (c Component) LogValue() slog.Value {
	return slog.StringValue(string(c))
}

// SyncErrorValuer provides structured logging for SyncError
type SyncErrorValuer struct {
	*errors.SyncError
}

func (e SyncErrorValuer) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("operation", string(e.Op)),
		slog.String("component", e.Component),
		slog.String("code", string(e.Code)),
		slog.Bool("retryable", e.Retryable),
		slog.String("error", e.Err.Error()),
	}
	if e.Table != "" {
		attrs = append(attrs, slog.String("table", e.Table))
	}
	return slog.GroupValue(attrs...)
}

// NewLogger creates a new logger with the provided configuration
func NewLogger(config Config) *Logger {
	var level slog.Level
	switch config.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
	}

	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	var handler slog.Handler
	if config.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return &Logger{Logger: slog.New(handler)}
}

// Init initializes the global logger with the provided configuration
func Init(config Config) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = NewLogger(config)
	slog.SetDefault(defaultLogger.Logger)
}

// Default returns the default logger instance
func Default() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l == nil {
		Init(DefaultConfig)
		defaultMu.RLock()
		l = defaultLogger
		defaultMu.RUnlock()
	}
	return l
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// WithOperation creates a child logger with operation context
func (l *Logger) WithOperation(op Operation) *Logger {
	return &Logger{Logger: l.With(slog.Any("operation", op))}
}

// WithComponent creates a child logger with component context
func (l *Logger) WithComponent(component Component) *Logger {
	return &Logger{Logger: l.With(slog.Any("component", component))}
}

// WithTable creates a child logger scoped to an entity table
func (l *Logger) WithTable(table string) *Logger {
	return &Logger{Logger: l.With(slog.String("table", table))}
}

// WithComponent creates a child of the default logger with component context
func WithComponent(component Component) *Logger {
	return Default().WithComponent(component)
}

// LogError logs an error with structured attributes, expanding SyncError fields
func (l *Logger) LogError(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	allAttrs := make([]any, 0, len(attrs)+1)

	if syncErr, ok := err.(*errors.SyncError); ok {
		allAttrs = append(allAttrs, slog.Any("sync_error", SyncErrorValuer{SyncError: syncErr}))
	} else {
		allAttrs = append(allAttrs, slog.String("error", err.Error()))
	}

	for _, attr := range attrs {
		allAttrs = append(allAttrs, attr)
	}

	l.ErrorContext(ctx, msg, allAttrs...)
}

// LogOperation logs the start and end of an operation with duration tracking
func (l *Logger) LogOperation(ctx context.Context, op Operation, component Component, fn func() error) error {
	start := time.Now()
	opLogger := l.WithOperation(op).WithComponent(component)

	opLogger.DebugContext(ctx, "operation started")

	err := fn()
	duration := time.Since(start)

	if err != nil {
		opLogger.LogError(ctx, err, "operation failed", slog.Duration("duration", duration))
		return err
	}

	opLogger.DebugContext(ctx, "operation completed", slog.Duration("duration", duration))
	return nil
}
