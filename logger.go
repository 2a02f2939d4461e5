package tabletscan

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with scan-specific helpers so log lines use
// consistent field names across the package.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler. A nil handler
// falls back to a text handler on stderr at info level.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NoopLogger creates a Logger that discards all output.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// LogScanStart logs the lazy start of a scan.
func (l *Logger) LogScanStart(ctx context.Context, fields int) {
	l.DebugContext(ctx, "scan started", "fields", fields)
}

// LogScanFinish logs scan completion or failure.
func (l *Logger) LogScanFinish(ctx context.Context, rows int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "scan finished with error",
			"rows", rows,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "scan finished",
			"rows", rows,
		)
	}
}
