package kmerindex

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with index-specific helpers.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Builders and loads use it unless a logger is supplied.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// LogPhase logs the completion of one build phase.
func (l *Logger) LogPhase(ctx context.Context, phase string, d time.Duration, attrs ...any) {
	l.InfoContext(ctx, "build phase finished",
		append([]any{"phase", phase, "duration", d}, attrs...)...,
	)
}

// LogBuild logs the outcome of a build.
func (l *Logger) LogBuild(ctx context.Context, st Stats, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "build failed",
			"duration", d,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "build completed",
		"mers", st.NumberOfMers,
		"distinct", st.NumberOfDistinct,
		"unique", st.NumberOfUnique,
		"entries", st.NumberOfEntries,
		"max_entries", st.MaximumEntries,
		"bytes", st.SizeBytes,
		"duration", d,
	)
}

// LogSave logs a save to path ("" for a plain writer).
func (l *Logger) LogSave(ctx context.Context, path string, n int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "save failed",
			"path", path,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "index saved",
		"path", path,
		"bytes", n,
	)
}

// LogLoad logs a load from path ("" for a plain reader).
func (l *Logger) LogLoad(ctx context.Context, path string, metadataOnly bool, err error) {
	if err != nil {
		l.WarnContext(ctx, "load failed",
			"path", path,
			"metadata_only", metadataOnly,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "index loaded",
		"path", path,
		"metadata_only", metadataOnly,
	)
}
