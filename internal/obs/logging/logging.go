// Package logging wraps log/slog with trace/span correlation, matching
// the Logger interface shape used throughout the Master so components
// depend on a small interface rather than a global logger.
package logging

import (
	"context"
	"log/slog"
	"os"

	"scadamaster/internal/obs/tracing"
)

// Logger is implemented by the slog-backed logger this package
// constructs; components take this interface rather than *slog.Logger
// directly so tests can inject a capturing stub.
type Logger interface {
	InfoCtx(ctx context.Context, msg string, args ...any)
	WarnCtx(ctx context.Context, msg string, args ...any)
	ErrorCtx(ctx context.Context, msg string, args ...any)
	With(args ...any) Logger
}

type slogLogger struct {
	base *slog.Logger
}

// New builds a JSON-structured Logger writing to os.Stderr at the given
// level. component is attached to every line so Master and RTU logs can
// be told apart downstream.
func New(component string, level slog.Level) Logger {
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return &slogLogger{base: slog.New(h).With("component", component)}
}

func (l *slogLogger) With(args ...any) Logger {
	return &slogLogger{base: l.base.With(args...)}
}

func (l *slogLogger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	traceID, spanID := tracing.ExtractIDs(ctx)
	if traceID != "" {
		args = append(args, "trace_id", traceID, "span_id", spanID)
	}
	l.base.Log(ctx, level, msg, args...)
}

func (l *slogLogger) InfoCtx(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

func (l *slogLogger) WarnCtx(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

func (l *slogLogger) ErrorCtx(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

// Noop returns a Logger that discards everything; useful in unit tests
// that don't care about log output.
func Noop() Logger { return New("noop", slog.LevelError+1) }
