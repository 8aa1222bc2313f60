package capnpgj

import (
	"context"
	"log/slog"
)

// Logger is the interface for structured logging.
// *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// defaultLogger returns slog.Default() tagged with this package's component name.
func defaultLogger() Logger {
	return slog.Default().With("component", "capnpgj")
}

// debugEnabled reports whether logger would emit a Debug record.
// Loggers that cannot tell are assumed to want one.
func debugEnabled(ctx context.Context, logger Logger) bool {
	l, ok := logger.(interface {
		Enabled(context.Context, slog.Level) bool
	})
	return !ok || l.Enabled(ctx, slog.LevelDebug)
}
