package observability

import (
	"context"
	"log/slog"
)

// loggerContextKey is the private context key used to store a *slog.Logger.
type loggerContextKey struct{}

// workerIDContextKey stores the owning worker's identity so store adapters
// and the remote client can correlate their logs with the worker loop that
// triggered them.
type workerIDContextKey struct{}

// ContextWithLogger attaches a non-nil logger to the context.
func ContextWithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if ctx == nil || lg == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerContextKey{}, lg)
}

// LoggerFromContext returns the logger stored in the context or the default
// slog logger when none is present.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if v := ctx.Value(loggerContextKey{}); v != nil {
		if lg, ok := v.(*slog.Logger); ok && lg != nil {
			return lg
		}
	}
	return slog.Default()
}

// ContextWithWorkerID stores a non-empty worker id in the context.
func ContextWithWorkerID(ctx context.Context, workerID string) context.Context {
	if ctx == nil || workerID == "" {
		return ctx
	}
	return context.WithValue(ctx, workerIDContextKey{}, workerID)
}

// WorkerIDFromContext retrieves the worker id from the context, or an empty
// string when none is present.
func WorkerIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(workerIDContextKey{}); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
