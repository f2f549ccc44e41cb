package logging

import (
	"context"

	"go.uber.org/zap"
)

type traceIDKey struct{}
type loggerKey struct{}

// SetTraceID stores the trace id in the context so downstream loggers
// can tag their entries with it.
func SetTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// GetTraceID returns the trace id from the context, or "".
func GetTraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(traceIDKey{}).(string)
	return s
}

// WithContext returns a child logger tagged with the context's trace id,
// or the logger unchanged when there is none.
func WithContext(logger Logger, ctx context.Context) Logger {
	if ctx == nil {
		return logger
	}
	if traceID := GetTraceID(ctx); traceID != "" {
		return logger.With(zap.String("trace_id", traceID))
	}
	return logger
}

// ToContext stores the logger in the context for downstream handlers.
func ToContext(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger stored in the context, falling back to
// the global logger.
func FromContext(ctx context.Context) Logger {
	if ctx == nil {
		return Global()
	}
	if l, ok := ctx.Value(loggerKey{}).(Logger); ok {
		return l
	}
	return Global()
}
