// Package middleware holds the small chi middlewares shared by the HTTP
// surface: trace-id propagation and request timing.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const (
	traceIDKey contextKey = "trace_id"

	// TraceIDHeader carries the trace id in and out of the service.
	TraceIDHeader = "X-Trace-ID"
)

// TraceIDMiddleware propagates an incoming X-Trace-ID or assigns a fresh
// one, echoing it on the response.
func TraceIDMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get(TraceIDHeader)
			if traceID == "" {
				traceID = uuid.NewString()
			}
			w.Header().Set(TraceIDHeader, traceID)
			ctx := context.WithValue(r.Context(), traceIDKey, traceID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TraceID returns the request's trace id, or "" outside the middleware.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}
