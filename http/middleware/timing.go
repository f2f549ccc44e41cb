package middleware

import (
	"context"
	"net/http"
	"time"
)

const startTimeKey contextKey = "start_time"

// TimingMiddleware records the request start time so responders can report
// processing duration.
func TimingMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), startTimeKey, time.Now())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestDuration returns elapsed milliseconds since the request started,
// or 0 outside the middleware.
func RequestDuration(ctx context.Context) int64 {
	if start, ok := ctx.Value(startTimeKey).(time.Time); ok {
		return time.Since(start).Milliseconds()
	}
	return 0
}
