package server

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// TimeoutMiddleware puts a deadline on the request context and notes on the
// log line when a handler ran past it. Handlers are expected to watch
// ctx.Done(). A non-positive d leaves requests unbounded.
func TimeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	if d <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()

			next.ServeHTTP(w, r.WithContext(ctx))

			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				AddLogField(r.Context(), "timeout", d.String())
			}
		})
	}
}
