package server

import (
	"context"
	"net/http"

	"github.com/tjfontaine/promptguard/internal/auth"
)

type operatorKey struct{}

// AuthMiddleware validates operator keys and injects the operator into the
// request context. A nil authenticator leaves routes open.
func AuthMiddleware(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if authenticator == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey, err := auth.ExtractAPIKey(r)
			if err != nil {
				http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
				return
			}

			op, err := authenticator.ValidateAPIKey(apiKey)
			if err != nil {
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}

			AddLogField(r.Context(), "operator", op.Description)
			ctx := context.WithValue(r.Context(), operatorKey{}, op)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetOperator returns nil when the request was not authenticated.
func GetOperator(ctx context.Context) *auth.Operator {
	if op, ok := ctx.Value(operatorKey{}).(*auth.Operator); ok {
		return op
	}
	return nil
}
