package middleware

import (
	"net/http"

	"github.com/lavka-ua/storefront/pkg/logger"
)

const (
	// UserIDHeader carries the authenticated customer ID set by the session provider.
	UserIDHeader = "X-User-ID"
	// SessionIDHeader carries the storefront session that owns the basket.
	SessionIDHeader = "X-Session-ID"
)

// Identity copies the customer and session headers into the request context.
// Authentication itself happens upstream; a missing user ID means guest.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get(UserIDHeader); id != "" {
			ctx = logger.WithUserID(ctx, id)
		}
		if id := r.Header.Get(SessionIDHeader); id != "" {
			ctx = logger.WithSessionID(ctx, id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserIDFromContext returns the customer ID, or "" for guests.
func UserIDFromContext(r *http.Request) string {
	return logger.UserIDFromContext(r.Context())
}

// SessionIDFromContext returns the storefront session ID.
func SessionIDFromContext(r *http.Request) string {
	return logger.SessionIDFromContext(r.Context())
}
