package http

import (
	"net/http"
	"strings"

	"github.com/lavka-ua/storefront/pkg/httputil"
	"github.com/lavka-ua/storefront/pkg/middleware"
)

// ContentTypeJSON enforces that requests with a body have Content-Type: application/json.
func ContentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > 0 || r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			ct := r.Header.Get("Content-Type")
			if ct != "" && !strings.HasPrefix(ct, "application/json") {
				httputil.WriteJSON(w, http.StatusUnsupportedMediaType, httputil.ErrorBody{
					Error: "Content-Type must be application/json",
					Code:  "UNSUPPORTED_MEDIA_TYPE",
				})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// RequireSession rejects storefront requests without an X-Session-ID header.
// It must run after middleware.Identity.
func RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if middleware.SessionIDFromContext(r) == "" {
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorBody{
				Error: "session id is required",
				Code:  "SESSION_REQUIRED",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
