package admin

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"activitylog/pkg/requestcontext"
)

// HeaderToken carries the shared admin token; HeaderUser names the operator.
const (
	HeaderToken = "X-Admin-Token"
	HeaderUser  = "X-Admin-User"

	defaultUser = "admin"
)

// RequireAdminToken rejects requests without the admin token and records the
// requesting operator in the context.
func RequireAdminToken(expectedToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if !validToken(r, expectedToken) {
				logger.WarnContext(ctx, "admin token mismatch",
					"request_id", requestcontext.RequestID(ctx),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized","error_description":"admin token required"}`))
				return
			}

			next.ServeHTTP(w, r.WithContext(requestcontext.WithAdminUser(ctx, adminUser(r))))
		})
	}
}

// DetectAdmin marks the request as admin when a valid token is present and
// otherwise lets it through unchanged. Used on routes that accept either an
// admin or another credential.
func DetectAdmin(expectedToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get(HeaderToken) != "" && validToken(r, expectedToken) {
				r = r.WithContext(requestcontext.WithAdminUser(r.Context(), adminUser(r)))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func validToken(r *http.Request, expected string) bool {
	if expected == "" {
		return false
	}
	token := r.Header.Get(HeaderToken)
	// Use constant-time comparison to prevent timing attacks
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

func adminUser(r *http.Request) string {
	if u := strings.TrimSpace(r.Header.Get(HeaderUser)); u != "" {
		return u
	}
	return defaultUser
}
