package testutil

import (
	"net/http"
	"time"

	"activitylog/pkg/requestcontext"
)

// WithAdmin marks the request as coming from an authenticated administrator,
// as the admin middleware would.
func WithAdmin(req *http.Request, user string) *http.Request {
	return req.WithContext(requestcontext.WithAdminUser(req.Context(), user))
}

// WithRequestTime pins the request-scoped "now".
func WithRequestTime(req *http.Request, t time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), t))
}
