package models

import (
	"strings"
	"time"
)

// Scope names what a sliding window counts requests against.
type Scope string

const (
	// ScopeIP limits by the caller's address.
	ScopeIP Scope = "ip"
	// ScopeIngestionKey limits by the X-Log-Key-Id header.
	ScopeIngestionKey Scope = "key"
)

// Limit is a request budget over a sliding window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// PerMinute builds a one-minute limit.
func PerMinute(n int) Limit {
	return Limit{Requests: n, Window: time.Minute}
}

// RateLimitResult represents the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed    bool      `json:"allowed"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	RetryAfter int       `json:"retry_after,omitempty"` // seconds, only set when not allowed
}

// NewRateLimitKey builds the bucket key for an identifier in a scope. Colons
// in the identifier are kept; only whitespace is trimmed.
func NewRateLimitKey(scope Scope, identifier string) string {
	return "ratelimit:ingest:" + string(scope) + ":" + strings.TrimSpace(identifier)
}

// RetryAfterSeconds rounds the wait until resetAt up to whole seconds, never
// returning less than one.
func RetryAfterSeconds(now, resetAt time.Time) int {
	d := resetAt.Sub(now)
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
