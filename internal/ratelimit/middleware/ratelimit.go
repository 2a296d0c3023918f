// Package middleware applies sliding-window rate limits to the ingestion
// endpoint, per caller IP and per ingestion key.
//
// The shared store (Redis in production) is guarded by a circuit breaker:
// after repeated store errors requests are counted by an in-memory fallback
// and responses carry X-RateLimit-Status: degraded until the store recovers.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"activitylog/internal/ratelimit/metrics"
	"activitylog/internal/ratelimit/models"
	"activitylog/internal/ratelimit/store/bucket"
	dErrors "activitylog/pkg/domain-errors"
	"activitylog/pkg/platform/circuit"
	"activitylog/pkg/platform/httputil"
	metadata "activitylog/pkg/platform/middleware/metadata"
	"activitylog/pkg/requestcontext"
)

// BucketStore is the sliding-window counter the middleware consults.
type BucketStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.RateLimitResult, error)
}

type Middleware struct {
	primary  BucketStore
	fallback BucketStore
	breaker  *circuit.Breaker
	limit    models.Limit
	logger   *slog.Logger
	metrics  *metrics.Metrics
	disabled bool
}

type Option func(*Middleware)

// WithDisabled disables rate limiting entirely (for testing/demo mode).
func WithDisabled(disabled bool) Option {
	return func(m *Middleware) { m.disabled = disabled }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Middleware) { m.metrics = mt }
}

// WithFallback replaces the in-memory store used while the breaker is open.
func WithFallback(store BucketStore) Option {
	return func(m *Middleware) { m.fallback = store }
}

// WithBreaker replaces the default breaker.
func WithBreaker(b *circuit.Breaker) Option {
	return func(m *Middleware) { m.breaker = b }
}

// New builds the middleware. A nil primary store counts in process memory.
func New(primary BucketStore, limit models.Limit, logger *slog.Logger, opts ...Option) *Middleware {
	m := &Middleware{
		primary: primary,
		limit:   limit,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.fallback == nil {
		m.fallback = bucket.NewInMemoryBucketStore()
	}
	if m.primary == nil {
		m.primary = m.fallback
	}
	if m.breaker == nil {
		m.breaker = circuit.New("ratelimit")
	}
	if m.disabled {
		logger.Info("rate limiting disabled")
	}
	return m
}

// LimitByIP counts requests per client address.
func (m *Middleware) LimitByIP() func(http.Handler) http.Handler {
	return m.limitBy(models.ScopeIP, func(r *http.Request) string {
		if ip := requestcontext.ClientIP(r.Context()); ip != "" {
			return ip
		}
		return metadata.RemoteIP(r)
	})
}

// LimitByIngestionKey counts requests per authenticated ingestion key. It
// must run after signature verification has put the key id in the context;
// requests without one pass through.
func (m *Middleware) LimitByIngestionKey() func(http.Handler) http.Handler {
	return m.limitBy(models.ScopeIngestionKey, func(r *http.Request) string {
		return requestcontext.IngestionKeyID(r.Context())
	})
}

func (m *Middleware) limitBy(scope models.Scope, identify func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.disabled {
				next.ServeHTTP(w, r)
				return
			}
			id := identify(r)
			if id == "" {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			result, degraded, err := m.check(ctx, models.NewRateLimitKey(scope, id))
			if err != nil {
				m.logger.ErrorContext(ctx, "rate limit check failed",
					"scope", scope,
					"request_id", requestcontext.RequestID(ctx),
					"error", err,
				)
				next.ServeHTTP(w, r)
				return
			}

			addRateLimitHeaders(w, result)
			if degraded {
				w.Header().Set("X-RateLimit-Status", "degraded")
			}
			if !result.Allowed {
				m.metrics.IncRejected(string(scope))
				m.logger.WarnContext(ctx, "rate limit exceeded",
					"scope", scope,
					"request_id", requestcontext.RequestID(ctx),
					"retry_after", result.RetryAfter,
				)
				writeRateLimitExceeded(w, result)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// check consults the primary store and falls back to memory while the
// breaker is open.
func (m *Middleware) check(ctx context.Context, key string) (*models.RateLimitResult, bool, error) {
	if m.primary == m.fallback {
		res, err := m.fallback.Allow(ctx, key, m.limit.Requests, m.limit.Window)
		return res, false, err
	}

	res, err := m.primary.Allow(ctx, key, m.limit.Requests, m.limit.Window)
	if err != nil {
		m.metrics.IncStoreError()
		_, change := m.breaker.RecordFailure()
		if change.Opened {
			m.logger.WarnContext(ctx, "rate limit store unavailable, using in-memory fallback", "error", err)
			m.metrics.SetDegraded(true)
		}
		res, ferr := m.fallback.Allow(ctx, key, m.limit.Requests, m.limit.Window)
		return res, true, ferr
	}

	usePrimary, change := m.breaker.RecordSuccess()
	if change.Closed {
		m.logger.InfoContext(ctx, "rate limit store recovered")
		m.metrics.SetDegraded(false)
	}
	if !usePrimary {
		res, ferr := m.fallback.Allow(ctx, key, m.limit.Requests, m.limit.Window)
		return res, true, ferr
	}
	return res, false, nil
}

func addRateLimitHeaders(w http.ResponseWriter, result *models.RateLimitResult) {
	if result == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

func writeRateLimitExceeded(w http.ResponseWriter, result *models.RateLimitResult) {
	w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
	httputil.WriteError(w, dErrors.New(dErrors.CodeRateLimited,
		fmt.Sprintf("too many requests, retry after %d seconds", result.RetryAfter)))
}
