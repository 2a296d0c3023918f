package middleware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"activitylog/internal/ratelimit/models"
	"activitylog/pkg/platform/circuit"
	"activitylog/pkg/platform/middleware/metadata"
	"activitylog/pkg/requestcontext"
	"activitylog/pkg/testutil"
)

type failingStore struct{ calls int }

func (f *failingStore) Allow(context.Context, string, int, time.Duration) (*models.RateLimitResult, error) {
	f.calls++
	return nil, errors.New("connection refused")
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
}

func TestLimitByIP(t *testing.T) {
	m := New(nil, models.Limit{Requests: 2, Window: time.Minute}, discard())
	h := m.LimitByIP()(okHandler())

	send := func(remoteAddr string) *httptest.ResponseRecorder {
		req := testutil.NewRequest(t, http.MethodPost, "/v1/ingest")
		req.RemoteAddr = remoteAddr
		return testutil.DoRequest(h, req)
	}

	testutil.AssertStatus(t, send("10.0.0.1:1234"), http.StatusAccepted)
	testutil.AssertStatus(t, send("10.0.0.1:1234"), http.StatusAccepted)

	rec := send("10.0.0.1:5555")
	testutil.AssertStatusAndError(t, rec, http.StatusTooManyRequests, "rate_limited")
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	assert.Equal(t, http.StatusAccepted, send("10.0.0.2:1234").Code, "other addresses keep their own window")
}

func TestLimitByIPIgnoresSpoofedForwardedFor(t *testing.T) {
	m := New(nil, models.Limit{Requests: 1, Window: time.Minute}, discard())
	h := metadata.ClientMetadata(nil)(m.LimitByIP()(okHandler()))

	allowed := 0
	for i := range 5 {
		req := testutil.NewRequest(t, http.MethodPost, "/v1/ingest")
		req.RemoteAddr = "198.51.100.20:4000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
		if testutil.DoRequest(h, req).Code == http.StatusAccepted {
			allowed++
		}
	}
	assert.Equal(t, 1, allowed)
}

func TestLimitByIngestionKey(t *testing.T) {
	m := New(nil, models.Limit{Requests: 1, Window: time.Minute}, discard())
	h := m.LimitByIngestionKey()(okHandler())

	send := func(keyID string) int {
		req := testutil.NewRequest(t, http.MethodPost, "/v1/ingest")
		req.Header.Set("X-Log-Key-Id", "lk_a")
		if keyID != "" {
			req = req.WithContext(requestcontext.WithIngestionKeyID(req.Context(), keyID))
		}
		return testutil.DoRequest(h, req).Code
	}

	assert.Equal(t, http.StatusAccepted, send(""), "unauthenticated requests are not charged to the key")
	assert.Equal(t, http.StatusAccepted, send(""))
	assert.Equal(t, http.StatusAccepted, send("lk_a"))
	assert.Equal(t, http.StatusTooManyRequests, send("lk_a"))
	assert.Equal(t, http.StatusAccepted, send("lk_b"))
}

func TestFallbackWhenStoreFails(t *testing.T) {
	store := &failingStore{}
	breaker := circuit.New("test", circuit.WithFailureThreshold(1))
	m := New(store, models.Limit{Requests: 1, Window: time.Minute}, discard(), WithBreaker(breaker))
	h := m.LimitByIP()(okHandler())

	req := testutil.NewRequest(t, http.MethodPost, "/v1/ingest")
	req.RemoteAddr = "10.1.1.1:80"
	rec := testutil.DoRequest(h, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "degraded", rec.Header().Get("X-RateLimit-Status"))
	assert.True(t, breaker.IsOpen())

	req = testutil.NewRequest(t, http.MethodPost, "/v1/ingest")
	req.RemoteAddr = "10.1.1.1:80"
	rec = testutil.DoRequest(h, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "fallback still enforces the limit")
	assert.Equal(t, 2, store.calls)
}

func TestDisabled(t *testing.T) {
	m := New(nil, models.Limit{Requests: 0, Window: time.Minute}, discard(), WithDisabled(true))
	h := m.LimitByIP()(okHandler())
	rec := testutil.DoRequest(h, testutil.NewRequest(t, http.MethodPost, "/v1/ingest"))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
