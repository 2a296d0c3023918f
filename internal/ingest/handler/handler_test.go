package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"activitylog/internal/ingest"
	"activitylog/internal/ingest/keys"
	ratelimit "activitylog/internal/ratelimit/middleware"
	ratelimitmodels "activitylog/internal/ratelimit/models"
	dErrors "activitylog/pkg/domain-errors"
	"activitylog/pkg/testutil"
)

type stubService struct {
	gotKeyID     string
	gotSignature string
	gotBody      []byte
	accepted     int
	authErr      error
	results      []ingest.Result
	err          error
}

func (s *stubService) Authenticate(_ context.Context, keyID, signature string, body []byte) (keys.Key, error) {
	s.gotKeyID, s.gotSignature = keyID, signature
	if s.authErr != nil {
		return keys.Key{}, s.authErr
	}
	return keys.Key{ID: keyID, Active: true}, nil
}

func (s *stubService) Accept(_ context.Context, body []byte) ([]ingest.Result, error) {
	s.gotBody = body
	s.accepted++
	return s.results, s.err
}

func newRouter(svc Service, opts ...Option) http.Handler {
	r := chi.NewRouter()
	New(svc, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...).Register(r)
	return r
}

func TestHandleIngest(t *testing.T) {
	body := []byte(`{"tenant_id":"t1"}`)

	t.Run("passes raw body and headers through", func(t *testing.T) {
		id := uuid.New()
		svc := &stubService{results: []ingest.Result{{ID: id}}}
		req := testutil.NewSignedRequest(t, "/v1/ingest", "lk_1", "secret", body)

		rr := testutil.DoRequest(newRouter(svc), req)

		testutil.AssertStatus(t, rr, http.StatusOK)
		assert.Equal(t, "lk_1", svc.gotKeyID)
		assert.Equal(t, testutil.Sign("secret", body), svc.gotSignature)
		assert.Equal(t, body, svc.gotBody)

		resp := testutil.UnmarshalResponse[ingest.Response](t, rr)
		require.Len(t, resp.Results, 1)
		assert.Equal(t, id, resp.Results[0].ID)
		assert.False(t, resp.Results[0].Deduplicated)
	})

	t.Run("authentication failure is 401", func(t *testing.T) {
		svc := &stubService{authErr: dErrors.New(dErrors.CodeUnauthorized, "invalid ingestion key or signature")}
		rr := testutil.DoRequest(newRouter(svc), testutil.NewSignedRequest(t, "/v1/ingest", "lk_1", "x", body))
		testutil.AssertStatusAndError(t, rr, http.StatusUnauthorized, "unauthorized")
		assert.Zero(t, svc.accepted)
	})

	t.Run("validation failure is 400", func(t *testing.T) {
		svc := &stubService{err: dErrors.New(dErrors.CodeValidation, "events[3]: unknown verb")}
		rr := testutil.DoRequest(newRouter(svc), testutil.NewSignedRequest(t, "/v1/ingest", "lk_1", "x", body))
		testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "validation_error")
		assert.Contains(t, rr.Body.String(), "events[3]")
	})

	t.Run("store failure hides details", func(t *testing.T) {
		svc := &stubService{err: dErrors.Wrap(assert.AnError, dErrors.CodeInternal, "failed to store event")}
		rr := testutil.DoRequest(newRouter(svc), testutil.NewSignedRequest(t, "/v1/ingest", "lk_1", "x", body))
		testutil.AssertStatusAndError(t, rr, http.StatusInternalServerError, "internal_error")
		assert.NotContains(t, rr.Body.String(), "failed to store")
	})
}

func TestKeyLimitsOnlySeeAuthenticatedRequests(t *testing.T) {
	body := []byte(`{"tenant_id":"t1"}`)
	limiter := ratelimit.New(nil, ratelimitmodels.PerMinute(1), slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc := &stubService{}
	h := newRouter(svc, WithKeyLimits(limiter.LimitByIngestionKey()))

	svc.authErr = dErrors.New(dErrors.CodeUnauthorized, "invalid ingestion key or signature")
	for range 3 {
		rr := testutil.DoRequest(h, testutil.NewSignedRequest(t, "/v1/ingest", "lk_1", "wrong", body))
		testutil.AssertStatus(t, rr, http.StatusUnauthorized)
	}

	svc.authErr = nil
	rr := testutil.DoRequest(h, testutil.NewSignedRequest(t, "/v1/ingest", "lk_1", "secret", body))
	testutil.AssertStatus(t, rr, http.StatusOK)

	rr = testutil.DoRequest(h, testutil.NewSignedRequest(t, "/v1/ingest", "lk_1", "secret", body))
	testutil.AssertStatusAndError(t, rr, http.StatusTooManyRequests, "rate_limited")
	assert.Equal(t, 1, svc.accepted)
}
