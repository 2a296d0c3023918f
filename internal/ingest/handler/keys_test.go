package handler

import (
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"activitylog/internal/ingest/keys"
	dErrors "activitylog/pkg/domain-errors"
	"activitylog/pkg/platform/middleware/admin"
	"activitylog/pkg/testutil"
)

const adminToken = "secret-admin"

func keysRouter(store keys.Store) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := chi.NewRouter()
	r.Use(admin.RequireAdminToken(adminToken, logger))
	NewKeys(keys.NewService(store, keys.WithLogger(logger)), logger).Register(r)
	return r
}

func asAdmin(req *http.Request) *http.Request {
	req.Header.Set(admin.HeaderToken, adminToken)
	return req
}

func TestIngestionKeyLifecycle(t *testing.T) {
	store := keys.NewInMemory()
	h := keysRouter(store)

	rr := testutil.DoRequest(h, asAdmin(testutil.NewJSONRequest(t, http.MethodPost, "/admin/ingestion-keys",
		map[string]any{"name": "  billing-service "})))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	issued := testutil.UnmarshalResponse[map[string]any](t, rr)
	id, _ := (*issued)["id"].(string)
	assert.Regexp(t, `^lk_[0-9a-f]{24}$`, id)
	assert.Equal(t, "billing-service", (*issued)["name"])
	assert.NotEmpty(t, (*issued)["secret"])
	assert.Equal(t, true, (*issued)["active"])

	rr = testutil.DoRequest(h, asAdmin(testutil.NewRequest(t, http.MethodGet, "/admin/ingestion-keys")))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), id)
	assert.NotContains(t, rr.Body.String(), "secret")

	rr = testutil.DoRequest(h, asAdmin(testutil.NewRequest(t, http.MethodPost, "/admin/ingestion-keys/"+id+"/deactivate")))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, (*testutil.UnmarshalResponse[map[string]any](t, rr))["active"])

	stored, err := store.Get(t.Context(), id)
	require.NoError(t, err)
	assert.False(t, stored.Active)
}

func TestIngestionKeyErrors(t *testing.T) {
	h := keysRouter(keys.NewInMemory())

	rr := testutil.DoRequest(h, asAdmin(testutil.NewJSONRequest(t, http.MethodPost, "/admin/ingestion-keys",
		map[string]any{"name": "   "})))
	testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, string(dErrors.CodeValidation))

	rr = testutil.DoRequest(h, asAdmin(testutil.NewRequest(t, http.MethodPost, "/admin/ingestion-keys/lk_missing/deactivate")))
	testutil.AssertStatusAndError(t, rr, http.StatusNotFound, string(dErrors.CodeNotFound))

	rr = testutil.DoRequest(h, testutil.NewRequest(t, http.MethodGet, "/admin/ingestion-keys"))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
