package handler

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"activitylog/internal/activity/models"
	"activitylog/internal/activity/service"
	"activitylog/internal/activity/store"
	"activitylog/internal/fieldcrypt"
	dErrors "activitylog/pkg/domain-errors"
	"activitylog/pkg/platform/middleware/admin"
	"activitylog/pkg/testutil"
)

const adminToken = "secret-admin"

type HandlerSuite struct {
	suite.Suite
	ctx    context.Context
	events *store.InMemoryStore
	router http.Handler
	ids    []string
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.ctx = context.Background()
	master := make([]byte, fieldcrypt.KeySize)
	_, err := rand.Read(master)
	s.Require().NoError(err)
	ring, err := fieldcrypt.NewKeyring(1, map[byte][]byte{1: master})
	s.Require().NoError(err)
	codec := fieldcrypt.New(ring)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.events = store.NewInMemory(codec)
	svc := service.New(s.events, codec, service.WithLogger(logger))

	r := chi.NewRouter()
	r.Use(admin.RequireAdminToken(adminToken, logger))
	New(svc, logger).Register(r)
	s.router = r

	base := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	s.ids = nil
	for i, verb := range []models.Verb{models.VerbLogin, models.VerbUpdate, models.VerbLogin} {
		actor := "u-1"
		res, err := s.events.Append(s.ctx, models.Event{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			TenantID:  "acme",
			Actor:     models.Actor{ID: &actor, Role: models.RoleAdmin},
			Verb:      verb,
			Target:    models.Target{Type: "Payroll", ID: "p-1"},
			Source:    models.SourceAPI,
			Context:   models.Context{IP: models.StringValue("203.0.113.7"), Severity: "low"},
		})
		s.Require().NoError(err)
		s.ids = append(s.ids, res.ID.String())
	}
}

func (s *HandlerSuite) TestListFiltersAndDecrypts() {
	rr := testutil.DoRequest(s.router, s.authed(testutil.NewRequest(s.T(), http.MethodGet, "/admin/events?tenant_id=acme&verb=login&limit=1")))
	s.Require().Equal(http.StatusOK, rr.Code, rr.Body.String())

	listing := testutil.UnmarshalResponse[service.Listing](s.T(), rr)
	s.Equal(int64(2), listing.Total)
	s.Equal(1, listing.Limit)
	s.Require().Len(listing.Events, 1)
	s.Equal(s.ids[2], listing.Events[0].ID.String())
	s.Equal("203.0.113.7", listing.Events[0].Context.IP.String())
}

func (s *HandlerSuite) TestListRejectsBadParams() {
	for _, path := range []string{
		"/admin/events?verb=EXPLODE",
		"/admin/events?from=yesterday",
		"/admin/events?limit=-1",
		"/admin/events?reviewed=maybe",
	} {
		rr := testutil.DoRequest(s.router, s.authed(testutil.NewRequest(s.T(), http.MethodGet, path)))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeValidation))
	}
}

func (s *HandlerSuite) TestGet() {
	rr := testutil.DoRequest(s.router, s.authed(testutil.NewRequest(s.T(), http.MethodGet, "/admin/events/"+s.ids[0])))
	s.Require().Equal(http.StatusOK, rr.Code)
	e := testutil.UnmarshalResponse[models.Event](s.T(), rr)
	s.Equal("203.0.113.7", e.Context.IP.String())
	s.NotEmpty(e.Hash)

	rr = testutil.DoRequest(s.router, s.authed(testutil.NewRequest(s.T(), http.MethodGet, "/admin/events/not-a-uuid")))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeBadRequest))

	rr = testutil.DoRequest(s.router, s.authed(testutil.NewRequest(s.T(), http.MethodGet, "/admin/events/00000000-0000-0000-0000-000000000001")))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, string(dErrors.CodeNotFound))
}

func (s *HandlerSuite) TestReviewFlipsOnlyReviewed() {
	rr := testutil.DoRequest(s.router, s.authed(testutil.NewJSONRequest(s.T(), http.MethodPatch,
		"/admin/events/"+s.ids[1]+"/review", map[string]any{"reviewed": true})))
	s.Require().Equal(http.StatusOK, rr.Code, rr.Body.String())
	s.True(testutil.UnmarshalResponse[models.Event](s.T(), rr).Reviewed)

	rr = testutil.DoRequest(s.router, s.authed(testutil.NewRequest(s.T(), http.MethodGet, "/admin/events?reviewed=true")))
	s.Require().Equal(http.StatusOK, rr.Code)
	s.Equal(int64(1), testutil.UnmarshalResponse[service.Listing](s.T(), rr).Total)

	// Reviewing does not touch the chain.
	rr = testutil.DoRequest(s.router, s.authed(testutil.NewRequest(s.T(), http.MethodGet, "/admin/tenants/acme/verify")))
	s.Require().Equal(http.StatusOK, rr.Code)
	s.True(testutil.UnmarshalResponse[models.VerifyResult](s.T(), rr).OK)
}

func (s *HandlerSuite) TestReviewRefusesOtherFields() {
	rr := testutil.DoRequest(s.router, s.authed(testutil.NewJSONRequest(s.T(), http.MethodPatch,
		"/admin/events/"+s.ids[1]+"/review", map[string]any{"reviewed": true, "verb": "DELETE"})))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusConflict, string(dErrors.CodeImmutable))

	e, err := s.events.Get(s.ctx, uuid.MustParse(s.ids[1]))
	s.Require().NoError(err)
	s.False(e.Reviewed)
	s.Equal(models.VerbUpdate, e.Verb)

	rr = testutil.DoRequest(s.router, s.authed(testutil.NewJSONRequest(s.T(), http.MethodPatch,
		"/admin/events/"+s.ids[1]+"/review", map[string]any{"reviewed": "yes"})))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeValidation))
}

func (s *HandlerSuite) TestVerify() {
	rr := testutil.DoRequest(s.router, s.authed(testutil.NewRequest(s.T(), http.MethodGet, "/admin/tenants/acme/verify")))
	s.Require().Equal(http.StatusOK, rr.Code)
	res := testutil.UnmarshalResponse[models.VerifyResult](s.T(), rr)
	s.True(res.OK)
	s.Equal(3, res.Checked)
	s.Equal("acme", res.TenantID)
}

func (s *HandlerSuite) TestRequiresAdminToken() {
	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/admin/events"))
	s.Equal(http.StatusUnauthorized, rr.Code)
}

func (s *HandlerSuite) authed(req *http.Request) *http.Request {
	req.Header.Set(admin.HeaderToken, adminToken)
	return req
}
