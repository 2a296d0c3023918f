package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"activitylog/internal/activity/models"
	"activitylog/internal/activity/service"
	dErrors "activitylog/pkg/domain-errors"
	"activitylog/pkg/platform/httputil"
	"activitylog/pkg/requestcontext"
)

// Service is the admin event surface used over HTTP.
type Service interface {
	List(ctx context.Context, f models.Filter, page models.Page) (service.Listing, error)
	Get(ctx context.Context, id uuid.UUID) (models.Event, error)
	Review(ctx context.Context, id uuid.UUID, patch models.Patch, by string) (models.Event, error)
	Verify(ctx context.Context, tenantID string) (models.VerifyResult, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the event routes. r must already require the admin token.
func (h *Handler) Register(r chi.Router) {
	r.Get("/admin/events", h.HandleList)
	r.Get("/admin/events/{id}", h.HandleGet)
	r.Patch("/admin/events/{id}/review", h.HandleReview)
	r.Get("/admin/tenants/{tenant}/verify", h.HandleVerify)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	f, page, err := parseQuery(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	listing, err := h.service.List(ctx, f, page)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list events",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, listing)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := eventID(w, r)
	if !ok {
		return
	}
	e, err := h.service.Get(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, e)
}

// HandleReview accepts a JSON object of field changes. Only "reviewed" may
// be present; any other key is passed on so the store can refuse it.
func (h *Handler) HandleReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := eventID(w, r)
	if !ok {
		return
	}
	patch, err := decodePatch(r.Body)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	e, err := h.service.Review(ctx, id, patch, requestcontext.AdminUser(ctx))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, e)
}

func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Verify(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func eventID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid event id"))
		return uuid.Nil, false
	}
	return id, true
}

func decodePatch(body io.Reader) (models.Patch, error) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return models.Patch{}, dErrors.New(dErrors.CodeBadRequest, "invalid JSON body")
	}
	var patch models.Patch
	for field, value := range raw {
		patch.Fields = append(patch.Fields, field)
		if field != models.MutableField {
			continue
		}
		var reviewed bool
		if err := json.Unmarshal(value, &reviewed); err != nil {
			return models.Patch{}, dErrors.New(dErrors.CodeValidation, "reviewed must be a boolean")
		}
		patch.Reviewed = &reviewed
	}
	return patch, nil
}

// parseQuery reads a filter from repeated or comma separated query
// parameters named like the JSON filter fields.
func parseQuery(q url.Values) (models.Filter, models.Page, error) {
	var f models.Filter
	f.TenantIDs = list[string](q, "tenant_id")
	f.Verbs = list[models.Verb](q, "verb")
	f.TargetTypes = list[string](q, "target_type")
	f.TargetIDs = list[string](q, "target_id")
	f.ActorIDs = list[string](q, "actor_id")
	f.Roles = list[models.Role](q, "role")
	f.Sources = list[models.Source](q, "source")
	f.Severities = list[string](q, "severity")
	f.Tags = list[string](q, "tags")

	var err error
	if f.From, err = timeParam(q, "from"); err != nil {
		return f, models.Page{}, err
	}
	if f.To, err = timeParam(q, "to"); err != nil {
		return f, models.Page{}, err
	}
	if v := q.Get("reviewed"); v != "" {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			return f, models.Page{}, dErrors.New(dErrors.CodeValidation, "reviewed must be true or false")
		}
		f.Reviewed = &b
	}

	var page models.Page
	if page.Limit, err = intParam(q, "limit"); err != nil {
		return f, page, err
	}
	if page.Offset, err = intParam(q, "offset"); err != nil {
		return f, page, err
	}

	f.Normalize()
	if err := f.Validate(); err != nil {
		return f, page, dErrors.Wrap(err, dErrors.CodeValidation, err.Error())
	}
	return f, page, nil
}

func list[T ~string](q url.Values, key string) models.OneOrMany[T] {
	var out models.OneOrMany[T]
	for _, raw := range q[key] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, T(part))
			}
		}
	}
	return out
}

func timeParam(q url.Values, key string) (*time.Time, error) {
	v := q.Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, dErrors.Newf(dErrors.CodeValidation, "%s must be an RFC 3339 timestamp", key)
	}
	return &t, nil
}

func intParam(q url.Values, key string) (int, error) {
	v := q.Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, dErrors.Newf(dErrors.CodeValidation, "%s must be a non-negative integer", key)
	}
	return n, nil
}
