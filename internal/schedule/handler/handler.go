package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"activitylog/internal/schedule/models"
	dErrors "activitylog/pkg/domain-errors"
	"activitylog/pkg/platform/httputil"
	"activitylog/pkg/requestcontext"
)

// Service is the scheduled report surface used over HTTP.
type Service interface {
	Create(ctx context.Context, req models.Request, owner string) (models.Report, error)
	Get(ctx context.Context, id uuid.UUID) (models.Report, error)
	List(ctx context.Context) ([]models.Report, error)
	Update(ctx context.Context, id uuid.UUID, req models.Request) (models.Report, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the report routes. r must already require the admin token.
func (h *Handler) Register(r chi.Router) {
	r.Post("/admin/reports", h.HandleCreate)
	r.Get("/admin/reports", h.HandleList)
	r.Get("/admin/reports/{id}", h.HandleGet)
	r.Put("/admin/reports/{id}", h.HandleUpdate)
	r.Delete("/admin/reports/{id}", h.HandleDelete)
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[models.Request](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	rep, err := h.service.Create(ctx, *req, requestcontext.AdminUser(ctx))
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to create scheduled report",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, rep)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	reports, err := h.service.List(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if reports == nil {
		reports = []models.Report{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := reportID(w, r)
	if !ok {
		return
	}
	rep, err := h.service.Get(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rep)
}

func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	id, ok := reportID(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[models.Request](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	rep, err := h.service.Update(ctx, id, *req)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rep)
}

func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := reportID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func reportID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid report id"))
		return uuid.Nil, false
	}
	return id, true
}
