package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"activitylog/internal/export"
	"activitylog/internal/export/models"
	dErrors "activitylog/pkg/domain-errors"
	"activitylog/pkg/platform/httputil"
	"activitylog/pkg/requestcontext"
)

// Service is the export engine surface used over HTTP.
type Service interface {
	Create(ctx context.Context, req models.Request, requestedBy string) (models.Job, error)
	Get(ctx context.Context, id uuid.UUID) (export.View, error)
	List(ctx context.Context, limit int) ([]models.Job, error)
	Open(ctx context.Context, id uuid.UUID, token string, isAdmin bool) (export.Download, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterAdmin mounts the admin routes. r must already require the admin
// token.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Post("/admin/exports", h.HandleCreate)
	r.Get("/admin/exports", h.HandleList)
	r.Get("/admin/exports/{id}", h.HandleGet)
}

// RegisterDownload mounts the artifact download route. It accepts either a
// download token or the admin token, so r should only detect the admin.
func (h *Handler) RegisterDownload(r chi.Router) {
	r.Get("/exports/{id}/download", h.HandleDownload)
}

type createResponse struct {
	ID     uuid.UUID     `json:"id"`
	Status models.Status `json:"status"`
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[models.Request](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	job, err := h.service.Create(ctx, *req, requestcontext.AdminUser(ctx))
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to create export",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, createResponse{ID: job.ID, Status: job.Status})
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	view, err := h.service.Get(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, view)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := h.service.List(r.Context(), limit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (h *Handler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	dl, err := h.service.Open(ctx, id, r.URL.Query().Get("token"), requestcontext.IsAdmin(ctx))
	if err != nil {
		h.logger.WarnContext(ctx, "export download refused",
			"request_id", requestcontext.RequestID(ctx),
			"job_id", id,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	defer dl.Content.Close()

	w.Header().Set("Content-Type", dl.Job.Format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+dl.Filename()+`"`)
	w.Header().Set("Content-Length", strconv.FormatInt(dl.Size, 10))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, dl.Content); err != nil {
		h.logger.WarnContext(ctx, "export download interrupted", "job_id", id, "error", err)
	}
}

func jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid export id"))
		return uuid.Nil, false
	}
	return id, true
}
