package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	activity "activitylog/internal/activity/models"
	"activitylog/internal/monitoring"
	dErrors "activitylog/pkg/domain-errors"
	"activitylog/pkg/platform/httputil"
	"activitylog/pkg/requestcontext"
)

type Analyzer interface {
	Analyze(ctx context.Context, f activity.Filter) (monitoring.Report, error)
}

// Request is the listing filter vocabulary posted as the body.
type Request struct {
	activity.Filter
}

func (r *Request) Normalize() {
	if r == nil {
		return
	}
	r.Filter.Normalize()
}

func (r *Request) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	if err := r.Filter.Validate(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "invalid filter: "+err.Error())
	}
	return nil
}

type Handler struct {
	analyzer Analyzer
	logger   *slog.Logger
}

func New(analyzer Analyzer, logger *slog.Logger) *Handler {
	return &Handler{analyzer: analyzer, logger: logger}
}

// Register mounts the analyzer. r must already require the admin token.
func (h *Handler) Register(r chi.Router) {
	r.Post("/admin/monitoring/behavior", h.HandleBehavior)
}

func (h *Handler) HandleBehavior(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[Request](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	report, err := h.analyzer.Analyze(ctx, req.Filter)
	if err != nil {
		h.logger.ErrorContext(ctx, "behavior analysis failed",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}
