package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"activitylog/internal/ingest/keys"
	"activitylog/pkg/platform/httputil"
	"activitylog/pkg/requestcontext"
)

// KeyService manages ingestion keys for admins.
type KeyService interface {
	Create(ctx context.Context, req keys.CreateRequest, by string) (keys.Issued, error)
	List(ctx context.Context) ([]keys.Key, error)
	Deactivate(ctx context.Context, id, by string) (keys.Key, error)
}

type KeysHandler struct {
	service KeyService
	logger  *slog.Logger
}

func NewKeys(service KeyService, logger *slog.Logger) *KeysHandler {
	return &KeysHandler{service: service, logger: logger}
}

// Register mounts the key routes. r must already require the admin token.
func (h *KeysHandler) Register(r chi.Router) {
	r.Post("/admin/ingestion-keys", h.HandleCreate)
	r.Get("/admin/ingestion-keys", h.HandleList)
	r.Post("/admin/ingestion-keys/{id}/deactivate", h.HandleDeactivate)
}

func (h *KeysHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[keys.CreateRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	issued, err := h.service.Create(ctx, *req, requestcontext.AdminUser(ctx))
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to create ingestion key",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, issued)
}

func (h *KeysHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if list == nil {
		list = []keys.Key{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"keys": list})
}

func (h *KeysHandler) HandleDeactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	k, err := h.service.Deactivate(ctx, chi.URLParam(r, "id"), requestcontext.AdminUser(ctx))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, k)
}
