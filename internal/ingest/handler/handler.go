package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"activitylog/internal/ingest"
	"activitylog/internal/ingest/keys"
	dErrors "activitylog/pkg/domain-errors"
	"activitylog/pkg/platform/httputil"
	"activitylog/pkg/requestcontext"
)

const (
	HeaderKeyID     = "X-Log-Key-Id"
	HeaderSignature = "X-Log-Signature"

	// maxIngestBody allows a full batch of events with generous contexts.
	maxIngestBody = 4 << 20
)

// Service is the gateway the handler drives: authentication over the raw
// body first, then parsing and appending.
type Service interface {
	Authenticate(ctx context.Context, keyID, signature string, body []byte) (keys.Key, error)
	Accept(ctx context.Context, body []byte) ([]ingest.Result, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
	accept  http.Handler
}

type Option func(*handlerConfig)

type handlerConfig struct {
	keyLimits []func(http.Handler) http.Handler
}

// WithKeyLimits wraps the work done after authentication, so per-key limits
// only count requests the key actually signed.
func WithKeyLimits(mws ...func(http.Handler) http.Handler) Option {
	return func(c *handlerConfig) { c.keyLimits = append(c.keyLimits, mws...) }
}

func New(service Service, logger *slog.Logger, opts ...Option) *Handler {
	var cfg handlerConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	h := &Handler{service: service, logger: logger}
	var accept http.Handler = http.HandlerFunc(h.handleAccept)
	for i := len(cfg.keyLimits) - 1; i >= 0; i-- {
		accept = cfg.keyLimits[i](accept)
	}
	h.accept = accept
	return h
}

type acceptKey struct{}

// accepted travels from authentication to handleAccept through the key
// limiters.
type accepted struct {
	body  []byte
	start time.Time
}

// Register mounts POST /v1/ingest. Callers wrap r with the rate limiters.
func (h *Handler) Register(r chi.Router) {
	r.Post("/v1/ingest", h.HandleIngest)
}

// HandleIngest reads the raw body once so the signature is checked over the
// exact bytes the producer signed, before any JSON parsing.
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody+1))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "could not read request body"))
		return
	}
	if len(body) > maxIngestBody {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "request body too large"))
		return
	}

	keyID := r.Header.Get(HeaderKeyID)
	key, err := h.service.Authenticate(ctx, keyID, r.Header.Get(HeaderSignature), body)
	if err != nil {
		h.reject(ctx, keyID, err)
		httputil.WriteError(w, err)
		return
	}

	ctx = requestcontext.WithIngestionKeyID(ctx, key.ID)
	ctx = context.WithValue(ctx, acceptKey{}, accepted{body: body, start: start})
	h.accept.ServeHTTP(w, r.WithContext(ctx))
}

func (h *Handler) handleAccept(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	in, _ := ctx.Value(acceptKey{}).(accepted)
	keyID := requestcontext.IngestionKeyID(ctx)
	results, err := h.service.Accept(ctx, in.body)
	if err != nil {
		h.reject(ctx, keyID, err)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "events ingested",
		"request_id", requestcontext.RequestID(ctx),
		"key_id", keyID,
		"count", len(results),
		"duration_ms", time.Since(in.start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusOK, ingest.Response{Results: results})
}

func (h *Handler) reject(ctx context.Context, keyID string, err error) {
	level := slog.LevelWarn
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		level = slog.LevelError
	}
	h.logger.Log(ctx, level, "ingestion rejected",
		"request_id", requestcontext.RequestID(ctx),
		"key_id", keyID,
		"error", err,
	)
}

