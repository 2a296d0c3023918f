// Package ingest is the ingestion gateway: HMAC authentication of the raw
// body, batch validation, and append to the tenant hash chain.
package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"activitylog/internal/activity/models"
	"activitylog/internal/ingest/keys"
	dErrors "activitylog/pkg/domain-errors"
	"activitylog/pkg/platform/sentinel"
	"activitylog/pkg/requestcontext"
)

var (
	authFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "activitylog_ingest_auth_failures_total",
		Help: "Ingestion requests rejected before parsing, by reason",
	}, []string{"reason"})
	batchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "activitylog_ingest_batch_size",
		Help:    "Number of events per accepted ingestion request",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
	})
)

// DefaultMaxBatch caps the number of events per request.
const DefaultMaxBatch = 100

// EventStore is the slice of the event store the gateway writes through.
type EventStore interface {
	Append(ctx context.Context, e models.Event) (models.AppendResult, error)
	Get(ctx context.Context, id uuid.UUID) (models.Event, error)
}

// KeyStore resolves ingestion keys.
type KeyStore interface {
	Get(ctx context.Context, id string) (keys.Key, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

// Publisher fans appended events out to downstream consumers. Events are
// passed as stored, with sensitive context still encrypted.
type Publisher interface {
	Publish(ctx context.Context, e models.Event) error
}

type Service struct {
	events    EventStore
	keys      KeyStore
	publisher Publisher
	logger    *slog.Logger
	maxBatch  int
	reserved  map[string]struct{}
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithPublisher enables fan-out of newly appended events.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithMaxBatch(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxBatch = n
		}
	}
}

// WithReservedTenants rejects ingestion into tenants the service writes
// itself, such as the operator audit chain.
func WithReservedTenants(tenants ...string) Option {
	return func(s *Service) {
		for _, t := range tenants {
			if t != "" {
				s.reserved[t] = struct{}{}
			}
		}
	}
}

func New(events EventStore, keyStore KeyStore, opts ...Option) *Service {
	s := &Service{
		events:   events,
		keys:     keyStore,
		logger:   slog.Default(),
		maxBatch: DefaultMaxBatch,
		reserved: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Authenticate checks the HMAC-SHA256 signature of body against the key's
// secret. The signature is hex, optionally prefixed with "sha256=". Every
// failure is reported as the same unauthorized error.
func (s *Service) Authenticate(ctx context.Context, keyID, signature string, body []byte) (keys.Key, error) {
	unauthorized := dErrors.New(dErrors.CodeUnauthorized, "invalid ingestion key or signature")

	keyID = strings.TrimSpace(keyID)
	signature = strings.TrimSpace(signature)
	if keyID == "" || signature == "" {
		authFailures.WithLabelValues("missing_headers").Inc()
		return keys.Key{}, unauthorized
	}

	key, err := s.keys.Get(ctx, keyID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			authFailures.WithLabelValues("unknown_key").Inc()
			return keys.Key{}, unauthorized
		}
		return keys.Key{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load ingestion key")
	}
	if !key.Active {
		authFailures.WithLabelValues("inactive_key").Inc()
		return keys.Key{}, unauthorized
	}

	got, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(signature), "sha256="))
	if err != nil {
		authFailures.WithLabelValues("malformed_signature").Inc()
		return keys.Key{}, unauthorized
	}
	mac := hmac.New(sha256.New, []byte(key.Secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), got) {
		authFailures.WithLabelValues("bad_signature").Inc()
		s.logger.WarnContext(ctx, "ingestion signature mismatch",
			"key_id", keyID,
			"request_id", requestcontext.RequestID(ctx),
		)
		return keys.Key{}, unauthorized
	}

	if err := s.keys.TouchLastUsed(ctx, key.ID, requestcontext.Now(ctx)); err != nil {
		s.logger.WarnContext(ctx, "failed to stamp ingestion key last use", "key_id", key.ID, "error", err)
	}
	return key, nil
}

// Ingest validates every item before writing any of them, then appends in
// order. Duplicates by (tenant_id, request_id) come back with the original
// id and Deduplicated set.
func (s *Service) Ingest(ctx context.Context, inputs []EventInput) ([]Result, error) {
	if len(inputs) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "at least one event is required")
	}
	if len(inputs) > s.maxBatch {
		return nil, dErrors.Newf(dErrors.CodeValidation, "at most %d events per request", s.maxBatch)
	}

	events := make([]models.Event, len(inputs))
	for i := range inputs {
		inputs[i].Normalize()
		if err := inputs[i].Validate(); err != nil {
			return nil, itemError(i, err)
		}
		if _, ok := s.reserved[inputs[i].TenantID]; ok {
			return nil, itemError(i, dErrors.Newf(dErrors.CodeValidation, "tenant_id %q is reserved", inputs[i].TenantID))
		}
		events[i] = inputs[i].ToEvent()
	}

	results := make([]Result, 0, len(events))
	for i, e := range events {
		res, err := s.events.Append(ctx, e)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to append event",
				"index", i,
				"tenant_id", e.TenantID,
				"request_id", requestcontext.RequestID(ctx),
				"error", err,
			)
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store event")
		}
		results = append(results, Result{ID: res.ID, Deduplicated: res.Deduplicated})
		if !res.Deduplicated {
			s.publish(ctx, res.ID)
		}
	}
	batchSize.Observe(float64(len(events)))
	return results, nil
}

// Handle authenticates the raw body, then parses and ingests it.
func (s *Service) Handle(ctx context.Context, keyID, signature string, body []byte) ([]Result, error) {
	if _, err := s.Authenticate(ctx, keyID, signature, body); err != nil {
		return nil, err
	}
	return s.Accept(ctx, body)
}

// Accept parses and ingests a body that has already been authenticated.
func (s *Service) Accept(ctx context.Context, body []byte) ([]Result, error) {
	inputs, err := ParseBatch(body, s.maxBatch)
	if err != nil {
		return nil, err
	}
	return s.Ingest(ctx, inputs)
}

// publish is best effort; the append already succeeded.
func (s *Service) publish(ctx context.Context, id uuid.UUID) {
	if s.publisher == nil {
		return
	}
	stored, err := s.events.Get(ctx, id)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to load appended event for fan-out", "event_id", id, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, stored); err != nil {
		s.logger.WarnContext(ctx, "failed to publish appended event", "event_id", id, "error", err)
	}
}
