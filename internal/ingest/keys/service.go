package keys

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	dErrors "activitylog/pkg/domain-errors"
	"activitylog/pkg/platform/sentinel"
)

const maxNameLength = 100

// CreateRequest names a new key.
type CreateRequest struct {
	Name string `json:"name"`
}

func (r *CreateRequest) Normalize() {
	r.Name = strings.TrimSpace(r.Name)
}

func (r *CreateRequest) Validate() error {
	switch {
	case r.Name == "":
		return dErrors.New(dErrors.CodeValidation, "name is required")
	case len(r.Name) > maxNameLength:
		return dErrors.New(dErrors.CodeValidation, "name must be at most 100 characters")
	}
	return nil
}

// Issued is returned once, at creation. The secret is never shown again.
type Issued struct {
	Key
	Secret string `json:"secret"`
}

// Service is the admin side of key management.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Create(ctx context.Context, req CreateRequest, by string) (Issued, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return Issued{}, err
	}
	k, err := New(req.Name, s.now())
	if err != nil {
		return Issued{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate key")
	}
	if err := s.store.Create(ctx, k); err != nil {
		return Issued{}, translate(err)
	}
	s.logger.InfoContext(ctx, "ingestion key created", "key_id", k.ID, "name", k.Name, "admin_user", by)
	return Issued{Key: k, Secret: k.Secret}, nil
}

func (s *Service) List(ctx context.Context) ([]Key, error) {
	list, err := s.store.List(ctx)
	if err != nil {
		return nil, translate(err)
	}
	return list, nil
}

// Deactivate turns a key off. Signed requests with it fail from then on.
func (s *Service) Deactivate(ctx context.Context, id, by string) (Key, error) {
	if err := s.store.Deactivate(ctx, id); err != nil {
		return Key{}, translate(err)
	}
	s.logger.InfoContext(ctx, "ingestion key deactivated", "key_id", id, "admin_user", by)
	k, err := s.store.Get(ctx, id)
	if err != nil {
		return Key{}, translate(err)
	}
	return k, nil
}

func translate(err error) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, "ingestion key not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "ingestion key already exists")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "ingestion key storage failure")
	}
}
