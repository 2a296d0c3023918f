// Package retention reports how many events have outlived the retention
// period. It never deletes: the chain is append-only.
package retention

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	dErrors "activitylog/pkg/domain-errors"
	"activitylog/pkg/platform/httputil"
)

const DefaultDays = 365

type EventCounter interface {
	CountOlderThan(ctx context.Context, cutoff time.Time) (map[string]int64, error)
}

type TenantCount struct {
	TenantID string `json:"tenant_id"`
	Events   int64  `json:"events"`
}

type Report struct {
	RetentionDays   int           `json:"retention_days"`
	Cutoff          time.Time     `json:"cutoff"`
	DeletionEnabled bool          `json:"deletion_enabled"`
	Total           int64         `json:"total"`
	Tenants         []TenantCount `json:"tenants"`
	GeneratedAt     time.Time     `json:"generated_at"`
}

type Service struct {
	events EventCounter
	days   int
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

func New(events EventCounter, days int, opts ...Option) *Service {
	if days <= 0 {
		days = DefaultDays
	}
	s := &Service{events: events, days: days, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Report counts events older than the retention period, per tenant. A
// positive days overrides the configured period.
func (s *Service) Report(ctx context.Context, days int) (Report, error) {
	if days <= 0 {
		days = s.days
	}
	now := s.now().UTC()
	cutoff := now.AddDate(0, 0, -days)
	counts, err := s.events.CountOlderThan(ctx, cutoff)
	if err != nil {
		return Report{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to count expired events")
	}
	rep := Report{
		RetentionDays: days,
		Cutoff:        cutoff,
		Tenants:       make([]TenantCount, 0, len(counts)),
		GeneratedAt:   now,
	}
	for tenant, n := range counts {
		if n == 0 {
			continue
		}
		rep.Tenants = append(rep.Tenants, TenantCount{TenantID: tenant, Events: n})
		rep.Total += n
	}
	slices.SortFunc(rep.Tenants, func(a, b TenantCount) int {
		if a.Events != b.Events {
			if a.Events > b.Events {
				return -1
			}
			return 1
		}
		if a.TenantID < b.TenantID {
			return -1
		}
		return 1
	})
	s.logger.InfoContext(ctx, "retention report generated",
		"retention_days", days, "cutoff", cutoff, "expired_events", rep.Total)
	return rep, nil
}

// Handler serves GET /admin/retention/report?days=N.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/admin/retention/report", h.HandleReport)
}

func (h *Handler) HandleReport(w http.ResponseWriter, r *http.Request) {
	days := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "days must be a positive integer"))
			return
		}
		days = n
	}
	rep, err := h.service.Report(r.Context(), days)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rep)
}
