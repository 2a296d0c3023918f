// Package httptransport composes every feature handler into one chi router.
// It owns the cross-cutting middleware order and nothing else; routes belong
// to the feature packages.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"activitylog/pkg/platform/httputil"
	"activitylog/pkg/platform/middleware/accesslog"
	"activitylog/pkg/platform/middleware/admin"
	"activitylog/pkg/platform/middleware/metadata"
	"activitylog/pkg/platform/middleware/requestid"
	"activitylog/pkg/platform/middleware/requesttime"
)

// Routes is implemented by feature handlers.
type Routes interface {
	Register(r chi.Router)
}

// RouteFunc adapts a registration method such as RegisterAdmin.
type RouteFunc func(r chi.Router)

func (f RouteFunc) Register(r chi.Router) { f(r) }

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// Deps is everything the router mounts. Nil routes are skipped.
type Deps struct {
	Logger     *slog.Logger
	AdminToken string

	// TrustedProxies may set the client address through forwarding headers.
	TrustedProxies []netip.Prefix

	// Latency may be nil.
	Latency *prometheus.HistogramVec

	Ingest       Routes
	IngestLimits []func(http.Handler) http.Handler

	Admin []Routes
	// AdminAudit runs after the token check on admin routes. May be nil.
	AdminAudit func(http.Handler) http.Handler
	Download   Routes

	Metrics http.Handler
	Health  map[string]HealthCheck
}

const healthTimeout = 2 * time.Second

// NewRouter wires the public ingestion route, the admin group, the download
// route and the operational endpoints.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(requestid.Middleware)
	r.Use(requesttime.Middleware)
	r.Use(metadata.ClientMetadata(d.TrustedProxies))
	r.Use(accesslog.Recovery(d.Logger))
	r.Use(accesslog.Logger(d.Logger, d.Latency))

	r.Get("/healthz", healthHandler(d.Health))
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	if d.Ingest != nil {
		r.Group(func(r chi.Router) {
			for _, mw := range d.IngestLimits {
				r.Use(mw)
			}
			d.Ingest.Register(r)
		})
	}

	r.Group(func(r chi.Router) {
		r.Use(admin.RequireAdminToken(d.AdminToken, d.Logger))
		if d.AdminAudit != nil {
			r.Use(d.AdminAudit)
		}
		for _, routes := range d.Admin {
			if routes != nil {
				routes.Register(r)
			}
		}
	})

	if d.Download != nil {
		r.Group(func(r chi.Router) {
			r.Use(admin.DetectAdmin(d.AdminToken))
			d.Download.Register(r)
		})
	}
	return r
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		failing := map[string]string{}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				failing[name] = err.Error()
			}
		}
		if len(failing) > 0 {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "degraded",
				"failed": failing,
			})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
