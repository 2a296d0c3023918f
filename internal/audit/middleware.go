package audit

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	activity "activitylog/internal/activity/models"
	"activitylog/pkg/requestcontext"
)

// targets maps the first path segment under /admin to a target type.
var targets = map[string]string{
	"events":         "ActivityEvent",
	"exports":        "ExportJob",
	"ingestion-keys": "IngestionKey",
	"reports":        "ScheduledReport",
	"monitoring":     "Report",
	"tenants":        "ActivityEvent",
	"retention":      "Report",
}

// Middleware records every successful state-changing admin request on p.
// It must run after the admin token check so the operator is known.
func Middleware(p *Publisher) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !mutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if status >= http.StatusBadRequest {
				return
			}

			ctx := r.Context()
			action, ok := classify(r)
			if !ok {
				return
			}
			action.Admin = requestcontext.AdminUser(ctx)
			action.RequestID = requestcontext.RequestID(ctx)
			action.IP = requestcontext.ClientIP(ctx)
			action.UserAgent = requestcontext.UserAgent(ctx)
			action.StatusCode = status
			action.At = requestcontext.Now(ctx)
			p.Emit(ctx, action)
		})
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// classify derives verb and target from the matched route.
func classify(r *http.Request) (Action, bool) {
	path := r.URL.Path
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			path = p
		}
	}
	rest, ok := strings.CutPrefix(path, "/admin/")
	if !ok {
		return Action{}, false
	}
	segment, _, _ := strings.Cut(rest, "/")
	targetType, ok := targets[segment]
	if !ok {
		return Action{}, false
	}

	a := Action{TargetType: targetType, TargetID: chi.URLParam(r, "id")}
	switch {
	case strings.HasSuffix(path, "/deactivate"):
		a.Verb = activity.VerbStatusChange
	case segment == "monitoring":
		a.Verb = activity.VerbRead
	case segment == "exports" && r.Method == http.MethodPost:
		a.Verb = activity.VerbExport
	case r.Method == http.MethodPost:
		a.Verb = activity.VerbCreate
	case r.Method == http.MethodDelete:
		a.Verb = activity.VerbDelete
	default:
		a.Verb = activity.VerbUpdate
	}
	return a, true
}
