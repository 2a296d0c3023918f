// Package audit records what operators do through the admin API. Every
// successful admin mutation becomes an event on the log's own hash chain
// under a reserved tenant.
package audit

import (
	"time"

	activity "activitylog/internal/activity/models"
)

// DefaultTenant holds operator events unless configured otherwise.
const DefaultTenant = "_operators"

// Action is one completed admin operation.
type Action struct {
	At         time.Time
	Admin      string
	Verb       activity.Verb
	TargetType string
	TargetID   string
	RequestID  string
	IP         string
	UserAgent  string
	StatusCode int
}

const tagOperator = "operator_audit"

// Event converts the action into an activity event for tenant.
func (a Action) Event(tenant string) activity.Event {
	admin := a.Admin
	status := a.StatusCode
	success := status < 400

	ctx := activity.Context{
		Severity:   severityFor(a.Verb),
		Tags:       []string{tagOperator},
		Success:    &success,
		StatusCode: &status,
	}
	if a.IP != "" {
		ctx.IP = activity.StringValue(a.IP)
	}
	if a.UserAgent != "" {
		ctx.UserAgent = activity.StringValue(a.UserAgent)
	}

	e := activity.Event{
		Timestamp: a.At,
		TenantID:  tenant,
		Actor:     activity.Actor{ID: &admin, Role: activity.RoleAdmin},
		Verb:      a.Verb,
		Target:    activity.Target{Type: a.TargetType, ID: a.TargetID},
		Source:    activity.SourceAdminUI,
		Context:   ctx,
	}
	if a.RequestID != "" {
		rid := "admin:" + a.RequestID
		e.RequestID = &rid
	}
	return e
}

func severityFor(v activity.Verb) string {
	switch v {
	case activity.VerbDelete, activity.VerbStatusChange, activity.VerbExport:
		return "high"
	case activity.VerbRead:
		return "low"
	default:
		return "medium"
	}
}
