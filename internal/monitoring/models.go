package monitoring

import (
	"time"

	"github.com/google/uuid"

	activity "activitylog/internal/activity/models"
)

// Severities for high-risk edits.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
)

type FailedLogin struct {
	Username string    `json:"username"`
	IP       string    `json:"ip"`
	Count    int       `json:"count"`
	LastSeen time.Time `json:"last_seen"`
	Device   string    `json:"device,omitempty"`
}

type SuspiciousLogin struct {
	ActorID         string    `json:"actor_id"`
	LoginCount      int       `json:"login_count"`
	UniqueIPs       []string  `json:"unique_ips"`
	UniqueLocations []string  `json:"unique_locations"`
	Devices         []string  `json:"devices"`
	WindowStart     time.Time `json:"window_start"`
	WindowEnd       time.Time `json:"window_end"`
}

type UnauthorizedAccess struct {
	EventID   uuid.UUID       `json:"event_id"`
	Timestamp time.Time       `json:"timestamp"`
	ActorID   string          `json:"actor_id,omitempty"`
	Verb      activity.Verb   `json:"verb"`
	Target    activity.Target `json:"target"`
	IP        string          `json:"ip,omitempty"`
	Device    string          `json:"device,omitempty"`
	Reason    string          `json:"reason"`
}

type HighRiskEdit struct {
	ActorID     string    `json:"actor_id"`
	TargetType  string    `json:"target_type"`
	TargetID    string    `json:"target_id"`
	EditCount   int       `json:"edit_count"`
	Severity    string    `json:"severity"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

type InactiveUserAccess struct {
	ActorID  string    `json:"actor_id"`
	Username string    `json:"username,omitempty"`
	Attempts int       `json:"attempts"`
	LastSeen time.Time `json:"last_seen"`
	IP       string    `json:"ip,omitempty"`
	Device   string    `json:"device,omitempty"`
	Reason   string    `json:"reason"`
}

// Report holds the five heuristic lists. Every list is non-nil so it always
// serializes as an array.
type Report struct {
	From               time.Time            `json:"from"`
	To                 time.Time            `json:"to"`
	EventsAnalyzed     int                  `json:"events_analyzed"`
	Truncated          bool                 `json:"truncated"`
	FailedLogins       []FailedLogin        `json:"failed_logins"`
	SuspiciousLogins   []SuspiciousLogin    `json:"suspicious_logins"`
	UnauthorizedAccess []UnauthorizedAccess `json:"unauthorized_access"`
	HighRiskEdits      []HighRiskEdit       `json:"high_risk_edits"`
	InactiveUserAccess []InactiveUserAccess `json:"inactive_user_access"`
}

func emptyReport() Report {
	return Report{
		FailedLogins:       []FailedLogin{},
		SuspiciousLogins:   []SuspiciousLogin{},
		UnauthorizedAccess: []UnauthorizedAccess{},
		HighRiskEdits:      []HighRiskEdit{},
		InactiveUserAccess: []InactiveUserAccess{},
	}
}
