package models

import (
	"time"

	"github.com/google/uuid"
)

// Role is the business role of the actor that caused an event.
type Role string

const (
	RoleAdmin      Role = "ADMIN"
	RoleSales      Role = "SALES"
	RoleDesigner   Role = "DESIGNER"
	RoleProduction Role = "PRODUCTION"
	RoleSystem     Role = "SYSTEM"
)

// IsValid checks if the role is one of the supported enum values.
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleSales, RoleDesigner, RoleProduction, RoleSystem:
		return true
	}
	return false
}

// Verb is what happened to the target.
type Verb string

const (
	VerbCreate       Verb = "CREATE"
	VerbRead         Verb = "READ"
	VerbUpdate       Verb = "UPDATE"
	VerbDelete       Verb = "DELETE"
	VerbAssign       Verb = "ASSIGN"
	VerbStatusChange Verb = "STATUS_CHANGE"
	VerbComment      Verb = "COMMENT"
	VerbUpload       Verb = "UPLOAD"
	VerbLogin        Verb = "LOGIN"
	VerbLogout       Verb = "LOGOUT"
	VerbApprove      Verb = "APPROVE"
	VerbReject       Verb = "REJECT"
	VerbCheckin      Verb = "CHECKIN"
	VerbCheckout     Verb = "CHECKOUT"
	VerbScreenshot   Verb = "SCREENSHOT"
	VerbExport       Verb = "EXPORT"
	VerbOther        Verb = "OTHER"
)

var knownVerbs = map[Verb]struct{}{
	VerbCreate: {}, VerbRead: {}, VerbUpdate: {}, VerbDelete: {}, VerbAssign: {},
	VerbStatusChange: {}, VerbComment: {}, VerbUpload: {}, VerbLogin: {}, VerbLogout: {},
	VerbApprove: {}, VerbReject: {}, VerbCheckin: {}, VerbCheckout: {}, VerbScreenshot: {},
	VerbExport: {}, VerbOther: {},
}

// IsValid checks if the verb is one of the supported enum values.
func (v Verb) IsValid() bool {
	_, ok := knownVerbs[v]
	return ok
}

// Source is the channel through which the event entered the system.
type Source string

const (
	SourceAPI      Source = "API"
	SourceAdminUI  Source = "ADMIN_UI"
	SourceFrontend Source = "FRONTEND"
	SourceWorker   Source = "WORKER"
	SourceWebhook  Source = "WEBHOOK"
)

// IsValid checks if the source is one of the supported enum values.
func (s Source) IsValid() bool {
	switch s {
	case SourceAPI, SourceAdminUI, SourceFrontend, SourceWorker, SourceWebhook:
		return true
	}
	return false
}

// Actor identifies who performed the action. ID is nil for anonymous or
// failed-authentication events.
type Actor struct {
	ID   *string `json:"id"`
	Role Role    `json:"role"`
}

// IDOrEmpty returns the actor id or "" when anonymous.
func (a Actor) IDOrEmpty() string {
	if a.ID == nil {
		return ""
	}
	return *a.ID
}

// Target is the business entity the event is about.
type Target struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Event is one entry in a tenant's hash chain.
//
// Invariants:
//   - (TenantID, RequestID) is unique when RequestID is set
//   - Hash is SHA-256 over the canonical form of every field except Seq,
//     Hash, PrevHash and Reviewed
//   - PrevHash is the Hash of the tenant's previously appended event
//   - Reviewed is the only field that may change after the append
type Event struct {
	ID        uuid.UUID `json:"id"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	TenantID  string    `json:"tenant_id"`
	Actor     Actor     `json:"actor"`
	Verb      Verb      `json:"verb"`
	Target    Target    `json:"target"`
	Source    Source    `json:"source"`
	Context   Context   `json:"context"`
	Hash      string    `json:"hash"`
	PrevHash  *string   `json:"prev_hash"`
	RequestID *string   `json:"request_id"`
	Reviewed  bool      `json:"reviewed"`
	CreatedAt time.Time `json:"created_at"`
}

// RequestIDOrEmpty returns the idempotency key or "".
func (e *Event) RequestIDOrEmpty() string {
	if e.RequestID == nil {
		return ""
	}
	return *e.RequestID
}

// NormalizeTimestamp converts t to UTC with microsecond precision, the
// resolution Postgres keeps, so hashes recomputed after a round trip match.
func NormalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// AppendResult reports what Append did.
type AppendResult struct {
	ID           uuid.UUID
	Deduplicated bool
}

// VerifyResult describes the outcome of a chain walk.
type VerifyResult struct {
	TenantID      string     `json:"tenant_id"`
	OK            bool       `json:"ok"`
	Checked       int        `json:"checked"`
	BrokenIndex   int        `json:"broken_index"`
	BrokenEventID *uuid.UUID `json:"broken_event_id,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

// Broken reasons reported by chain verification.
const (
	ReasonHashMismatch = "hash_mismatch"
	ReasonLinkMismatch = "prev_hash_mismatch"
)

// Patch lists the fields a caller wants to change on a stored event. Only
// Reviewed is ever accepted; the other fields exist so attempts can be named
// and refused at the data-access layer.
type Patch struct {
	Reviewed *bool
	Fields   []string
}

// MutableField is the single column that may change after creation.
const MutableField = "reviewed"
