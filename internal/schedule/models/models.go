package models

import (
	"strings"
	"time"

	"github.com/google/uuid"

	activity "activitylog/internal/activity/models"
	exportmodels "activitylog/internal/export/models"
	dErrors "activitylog/pkg/domain-errors"
	"activitylog/pkg/email"
	platformstrings "activitylog/pkg/platform/strings"
)

// ScheduleType is the recurrence of a report.
type ScheduleType string

const (
	Daily  ScheduleType = "DAILY"
	Weekly ScheduleType = "WEEKLY"
)

func (t ScheduleType) IsValid() bool {
	return t == Daily || t == Weekly
}

// Report is a recurring export mailed to recipients.
//
// Invariants:
//   - ScheduleDay is set (0=Monday..6=Sunday) iff ScheduleType is WEEKLY
//   - NextRun is always in the future of the last processing attempt
type Report struct {
	ID           uuid.UUID           `json:"id"`
	Name         string              `json:"name"`
	ScheduleType ScheduleType        `json:"schedule_type"`
	TimeOfDay    string              `json:"time_of_day"`
	ScheduleDay  *int                `json:"schedule_day"`
	Recipients   []string            `json:"recipients"`
	Format       exportmodels.Format `json:"format"`
	Filter       activity.Filter     `json:"filter"`
	Active       bool                `json:"active"`
	LastRun      *time.Time          `json:"last_run"`
	NextRun      time.Time           `json:"next_run"`
	Owner        string              `json:"owner"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// Schedule extracts the recurrence fields.
func (r Report) Schedule() Schedule {
	return Schedule{Type: r.ScheduleType, TimeOfDay: r.TimeOfDay, Day: r.ScheduleDay}
}

// Request creates or replaces a report.
type Request struct {
	Name         string              `json:"name"`
	ScheduleType ScheduleType        `json:"schedule_type"`
	TimeOfDay    string              `json:"time_of_day"`
	ScheduleDay  *int                `json:"schedule_day"`
	Recipients   []string            `json:"recipients"`
	Format       exportmodels.Format `json:"format"`
	Filter       activity.Filter     `json:"filter"`
	Active       *bool               `json:"active"`
}

const maxNameLength = 200

func (r *Request) Normalize() {
	if r == nil {
		return
	}
	r.Name = strings.TrimSpace(r.Name)
	r.ScheduleType = ScheduleType(strings.ToUpper(strings.TrimSpace(string(r.ScheduleType))))
	r.TimeOfDay = strings.TrimSpace(r.TimeOfDay)
	r.Recipients = platformstrings.DedupeAndTrimLower(r.Recipients)
	r.Format = exportmodels.Format(strings.ToUpper(strings.TrimSpace(string(r.Format))))
	r.Filter.Normalize()
}

// Validate enforces required fields, the weekday rule and recipient syntax.
func (r *Request) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	if r.Name == "" {
		return dErrors.New(dErrors.CodeValidation, "name is required")
	}
	if len(r.Name) > maxNameLength {
		return dErrors.New(dErrors.CodeValidation, "name is too long")
	}
	if err := r.Schedule().Validate(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, err.Error())
	}
	if err := email.ValidateAll(r.Recipients); err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "recipients: "+err.Error())
	}
	if !r.Format.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "format must be one of CSV, NDJSON, PDF, XML")
	}
	if err := r.Filter.Validate(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "invalid filter: "+err.Error())
	}
	return nil
}

func (r *Request) Schedule() Schedule {
	return Schedule{Type: r.ScheduleType, TimeOfDay: r.TimeOfDay, Day: r.ScheduleDay}
}

// Apply copies the request onto a report. Active defaults to true on create
// and is left unchanged on update when omitted.
func (r *Request) Apply(rep *Report) {
	rep.Name = r.Name
	rep.ScheduleType = r.ScheduleType
	rep.TimeOfDay = r.TimeOfDay
	rep.ScheduleDay = nil
	if r.ScheduleType == Weekly {
		rep.ScheduleDay = r.ScheduleDay
	}
	rep.Recipients = r.Recipients
	rep.Format = r.Format
	rep.Filter = r.Filter
	if r.Active != nil {
		rep.Active = *r.Active
	}
}
