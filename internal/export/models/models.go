package models

import (
	"strings"
	"time"

	"github.com/google/uuid"

	activity "activitylog/internal/activity/models"
	dErrors "activitylog/pkg/domain-errors"
	platformstrings "activitylog/pkg/platform/strings"
)

// Format is the output encoding of an export.
type Format string

const (
	FormatCSV    Format = "CSV"
	FormatNDJSON Format = "NDJSON"
	FormatPDF    Format = "PDF"
	FormatXML    Format = "XML"
)

// ParseFormat accepts any casing.
func ParseFormat(s string) (Format, bool) {
	f := Format(strings.ToUpper(strings.TrimSpace(s)))
	return f, f.IsValid()
}

func (f Format) IsValid() bool {
	switch f {
	case FormatCSV, FormatNDJSON, FormatPDF, FormatXML:
		return true
	}
	return false
}

// Extension is the artifact file suffix.
func (f Format) Extension() string {
	switch f {
	case FormatCSV:
		return "csv"
	case FormatNDJSON:
		return "ndjson"
	case FormatPDF:
		return "pdf"
	case FormatXML:
		return "xml"
	}
	return "bin"
}

// ContentType is the MIME type served on download.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatNDJSON:
		return "application/x-ndjson"
	case FormatPDF:
		return "application/pdf"
	case FormatXML:
		return "application/xml"
	}
	return "application/octet-stream"
}

// Status is the job lifecycle position.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// IsTerminal reports whether the job will not change again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// MaxErrorLength bounds the error text persisted on a failed job.
const MaxErrorLength = 1000

// Job is one export request and its outcome. Jobs are never deleted.
type Job struct {
	ID                uuid.UUID       `json:"id"`
	Format            Format          `json:"format"`
	Filter            activity.Filter `json:"filter"`
	Fields            []string        `json:"fields,omitempty"`
	Decrypt           bool            `json:"decrypt"`
	Status            Status          `json:"status"`
	OutputRef         string          `json:"-"`
	RowCount          int64           `json:"row_count"`
	RequestedBy       string          `json:"requested_by"`
	ScheduledReportID *uuid.UUID      `json:"scheduled_report_id,omitempty"`
	Error             string          `json:"error,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	FinishedAt        *time.Time      `json:"finished_at,omitempty"`
}

// NewJob builds a PENDING job.
func NewJob(req Request, requestedBy string, now time.Time) Job {
	return Job{
		ID:                uuid.New(),
		Format:            req.Format,
		Filter:            req.Filter,
		Fields:            req.Fields,
		Decrypt:           req.Decrypt,
		Status:            StatusPending,
		RequestedBy:       requestedBy,
		ScheduledReportID: req.ScheduledReportID,
		CreatedAt:         now.UTC(),
	}
}

// Request is the input to create an export.
type Request struct {
	Format            Format          `json:"format"`
	Filter            activity.Filter `json:"filter"`
	Fields            []string        `json:"fields,omitempty"`
	Decrypt           bool            `json:"decrypt"`
	ScheduledReportID *uuid.UUID      `json:"-"`
}

// Normalize upper-cases the format and cleans the filter and projection.
func (r *Request) Normalize() {
	if r == nil {
		return
	}
	r.Format = Format(strings.ToUpper(strings.TrimSpace(string(r.Format))))
	r.Filter.Normalize()
	r.Fields = platformstrings.DedupeAndTrim(r.Fields)
}

// Validate checks the format and filter.
func (r *Request) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	if !r.Format.IsValid() {
		return dErrors.Newf(dErrors.CodeValidation, "format must be one of CSV, NDJSON, PDF, XML")
	}
	if err := r.Filter.Validate(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "invalid filter: "+err.Error())
	}
	return nil
}

// Completed returns the job marked COMPLETED.
func (j Job) Completed(ref string, rows int64, now time.Time) Job {
	t := now.UTC()
	j.Status = StatusCompleted
	j.OutputRef = ref
	j.RowCount = rows
	j.Error = ""
	j.FinishedAt = &t
	return j
}

// Failed returns the job marked FAILED with the error truncated.
func (j Job) Failed(ref string, rows int64, err error, now time.Time) Job {
	t := now.UTC()
	j.Status = StatusFailed
	j.OutputRef = ref
	j.RowCount = rows
	j.Error = TruncateError(err)
	j.FinishedAt = &t
	return j
}

// TruncateError renders err within MaxErrorLength bytes.
func TruncateError(err error) string {
	if err == nil {
		return ""
	}
	return platformstrings.Truncate(err.Error(), MaxErrorLength)
}
