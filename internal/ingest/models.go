package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"activitylog/internal/activity/models"
	dErrors "activitylog/pkg/domain-errors"
)

// EventInput is one event as producers send it.
type EventInput struct {
	Timestamp *time.Time     `json:"timestamp"`
	TenantID  string         `json:"tenant_id"`
	Actor     *ActorInput    `json:"actor,omitempty"`
	Verb      models.Verb    `json:"verb"`
	Target    *TargetInput   `json:"target"`
	Source    models.Source  `json:"source"`
	Context   models.Context `json:"context"`
	RequestID string         `json:"request_id,omitempty"`
}

type ActorInput struct {
	ID   *string     `json:"id"`
	Role models.Role `json:"role"`
}

type TargetInput struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Normalize trims identifiers and upper-cases enums. A missing actor or role
// becomes SYSTEM.
func (in *EventInput) Normalize() {
	in.TenantID = strings.TrimSpace(in.TenantID)
	in.RequestID = strings.TrimSpace(in.RequestID)
	in.Verb = models.Verb(strings.ToUpper(strings.TrimSpace(string(in.Verb))))
	in.Source = models.Source(strings.ToUpper(strings.TrimSpace(string(in.Source))))
	if in.Actor == nil {
		in.Actor = &ActorInput{}
	}
	in.Actor.Role = models.Role(strings.ToUpper(strings.TrimSpace(string(in.Actor.Role))))
	if in.Actor.Role == "" {
		in.Actor.Role = models.RoleSystem
	}
	if in.Actor.ID != nil {
		id := strings.TrimSpace(*in.Actor.ID)
		if id == "" {
			in.Actor.ID = nil
		} else {
			in.Actor.ID = &id
		}
	}
	if in.Target != nil {
		in.Target.Type = strings.TrimSpace(in.Target.Type)
		in.Target.ID = strings.TrimSpace(in.Target.ID)
	}
}

// Validate checks required fields and enum membership.
func (in *EventInput) Validate() error {
	if in.Timestamp == nil || in.Timestamp.IsZero() {
		return dErrors.New(dErrors.CodeValidation, "timestamp is required")
	}
	if in.TenantID == "" {
		return dErrors.New(dErrors.CodeValidation, "tenant_id is required")
	}
	if len(in.TenantID) > 128 {
		return dErrors.New(dErrors.CodeValidation, "tenant_id must be at most 128 characters")
	}
	if !in.Verb.IsValid() {
		return dErrors.Newf(dErrors.CodeValidation, "unknown verb %q", in.Verb)
	}
	if in.Target == nil || in.Target.Type == "" || in.Target.ID == "" {
		return dErrors.New(dErrors.CodeValidation, "target.type and target.id are required")
	}
	if !models.IsAllowedTargetType(in.Target.Type) {
		return dErrors.Newf(dErrors.CodeValidation, "target type %q is not allowed", in.Target.Type)
	}
	if !in.Source.IsValid() {
		return dErrors.Newf(dErrors.CodeValidation, "unknown source %q", in.Source)
	}
	if in.Actor != nil && !in.Actor.Role.IsValid() {
		return dErrors.Newf(dErrors.CodeValidation, "unknown actor role %q", in.Actor.Role)
	}
	if len(in.RequestID) > 255 {
		return dErrors.New(dErrors.CodeValidation, "request_id must be at most 255 characters")
	}
	return nil
}

// ToEvent converts a validated input into a new event.
func (in *EventInput) ToEvent() models.Event {
	e := models.Event{
		ID:        uuid.New(),
		Timestamp: models.NormalizeTimestamp(*in.Timestamp),
		TenantID:  in.TenantID,
		Verb:      in.Verb,
		Target:    models.Target{Type: in.Target.Type, ID: in.Target.ID},
		Source:    in.Source,
		Context:   in.Context,
	}
	if in.Actor != nil {
		e.Actor = models.Actor{ID: in.Actor.ID, Role: in.Actor.Role}
	}
	if in.RequestID != "" {
		rid := in.RequestID
		e.RequestID = &rid
	}
	return e
}

// ParseBatch decodes a single event object or an array of events. The batch
// must hold between 1 and maxBatch items.
func ParseBatch(body []byte, maxBatch int) ([]EventInput, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, dErrors.New(dErrors.CodeBadRequest, "request body is empty")
	}

	var inputs []EventInput
	switch trimmed[0] {
	case '{':
		var one EventInput
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid JSON body")
		}
		inputs = []EventInput{one}
	case '[':
		if err := json.Unmarshal(trimmed, &inputs); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid JSON body")
		}
	default:
		return nil, dErrors.New(dErrors.CodeBadRequest, "body must be an event object or an array of events")
	}

	if len(inputs) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "at least one event is required")
	}
	if len(inputs) > maxBatch {
		return nil, dErrors.Newf(dErrors.CodeValidation, "at most %d events per request", maxBatch)
	}
	return inputs, nil
}

// Result is the per-item outcome returned to producers.
type Result struct {
	ID           uuid.UUID `json:"id"`
	Deduplicated bool      `json:"deduplicated"`
}

// Response is the body of a successful ingestion.
type Response struct {
	Results []Result `json:"results"`
}

// itemError prefixes a validation failure with the batch index.
func itemError(i int, err error) error {
	return dErrors.Wrap(err, dErrors.CodeValidation, fmt.Sprintf("events[%d]: %s", i, messageOf(err)))
}

func messageOf(err error) string {
	var de *dErrors.Error
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}
