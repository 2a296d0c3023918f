package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OneOrMany accepts either a single JSON string or an array of strings.
type OneOrMany[T ~string] []T

// UnmarshalJSON implements json.Unmarshaler.
func (o *OneOrMany[T]) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if bytes.Equal(trimmed, []byte("null")) {
		*o = nil
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var one T
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return err
		}
		if strings.TrimSpace(string(one)) == "" {
			*o = nil
			return nil
		}
		*o = OneOrMany[T]{one}
		return nil
	}
	var many []T
	if err := json.Unmarshal(trimmed, &many); err != nil {
		return fmt.Errorf("expected a string or an array of strings")
	}
	*o = many
	return nil
}

// Contains reports whether v is in the set. An empty set matches everything.
func (o OneOrMany[T]) Contains(v T) bool {
	return len(o) == 0 || slices.Contains(o, v)
}

// Strings returns the members as plain strings.
func (o OneOrMany[T]) Strings() []string {
	out := make([]string, len(o))
	for i, v := range o {
		out[i] = string(v)
	}
	return out
}

// Filter is the shared vocabulary for listing, export and monitoring. Every
// dimension is optional and may hold a set. From and To are inclusive.
type Filter struct {
	TenantIDs   OneOrMany[string] `json:"tenant_id,omitempty"`
	Verbs       OneOrMany[Verb]   `json:"verb,omitempty"`
	TargetTypes OneOrMany[string] `json:"target_type,omitempty"`
	TargetIDs   OneOrMany[string] `json:"target_id,omitempty"`
	ActorIDs    OneOrMany[string] `json:"actor_id,omitempty"`
	Roles       OneOrMany[Role]   `json:"role,omitempty"`
	Sources     OneOrMany[Source] `json:"source,omitempty"`
	Severities  OneOrMany[string] `json:"severity,omitempty"`
	// Tags matches events carrying any of the listed tags.
	Tags     OneOrMany[string] `json:"tags,omitempty"`
	From     *time.Time        `json:"from,omitempty"`
	To       *time.Time        `json:"to,omitempty"`
	Reviewed *bool             `json:"reviewed,omitempty"`
}

// Validate checks enum members and the time range.
func (f Filter) Validate() error {
	for _, v := range f.Verbs {
		if !v.IsValid() {
			return fmt.Errorf("unknown verb %q", v)
		}
	}
	for _, r := range f.Roles {
		if !r.IsValid() {
			return fmt.Errorf("unknown role %q", r)
		}
	}
	for _, s := range f.Sources {
		if !s.IsValid() {
			return fmt.Errorf("unknown source %q", s)
		}
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return fmt.Errorf("from must not be after to")
	}
	return nil
}

// Normalize upper-cases enum members and trims blanks.
func (f *Filter) Normalize() {
	for i, v := range f.Verbs {
		f.Verbs[i] = Verb(strings.ToUpper(strings.TrimSpace(string(v))))
	}
	for i, r := range f.Roles {
		f.Roles[i] = Role(strings.ToUpper(strings.TrimSpace(string(r))))
	}
	for i, s := range f.Sources {
		f.Sources[i] = Source(strings.ToUpper(strings.TrimSpace(string(s))))
	}
	if f.From != nil {
		t := f.From.UTC()
		f.From = &t
	}
	if f.To != nil {
		t := f.To.UTC()
		f.To = &t
	}
}

// Match applies the filter to a stored event.
func (f Filter) Match(e *Event) bool {
	if !f.TenantIDs.Contains(e.TenantID) ||
		!f.Verbs.Contains(e.Verb) ||
		!f.TargetTypes.Contains(e.Target.Type) ||
		!f.TargetIDs.Contains(e.Target.ID) ||
		!f.Roles.Contains(e.Actor.Role) ||
		!f.Sources.Contains(e.Source) ||
		!f.Severities.Contains(e.Context.Severity) {
		return false
	}
	if len(f.ActorIDs) > 0 && (e.Actor.ID == nil || !slices.Contains(f.ActorIDs, *e.Actor.ID)) {
		return false
	}
	if len(f.Tags) > 0 && !slices.ContainsFunc(e.Context.Tags, func(tag string) bool { return slices.Contains(f.Tags, tag) }) {
		return false
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	if f.Reviewed != nil && e.Reviewed != *f.Reviewed {
		return false
	}
	return true
}

// Page bounds a listing.
type Page struct {
	Limit  int
	Offset int
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// Clamp applies defaults and upper bounds.
func (p Page) Clamp() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Cursor marks the last row of a keyset page in (timestamp DESC, id DESC)
// order.
type Cursor struct {
	Timestamp time.Time
	ID        uuid.UUID
}

// After reports whether e sorts strictly after the cursor.
func (c Cursor) After(e *Event) bool {
	if !e.Timestamp.Equal(c.Timestamp) {
		return e.Timestamp.Before(c.Timestamp)
	}
	return bytes.Compare(e.ID[:], c.ID[:]) < 0
}

// CompareNewestFirst orders events by timestamp DESC then id DESC.
func CompareNewestFirst(a, b *Event) int {
	if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
		return c
	}
	return bytes.Compare(b.ID[:], a.ID[:])
}
