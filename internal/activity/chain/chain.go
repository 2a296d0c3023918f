// Package chain computes the per-tenant integrity hash of activity events.
//
// The hash covers the canonical plaintext form of an event: fixed field
// order, timestamps in UTC with microsecond precision, context keys sorted
// at every depth, numbers kept as written. Seq, Hash, PrevHash and Reviewed
// are excluded, so linkage is checked separately by Verifier.
package chain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"activitylog/internal/activity/models"
)

// TimestampFormat is the fixed layout used inside the canonical form.
const TimestampFormat = "2006-01-02T15:04:05.000000Z"

type canonicalEvent struct {
	ID         string          `json:"id"`
	Timestamp  string          `json:"timestamp"`
	TenantID   string          `json:"tenant_id"`
	ActorID    *string         `json:"actor_id"`
	ActorRole  string          `json:"actor_role"`
	Verb       string          `json:"verb"`
	TargetType string          `json:"target_type"`
	TargetID   string          `json:"target_id"`
	Source     string          `json:"source"`
	Context    json.RawMessage `json:"context"`
	RequestID  *string         `json:"request_id"`
}

// Canonical returns the bytes that are hashed. e.Context must be plaintext.
func Canonical(e *models.Event) ([]byte, error) {
	ctx, err := canonicalContext(e.Context)
	if err != nil {
		return nil, err
	}
	return json.Marshal(canonicalEvent{
		ID:         e.ID.String(),
		Timestamp:  models.NormalizeTimestamp(e.Timestamp).Format(TimestampFormat),
		TenantID:   e.TenantID,
		ActorID:    e.Actor.ID,
		ActorRole:  string(e.Actor.Role),
		Verb:       string(e.Verb),
		TargetType: e.Target.Type,
		TargetID:   e.Target.ID,
		Source:     string(e.Source),
		Context:    ctx,
		RequestID:  e.RequestID,
	})
}

// Hash returns the hex SHA-256 of the canonical form.
func Hash(e *models.Event) (string, error) {
	b, err := Canonical(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalContext re-encodes the context through a generic decode so nested
// objects get sorted keys and whitespace disappears. json.Number keeps the
// numeric text untouched.
func canonicalContext(c models.Context) (json.RawMessage, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}
	return out, nil
}

// Verifier walks one tenant's events in insertion order. Feed it decrypted
// events with Check; it stops at the first break.
type Verifier struct {
	tenantID string
	prevHash *string
	checked  int
	broken   bool
	result   models.VerifyResult
}

// NewVerifier starts a walk for tenantID.
func NewVerifier(tenantID string) *Verifier {
	return &Verifier{tenantID: tenantID}
}

// Check verifies the next event and reports whether the chain still holds.
func (v *Verifier) Check(e *models.Event) (bool, error) {
	if v.broken {
		return false, nil
	}
	want, err := Hash(e)
	if err != nil {
		return false, fmt.Errorf("hash event %s: %w", e.ID, err)
	}

	switch {
	case want != e.Hash:
		v.breakAt(e.ID, models.ReasonHashMismatch)
	case !sameHash(v.prevHash, e.PrevHash):
		v.breakAt(e.ID, models.ReasonLinkMismatch)
	default:
		h := e.Hash
		v.prevHash = &h
		v.checked++
		return true, nil
	}
	return false, nil
}

// Result returns the outcome so far.
func (v *Verifier) Result() models.VerifyResult {
	if v.broken {
		return v.result
	}
	return models.VerifyResult{TenantID: v.tenantID, OK: true, Checked: v.checked, BrokenIndex: -1}
}

func (v *Verifier) breakAt(id uuid.UUID, reason string) {
	v.broken = true
	brokenID := id
	v.result = models.VerifyResult{
		TenantID:      v.tenantID,
		OK:            false,
		Checked:       v.checked,
		BrokenIndex:   v.checked,
		BrokenEventID: &brokenID,
		Reason:        reason,
	}
}

func sameHash(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
