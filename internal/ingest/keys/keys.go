// Package keys manages the shared secrets producers use to sign ingestion
// requests. The secret is returned once at creation; Postgres keeps it
// encrypted with the field codec because HMAC verification needs the
// plaintext back.
package keys

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"
)

// Key is a LogIngestionKey.
type Key struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Secret     string     `json:"-"`
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Store persists ingestion keys.
type Store interface {
	Create(ctx context.Context, k Key) error
	Get(ctx context.Context, id string) (Key, error)
	List(ctx context.Context) ([]Key, error)
	Deactivate(ctx context.Context, id string) error
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

// GenerateSecret creates a 256-bit random secret, base64url encoded.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("could not generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateID creates a public key id of the form lk_<24 hex>.
func GenerateID() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("could not generate key id: %w", err)
	}
	return "lk_" + hex.EncodeToString(buf), nil
}

// New builds an active key with a fresh id and secret.
func New(name string, now time.Time) (Key, error) {
	id, err := GenerateID()
	if err != nil {
		return Key{}, err
	}
	secret, err := GenerateSecret()
	if err != nil {
		return Key{}, err
	}
	return Key{
		ID:        id,
		Name:      name,
		Secret:    secret,
		Active:    true,
		CreatedAt: now.UTC(),
	}, nil
}
