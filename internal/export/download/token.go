// Package download issues and checks the short-lived tokens that let a
// holder fetch one export artifact without the admin token.
package download

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	dErrors "activitylog/pkg/domain-errors"
)

const (
	issuer   = "activitylog"
	audience = "export-download"
	// DefaultTTL is the lifetime of a download link.
	DefaultTTL = 5 * time.Minute
)

// Claims binds a token to one job.
type Claims struct {
	JobID string `json:"job_id"`
	jwt.RegisteredClaims
}

// Signer handles download token creation and validation.
type Signer struct {
	signingKey []byte
	ttl        time.Duration
	baseURL    string
	now        func() time.Time
}

// Option configures a Signer.
type Option func(*Signer)

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(s *Signer) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithBaseURL prefixes issued links, e.g. https://logs.example.com.
func WithBaseURL(u string) Option {
	return func(s *Signer) { s.baseURL = strings.TrimRight(u, "/") }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

func NewSigner(signingKey []byte, opts ...Option) *Signer {
	s := &Signer{signingKey: signingKey, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue signs a token for jobID.
func (s *Signer) Issue(jobID uuid.UUID) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(s.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		JobID: jobID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
			Audience:  []string{audience},
			ID:        uuid.NewString(),
		},
	})
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign download token: %w", err)
	}
	return signed, expires, nil
}

// URL issues a token and renders the download link for jobID.
func (s *Signer) URL(jobID uuid.UUID) (string, time.Time, error) {
	token, expires, err := s.Issue(jobID)
	if err != nil {
		return "", time.Time{}, err
	}
	link := fmt.Sprintf("%s/exports/%s/download?token=%s", s.baseURL, jobID, url.QueryEscape(token))
	return link, expires, nil
}

// Validate checks the signature, expiry and that the token names jobID.
func (s *Signer) Validate(tokenString string, jobID uuid.UUID) error {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return dErrors.New(dErrors.CodeUnauthorized, "download link has expired")
		}
		return dErrors.New(dErrors.CodeUnauthorized, "invalid download token")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return dErrors.New(dErrors.CodeUnauthorized, "invalid download token")
	}
	if claims.JobID != jobID.String() {
		return dErrors.New(dErrors.CodeForbidden, "token does not grant this export")
	}
	return nil
}
