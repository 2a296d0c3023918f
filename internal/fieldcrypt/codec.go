// Package fieldcrypt encrypts the allow-listed fields of an event context.
//
// Wire form: "encrypted:" + base64(version || nonce || ciphertext). The
// plaintext starts with a one-byte kind tag so strings and JSON structures
// both survive a round trip. Decrypt never fails: values without the prefix
// are returned as-is and undecryptable values come back unchanged.
package fieldcrypt

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"activitylog/internal/activity/models"
)

// Prefix marks an encrypted value.
const Prefix = "encrypted:"

const (
	kindString byte = 's'
	kindJSON   byte = 'j'
)

var decryptFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "activitylog_decrypt_failures_total",
	Help: "Total number of encrypted values that could not be decrypted and were returned as ciphertext",
})

// Codec encrypts and decrypts context values with a Keyring.
type Codec struct {
	ring *Keyring
	rand io.Reader
}

// Option configures a Codec.
type Option func(*Codec)

// WithRandom replaces the nonce source.
func WithRandom(r io.Reader) Option {
	return func(c *Codec) { c.rand = r }
}

// New creates a codec over ring.
func New(ring *Keyring, opts ...Option) *Codec {
	c := &Codec{ring: ring, rand: rand.Reader}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsEncrypted reports whether s carries the ciphertext prefix.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, Prefix)
}

// Encrypt seals any JSON-serializable value. Strings keep their type.
func (c *Codec) Encrypt(value any) (string, error) {
	if s, ok := value.(string); ok {
		return c.seal(kindString, []byte(s))
	}
	b, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("marshal value: %w", err)
	}
	return c.seal(kindJSON, b)
}

// Decrypt opens a value produced by Encrypt. Strings come back as string,
// structures as the generic JSON decoding (map[string]any, []any, ...).
// Input without the prefix, or input that cannot be opened, is returned
// unchanged.
func (c *Codec) Decrypt(s string) any {
	kind, plain, ok := c.open(s)
	if !ok {
		return s
	}
	if kind == kindString {
		return string(plain)
	}
	var v any
	if err := json.Unmarshal(plain, &v); err != nil {
		decryptFailures.Inc()
		return s
	}
	return v
}

// EncryptString seals a string.
func (c *Codec) EncryptString(s string) (string, error) {
	return c.seal(kindString, []byte(s))
}

// DecryptString opens a string sealed by EncryptString. JSON payloads are
// returned as their JSON text.
func (c *Codec) DecryptString(s string) string {
	_, plain, ok := c.open(s)
	if !ok {
		return s
	}
	return string(plain)
}

// EncryptValue seals a raw context value and returns it as a JSON string.
func (c *Codec) EncryptValue(v models.Value) (models.Value, error) {
	if v.IsZero() {
		return v, nil
	}
	var sealed string
	var err error
	if v.IsString() {
		var s string
		if uerr := json.Unmarshal(v, &s); uerr != nil {
			return nil, fmt.Errorf("decode string value: %w", uerr)
		}
		sealed, err = c.seal(kindString, []byte(s))
	} else {
		compact, merr := json.Marshal(json.RawMessage(v))
		if merr != nil {
			return nil, fmt.Errorf("compact value: %w", merr)
		}
		sealed, err = c.seal(kindJSON, compact)
	}
	if err != nil {
		return nil, err
	}
	return models.StringValue(sealed), nil
}

// DecryptValue reverses EncryptValue. Anything that is not a prefixed JSON
// string, or does not open, is returned unchanged.
func (c *Codec) DecryptValue(v models.Value) models.Value {
	if !v.IsString() {
		return v
	}
	s := v.String()
	kind, plain, ok := c.open(s)
	if !ok {
		return v
	}
	if kind == kindString {
		return models.StringValue(string(plain))
	}
	if !json.Valid(plain) {
		decryptFailures.Inc()
		return v
	}
	return models.Value(plain)
}

// EncryptContext returns a copy of ctx with every allow-listed field sealed.
func (c *Codec) EncryptContext(ctx models.Context) (models.Context, error) {
	out := ctx
	for _, f := range out.SensitiveFields() {
		sealed, err := c.EncryptValue(*f.Value)
		if err != nil {
			return models.Context{}, fmt.Errorf("encrypt %s: %w", f.Key, err)
		}
		*f.Value = sealed
	}
	return out, nil
}

// DecryptContext returns a copy of ctx with every allow-listed field opened.
func (c *Codec) DecryptContext(ctx models.Context) models.Context {
	out := ctx
	for _, f := range out.SensitiveFields() {
		*f.Value = c.DecryptValue(*f.Value)
	}
	return out
}

func (c *Codec) seal(kind byte, plain []byte) (string, error) {
	version := c.ring.CurrentVersion()
	aead, _ := c.ring.aead(version)

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	payload := make([]byte, 0, 1+len(plain))
	payload = append(payload, kind)
	payload = append(payload, plain...)

	out := make([]byte, 0, 1+len(nonce)+len(payload)+aead.Overhead())
	out = append(out, version)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, payload, []byte{version})
	return Prefix + base64.StdEncoding.EncodeToString(out), nil
}

func (c *Codec) open(s string) (byte, []byte, bool) {
	encoded, ok := strings.CutPrefix(s, Prefix)
	if !ok {
		return 0, nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) < 1 {
		decryptFailures.Inc()
		return 0, nil, false
	}
	version := raw[0]
	aead, known := c.ring.aead(version)
	if !known || len(raw) < 1+aead.NonceSize()+aead.Overhead() {
		decryptFailures.Inc()
		return 0, nil, false
	}
	nonce := raw[1 : 1+aead.NonceSize()]
	payload, err := aead.Open(nil, nonce, raw[1+aead.NonceSize():], []byte{version})
	if err != nil || len(payload) == 0 {
		decryptFailures.Inc()
		return 0, nil, false
	}
	switch payload[0] {
	case kindString, kindJSON:
		return payload[0], payload[1:], true
	default:
		decryptFailures.Inc()
		return 0, nil, false
	}
}
