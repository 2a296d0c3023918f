package fieldcrypt

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"activitylog/internal/activity/models"
)

type CodecSuite struct {
	suite.Suite
	codec *Codec
}

func TestCodecSuite(t *testing.T) {
	suite.Run(t, new(CodecSuite))
}

func (s *CodecSuite) SetupTest() {
	s.codec = New(mustKeyring(s.T(), 1, nil))
}

func (s *CodecSuite) TestStringRoundTrip() {
	for _, key := range models.SensitiveKeys {
		s.Run(key, func() {
			sealed, err := s.codec.Encrypt("value-of-" + key)
			s.Require().NoError(err)
			s.True(strings.HasPrefix(sealed, Prefix))
			s.NotContains(sealed, "value-of-")
			s.Equal("value-of-"+key, s.codec.Decrypt(sealed))
		})
	}
}

func (s *CodecSuite) TestNestedStructureRoundTrip() {
	original := map[string]any{
		"os":      "linux",
		"screens": []any{float64(1920), float64(1080)},
		"gpu":     map[string]any{"vendor": "acme", "vram": float64(8)},
	}
	sealed, err := s.codec.Encrypt(original)
	s.Require().NoError(err)
	s.Equal(original, s.codec.Decrypt(sealed))
}

func (s *CodecSuite) TestNoncePerCall() {
	a, err := s.codec.Encrypt("same")
	s.Require().NoError(err)
	b, err := s.codec.Encrypt("same")
	s.Require().NoError(err)
	s.NotEqual(a, b)

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(a, Prefix))
	s.Require().NoError(err)
	s.Equal(byte(1), raw[0], "version byte leads the payload")
}

func (s *CodecSuite) TestDecryptPassThrough() {
	s.Equal("plain legacy value", s.codec.Decrypt("plain legacy value"))
	s.Equal("plain legacy value", s.codec.DecryptString("plain legacy value"))
}

func (s *CodecSuite) TestDecryptFailureReturnsOriginal() {
	garbage := Prefix + "!!!not-base64"
	s.Equal(garbage, s.codec.Decrypt(garbage))

	sealed, err := s.codec.EncryptString("secret")
	s.Require().NoError(err)
	other := New(mustKeyring(s.T(), 1, bytes.Repeat([]byte{7}, KeySize)))
	s.Equal(sealed, other.DecryptString(sealed), "wrong key degrades to visible ciphertext")

	raw, _ := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, Prefix))
	raw[len(raw)-1] ^= 0xff
	tampered := Prefix + base64.StdEncoding.EncodeToString(raw)
	s.Equal(tampered, s.codec.DecryptString(tampered))
}

func (s *CodecSuite) TestContextRoundTrip() {
	var ctx models.Context
	s.Require().NoError(json.Unmarshal([]byte(`{
		"ip":"203.0.113.9","user_agent":"curl/8","device_id":"d1","device_name":"laptop",
		"device_info":{"os":"mac","cores":10},"email":"a@b.io","phone":"+1555","username":"alice",
		"password":"hunter2","severity":"high","custom":"kept"
	}`), &ctx))

	sealed, err := s.codec.EncryptContext(ctx)
	s.Require().NoError(err)

	for _, f := range sealed.SensitiveFields() {
		s.True(IsEncrypted(f.Value.String()), f.Key)
	}
	s.Equal("high", sealed.Severity, "non allow-listed keys pass through")
	s.JSONEq(`"kept"`, string(sealed.Extra["custom"]))
	s.Equal("203.0.113.9", ctx.IP.String(), "input is not mutated")

	opened := s.codec.DecryptContext(sealed)
	want, _ := json.Marshal(ctx)
	got, _ := json.Marshal(opened)
	s.JSONEq(string(want), string(got))
}

func TestRotationReadsRetiredKeys(t *testing.T) {
	oldKey := randomKey(t)
	newKey := randomKey(t)

	oldRing, _, err := ParseKeyring(b64(oldKey), 1, "")
	require.NoError(t, err)
	sealed, err := New(oldRing).EncryptString("pii")
	require.NoError(t, err)

	rotated, _, err := ParseKeyring(b64(newKey), 2, "1:"+b64(oldKey))
	require.NoError(t, err)
	codec := New(rotated)

	assert.Equal(t, "pii", codec.DecryptString(sealed))

	fresh, err := codec.EncryptString("pii")
	require.NoError(t, err)
	raw, _ := base64.StdEncoding.DecodeString(strings.TrimPrefix(fresh, Prefix))
	assert.Equal(t, byte(2), raw[0])
}

func TestParseKeyringErrors(t *testing.T) {
	_, _, err := ParseKeyring("c2hvcnQ=", 1, "")
	assert.Error(t, err, "short key")

	_, _, err = ParseKeyring(b64(randomKey(t)), 1, "1:"+b64(randomKey(t)))
	assert.Error(t, err, "retired version collides")

	_, _, err = ParseKeyring(b64(randomKey(t)), 300, "")
	assert.Error(t, err)

	_, dev, err := ParseKeyring("", 1, "")
	require.NoError(t, err)
	assert.True(t, dev)
}

func mustKeyring(t *testing.T, version byte, key []byte) *Keyring {
	t.Helper()
	if key == nil {
		key = randomKey(t)
	}
	kr, err := NewKeyring(version, map[byte][]byte{version: key})
	require.NoError(t, err)
	return kr
}

func randomKey(t *testing.T) []byte {
	t.Helper()
	k := make([]byte, KeySize)
	_, err := rand.Read(k)
	require.NoError(t, err)
	return k
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }
