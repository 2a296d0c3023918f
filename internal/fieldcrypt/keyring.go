package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the AES-256 key length.
const KeySize = 32

// devMasterKey seeds the keyring when no key is configured. Development only.
const devMasterKey = "activitylog-dev-master-key-change-in-production"

// Keyring holds one AEAD per key version. New ciphertext is always written
// with the current version; any known version can be read.
type Keyring struct {
	current byte
	aeads   map[byte]cipher.AEAD
}

// NewKeyring builds a keyring from master keys by version. Each master key
// is expanded with HKDF-SHA256 so the AES key is bound to its version.
func NewKeyring(current byte, masters map[byte][]byte) (*Keyring, error) {
	if _, ok := masters[current]; !ok {
		return nil, fmt.Errorf("current key version %d has no key", current)
	}
	kr := &Keyring{current: current, aeads: make(map[byte]cipher.AEAD, len(masters))}
	for version, master := range masters {
		if len(master) < KeySize {
			return nil, fmt.Errorf("key version %d: need at least %d bytes, got %d", version, KeySize, len(master))
		}
		key, err := deriveKey(master, version)
		if err != nil {
			return nil, err
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("key version %d: %w", version, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("key version %d: %w", version, err)
		}
		kr.aeads[version] = aead
	}
	return kr, nil
}

// ParseKeyring reads the current key and the retired "version:base64" list.
// An empty current key falls back to a fixed development key and reports
// dev=true so the caller can warn.
func ParseKeyring(currentB64 string, currentVersion int, retired string) (kr *Keyring, dev bool, err error) {
	if currentVersion < 0 || currentVersion > 255 {
		return nil, false, fmt.Errorf("key version must fit in one byte, got %d", currentVersion)
	}
	masters := make(map[byte][]byte)

	if strings.TrimSpace(currentB64) == "" {
		masters[byte(currentVersion)] = []byte(devMasterKey)
		dev = true
	} else {
		key, err := decodeKey(currentB64)
		if err != nil {
			return nil, false, fmt.Errorf("current key: %w", err)
		}
		masters[byte(currentVersion)] = key
	}

	for _, pair := range strings.Split(retired, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		vStr, keyStr, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, false, fmt.Errorf("retired key %q: want version:base64", pair)
		}
		v, err := strconv.Atoi(strings.TrimSpace(vStr))
		if err != nil || v < 0 || v > 255 {
			return nil, false, fmt.Errorf("retired key %q: bad version", pair)
		}
		if byte(v) == byte(currentVersion) {
			return nil, false, fmt.Errorf("retired key version %d collides with the current version", v)
		}
		key, err := decodeKey(keyStr)
		if err != nil {
			return nil, false, fmt.Errorf("retired key %d: %w", v, err)
		}
		masters[byte(v)] = key
	}

	kr, err = NewKeyring(byte(currentVersion), masters)
	return kr, dev, err
}

// CurrentVersion is the version byte written into new ciphertext.
func (k *Keyring) CurrentVersion() byte { return k.current }

func (k *Keyring) aead(version byte) (cipher.AEAD, bool) {
	a, ok := k.aeads[version]
	return a, ok
}

func deriveKey(master []byte, version byte) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte("activitylog/fieldcrypt/v"+strconv.Itoa(int(version))))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func decodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			if len(b) != KeySize {
				return nil, fmt.Errorf("need %d bytes, got %d", KeySize, len(b))
			}
			return b, nil
		}
	}
	return nil, fmt.Errorf("not valid base64")
}
