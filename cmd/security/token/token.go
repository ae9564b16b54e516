package token

import (
	"encoding/hex"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	// DigestKeyEnv is the env var name for the digest key.
	// #nosec G101 -- not a credential; it's an environment variable name.
	DigestKeyEnv = "KRISMINI_TOKEN_DIGEST_KEY"

	MinKeyBytes = 32
)

// Digester hashes tokens, keyed when a key is configured.
type Digester struct {
	key []byte
}

// NewDigester validates key. A nil key selects the unkeyed dev mode.
func NewDigester(key []byte) (*Digester, error) {
	if key == nil {
		return &Digester{}, nil
	}
	if len(key) < MinKeyBytes {
		return nil, ErrDigestKeyTooShort
	}
	if len(key) > blake2b.Size {
		return nil, ErrDigestKeyTooLong
	}
	return &Digester{key: append([]byte(nil), key...)}, nil
}

// DigesterFromEnv reads DigestKeyEnv. When required and missing it fails with
// ErrDigestKeyMissing; otherwise a missing key selects dev mode.
func DigesterFromEnv(required bool) (*Digester, error) {
	raw := strings.TrimSpace(os.Getenv(DigestKeyEnv))
	if raw == "" {
		if required {
			return nil, ErrDigestKeyMissing
		}
		return NewDigester(nil)
	}
	return NewDigester([]byte(raw))
}

// Keyed reports whether digests are keyed.
func (d *Digester) Keyed() bool { return d != nil && len(d.key) > 0 }

// Hex returns the 64-char hex digest of tok.
func (d *Digester) Hex(tok string) string {
	if !d.Keyed() {
		sum := blake2b.Sum256([]byte(tok))
		return hex.EncodeToString(sum[:])
	}
	h, err := blake2b.New256(d.key)
	if err != nil {
		// Key length was validated in NewDigester.
		panic(err)
	}
	_, _ = h.Write([]byte(tok))
	return hex.EncodeToString(h.Sum(nil))
}
