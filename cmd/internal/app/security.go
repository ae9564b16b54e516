package app

import (
	"errors"
	"fmt"
	"strings"

	"krismini/cmd/security/token"
)

// MinJWTSecretBytes is the shortest HS256 secret accepted at startup.
const MinJWTSecretBytes = 32

// ValidateSecurityConfig fails startup on weak auth material.
func ValidateSecurityConfig(cfg Config) error {
	secret := strings.TrimSpace(cfg.JWTSecret)
	switch {
	case secret == "":
		return errors.New("security policy: KRISMINI_JWT_SECRET is required")
	case len(secret) < MinJWTSecretBytes:
		return fmt.Errorf("security policy: KRISMINI_JWT_SECRET is too short (min %d bytes)", MinJWTSecretBytes)
	}

	if !cfg.RequireTokenDigestKey {
		return nil
	}

	d, err := token.DigesterFromEnv(true)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrDigestKeyMissing):
			return errors.New("security policy: KRISMINI_REQUIRE_TOKEN_DIGEST_KEY=true but KRISMINI_TOKEN_DIGEST_KEY is missing")
		case errors.Is(err, token.ErrDigestKeyTooShort):
			return fmt.Errorf("security policy: KRISMINI_TOKEN_DIGEST_KEY is too short (min %d bytes)", token.MinKeyBytes)
		case errors.Is(err, token.ErrDigestKeyTooLong):
			return errors.New("security policy: KRISMINI_TOKEN_DIGEST_KEY is too long (max 64 bytes)")
		default:
			return err
		}
	}
	if !d.Keyed() {
		return errors.New("security policy: token digester is not keyed")
	}
	return nil
}
