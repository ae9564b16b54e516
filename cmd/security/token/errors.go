package token

import "errors"

// Public, stable errors for callers.
var (
	ErrDigestKeyMissing  = errors.New("token digest key missing")
	ErrDigestKeyTooShort = errors.New("token digest key too short")
	ErrDigestKeyTooLong  = errors.New("token digest key too long")
)
