// Package token provides access-token digests for server-side storage.
//
// Raw bearer tokens are never written to redis or logs; the revocation list
// stores the digest instead.
//
// Modes:
// - Default dev mode: unkeyed BLAKE2b-256(token).
// - Keyed mode: BLAKE2b-256 keyed with KRISMINI_TOKEN_DIGEST_KEY (>= 32 bytes).
//
// Output is a stable 64-char hex string.
package token
