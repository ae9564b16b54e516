// Package auth verifies access tokens issued by the external auth provider and
// tracks one session's identity through sign-in, refresh and sign-out.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"krismini/cmd/internal/chat"
)

// Claims is the verified identity carried by an access token.
type Claims struct {
	UserID    string
	Email     string
	Role      string
	ExpiresAt time.Time
}

// TokenVerifier turns a bearer token into Claims.
type TokenVerifier interface {
	Verify(token string) (Claims, error)
}

type providerClaims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 tokens signed with the provider's shared secret.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

type VerifierOption func(*Verifier)

func WithIssuer(iss string) VerifierOption {
	return func(v *Verifier) { v.issuer = strings.TrimSpace(iss) }
}

func WithAudience(aud string) VerifierOption {
	return func(v *Verifier) { v.audience = strings.TrimSpace(aud) }
}

func WithLeeway(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.leeway = d }
}

func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

func NewVerifier(secret []byte, opts ...VerifierOption) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: empty jwt secret")
	}
	v := &Verifier{
		secret: append([]byte(nil), secret...),
		leeway: 30 * time.Second,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify fails with chat.ErrAuthExpired for expired tokens and
// chat.ErrUnauthenticated for anything else that does not verify.
func (v *Verifier) Verify(token string) (Claims, error) {
	const op = "auth.Verify"

	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return Claims{}, chat.E(op, chat.ErrUnauthenticated, "missing token")
	}

	popts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		popts = append(popts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		popts = append(popts, jwt.WithAudience(v.audience))
	}

	var pc providerClaims
	_, err := jwt.NewParser(popts...).ParseWithClaims(token, &pc, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Claims{}, chat.Wrap(op, chat.ErrAuthExpired, err)
	case err != nil:
		return Claims{}, chat.Wrap(op, chat.ErrUnauthenticated, err)
	}

	if strings.TrimSpace(pc.Subject) == "" {
		return Claims{}, chat.E(op, chat.ErrUnauthenticated, "token has no subject")
	}

	out := Claims{UserID: pc.Subject, Email: pc.Email, Role: pc.Role}
	if pc.ExpiresAt != nil {
		out.ExpiresAt = pc.ExpiresAt.Time
	}
	return out, nil
}

// Sign issues a token the Verifier accepts. Used by dev tooling and tests;
// production tokens come from the auth provider.
func (v *Verifier) Sign(c Claims, ttl time.Duration) (string, error) {
	now := v.now()
	rc := jwt.RegisteredClaims{
		Subject:   c.UserID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if v.issuer != "" {
		rc.Issuer = v.issuer
	}
	if v.audience != "" {
		rc.Audience = jwt.ClaimStrings{v.audience}
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, providerClaims{Email: c.Email, Role: c.Role, RegisteredClaims: rc})
	return tok.SignedString(v.secret)
}
