package auth

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"krismini/cmd/internal/chat"
)

type EventType uint8

const (
	EventSignedIn EventType = iota + 1
	EventSignedOut
	EventTokenRefreshed
)

func (t EventType) String() string {
	switch t {
	case EventSignedIn:
		return "signed_in"
	case EventSignedOut:
		return "signed_out"
	case EventTokenRefreshed:
		return "token_refreshed"
	default:
		return "unknown"
	}
}

// Event is one identity transition. UserID is empty for EventSignedOut.
type Event struct {
	Type   EventType
	UserID string
	At     time.Time
}

// Session tracks the identity behind one connection.
type Session struct {
	log      *slog.Logger
	verifier TokenVerifier
	deny     Denylist
	now      func() time.Time

	mu        sync.Mutex
	token     string
	claims    Claims
	signedIn  bool
	listeners map[uint64]func(Event)
	nextLis   uint64
}

func NewSession(log *slog.Logger, v TokenVerifier, deny Denylist) *Session {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Session{
		log:       log,
		verifier:  v,
		deny:      deny,
		now:       time.Now,
		listeners: make(map[uint64]func(Event)),
	}
}

// Subscribe registers fn for identity events. fn runs on the caller of
// SignIn/Refresh/SignOut.
func (s *Session) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.mu.Lock()
	s.nextLis++
	id := s.nextLis
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Session) verify(ctx context.Context, op, tok string) (Claims, error) {
	c, err := s.verifier.Verify(tok)
	if err != nil {
		return Claims{}, err
	}
	if s.deny != nil {
		revoked, err := s.deny.IsRevoked(ctx, tok)
		if err != nil {
			return Claims{}, chat.Wrap(op, chat.ErrNetwork, err)
		}
		if revoked {
			return Claims{}, chat.E(op, chat.ErrUnauthenticated, "token revoked")
		}
	}
	return c, nil
}

// SignIn adopts tok as the session identity.
func (s *Session) SignIn(ctx context.Context, tok string) (Claims, error) {
	c, err := s.verify(ctx, "auth.SignIn", tok)
	if err != nil {
		return Claims{}, err
	}

	s.mu.Lock()
	s.token = tok
	s.claims = c
	s.signedIn = true
	s.mu.Unlock()

	s.log.Info("auth.signed_in", "user_id", c.UserID)
	s.emit(Event{Type: EventSignedIn, UserID: c.UserID, At: s.now()})
	return c, nil
}

// Refresh swaps in a new token. A token for a different user acts as a sign-in.
func (s *Session) Refresh(ctx context.Context, tok string) (Claims, error) {
	s.mu.Lock()
	cur, in := s.claims.UserID, s.signedIn
	s.mu.Unlock()
	if !in {
		return s.SignIn(ctx, tok)
	}

	c, err := s.verify(ctx, "auth.Refresh", tok)
	if err != nil {
		return Claims{}, err
	}
	if c.UserID != cur {
		return s.SignIn(ctx, tok)
	}

	s.mu.Lock()
	s.token = tok
	s.claims = c
	s.mu.Unlock()

	s.emit(Event{Type: EventTokenRefreshed, UserID: c.UserID, At: s.now()})
	return c, nil
}

// SignOut forgets the identity and revokes the current token.
func (s *Session) SignOut(ctx context.Context) error {
	s.mu.Lock()
	if !s.signedIn {
		s.mu.Unlock()
		return nil
	}
	tok, c := s.token, s.claims
	s.token = ""
	s.claims = Claims{}
	s.signedIn = false
	s.mu.Unlock()

	var err error
	if s.deny != nil && !c.ExpiresAt.IsZero() {
		if err = s.deny.Revoke(ctx, tok, c.ExpiresAt); err != nil {
			s.log.Warn("auth.revoke.fail", "user_id", c.UserID, "err", err)
		}
	}

	s.log.Info("auth.signed_out", "user_id", c.UserID)
	s.emit(Event{Type: EventSignedOut, At: s.now()})
	return err
}

// UserID returns the current identity or "" when signed out.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims.UserID
}

// Authorize returns the current user id, failing when signed out or when the
// token has expired since it was presented.
func (s *Session) Authorize() (string, error) {
	const op = "auth.Authorize"
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.signedIn {
		return "", chat.E(op, chat.ErrUnauthenticated, "not signed in")
	}
	if !s.claims.ExpiresAt.IsZero() && !s.now().Before(s.claims.ExpiresAt) {
		return "", chat.E(op, chat.ErrAuthExpired, "token expired")
	}
	return s.claims.UserID, nil
}

func (s *Session) emit(ev Event) {
	s.mu.Lock()
	fns := make([]func(Event), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
