package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"krismini/cmd/internal/chat"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func TestSession_Lifecycle(t *testing.T) {
	ctx := context.Background()
	v := mustVerifier(t)
	deny := NewMemoryDenylist(nil)
	s := NewSession(nil, v, deny)

	var rec recorder
	s.Subscribe(rec.add)

	if _, err := s.Authorize(); !errors.Is(err, chat.ErrUnauthenticated) {
		t.Fatalf("Authorize before sign-in: err=%v", err)
	}

	tok1, _ := v.Sign(Claims{UserID: "u1"}, time.Hour)
	if _, err := s.SignIn(ctx, tok1); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if uid, err := s.Authorize(); err != nil || uid != "u1" {
		t.Fatalf("Authorize uid=%q err=%v", uid, err)
	}

	tok2, _ := v.Sign(Claims{UserID: "u1", Email: "new@example.com"}, 2*time.Hour)
	if _, err := s.Refresh(ctx, tok2); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if err := s.SignOut(ctx); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if s.UserID() != "" {
		t.Fatalf("user id kept after sign-out")
	}

	want := []EventType{EventSignedIn, EventTokenRefreshed, EventSignedOut}
	got := rec.types()
	if len(got) != len(want) {
		t.Fatalf("events=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events=%v want=%v", got, want)
		}
	}

	// The signed-out token is revoked.
	if _, err := s.SignIn(ctx, tok2); !errors.Is(err, chat.ErrUnauthenticated) {
		t.Fatalf("revoked token accepted: err=%v", err)
	}
}

func TestSession_RefreshWithOtherUserSignsIn(t *testing.T) {
	ctx := context.Background()
	v := mustVerifier(t)
	s := NewSession(nil, v, nil)

	var rec recorder
	s.Subscribe(rec.add)

	a, _ := v.Sign(Claims{UserID: "alice"}, time.Hour)
	b, _ := v.Sign(Claims{UserID: "bob"}, time.Hour)
	if _, err := s.SignIn(ctx, a); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if _, err := s.Refresh(ctx, b); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	got := rec.types()
	if len(got) != 2 || got[1] != EventSignedIn {
		t.Fatalf("events=%v", got)
	}
	if s.UserID() != "bob" {
		t.Fatalf("user=%q want=bob", s.UserID())
	}
}

func TestSession_AuthorizeDetectsExpiry(t *testing.T) {
	ctx := context.Background()
	v := mustVerifier(t)
	s := NewSession(nil, v, nil)

	tok, _ := v.Sign(Claims{UserID: "u1"}, time.Minute)
	if _, err := s.SignIn(ctx, tok); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	s.now = func() time.Time { return time.Now().Add(time.Hour) }

	if _, err := s.Authorize(); !errors.Is(err, chat.ErrAuthExpired) {
		t.Fatalf("err=%v want=%v", err, chat.ErrAuthExpired)
	}
}

func TestSession_Unsubscribe(t *testing.T) {
	v := mustVerifier(t)
	s := NewSession(nil, v, nil)

	var rec recorder
	unsub := s.Subscribe(rec.add)
	unsub()

	tok, _ := v.Sign(Claims{UserID: "u1"}, time.Hour)
	if _, err := s.SignIn(context.Background(), tok); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if n := len(rec.types()); n != 0 {
		t.Fatalf("events after unsubscribe: %d", n)
	}
}
