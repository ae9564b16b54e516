package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"krismini/cmd/internal/auth"
	"krismini/cmd/internal/completion"
	"krismini/cmd/internal/gateway"
	"krismini/cmd/internal/messages"
	"krismini/cmd/internal/retryqueue"
	v1 "krismini/shared/contracts/chat/v1"
)

type echoCompleter struct{ err error }

func (c echoCompleter) Complete(_ context.Context, prompt string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return "echo: " + prompt, nil
}

// gatedCompleter blocks every call until release is closed.
type gatedCompleter struct {
	started chan struct{}
	release chan struct{}
}

func (c *gatedCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	select {
	case c.started <- struct{}{}:
	default:
	}
	select {
	case <-c.release:
		return "late: " + prompt, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type wsHarness struct {
	store    *messages.InMemoryStore
	gw       *gateway.Gateway
	verifier *auth.Verifier
	url      string
}

func newWSHarness(t *testing.T, c completion.Completer, mutate func(*WSConfig)) *wsHarness {
	t.Helper()

	store := messages.NewInMemoryStore()
	gw := gateway.New(nil, store, gateway.Config{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	q := retryqueue.New(nil, gw, retryqueue.Config{Enabled: true, MaxRetries: 3, RetryDelay: 10 * time.Millisecond})
	t.Cleanup(q.Close)

	v, err := auth.NewVerifier([]byte("ws-test-secret-ws-test-secret-000"))
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	cfg := DefaultWSConfig()
	cfg.OriginRequired = false
	if mutate != nil {
		mutate(&cfg)
	}
	wsgw, err := NewWSGateway(nil, cfg, Deps{
		Gateway:   gw,
		Queue:     q,
		Verifier:  v,
		Denylist:  auth.NewMemoryDenylist(nil),
		Completer: c,
	})
	if err != nil {
		t.Fatalf("NewWSGateway: %v", err)
	}

	ts := httptest.NewServer(wsgw)
	t.Cleanup(ts.Close)

	return &wsHarness{
		store:    store,
		gw:       gw,
		verifier: v,
		url:      "ws" + strings.TrimPrefix(ts.URL, "http"),
	}
}

func (h *wsHarness) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := h.verifier.Sign(auth.Claims{UserID: userID}, time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return tok
}

func dialWS(t *testing.T, url, origin string, subprotocols ...string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	h := http.Header{}
	if origin != "" {
		h.Set("Origin", origin)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return websocket.Dial(ctx, url, &websocket.DialOptions{Subprotocols: subprotocols, HTTPHeader: h})
}

func (h *wsHarness) connect(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, resp, err := dialWS(t, h.url, "http://localhost", v1.Subprotocol)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := v1.Envelope{V: v1.Version, Type: typ, ID: "c-" + typ, TS: time.Now().UTC(), Payload: b}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

// await reads envelopes until done reports true.
func await(t *testing.T, conn *websocket.Conn, what string, done func(v1.Envelope) bool) {
	t.Helper()
	for i := 0; i < 100; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("waiting for %s: conn.Read: %v", what, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if done(env) {
			return
		}
	}
	t.Fatalf("did not receive %s", what)
}

func decode[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		t.Fatalf("unmarshal %s payload: %v", env.Type, err)
	}
	return out
}

func isError(t *testing.T, env v1.Envelope, code string) bool {
	t.Helper()
	return env.Type == v1.TypeError && decode[v1.ErrorPayload](t, env).Code == code
}

func (h *wsHarness) signIn(t *testing.T, conn *websocket.Conn, userID string) {
	t.Helper()
	writeEnvelopeWS(t, conn, v1.TypeHello, v1.HelloPayload{Token: h.token(t, userID)})

	var acked, loaded bool
	await(t, conn, "hello.ack and loaded state", func(env v1.Envelope) bool {
		switch env.Type {
		case v1.TypeHelloAck:
			ack := decode[v1.HelloAckPayload](t, env)
			if ack.UserID != userID || ack.SessionID == "" {
				t.Fatalf("ack=%+v", ack)
			}
			acked = true
		case v1.TypeChatState:
			st := decode[v1.ChatStatePayload](t, env)
			loaded = loaded || (st.UserID == userID && !st.Loading)
		}
		return acked && loaded
	})
}

func confirmedCount(st v1.ChatStatePayload) int {
	n := 0
	for _, m := range st.Messages {
		if !m.Optimistic {
			n++
		}
	}
	return n
}

func TestWSGateway_RejectsDisallowedOrigin(t *testing.T) {
	h := newWSHarness(t, nil, func(c *WSConfig) { c.OriginRequired = true })

	_, resp, err := dialWS(t, h.url, "https://evil.example.com", v1.Subprotocol)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got resp=%v err=%v", resp, err)
	}
}

func TestWSGateway_RequiresSubprotocol(t *testing.T) {
	h := newWSHarness(t, nil, nil)

	conn, resp, err := dialWS(t, h.url, "http://localhost")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusProtocolError {
		t.Fatalf("close status=%v want=%v (err=%v)", got, websocket.StatusProtocolError, err)
	}
}

func TestWSGateway_RequiresHelloFirst(t *testing.T) {
	h := newWSHarness(t, echoCompleter{}, nil)
	conn := h.connect(t)

	writeEnvelopeWS(t, conn, v1.TypeChatSync, struct{}{})
	await(t, conn, "hello_required", func(env v1.Envelope) bool { return isError(t, env, "hello_required") })
}

func TestWSGateway_RejectsBadToken(t *testing.T) {
	h := newWSHarness(t, echoCompleter{}, nil)
	conn := h.connect(t)

	writeEnvelopeWS(t, conn, v1.TypeHello, v1.HelloPayload{Token: "not-a-jwt"})
	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
				t.Fatalf("close status=%v want=%v (err=%v)", got, websocket.StatusPolicyViolation, err)
			}
			return
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Type == v1.TypeHelloAck {
			t.Fatalf("bad token must not be acknowledged")
		}
	}
	t.Fatalf("connection was not closed")
}

func TestWSGateway_ChatSendRoundTrip(t *testing.T) {
	h := newWSHarness(t, echoCompleter{}, nil)
	conn := h.connect(t)
	h.signIn(t, conn, "u1")

	writeEnvelopeWS(t, conn, v1.TypeChatSend, v1.ChatSendPayload{Text: "hi"})

	var replied, stored bool
	await(t, conn, "reply and confirmed pair", func(env v1.Envelope) bool {
		switch env.Type {
		case v1.TypeChatReply:
			if got := decode[v1.ChatReplyPayload](t, env).Text; got != "echo: hi" {
				t.Fatalf("reply=%q", got)
			}
			replied = true
		case v1.TypeChatState:
			st := decode[v1.ChatStatePayload](t, env)
			if len(st.Messages) == 2 && confirmedCount(st) == 2 {
				if st.Messages[0].Role != "user" || st.Messages[1].Content != "echo: hi" || st.TotalCount != 2 {
					t.Fatalf("state=%+v", st)
				}
				stored = true
			}
		case v1.TypeError:
			t.Fatalf("unexpected error: %s", env.Payload)
		}
		return replied && stored
	})

	if n, err := h.gw.Count(context.Background(), "u1"); err != nil || n != 2 {
		t.Fatalf("stored=%d err=%v want=2", n, err)
	}
}

func TestWSGateway_CompletionFailureIsMessageError(t *testing.T) {
	h := newWSHarness(t, echoCompleter{err: errors.New("network is unreachable")}, nil)
	conn := h.connect(t)
	h.signIn(t, conn, "u1")

	writeEnvelopeWS(t, conn, v1.TypeChatSend, v1.ChatSendPayload{Text: "hi"})
	await(t, conn, "completion error", func(env v1.Envelope) bool {
		if env.Type != v1.TypeError {
			return false
		}
		p := decode[v1.ErrorPayload](t, env)
		if p.Code != "completion_failed" || p.Category != v1.CategoryMessage {
			t.Fatalf("error=%+v", p)
		}
		return true
	})

	if n, _ := h.gw.Count(context.Background(), "u1"); n != 0 {
		t.Fatalf("stored=%d want=0", n)
	}
}

func TestWSGateway_MissingCompleter(t *testing.T) {
	h := newWSHarness(t, nil, nil)
	conn := h.connect(t)
	h.signIn(t, conn, "u1")

	writeEnvelopeWS(t, conn, v1.TypeChatSend, v1.ChatSendPayload{Text: "hi"})
	await(t, conn, "completion_unavailable", func(env v1.Envelope) bool { return isError(t, env, "completion_unavailable") })
}

func TestWSGateway_OtherSessionOfSameUserSyncs(t *testing.T) {
	h := newWSHarness(t, nil, nil)
	a := h.connect(t)
	b := h.connect(t)
	h.signIn(t, a, "u1")
	h.signIn(t, b, "u1")

	writeEnvelopeWS(t, a, v1.TypeChatSendPair, v1.ChatSendPairPayload{User: "from phone", AI: "noted"})

	await(t, b, "synced pair on the other session", func(env v1.Envelope) bool {
		if env.Type != v1.TypeChatState {
			return false
		}
		st := decode[v1.ChatStatePayload](t, env)
		return confirmedCount(st) == 2 && st.Messages[0].Content == "from phone"
	})
}

func TestWSGateway_SignOutClearsWindow(t *testing.T) {
	h := newWSHarness(t, nil, nil)
	conn := h.connect(t)
	h.signIn(t, conn, "u1")

	writeEnvelopeWS(t, conn, v1.TypeChatSendPair, v1.ChatSendPairPayload{User: "q", AI: "a"})
	await(t, conn, "confirmed pair", func(env v1.Envelope) bool {
		return env.Type == v1.TypeChatState && confirmedCount(decode[v1.ChatStatePayload](t, env)) == 2
	})

	writeEnvelopeWS(t, conn, v1.TypeAuthSignOut, struct{}{})
	await(t, conn, "cleared state", func(env v1.Envelope) bool {
		if env.Type != v1.TypeChatState {
			return false
		}
		st := decode[v1.ChatStatePayload](t, env)
		return st.UserID == "" && len(st.Messages) == 0
	})

	writeEnvelopeWS(t, conn, v1.TypeChatLoadOlder, struct{}{})
	await(t, conn, "hello_required", func(env v1.Envelope) bool { return isError(t, env, "hello_required") })
}

func TestWSGateway_BadEnvelope(t *testing.T) {
	h := newWSHarness(t, nil, nil)
	conn := h.connect(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	await(t, conn, "bad_json", func(env v1.Envelope) bool { return isError(t, env, "bad_json") })

	writeEnvelopeWS(t, conn, "message_send", struct{}{})
	await(t, conn, "bad_envelope", func(env v1.Envelope) bool { return isError(t, env, "bad_envelope") })
}

func TestWSGateway_ReadLoopStaysResponsiveDuringCompletion(t *testing.T) {
	c := &gatedCompleter{started: make(chan struct{}, 1), release: make(chan struct{})}
	h := newWSHarness(t, c, nil)
	var once sync.Once
	release := func() { once.Do(func() { close(c.release) }) }
	t.Cleanup(release)

	conn := h.connect(t)
	h.signIn(t, conn, "u1")

	writeEnvelopeWS(t, conn, v1.TypeChatSend, v1.ChatSendPayload{Text: "slow"})
	select {
	case <-c.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("completion never started")
	}

	// A second hello is answered by the read loop while the completion is blocked.
	writeEnvelopeWS(t, conn, v1.TypeHello, v1.HelloPayload{Token: h.token(t, "u1")})
	await(t, conn, "already_authenticated", func(env v1.Envelope) bool {
		if env.Type == v1.TypeChatReply {
			t.Fatalf("reply arrived before release")
		}
		return isError(t, env, "already_authenticated")
	})

	release()
	await(t, conn, "chat.reply", func(env v1.Envelope) bool {
		return env.Type == v1.TypeChatReply && decode[v1.ChatReplyPayload](t, env).Text == "late: slow"
	})
}
