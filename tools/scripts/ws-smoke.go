// Package main provides a CI-friendly WebSocket smoke test for the Krismini chat gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack with a locally signed access token
//   - chat.send_pair confirmed in the sender's window
//   - a second session of the same user picking up the pair
//   - sign-out clearing the window
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"

	v1 "krismini/shared/contracts/chat/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost:3000", "Origin header to send (browser-like WS handshake)")
		secret  = flag.String("secret", os.Getenv("KRISMINI_JWT_SECRET"), "HS256 secret used to sign the smoke token")
		userID  = flag.String("user", "", "User id (default: random ULID)")
		text    = flag.String("text", "hello krismini 👋", "User message text")
		reply   = flag.String("reply", "hello back", "AI message text")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if strings.TrimSpace(*secret) == "" {
		fatalf("missing -secret (or KRISMINI_JWT_SECRET)")
	}
	if *userID == "" {
		*userID = "smoke-" + ulid.MustNew(ulid.Now(), rand.Reader).String()
	}

	tok, err := signToken(*secret, *userID, 10*time.Minute)
	if err != nil {
		fatalf("sign token: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, tok, *timeout)
	defer closeWS(a.conn)
	a.mustReadState(root, *timeout, func(s v1.ChatStatePayload) bool { return !s.Loading })

	b := mustConnect(root, "B", *wsURL, *origin, tok, *timeout)
	defer closeWS(b.conn)
	b.mustReadState(root, *timeout, func(s v1.ChatStatePayload) bool { return !s.Loading })

	if *verbose {
		fmt.Printf("connected: A=%s B=%s user=%s\n", a.sessionID, b.sessionID, *userID)
	}

	mustWrite(root, a.conn, envelope("A-pair", v1.TypeChatSendPair, v1.ChatSendPairPayload{User: *text, AI: *reply}), *timeout)

	confirmed := func(s v1.ChatStatePayload) bool { return hasConfirmedPair(s, *text, *reply) }
	sa := a.mustReadState(root, *timeout, confirmed)
	sb := b.mustReadState(root, *timeout, confirmed)

	if *verbose {
		fmt.Printf("A total=%d B total=%d\n", sa.TotalCount, sb.TotalCount)
	}

	mustWrite(root, b.conn, envelope("B-signout", v1.TypeAuthSignOut, struct{}{}), *timeout)
	b.mustReadState(root, *timeout, func(s v1.ChatStatePayload) bool {
		return s.UserID == "" && len(s.Messages) == 0
	})

	fmt.Printf("OK: A=%s B=%s user=%s total=%d\n", a.sessionID, b.sessionID, *userID, sa.TotalCount)
}

func hasConfirmedPair(s v1.ChatStatePayload, user, ai string) bool {
	var gotUser, gotAI bool
	for _, m := range s.Messages {
		if m.Optimistic {
			continue
		}
		switch {
		case m.Role == "user" && m.Content == user:
			gotUser = true
		case m.Role == "ai" && m.Content == ai:
			gotAI = true
		}
	}
	return gotUser && gotAI
}

func signToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if iss := os.Getenv("KRISMINI_JWT_ISSUER"); iss != "" {
		claims.Issuer = iss
	}
	if aud := os.Getenv("KRISMINI_JWT_AUDIENCE"); aud != "" {
		claims.Audience = jwt.ClaimStrings{aud}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, tok string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if conn.Subprotocol() != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, conn.Subprotocol(), v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	mustWrite(parent, conn, envelope(name+"-hello", v1.TypeHello, v1.HelloPayload{Token: tok}), stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello.ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello.ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

// mustReadState reads chat.state envelopes until match accepts one.
func (c *smokeClient) mustReadState(parent context.Context, stepTimeout time.Duration, match func(v1.ChatStatePayload) bool) v1.ChatStatePayload {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		env := c.next(ctx, v1.TypeChatState)
		if env.Type != v1.TypeChatState {
			continue
		}
		var s v1.ChatStatePayload
		if err := json.Unmarshal(env.Payload, &s); err != nil {
			fatalf("unmarshal chat.state payload (%s): %v", c.name, err)
		}
		if match(s) {
			return s
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		if env := c.next(ctx, wantType); env.Type == wantType {
			return env
		}
	}
}

// next returns the next envelope, failing the run on errors and timeouts.
func (c *smokeClient) next(ctx context.Context, waitingFor string) v1.Envelope {
	select {
	case <-ctx.Done():
		fatalf("timeout waiting for %q (%s): %v", waitingFor, c.name, ctx.Err())
	case err := <-c.errCh:
		fatalf("connection error while waiting for %q (%s): %v", waitingFor, c.name, err)
	case env, ok := <-c.inbox:
		if !ok {
			fatalf("connection closed while waiting for %q (%s)", waitingFor, c.name)
		}
		if env.Type == v1.TypeError {
			var ep v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &ep)
			fatalf("server error (%s): code=%q category=%q msg=%q", c.name, ep.Code, ep.Category, ep.Message)
		}
		return env
	}
	return v1.Envelope{}
}

func envelope(id, typ string, payload any) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
}

func mustWrite(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
