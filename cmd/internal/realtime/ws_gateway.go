package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"krismini/cmd/internal/auth"
	"krismini/cmd/internal/completion"
	"krismini/cmd/internal/metrics"
	"krismini/cmd/internal/persistence"
	v1 "krismini/shared/contracts/chat/v1"
)

// Deps are the collaborators every connection shares.
type Deps struct {
	Gateway  persistence.Gateway
	Queue    persistence.Queue
	Verifier auth.TokenVerifier
	Denylist auth.Denylist
	// Completer may be nil; chat.send then fails with a message error.
	Completer completion.Completer
	Metrics   *metrics.Metrics
	// Hub defaults to a fresh one.
	Hub      *Hub
	PageSize int
}

// WSGateway is the websocket entrypoint for the chat protocol.
//
// It enforces origin policy, subprotocol selection, rate limits and
// heartbeats, and runs one persistence engine per authenticated connection.
type WSGateway struct {
	log  *slog.Logger
	cfg  WSConfig
	deps Deps
	hub  *Hub

	origin         originPolicy
	originPatterns []string
}

func NewWSGateway(log *slog.Logger, cfg WSConfig, deps Deps) (*WSGateway, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Gateway == nil {
		return nil, errors.New("realtime: nil message gateway")
	}
	if deps.Verifier == nil {
		return nil, errors.New("realtime: nil token verifier")
	}
	if deps.Hub == nil {
		deps.Hub = NewHub(log)
	}

	cfg = cfg.normalized()
	g := &WSGateway{
		log:    log,
		cfg:    cfg,
		deps:   deps,
		hub:    deps.Hub,
		origin: originPolicy{required: cfg.OriginRequired, allowed: cfg.AllowedOrigins},
	}
	g.originPatterns = g.origin.acceptPatterns()
	return g, nil
}

func (g *WSGateway) Hub() *Hub { return g.hub }

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades the request and runs the session until either side closes.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.origin.check(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session.id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g.deps.Metrics.SessionOpened()
	defer g.deps.Metrics.SessionClosed()

	start := time.Now()
	g.log.Info("ws.session.open", "session_id", sessionID, "remote", r.RemoteAddr)
	s := newWSSession(g, conn, sessionID, cancel)
	s.run(ctx)
	g.log.Info("ws.session.close", "session_id", sessionID, "dur_ms", time.Since(start).Milliseconds())
}

// ---- envelope IO ----

func newEnvelope(typ string, payload any) v1.Envelope {
	now := time.Now().UTC()
	id, _ := NewEnvelopeID(now)
	b, _ := json.Marshal(payload)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      now,
		Payload: b,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

var errBadJSON = errors.New("bad json")

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	if strings.Contains(err.Error(), "use of closed network connection") {
		return readErrConnClosed
	}
	return readErrUnknown
}
