package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"krismini/cmd/internal/auth"
	"krismini/cmd/internal/chat"
	"krismini/cmd/internal/completion"
	"krismini/cmd/internal/persistence"
	v1 "krismini/shared/contracts/chat/v1"
)

var errHeartbeat = errors.New("heartbeat failed")

// wsSession is one connection: its identity, its engine, and the goroutines
// that move envelopes in and out.
type wsSession struct {
	g      *WSGateway
	log    *slog.Logger
	conn   *websocket.Conn
	client *Client
	auth   *auth.Session
	engine *persistence.Engine
	rl     *RateLimiter

	authEvents  chan auth.Event
	unsubscribe func()

	// jobs run slow chat commands off the read loop, in arrival order.
	jobs chan func(context.Context)

	closeOnce sync.Once
	cancel    context.CancelFunc
}

func newWSSession(g *WSGateway, conn *websocket.Conn, sessionID string, cancel context.CancelFunc) *wsSession {
	log := g.log.With("session_id", sessionID)
	s := &wsSession{
		g:          g,
		log:        log,
		conn:       conn,
		client:     NewClient(sessionID, g.cfg.SendQueueSize),
		auth:       auth.NewSession(log, g.deps.Verifier, g.deps.Denylist),
		rl:         NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow),
		authEvents: make(chan auth.Event, 8),
		jobs:       make(chan func(context.Context), maxPendingJobs),
		cancel:     cancel,
	}
	s.engine = persistence.New(log, g.deps.Gateway, g.deps.Queue,
		persistence.Config{PageSize: g.deps.PageSize},
		persistence.WithObserver(func(st persistence.State) {
			s.client.PushState(statePayload(st))
		}),
		persistence.WithConfirmHook(func(userID string, _ []chat.Message) {
			g.hub.Nudge(userID, sessionID)
		}),
	)
	s.unsubscribe = s.auth.Subscribe(func(ev auth.Event) {
		select {
		case s.authEvents <- ev:
		default:
			s.log.Warn("ws.auth.event.drop", "event", ev.Type.String())
		}
	})
	return s
}

func (s *wsSession) run(ctx context.Context) {
	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return s.writeLoop(gctx) })
	grp.Go(func() error { return s.heartbeatLoop(gctx) })
	grp.Go(func() error { return s.nudgeLoop(gctx) })
	grp.Go(func() error { return s.workLoop(gctx) })

	s.readLoop(gctx)
	s.shutdown(websocket.StatusNormalClosure, "bye")

	if err := grp.Wait(); err != nil {
		s.log.Info("ws.session.error", "err", err)
	}
	s.unsubscribe()
	s.engine.Close()
	s.g.hub.Unbind(s.client)
}

// shutdown is idempotent. It does not close client.Send.
func (s *wsSession) shutdown(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.client.Close()
		_ = s.conn.Close(code, reason)
		s.cancel()
	})
}

func (s *wsSession) writeLoop(ctx context.Context) error {
	for {
		var env v1.Envelope
		select {
		case <-ctx.Done():
			return nil
		case <-s.client.Done():
			return nil
		case env = <-s.client.Send:
		case <-s.client.stateReady:
			st, ok := s.client.takeState()
			if !ok {
				continue
			}
			env = newEnvelope(v1.TypeChatState, st)
		}

		if err := writeEnvelope(ctx, s.conn, env, s.g.cfg.WriteTimeout); err != nil {
			s.log.Info("ws.write.fail", "type", env.Type, "close_status", websocket.CloseStatus(err), "err", err)
			s.shutdown(websocket.StatusAbnormalClosure, "write failed")
			return err
		}
	}
}

func (s *wsSession) heartbeatLoop(ctx context.Context) error {
	t := time.NewTicker(s.g.cfg.HeartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.client.Done():
			return nil
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, s.g.cfg.HeartbeatTimeout)
			err := s.conn.Ping(hbCtx)
			hbCancel()

			if err == nil {
				failures = 0
				continue
			}
			failures++
			s.log.Info("ws.ping.fail", "failures", failures, "err", err)
			if failures >= wsMaxPingFailures {
				s.shutdown(websocket.StatusGoingAway, "heartbeat failed")
				return errHeartbeat
			}
		}
	}
}

// nudgeLoop syncs the window when another session of the same user wrote.
func (s *wsSession) nudgeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.client.Done():
			return nil
		case <-s.client.nudge:
			if s.engine.UserID() == "" {
				continue
			}
			if err := s.engine.Sync(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("ws.sync.fail", "err", err)
			}
		}
	}
}

// workLoop runs queued chat commands one at a time so the read loop keeps
// consuming frames, pongs included, while a completion or write is in flight.
func (s *wsSession) workLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.client.Done():
			return nil
		case job := <-s.jobs:
			job(ctx)
		}
	}
}

func (s *wsSession) submit(ctx context.Context, job func(context.Context)) {
	select {
	case s.jobs <- job:
	default:
		s.sendError(ctx, "busy", v1.CategoryConnection, "too many pending requests")
	}
}

func (s *wsSession) readLoop(ctx context.Context) {
	for {
		readCtx, readCancel := context.WithTimeout(ctx, s.g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, s.conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				s.shutdown(websocket.StatusNormalClosure, "peer closed")
				return
			case readErrCtxDone:
				s.shutdown(websocket.StatusNormalClosure, "context done")
				return
			case readErrConnClosed:
				s.shutdown(websocket.StatusAbnormalClosure, "conn closed")
				return
			case readErrBadJSON:
				s.sendError(ctx, "bad_json", "", "invalid JSON")
				continue
			default:
				s.log.Info("ws.read.fail", "err", err)
				s.shutdown(websocket.StatusAbnormalClosure, "read failed")
				return
			}
		}

		if !s.rl.Allow(time.Now().UTC()) {
			s.sendError(ctx, "rate_limited", "", "too many events")
			s.shutdown(websocket.StatusPolicyViolation, "rate limited")
			return
		}

		if err := env.Validate(); err != nil {
			s.sendError(ctx, "bad_envelope", "", err.Error())
			continue
		}

		if env.Type == v1.TypeHello {
			if err := s.onHello(ctx, env); err != nil {
				s.log.Info("ws.auth.fail", "err", err)
				s.shutdown(websocket.StatusPolicyViolation, "hello failed")
				return
			}
			continue
		}
		if s.auth.UserID() == "" {
			s.sendError(ctx, "hello_required", v1.CategoryConnection, "send hello first")
			continue
		}

		s.dispatch(ctx, env)
	}
}

func (s *wsSession) dispatch(ctx context.Context, env v1.Envelope) {
	switch env.Type {
	case v1.TypeAuthRefresh:
		s.onRefresh(ctx, env)
	case v1.TypeAuthSignOut:
		if err := s.auth.SignOut(ctx); err != nil {
			s.sendError(ctx, "sign_out_failed", v1.CategoryConnection, chat.Humanize(err))
		}
		s.applyAuthEvents(ctx)
	case v1.TypeChatSend:
		s.onChatSend(ctx, env)
	case v1.TypeChatSendPair:
		s.onChatSendPair(ctx, env)
	case v1.TypeChatLoadOlder:
		if s.authorized(ctx) {
			s.submit(ctx, func(ctx context.Context) {
				s.reportEngineErr(ctx, "load_failed", s.engine.LoadOlder(ctx))
			})
		}
	case v1.TypeChatSync:
		if s.authorized(ctx) {
			s.submit(ctx, func(ctx context.Context) {
				s.reportEngineErr(ctx, "sync_failed", s.engine.Sync(ctx))
			})
		}
	case v1.TypeChatRetry:
		if s.authorized(ctx) {
			s.submit(ctx, func(ctx context.Context) {
				s.reportEngineErr(ctx, "retry_failed", s.engine.RetryNow(ctx))
			})
		}
	case v1.TypeChatClearError:
		s.engine.ClearError()
	default:
		s.sendError(ctx, "unsupported", "", fmt.Sprintf("unsupported type: %s", env.Type))
	}
}

// ---- handlers ----

func (s *wsSession) onHello(ctx context.Context, env v1.Envelope) error {
	if s.auth.UserID() != "" {
		s.sendError(ctx, "already_authenticated", v1.CategoryConnection, "use auth.refresh to change tokens")
		return nil
	}

	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.sendError(ctx, "bad_payload", v1.CategoryConnection, "invalid payload")
		return fmt.Errorf("invalid payload: %w", err)
	}

	claims, err := s.auth.SignIn(ctx, p.Token)
	if err != nil {
		s.sendError(ctx, "auth_failed", v1.CategoryConnection, chat.Humanize(err))
		return err
	}

	ack := newEnvelope(v1.TypeHelloAck, v1.HelloAckPayload{SessionID: s.client.SessionID, UserID: claims.UserID})
	if !s.enqueue(ctx, ack) {
		return errors.New("backpressure: hello.ack")
	}
	s.applyAuthEvents(ctx)
	return nil
}

func (s *wsSession) onRefresh(ctx context.Context, env v1.Envelope) {
	var p v1.AuthRefreshPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.sendError(ctx, "bad_payload", v1.CategoryConnection, "invalid payload")
		return
	}
	if _, err := s.auth.Refresh(ctx, p.Token); err != nil {
		s.sendError(ctx, "auth_failed", v1.CategoryConnection, chat.Humanize(err))
		return
	}
	s.applyAuthEvents(ctx)
}

// applyAuthEvents moves identity changes queued by the auth session onto the
// hub and the engine.
func (s *wsSession) applyAuthEvents(ctx context.Context) {
	for {
		select {
		case ev := <-s.authEvents:
			s.g.hub.Bind(s.client, ev.UserID)
			if err := s.engine.HandleAuthEvent(ctx, ev); err != nil {
				s.sendError(ctx, "load_failed", v1.CategoryConnection, chat.Humanize(err))
			}
		default:
			return
		}
	}
}

func (s *wsSession) authorized(ctx context.Context) bool {
	if _, err := s.auth.Authorize(); err != nil {
		code := "unauthenticated"
		if errors.Is(err, chat.ErrAuthExpired) {
			code = "auth_expired"
		}
		s.sendError(ctx, code, v1.CategoryConnection, chat.Humanize(err))
		return false
	}
	return true
}

func (s *wsSession) onChatSend(ctx context.Context, env v1.Envelope) {
	var p v1.ChatSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.sendError(ctx, "bad_payload", v1.CategoryMessage, "invalid payload")
		return
	}
	text := strings.TrimSpace(p.Text)
	switch {
	case text == "":
		s.sendError(ctx, "bad_payload", v1.CategoryMessage, completion.Humanize(completion.ErrEmptyPrompt))
		return
	case utf8.RuneCountInString(text) > maxMessageChars:
		s.sendError(ctx, "message_too_long", v1.CategoryMessage, fmt.Sprintf("message too long: max=%d chars", maxMessageChars))
		return
	}
	if !s.authorized(ctx) {
		return
	}

	c := s.g.deps.Completer
	if c == nil {
		s.sendError(ctx, "completion_unavailable", v1.CategoryMessage, completion.Humanize(completion.ErrNotConfigured))
		return
	}
	s.submit(ctx, func(ctx context.Context) { s.complete(ctx, c, text) })
}

func (s *wsSession) complete(ctx context.Context, c completion.Completer, text string) {
	cctx, cancel := context.WithTimeout(ctx, s.g.cfg.CompletionTimeout)
	reply, err := c.Complete(cctx, text)
	cancel()
	s.g.deps.Metrics.Completion(completion.Outcome(err))
	if err != nil {
		s.log.Warn("ws.completion.fail", "err", err)
		s.sendError(ctx, "completion_failed", v1.CategoryMessage, completion.Humanize(err))
		return
	}

	_ = s.enqueue(ctx, newEnvelope(v1.TypeChatReply, v1.ChatReplyPayload{Text: reply}))
	s.persist(ctx, text, reply)
}

func (s *wsSession) onChatSendPair(ctx context.Context, env v1.Envelope) {
	var p v1.ChatSendPairPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.sendError(ctx, "bad_payload", v1.CategoryConnection, "invalid payload")
		return
	}
	if !s.authorized(ctx) {
		return
	}
	s.submit(ctx, func(ctx context.Context) { s.persist(ctx, p.User, p.AI) })
}

// persist writes the pair through the engine. The write is detached from the
// connection so a disconnect cannot abandon it halfway.
func (s *wsSession) persist(ctx context.Context, userText, aiText string) {
	err := s.engine.Send(context.WithoutCancel(ctx), userText, aiText)
	if err == nil {
		return
	}

	code, msg := "send_failed", chat.Humanize(err)
	var ce *chat.Error
	switch {
	case persistence.IsQueued(err) && errors.As(err, &ce):
		code, msg = "send_queued", ce.Msg
	case errors.Is(err, chat.ErrInvalidInput):
		code = "bad_payload"
	}
	s.log.Info("ws.send.fail", "code", code, "err", err)
	s.sendError(ctx, code, v1.CategoryConnection, msg)
}

func (s *wsSession) reportEngineErr(ctx context.Context, code string, err error) {
	if err == nil {
		return
	}
	s.sendError(ctx, code, v1.CategoryConnection, chat.Humanize(err))
}

// ---- send helpers ----

func (s *wsSession) sendError(ctx context.Context, code, category, msg string) {
	_ = s.enqueue(ctx, newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Category: category, Message: msg}))
}

func (s *wsSession) enqueue(ctx context.Context, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.client.Done():
		return false
	case s.client.Send <- env:
		return true
	default:
		return false
	}
}
