// Package persistence owns one session's visible conversation window: the
// optimistic send path, reconciliation with confirmed rows, the hand-off of
// failed writes to the retry queue, and history paging.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"krismini/cmd/internal/auth"
	"krismini/cmd/internal/chat"
	"krismini/cmd/internal/gateway"
	"krismini/cmd/internal/ids"
	"krismini/cmd/internal/retryqueue"
)

// Gateway is the subset of the message gateway the engine uses.
type Gateway interface {
	InsertMany(ctx context.Context, in []chat.NewMessage) ([]chat.Message, error)
	QueryRecent(ctx context.Context, userID string, limit int) (gateway.RecentPage, error)
	QueryOlderThan(ctx context.Context, userID string, before chat.Cursor, limit int) (gateway.Page, error)
	QueryNewerThan(ctx context.Context, userID string, after chat.Cursor, limit int) (gateway.Page, error)
	HealthCheck(ctx context.Context) (bool, error)
}

// Queue is the subset of the retry queue the engine uses.
type Queue interface {
	Enqueue(it retryqueue.Item) bool
	Drain(ctx context.Context)
	Status() retryqueue.Status
	AddListener(fn func(retryqueue.Event)) (remove func())
}

const (
	DefaultPageSize = 50
	DefaultAIOffset = time.Second

	// maxSyncPages bounds one Sync call.
	maxSyncPages = 20

	queuedPrefix = "Message queued for retry: "
)

type Config struct {
	PageSize int
	AIOffset time.Duration
}

func (c Config) normalized() Config {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.AIOffset <= 0 {
		c.AIOffset = DefaultAIOffset
	}
	return c
}

// State is a point-in-time copy of the engine. Version grows with every change.
type State struct {
	Version      uint64
	UserID       string
	Messages     []Entry
	HasMore      bool
	TotalCount   int
	Loading      bool
	LoadingOlder bool
	Saving       bool
	Error        string
	Queue        retryqueue.Status
}

type Engine struct {
	log   *slog.Logger
	gw    Gateway
	queue Queue
	cfg   Config

	now       func() time.Time
	newTempID func(time.Time) (string, error)
	observer  func(State)
	onConfirm func(userID string, msgs []chat.Message)

	removeListener func()

	mu           sync.Mutex
	version      uint64
	userID       string
	epoch        uint64 // bumped on identity change; stale results are dropped
	win          *window
	hasMore      bool
	totalCount   int
	loading      bool
	loadingOlder bool
	saving       int
	lastErr      string
	closed       bool
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithTempIDs(fn func(time.Time) (string, error)) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newTempID = fn
		}
	}
}

// WithObserver registers fn to receive a State after every change.
// Calls may come from several goroutines; use State.Version to order them.
func WithObserver(fn func(State)) Option {
	return func(e *Engine) { e.observer = fn }
}

// WithConfirmHook registers fn to run after rows written by this engine are
// confirmed, either directly or through a queue replay.
func WithConfirmHook(fn func(userID string, msgs []chat.Message)) Option {
	return func(e *Engine) { e.onConfirm = fn }
}

func New(log *slog.Logger, gw Gateway, q Queue, cfg Config, opts ...Option) *Engine {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Engine{
		log:       log,
		gw:        gw,
		queue:     q,
		cfg:       cfg.normalized(),
		now:       func() time.Time { return time.Now().UTC() },
		newTempID: ids.NewTempID,
		win:       newWindow(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if q != nil {
		e.removeListener = q.AddListener(e.onQueueEvent)
	}
	return e
}

// Close detaches the engine from the queue and stops notifications.
// Writes already in flight still complete and may still be queued.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	if e.removeListener != nil {
		e.removeListener()
	}
}

func (e *Engine) UserID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userID
}

// SetUser switches identity. A different user empties the window.
// It reports whether the identity changed.
func (e *Engine) SetUser(userID string) bool {
	e.mu.Lock()
	if e.userID == userID {
		e.mu.Unlock()
		return false
	}
	e.userID = userID
	e.epoch++
	e.win.reset()
	e.hasMore = false
	e.totalCount = 0
	e.loading = false
	e.loadingOlder = false
	e.lastErr = ""
	e.changedLocked()
	e.mu.Unlock()

	e.notify()
	return true
}

// HandleAuthEvent maps identity transitions onto the window: a new identity
// loads its history, sign-out clears everything.
func (e *Engine) HandleAuthEvent(ctx context.Context, ev auth.Event) error {
	switch ev.Type {
	case auth.EventSignedIn, auth.EventTokenRefreshed:
		if e.SetUser(ev.UserID) {
			return e.LoadInitial(ctx)
		}
		return nil
	case auth.EventSignedOut:
		e.SetUser("")
		return nil
	default:
		return nil
	}
}

func (e *Engine) unauthenticatedLocked(op string) error {
	e.lastErr = chat.Humanize(chat.ErrUnauthenticated)
	e.changedLocked()
	return chat.E(op, chat.ErrUnauthenticated, "no signed-in user")
}

// LoadInitial fills the window with the newest page. On failure the window is
// emptied; optimistic entries still waiting for the store are kept.
func (e *Engine) LoadInitial(ctx context.Context) error {
	const op = "persistence.LoadInitial"

	e.mu.Lock()
	if e.userID == "" {
		err := e.unauthenticatedLocked(op)
		e.mu.Unlock()
		e.notify()
		return err
	}
	uid, epoch := e.userID, e.epoch
	e.loading = true
	e.lastErr = ""
	e.changedLocked()
	e.mu.Unlock()
	e.notify()

	page, err := e.gw.QueryRecent(ctx, uid, e.cfg.PageSize)

	e.mu.Lock()
	if e.epoch != epoch {
		e.mu.Unlock()
		return nil
	}
	e.loading = false
	prev := e.win.snapshot()
	keep := e.win.optimistic()
	e.win.reset()
	if err != nil {
		e.hasMore = false
		e.totalCount = 0
		e.lastErr = chat.Humanize(err)
	} else {
		e.win.merge(page.Messages)
		e.win.adopt(prev)
		e.hasMore = page.HasMore
		e.totalCount = page.TotalCount
	}
	for _, o := range keep {
		e.win.appendOptimistic(o)
		e.win.settle(e.win.len() - 1)
	}
	e.changedLocked()
	e.mu.Unlock()
	e.notify()

	if err != nil {
		e.log.Warn("persistence.load_initial.fail", "user_id", uid, "err", err)
	}
	return err
}

// LoadOlder prepends the page before the oldest confirmed entry. It does
// nothing while another LoadOlder runs, when HasMore is false, or when the
// window holds nothing confirmed.
func (e *Engine) LoadOlder(ctx context.Context) error {
	const op = "persistence.LoadOlder"

	e.mu.Lock()
	if e.userID == "" {
		err := e.unauthenticatedLocked(op)
		e.mu.Unlock()
		e.notify()
		return err
	}
	oldest, ok := e.win.oldestConfirmed()
	if e.loadingOlder || !e.hasMore || !ok {
		e.mu.Unlock()
		return nil
	}
	uid, epoch := e.userID, e.epoch
	e.loadingOlder = true
	e.lastErr = ""
	e.changedLocked()
	e.mu.Unlock()
	e.notify()

	page, err := e.gw.QueryOlderThan(ctx, uid, chat.CursorOf(oldest), e.cfg.PageSize)

	e.mu.Lock()
	if e.epoch != epoch {
		e.mu.Unlock()
		return nil
	}
	e.loadingOlder = false
	if err != nil {
		e.lastErr = chat.Humanize(err)
	} else {
		e.win.prepend(page.Messages)
		e.hasMore = page.HasMore
	}
	e.changedLocked()
	e.mu.Unlock()
	e.notify()

	if err != nil {
		e.log.Warn("persistence.load_older.fail", "user_id", uid, "err", err)
	}
	return err
}

// Send shows the pair at once and then writes it. It blocks until the store
// confirms or the pair has been handed to the retry queue.
func (e *Engine) Send(ctx context.Context, userText, aiText string) error {
	const op = "persistence.Send"

	if strings.TrimSpace(userText) == "" || strings.TrimSpace(aiText) == "" {
		err := chat.E(op, chat.ErrInvalidInput, "both messages are required")
		e.mu.Lock()
		e.lastErr = chat.Humanize(err)
		e.changedLocked()
		e.mu.Unlock()
		e.notify()
		return err
	}

	e.mu.Lock()
	if e.userID == "" {
		err := e.unauthenticatedLocked(op)
		e.mu.Unlock()
		e.notify()
		return err
	}
	uid, epoch := e.userID, e.epoch

	userAt := e.now().UTC()
	if newest := e.win.newest(); userAt.Before(newest) {
		userAt = newest
	}
	aiAt := userAt.Add(e.cfg.AIOffset)

	userTemp, err := e.newTempID(userAt)
	if err != nil {
		e.mu.Unlock()
		return chat.Wrap(op, chat.ErrUnknown, err)
	}
	aiTemp, err := e.newTempID(aiAt)
	if err != nil {
		e.mu.Unlock()
		return chat.Wrap(op, chat.ErrUnknown, err)
	}

	pair := []chat.NewMessage{
		{UserID: uid, Role: chat.RoleUser, Content: userText},
		{UserID: uid, Role: chat.RoleAI, Content: aiText},
	}
	e.win.appendOptimistic(optimisticEntry(userTemp, pair[0], userAt))
	e.win.appendOptimistic(optimisticEntry(aiTemp, pair[1], aiAt))
	e.saving++
	e.lastErr = ""
	e.changedLocked()
	e.mu.Unlock()
	e.notify()

	rows, err := e.gw.InsertMany(ctx, pair)

	var confirmed []chat.Message
	e.mu.Lock()
	e.saving--
	current := e.epoch == epoch
	switch {
	case err == nil && len(rows) == 2:
		userRow, aiRow, matched := matchPair(rows)
		if !matched {
			err = chat.E(op, chat.ErrUnknown, "store returned mismatched rows")
			if current {
				e.win.bump(userTemp)
				e.win.bump(aiTemp)
				e.lastErr = "Message could not be confirmed"
			}
			break
		}
		confirmed = []chat.Message{userRow, aiRow}
		if current {
			for _, c := range []struct {
				temp string
				row  chat.Message
			}{{userTemp, userRow}, {aiTemp, aiRow}} {
				if _, added := e.win.confirm(c.temp, c.row); added {
					e.totalCount++
				}
			}
		}

	case err == nil:
		err = chat.E(op, chat.ErrUnknown, fmt.Sprintf("store returned %d rows for 2 messages", len(rows)))
		if current {
			e.win.bump(userTemp)
			e.win.bump(aiTemp)
			e.lastErr = "Message could not be confirmed"
		}

	default:
		if current {
			e.win.bump(userTemp)
			e.win.bump(aiTemp)
		}
	}
	e.changedLocked()
	e.mu.Unlock()

	if err != nil && len(rows) == 0 {
		err = e.queueFailedPair(op, uid, current, []string{userTemp, aiTemp}, pair, err)
	} else if err != nil {
		e.log.Error("persistence.send.mismatch", "user_id", uid, "rows", len(rows), "err", err)
	}
	e.notify()

	if err == nil && e.onConfirm != nil {
		e.onConfirm(uid, confirmed)
	}
	return err
}

// queueFailedPair hands both writes to the retry queue and returns the
// error to surface.
func (e *Engine) queueFailedPair(op, uid string, current bool, temps []string, pair []chat.NewMessage, cause error) error {
	queued := 0
	if e.queue != nil {
		for i, m := range pair {
			if e.queue.Enqueue(retryqueue.Item{ID: temps[i], Message: m, EnqueuedAt: e.now()}) {
				queued++
			}
		}
	}

	msg := chat.Humanize(cause)
	if queued > 0 {
		msg = queuedPrefix + msg
	}
	e.log.Warn("persistence.send.fail", "user_id", uid, "queued", queued, "err", cause)

	if current {
		e.mu.Lock()
		e.lastErr = msg
		e.changedLocked()
		e.mu.Unlock()
	}
	return &chat.Error{Op: op, Kind: chat.KindOf(cause), Msg: msg, Err: cause}
}

// RetryNow drains the retry queue on the caller's goroutine.
func (e *Engine) RetryNow(ctx context.Context) error {
	const op = "persistence.RetryNow"

	e.mu.Lock()
	if e.userID == "" {
		err := e.unauthenticatedLocked(op)
		e.mu.Unlock()
		e.notify()
		return err
	}
	e.mu.Unlock()

	if e.queue != nil {
		e.queue.Drain(ctx)
	}

	e.mu.Lock()
	e.changedLocked()
	e.mu.Unlock()
	e.notify()
	return nil
}

// ClearError clears the surfaced error and nothing else.
func (e *Engine) ClearError() {
	e.mu.Lock()
	if e.lastErr == "" {
		e.mu.Unlock()
		return
	}
	e.lastErr = ""
	e.changedLocked()
	e.mu.Unlock()
	e.notify()
}

// Sync merges confirmed rows newer than the newest confirmed entry, such as
// messages written from another device. With nothing confirmed yet it falls
// back to LoadInitial.
func (e *Engine) Sync(ctx context.Context) error {
	const op = "persistence.Sync"

	e.mu.Lock()
	if e.userID == "" {
		err := e.unauthenticatedLocked(op)
		e.mu.Unlock()
		e.notify()
		return err
	}
	newest, ok := e.win.newestConfirmed()
	uid, epoch := e.userID, e.epoch
	e.mu.Unlock()

	if !ok {
		return e.LoadInitial(ctx)
	}

	cursor := chat.CursorOf(newest)
	var fetched []chat.Message
	for i := 0; i < maxSyncPages; i++ {
		page, err := e.gw.QueryNewerThan(ctx, uid, cursor, e.cfg.PageSize)
		if err != nil {
			e.mu.Lock()
			if e.epoch == epoch {
				e.lastErr = chat.Humanize(err)
				e.changedLocked()
			}
			e.mu.Unlock()
			e.notify()
			return err
		}
		fetched = append(fetched, page.Messages...)
		if !page.HasMore || len(page.Messages) == 0 {
			break
		}
		cursor = chat.CursorOf(page.Messages[len(page.Messages)-1])
	}

	e.mu.Lock()
	if e.epoch != epoch {
		e.mu.Unlock()
		return nil
	}
	added := e.win.merge(fetched)
	if added > 0 {
		e.totalCount += added
		e.changedLocked()
	}
	e.mu.Unlock()

	if added > 0 {
		e.notify()
	}
	return nil
}

// Online reports whether the store answers a health check.
func (e *Engine) Online(ctx context.Context) bool {
	ok, err := e.gw.HealthCheck(ctx)
	return err == nil && ok
}

func (e *Engine) State() State {
	var qs retryqueue.Status
	if e.queue != nil {
		qs = e.queue.Status()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return State{
		Version:      e.version,
		UserID:       e.userID,
		Messages:     e.win.snapshot(),
		HasMore:      e.hasMore,
		TotalCount:   e.totalCount,
		Loading:      e.loading,
		LoadingOlder: e.loadingOlder,
		Saving:       e.saving > 0,
		Error:        e.lastErr,
		Queue:        qs,
	}
}

func (e *Engine) onQueueEvent(ev retryqueue.Event) {
	e.mu.Lock()
	if e.closed || ev.Item.Message.UserID != e.userID {
		e.mu.Unlock()
		return
	}
	changed := false
	switch ev.Type {
	case retryqueue.EventDelivered:
		found, added := e.win.confirm(ev.Item.ID, ev.Stored)
		if added {
			e.totalCount++
		}
		changed = found
	case retryqueue.EventFailed:
		changed = e.win.bump(ev.Item.ID)
	case retryqueue.EventDropped:
		if e.win.bump(ev.Item.ID) {
			e.lastErr = fmt.Sprintf("Message could not be saved after %d attempts", ev.Item.RetryCount)
			changed = true
		}
	}
	if changed {
		e.changedLocked()
	}
	uid := e.userID
	e.mu.Unlock()

	if changed {
		e.notify()
	}
	if changed && ev.Type == retryqueue.EventDelivered && e.onConfirm != nil {
		e.onConfirm(uid, []chat.Message{ev.Stored})
	}
}

func (e *Engine) changedLocked() { e.version++ }

func (e *Engine) notify() {
	if e.observer == nil {
		return
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}
	e.observer(e.State())
}

func optimisticEntry(tempID string, m chat.NewMessage, at time.Time) Entry {
	return Entry{
		Message: chat.Message{
			ID:        tempID,
			UserID:    m.UserID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: at,
		},
		TempID:     tempID,
		Optimistic: true,
	}
}

// matchPair picks the user and ai rows by role so a reordered result still
// lands on the right optimistic entries.
func matchPair(rows []chat.Message) (userRow, aiRow chat.Message, ok bool) {
	var gotUser, gotAI bool
	for _, r := range rows {
		switch r.Role {
		case chat.RoleUser:
			userRow, gotUser = r, true
		case chat.RoleAI:
			aiRow, gotAI = r, true
		}
	}
	return userRow, aiRow, gotUser && gotAI
}

// IsQueued reports whether err came from a send whose writes were queued.
func IsQueued(err error) bool {
	var ce *chat.Error
	return errors.As(err, &ce) && strings.HasPrefix(ce.Msg, queuedPrefix)
}
