// Package retryqueue holds writes that the store did not confirm and replays
// them in the background until they land or exhaust their retries.
// The queue lives for the process only.
package retryqueue

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"krismini/cmd/internal/chat"
	"krismini/cmd/internal/metrics"
)

// Inserter is the write path used for replays.
type Inserter interface {
	InsertOne(ctx context.Context, m chat.NewMessage) (chat.Message, error)
}

type Config struct {
	Enabled    bool
	MaxRetries int
	RetryDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		MaxRetries: 3,
		RetryDelay: 2 * time.Second,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	return c
}

// Item is a queued write. ID is the temp id of the optimistic message it came from.
type Item struct {
	ID         string
	Message    chat.NewMessage
	EnqueuedAt time.Time
	RetryCount int
}

type EventType uint8

const (
	EventDelivered EventType = iota + 1
	EventFailed
	EventDropped
)

func (t EventType) String() string {
	switch t {
	case EventDelivered:
		return "delivered"
	case EventFailed:
		return "failed"
	case EventDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Event reports one replay outcome. Stored is set for EventDelivered.
type Event struct {
	Type   EventType
	Item   Item
	Stored chat.Message
	Err    error
}

type Status struct {
	QueueLength  int
	IsProcessing bool
}

type Queue struct {
	log     *slog.Logger
	ins     Inserter
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	cfg        Config
	items      []*Item
	byID       map[string]*Item
	processing bool
	timer      *time.Timer
	closed     bool
	listeners  map[uint64]func(Event)
	nextLis    uint64
	now        func() time.Time
}

type Option func(*Queue)

func WithMetrics(m *metrics.Metrics) Option { return func(q *Queue) { q.metrics = m } }

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

func New(log *slog.Logger, ins Inserter, cfg Config, opts ...Option) *Queue {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		log:       log,
		ins:       ins,
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg.normalized(),
		byID:      make(map[string]*Item),
		listeners: make(map[uint64]func(Event)),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds it and starts a background drain. It reports false when the
// queue is disabled, closed, or already holds an item with the same id.
func (q *Queue) Enqueue(it Item) bool {
	q.mu.Lock()
	if !q.cfg.Enabled || q.closed || it.ID == "" {
		q.mu.Unlock()
		return false
	}
	if _, dup := q.byID[it.ID]; dup {
		q.mu.Unlock()
		return false
	}
	if it.EnqueuedAt.IsZero() {
		it.EnqueuedAt = q.now()
	}
	item := it
	q.items = append(q.items, &item)
	q.byID[it.ID] = &item
	q.metrics.QueueLength(len(q.items))
	q.wg.Add(1)
	q.mu.Unlock()

	q.metrics.QueueEvent("enqueued")
	q.log.Info("retryqueue.enqueue", "id", it.ID, "user_id", it.Message.UserID, "role", it.Message.Role)

	go func() {
		defer q.wg.Done()
		q.Drain(q.ctx)
	}()
	return true
}

// Drain replays a snapshot of the queue, oldest first. It returns at once
// when another drain is running or the queue is empty. Items that remain
// are retried after RetryDelay.
func (q *Queue) Drain(ctx context.Context) {
	q.mu.Lock()
	if q.processing || q.closed || len(q.items) == 0 {
		q.mu.Unlock()
		return
	}
	q.processing = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	snapshot := make([]Item, 0, len(q.items))
	for _, it := range q.items {
		snapshot = append(snapshot, *it)
	}
	maxRetries := q.cfg.MaxRetries
	q.mu.Unlock()

	for _, it := range snapshot {
		if ctx.Err() != nil {
			break
		}
		stored, err := q.ins.InsertOne(ctx, it.Message)

		if err != nil && ctx.Err() != nil {
			// Shutdown or caller cancel; the attempt does not count.
			break
		}

		q.mu.Lock()
		cur, ok := q.byID[it.ID]
		if !ok {
			// Cleared while the replay was in flight.
			q.mu.Unlock()
			continue
		}
		ev := Event{Item: *cur, Err: err}
		switch {
		case err == nil:
			q.removeLocked(it.ID)
			ev.Type = EventDelivered
			ev.Stored = stored
		default:
			cur.RetryCount++
			ev.Item.RetryCount = cur.RetryCount
			if cur.RetryCount >= maxRetries {
				q.removeLocked(it.ID)
				ev.Type = EventDropped
			} else {
				ev.Type = EventFailed
			}
		}
		q.metrics.QueueLength(len(q.items))
		q.mu.Unlock()

		q.report(ev)
		q.emit(ev)
	}

	q.mu.Lock()
	q.processing = false
	if len(q.items) > 0 && !q.closed {
		q.scheduleLocked()
	}
	q.mu.Unlock()
}

func (q *Queue) report(ev Event) {
	q.metrics.QueueEvent(ev.Type.String())
	switch ev.Type {
	case EventDelivered:
		q.log.Info("retryqueue.delivered", "id", ev.Item.ID, "message_id", ev.Stored.ID, "retries", ev.Item.RetryCount)
	case EventFailed:
		q.log.Warn("retryqueue.replay.fail", "id", ev.Item.ID, "retry_count", ev.Item.RetryCount, "err", ev.Err)
	case EventDropped:
		q.log.Warn("retryqueue.drop", "id", ev.Item.ID, "retry_count", ev.Item.RetryCount, "err", ev.Err)
	}
}

func (q *Queue) scheduleLocked() {
	if q.timer != nil {
		return
	}
	q.timer = time.AfterFunc(q.cfg.RetryDelay, func() {
		q.mu.Lock()
		q.timer = nil
		if q.closed {
			q.mu.Unlock()
			return
		}
		q.wg.Add(1)
		q.mu.Unlock()

		defer q.wg.Done()
		q.Drain(q.ctx)
	})
}

func (q *Queue) removeLocked(id string) {
	delete(q.byID, id)
	for i, it := range q.items {
		if it.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

func (q *Queue) emit(ev Event) {
	q.mu.Lock()
	fns := make([]func(Event), 0, len(q.listeners))
	for _, fn := range q.listeners {
		fns = append(fns, fn)
	}
	q.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// AddListener registers fn for replay events. Listeners run on the draining
// goroutine and must not block for long.
func (q *Queue) AddListener(fn func(Event)) (remove func()) {
	q.mu.Lock()
	q.nextLis++
	id := q.nextLis
	q.listeners[id] = fn
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		delete(q.listeners, id)
		q.mu.Unlock()
	}
}

func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{QueueLength: len(q.items), IsProcessing: q.processing}
}

// Items returns a copy of the queued writes in enqueue order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, *it)
	}
	return out
}

// Clear drops every queued write without replaying it.
func (q *Queue) Clear() {
	q.mu.Lock()
	n := len(q.items)
	q.items = nil
	q.byID = make(map[string]*Item)
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.metrics.QueueLength(0)
	q.mu.Unlock()

	if n > 0 {
		q.log.Warn("retryqueue.clear", "dropped", n)
	}
}

func (q *Queue) Config() Config {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg
}

// UpdateConfig replaces the settings. Disabling the queue keeps existing items.
func (q *Queue) UpdateConfig(cfg Config) {
	q.mu.Lock()
	q.cfg = cfg.normalized()
	q.mu.Unlock()
}

// Close stops the retry timer and waits for running drains.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	pending := len(q.items)
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	if pending > 0 {
		q.log.Warn("retryqueue.close", "abandoned", pending)
	}
}
