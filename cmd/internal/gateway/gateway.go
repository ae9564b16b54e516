// Package gateway is the single entry point to the message store. Every call
// runs under an exponential backoff and every failure leaves as a *chat.Error.
package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"krismini/cmd/internal/chat"
	"krismini/cmd/internal/messages"
	"krismini/cmd/internal/metrics"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Page is a slice of the log in ascending order.
type Page struct {
	Messages []chat.Message
	HasMore  bool
}

// RecentPage is the newest page plus the user's total message count.
type RecentPage struct {
	Messages   []chat.Message
	HasMore    bool
	TotalCount int
}

type Gateway struct {
	log     *slog.Logger
	store   messages.Store
	cfg     Config
	metrics *metrics.Metrics
}

// Option configures Gateway.
type Option func(*Gateway)

func WithMetrics(m *metrics.Metrics) Option { return func(g *Gateway) { g.metrics = m } }

func New(log *slog.Logger, store messages.Store, cfg Config, opts ...Option) *Gateway {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	g := &Gateway{
		log:   log,
		store: store,
		cfg:   cfg.normalized(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) Config() Config { return g.cfg }

func (g *Gateway) InsertOne(ctx context.Context, m chat.NewMessage) (chat.Message, error) {
	const op = "gateway.InsertOne"
	if err := m.Validate(op); err != nil {
		return chat.Message{}, err
	}

	var out chat.Message
	err := g.do(ctx, op, func(ctx context.Context) error {
		rows, err := g.store.Insert(ctx, []chat.NewMessage{m})
		if err != nil {
			return err
		}
		if len(rows) != 1 {
			return chat.E(op, chat.ErrUnknown, fmt.Sprintf("store returned %d rows", len(rows)))
		}
		out = rows[0]
		return nil
	})
	return out, err
}

// InsertMany is atomic: any failure fails the whole batch.
func (g *Gateway) InsertMany(ctx context.Context, in []chat.NewMessage) ([]chat.Message, error) {
	const op = "gateway.InsertMany"
	if len(in) == 0 {
		return nil, chat.E(op, chat.ErrInvalidInput, "empty batch")
	}
	for _, m := range in {
		if err := m.Validate(op); err != nil {
			return nil, err
		}
	}

	var out []chat.Message
	err := g.do(ctx, op, func(ctx context.Context) error {
		rows, err := g.store.Insert(ctx, in)
		if err != nil {
			return err
		}
		out = rows
		return nil
	})
	return out, err
}

// QueryAscending returns up to limit rows from offset, oldest first.
func (g *Gateway) QueryAscending(ctx context.Context, userID string, limit, offset int) ([]chat.Message, error) {
	const op = "gateway.QueryAscending"
	if err := requireUser(op, userID); err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, chat.E(op, chat.ErrInvalidInput, "negative offset")
	}

	var out []chat.Message
	err := g.do(ctx, op, func(ctx context.Context) error {
		rows, err := g.store.List(ctx, messages.ListInput{
			UserID: userID,
			Order:  messages.Ascending,
			Limit:  clampLimit(limit),
			Offset: offset,
		})
		out = rows
		return err
	})
	return out, err
}

// QueryRecent returns the newest limit rows in ascending order.
// HasMore compares the separate count against limit.
func (g *Gateway) QueryRecent(ctx context.Context, userID string, limit int) (RecentPage, error) {
	const op = "gateway.QueryRecent"
	if err := requireUser(op, userID); err != nil {
		return RecentPage{}, err
	}
	limit = clampLimit(limit)

	total, err := g.Count(ctx, userID)
	if err != nil {
		return RecentPage{}, err
	}

	var rows []chat.Message
	err = g.do(ctx, op, func(ctx context.Context) error {
		var err error
		rows, err = g.store.List(ctx, messages.ListInput{
			UserID: userID,
			Order:  messages.Descending,
			Limit:  limit + 1,
		})
		return err
	})
	if err != nil {
		return RecentPage{}, err
	}

	msgs, _ := stripProbe(rows, limit)
	return RecentPage{
		Messages:   msgs,
		HasMore:    total > limit,
		TotalCount: total,
	}, nil
}

// QueryOlderThan returns up to limit rows strictly before the cursor, ascending.
func (g *Gateway) QueryOlderThan(ctx context.Context, userID string, before chat.Cursor, limit int) (Page, error) {
	const op = "gateway.QueryOlderThan"
	if err := requireUser(op, userID); err != nil {
		return Page{}, err
	}
	if before.CreatedAt.IsZero() {
		return Page{}, chat.E(op, chat.ErrInvalidInput, "cursor is required")
	}
	limit = clampLimit(limit)

	var rows []chat.Message
	err := g.do(ctx, op, func(ctx context.Context) error {
		var err error
		rows, err = g.store.List(ctx, messages.ListInput{
			UserID: userID,
			Before: &before,
			Order:  messages.Descending,
			Limit:  limit + 1,
		})
		return err
	})
	if err != nil {
		return Page{}, err
	}

	msgs, hasMore := stripProbe(rows, limit)
	return Page{Messages: msgs, HasMore: hasMore}, nil
}

// QueryNewerThan returns up to limit rows strictly after the cursor, ascending.
// HasMore reports rows beyond the returned page.
func (g *Gateway) QueryNewerThan(ctx context.Context, userID string, after chat.Cursor, limit int) (Page, error) {
	const op = "gateway.QueryNewerThan"
	if err := requireUser(op, userID); err != nil {
		return Page{}, err
	}
	if after.CreatedAt.IsZero() {
		return Page{}, chat.E(op, chat.ErrInvalidInput, "cursor is required")
	}
	limit = clampLimit(limit)

	var rows []chat.Message
	err := g.do(ctx, op, func(ctx context.Context) error {
		var err error
		rows, err = g.store.List(ctx, messages.ListInput{
			UserID: userID,
			After:  &after,
			Order:  messages.Ascending,
			Limit:  limit + 1,
		})
		return err
	})
	if err != nil {
		return Page{}, err
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	return Page{Messages: rows, HasMore: hasMore}, nil
}

func (g *Gateway) Count(ctx context.Context, userID string) (int, error) {
	const op = "gateway.Count"
	if err := requireUser(op, userID); err != nil {
		return 0, err
	}
	var n int
	err := g.do(ctx, op, func(ctx context.Context) error {
		var err error
		n, err = g.store.Count(ctx, userID)
		return err
	})
	return n, err
}

func (g *Gateway) DeleteAll(ctx context.Context, userID string) (bool, error) {
	const op = "gateway.DeleteAll"
	if err := requireUser(op, userID); err != nil {
		return false, err
	}
	err := g.do(ctx, op, func(ctx context.Context) error {
		n, err := g.store.DeleteByUser(ctx, userID)
		if err == nil {
			g.log.Info("gateway.delete_all", "user_id", userID, "rows", n)
		}
		return err
	})
	return err == nil, err
}

func (g *Gateway) HealthCheck(ctx context.Context) (bool, error) {
	err := g.do(ctx, "gateway.HealthCheck", g.store.Ping)
	return err == nil, err
}

// stripProbe takes rows in descending order, reverses them to ascending and
// drops the extra oldest row fetched to detect more history.
func stripProbe(desc []chat.Message, limit int) ([]chat.Message, bool) {
	out := make([]chat.Message, len(desc))
	for i, m := range desc {
		out[len(desc)-1-i] = m
	}
	if len(out) > limit {
		return out[1:], true
	}
	return out, false
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

func requireUser(op, userID string) error {
	if userID == "" {
		return chat.E(op, chat.ErrInvalidInput, "user id is required")
	}
	return nil
}
