package messages

import (
	"context"
	"sort"
	"sync"
	"time"

	"krismini/cmd/internal/chat"
	"krismini/cmd/internal/ids"
)

const memMaxMessagesPerUser = 10_000

// InMemoryStore is a dev-only fallback when no database is configured.
type InMemoryStore struct {
	mu    sync.Mutex
	now   func() time.Time
	users map[string][]chat.Message // ordered by (created_at, id)
}

// MemoryOption configures InMemoryStore.
type MemoryOption func(*InMemoryStore)

// WithClock overrides the clock used to stamp CreatedAt.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *InMemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore(opts ...MemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		now:   func() time.Time { return time.Now().UTC() },
		users: make(map[string][]chat.Message),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// Insert stores the batch atomically. Rows of one batch are spaced one
// microsecond apart so their order survives the round trip.
func (s *InMemoryStore) Insert(ctx context.Context, in []chat.NewMessage) ([]chat.Message, error) {
	const op = "messages.Insert"
	if err := validateBatch(op, in); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	out := make([]chat.Message, 0, len(in))
	for i, m := range in {
		ts := now.Add(time.Duration(i) * time.Microsecond)
		id, err := ids.NewULID(ts)
		if err != nil {
			return nil, err
		}
		out = append(out, chat.Message{
			ID:        id,
			UserID:    m.UserID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: ts,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range out {
		rows := s.users[m.UserID]
		i := sort.Search(len(rows), func(i int) bool { return chat.Less(m, rows[i]) })
		rows = append(rows, chat.Message{})
		copy(rows[i+1:], rows[i:])
		rows[i] = m

		// Bound memory to avoid unbounded growth in dev.
		if len(rows) > memMaxMessagesPerUser {
			rows = rows[len(rows)-memMaxMessagesPerUser:]
		}
		s.users[m.UserID] = rows
	}
	return out, nil
}

func (s *InMemoryStore) List(ctx context.Context, in ListInput) ([]chat.Message, error) {
	const op = "messages.List"
	if err := in.validate(op); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	rows := s.users[in.UserID]
	snap := make([]chat.Message, 0, len(rows))
	for _, m := range rows {
		if in.Before != nil && !in.Before.Before(m) {
			continue
		}
		if in.After != nil && !in.After.After(m) {
			continue
		}
		snap = append(snap, m)
	}
	s.mu.Unlock()

	if in.Order == Descending {
		for i, j := 0, len(snap)-1; i < j; i, j = i+1, j-1 {
			snap[i], snap[j] = snap[j], snap[i]
		}
	}

	if in.Offset >= len(snap) {
		return []chat.Message{}, nil
	}
	snap = snap[in.Offset:]
	if len(snap) > in.Limit {
		snap = snap[:in.Limit]
	}
	return snap, nil
}

func (s *InMemoryStore) Count(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, chat.E("messages.Count", chat.ErrInvalidInput, "user id is required")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users[userID]), nil
}

func (s *InMemoryStore) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, chat.E("messages.DeleteByUser", chat.ErrInvalidInput, "user id is required")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.users[userID])
	delete(s.users, userID)
	return int64(n), nil
}
