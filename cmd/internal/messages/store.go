// Package messages is the raw chat_messages table: a Postgres store for real
// deployments and an in-memory fallback for dev and tests. The gateway is the
// only caller; retries and error mapping live there.
package messages

import (
	"context"

	"krismini/cmd/internal/chat"
)

// Order is the sort direction over (created_at, id).
type Order uint8

const (
	Ascending Order = iota
	Descending
)

func (o Order) String() string {
	if o == Descending {
		return "desc"
	}
	return "asc"
}

// MaxListLimit caps a single List call (probe row included).
const MaxListLimit = 1000

// Store persists and queries chat messages.
//
// Requirements:
//   - Insert is atomic: either every row is stored or none is
//   - Insert assigns ID and CreatedAt and returns rows in input order
//   - List orders by (created_at, id) in the requested direction
type Store interface {
	Insert(ctx context.Context, in []chat.NewMessage) ([]chat.Message, error)
	List(ctx context.Context, in ListInput) ([]chat.Message, error)
	Count(ctx context.Context, userID string) (int, error)
	DeleteByUser(ctx context.Context, userID string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// ListInput describes a range query over one user's log.
// Before and After are exclusive bounds.
type ListInput struct {
	UserID string
	Before *chat.Cursor
	After  *chat.Cursor
	Order  Order
	Limit  int
	Offset int
}

func (in ListInput) validate(op string) error {
	switch {
	case in.UserID == "":
		return chat.E(op, chat.ErrInvalidInput, "user id is required")
	case in.Limit <= 0 || in.Limit > MaxListLimit:
		return chat.E(op, chat.ErrInvalidInput, "limit out of range")
	case in.Offset < 0:
		return chat.E(op, chat.ErrInvalidInput, "negative offset")
	}
	return nil
}

func validateBatch(op string, in []chat.NewMessage) error {
	if len(in) == 0 {
		return chat.E(op, chat.ErrInvalidInput, "empty batch")
	}
	for _, m := range in {
		if err := m.Validate(op); err != nil {
			return err
		}
	}
	return nil
}
