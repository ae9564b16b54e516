// Package chat holds the message model and the error taxonomy shared by the store,
// gateway, retry queue and persistence engine.
package chat

import (
	"strings"
	"time"
)

// Role is the author of a message.
type Role string

const (
	RoleUser Role = "user"
	RoleAI   Role = "ai"
)

func (r Role) Valid() bool { return r == RoleUser || r == RoleAI }

// Message is a confirmed row of the message log.
// Within a user, CreatedAt gives the order and ID breaks ties.
type Message struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage is the insertable payload. The store assigns ID and CreatedAt.
type NewMessage struct {
	UserID  string `json:"user_id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// MaxContentBytes bounds a single message body.
const MaxContentBytes = 32 << 10

func (m NewMessage) Validate(op string) error {
	switch {
	case strings.TrimSpace(m.UserID) == "":
		return E(op, ErrInvalidInput, "user id is required")
	case !m.Role.Valid():
		return E(op, ErrInvalidInput, "role must be user or ai")
	case strings.TrimSpace(m.Content) == "":
		return E(op, ErrInvalidInput, "content is required")
	case len(m.Content) > MaxContentBytes:
		return E(op, ErrInvalidInput, "content too large")
	}
	return nil
}

// Cursor is a position in a user's log. ID may be empty, in which case only
// CreatedAt is compared.
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id,omitempty"`
}

func CursorOf(m Message) Cursor { return Cursor{CreatedAt: m.CreatedAt, ID: m.ID} }

// Less reports whether a sorts before b in log order.
func Less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// After reports whether m sorts strictly after c.
func (c Cursor) After(m Message) bool {
	if !m.CreatedAt.Equal(c.CreatedAt) {
		return m.CreatedAt.After(c.CreatedAt)
	}
	if c.ID == "" {
		return false
	}
	return m.ID > c.ID
}

// Before reports whether m sorts strictly before c.
func (c Cursor) Before(m Message) bool {
	if !m.CreatedAt.Equal(c.CreatedAt) {
		return m.CreatedAt.Before(c.CreatedAt)
	}
	if c.ID == "" {
		return false
	}
	return m.ID < c.ID
}
