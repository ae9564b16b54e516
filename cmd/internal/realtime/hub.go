package realtime

import (
	"io"
	"log/slog"
	"sync"
)

// Hub indexes live sessions by user so a write on one device can nudge the
// user's other sessions to sync.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	users map[string]map[string]*Client // user id -> session id -> client
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{
		log:   log,
		users: make(map[string]map[string]*Client),
	}
}

// Bind files c under userID, removing it from its previous user.
// An empty userID only unbinds.
func (h *Hub) Bind(c *Client, userID string) {
	prev := c.setUserID(userID)

	h.mu.Lock()
	defer h.mu.Unlock()

	if prev != "" {
		h.removeLocked(prev, c.SessionID)
	}
	if userID == "" {
		return
	}
	set, ok := h.users[userID]
	if !ok {
		set = make(map[string]*Client)
		h.users[userID] = set
	}
	set[c.SessionID] = c
}

// Unbind removes c from the hub.
func (h *Hub) Unbind(c *Client) {
	h.Bind(c, "")
}

func (h *Hub) removeLocked(userID, sessionID string) {
	set := h.users[userID]
	delete(set, sessionID)
	if len(set) == 0 {
		delete(h.users, userID)
	}
}

// Nudge signals every session of userID except the one that wrote.
// It returns how many sessions were signalled.
func (h *Hub) Nudge(userID, fromSessionID string) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.users[userID]))
	for id, c := range h.users[userID] {
		if id != fromSessionID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.Nudge()
	}
	if len(targets) > 0 {
		h.log.Debug("ws.nudge", "user_id", userID, "from", fromSessionID, "sessions", len(targets))
	}
	return len(targets)
}

// Sessions returns the number of live sessions bound to userID.
func (h *Hub) Sessions(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}
