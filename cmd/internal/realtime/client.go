package realtime

import (
	"sync"

	v1 "krismini/shared/contracts/chat/v1"
)

// Client represents one connected websocket session.
//
// Send is never closed by the server; done signals goroutines to stop.
// Window state does not go through Send: PushState keeps only the newest
// snapshot so a slow reader never falls behind on state.
type Client struct {
	SessionID string
	Send      chan v1.Envelope

	stateReady chan struct{}
	nudge      chan struct{}

	mu        sync.Mutex
	userID    string
	state     *v1.ChatStatePayload
	lastState uint64

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID:  sessionID,
		Send:       make(chan v1.Envelope, sendQueueSize),
		stateReady: make(chan struct{}, 1),
		nudge:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) setUserID(id string) (prev string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, c.userID = c.userID, id
	return prev
}

// PushState offers s for delivery. Snapshots older than the newest one
// already offered or written are dropped.
func (c *Client) PushState(s v1.ChatStatePayload) {
	c.mu.Lock()
	if s.Version <= c.lastState || (c.state != nil && s.Version <= c.state.Version) {
		c.mu.Unlock()
		return
	}
	c.state = &s
	c.mu.Unlock()

	select {
	case c.stateReady <- struct{}{}:
	default:
	}
}

// takeState returns the pending snapshot, if any, and marks it written.
func (c *Client) takeState() (v1.ChatStatePayload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return v1.ChatStatePayload{}, false
	}
	s := *c.state
	c.state = nil
	c.lastState = s.Version
	return s, true
}

// Nudge asks the session to pull rows written elsewhere. Nudges coalesce.
func (c *Client) Nudge() {
	select {
	case c.nudge <- struct{}{}:
	default:
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
