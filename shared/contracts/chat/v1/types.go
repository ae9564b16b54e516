// Package v1 defines the Krismini chat protocol v1 contract.
//
// It is shared between the server and its clients and depends on nothing
// outside the standard library.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol clients must offer.
const Subprotocol = "krismini.chat.v1"

// Type constants (wire-stable).
const (
	// TypeHello authenticates the connection (client -> server).
	TypeHello = "hello"
	// TypeHelloAck confirms the identity behind the connection (server -> client).
	TypeHelloAck = "hello.ack"

	// TypeAuthRefresh swaps in a fresh access token (client -> server).
	TypeAuthRefresh = "auth.refresh"
	// TypeAuthSignOut revokes the current token and clears the window (client -> server).
	TypeAuthSignOut = "auth.sign_out"

	// TypeChatSend asks for a completion and persists the exchange (client -> server).
	TypeChatSend = "chat.send"
	// TypeChatSendPair persists an exchange produced elsewhere (client -> server).
	TypeChatSendPair = "chat.send_pair"
	// TypeChatLoadOlder pages older history into the window (client -> server).
	TypeChatLoadOlder = "chat.load_older"
	// TypeChatSync merges rows written by other sessions (client -> server).
	TypeChatSync = "chat.sync"
	// TypeChatRetry drains the retry queue now (client -> server).
	TypeChatRetry = "chat.retry"
	// TypeChatClearError dismisses the error banner (client -> server).
	TypeChatClearError = "chat.clear_error"

	// TypeChatState carries the full window state (server -> client).
	TypeChatState = "chat.state"
	// TypeChatReply carries the completion text for a chat.send (server -> client).
	TypeChatReply = "chat.reply"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Error categories let clients phrase the banner.
const (
	CategoryConnection = "connection"
	CategoryMessage    = "message"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeAuthRefresh,
		TypeAuthSignOut,
		TypeChatSend,
		TypeChatSendPair,
		TypeChatLoadOlder,
		TypeChatSync,
		TypeChatRetry,
		TypeChatClearError,
		TypeChatState,
		TypeChatReply,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload carries the access token issued by the auth provider.
type HelloPayload struct {
	Token string `json:"token"`
}

// HelloAckPayload carries SessionID (used by ws-smoke) and the verified user id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

type AuthRefreshPayload struct {
	Token string `json:"token"`
}

type ChatSendPayload struct {
	Text string `json:"text"`
}

type ChatSendPairPayload struct {
	User string `json:"user"`
	AI   string `json:"ai"`
}

type ChatReplyPayload struct {
	Text string `json:"text"`
}

// MessagePayload is one window entry. Key stays the same when an
// optimistic entry is replaced by its confirmed row.
type MessagePayload struct {
	Key        string    `json:"key"`
	ID         string    `json:"id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	Optimistic bool      `json:"optimistic,omitempty"`
	RetryCount int       `json:"retry_count,omitempty"`
}

type QueueStatusPayload struct {
	Length       int  `json:"length"`
	IsProcessing bool `json:"is_processing"`
}

// ChatStatePayload is the full window. Version grows monotonically per connection.
type ChatStatePayload struct {
	Version      uint64             `json:"version"`
	UserID       string             `json:"user_id"`
	Messages     []MessagePayload   `json:"messages"`
	HasMore      bool               `json:"has_more"`
	TotalCount   int                `json:"total_count"`
	Loading      bool               `json:"loading"`
	LoadingOlder bool               `json:"loading_older"`
	Saving       bool               `json:"saving"`
	Error        string             `json:"error,omitempty"`
	Queue        QueueStatusPayload `json:"queue"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code     string `json:"code"`
	Category string `json:"category,omitempty"`
	Message  string `json:"message"`
}
