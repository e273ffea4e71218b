// Package protocol defines the WebSocket message types and structures used
// between clients and the hub. All messages are serialized as JSON and follow
// a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client -> Server message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeMessage     = "message"
	TypeRead        = "read"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeSubscribed      = "subscribed"
	TypeUnsubscribed    = "unsubscribed"
	TypeMatchFound      = "match_found"
	TypeQueueUpdate     = "queue_update"
	TypeNewMessage      = "new_message"
	TypeNewNotification = "new_notification"
	TypePartnerLeft     = "partner_left"
	TypeRateLimited     = "rate_limited"
	TypeSuspended       = "suspended"
	TypeError           = "error"
	TypePong            = "pong"
)

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SubscribeMsg asks to join a channel (conversation:{id}, open-room:{id},
// matching:{user}, notifications:{user}).
type SubscribeMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// UnsubscribeMsg leaves a channel.
type UnsubscribeMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// MessageMsg is a chat message sent into a conversation channel.
type MessageMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Content string `json:"content"`
}

// ReadMsg marks the caller's unread messages in a conversation channel read.
type ReadMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SubscribedMsg confirms a channel subscription and carries how many unread
// messages were flushed to read on first conversation attach.
type SubscribedMsg struct {
	Type          string `json:"type"`
	Channel       string `json:"channel"`
	FlushedUnread int64  `json:"flushed_unread,omitempty"`
}

// UnsubscribedMsg confirms leaving a channel.
type UnsubscribedMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// ServerMessageMsg is a committed chat message fanned out to the
// conversation channel.
type ServerMessageMsg struct {
	Type      string `json:"type"`
	Channel   string `json:"channel"`
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// MatchFoundMsg tells a waiting user their match is ready.
type MatchFoundMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// QueueUpdateMsg reports a waiting user's current queue position.
type QueueUpdateMsg struct {
	Type      string `json:"type"`
	Position  int    `json:"position"`
	QueueSize int    `json:"queue_size"`
}

// NotificationMsg is the cross-cutting event pushed to notifications:{user}.
type NotificationMsg struct {
	Type           string `json:"type"` // new_message or new_notification
	Event          string `json:"event,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	FromUserID     string `json:"from_user_id,omitempty"`
}

// PartnerLeftMsg is the soft signal that the other side of an anonymous
// conversation is gone (including teardown races surfaced as NotFound).
type PartnerLeftMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// RateLimitedMsg is an explicit rejection with retry-after seconds.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// SuspendedMsg tells the client they are suspended. Remaining is seconds;
// zero means permanent.
type SuspendedMsg struct {
	Type      string `json:"type"`
	Reason    string `json:"reason"`
	Remaining int    `json:"remaining"`
}

// ErrorMsg communicates an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error. An
// error is returned for unknown or server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSubscribe:
		var m SubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUnsubscribe:
		var m UnsubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m MessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRead:
		var m ReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message,
// injecting msgType under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
