// Package convo owns the conversation store: conversations, participants,
// messages, and connection requests, together with the visibility and
// lifecycle rules that govern them. All writes to a single conversation pass
// through the store's per-conversation serialization, which is what gives
// messages their per-conversation ordering guarantee.
package convo

import "time"

// Kind distinguishes the conversation flavours.
type Kind string

const (
	KindDirect    Kind = "direct"
	KindAnonymous Kind = "anonymous"

	// KindOpen is a group room: structurally an ordinary conversation with
	// more than two participants and no auto-teardown.
	KindOpen Kind = "open"
)

// MessageTTL is how long an anonymous-conversation message stays readable
// before the expiry sweep rewrites it.
const MessageTTL = 7 * 24 * time.Hour

// ExpiredPlaceholder replaces the content of an expired message. The original
// content is overwritten in place; the Expired flag is what tests and callers
// should branch on.
const ExpiredPlaceholder = "[message expired]"

// Conversation is the root entity. Anonymous conversations are ephemeral:
// they are destroyed when the last active participant leaves, and their
// messages carry a TTL. Direct conversations are never auto-destroyed.
type Conversation struct {
	ID              string
	Kind            Kind
	Ephemeral       bool
	AnonymousRoomID string // set iff Kind == KindAnonymous
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Participant is the (user, conversation) membership row. LeftAt is the
// visibility boundary: once set it is never cleared, even on rejoin, so a
// returning participant only sees messages created after their last leave.
type Participant struct {
	UserID         string
	ConversationID string
	IsActive       bool
	JoinedAt       time.Time
	LeftAt         *time.Time
}

// Leave transitions the participant to inactive and stamps the visibility
// boundary. It is idempotent: leaving while already left keeps the original
// LeftAt and reports false.
func (p *Participant) Leave(now time.Time) bool {
	if !p.IsActive {
		return false
	}
	p.IsActive = false
	t := now
	p.LeftAt = &t
	return true
}

// Rejoin reactivates the participant. LeftAt is deliberately retained — it is
// a visibility boundary, not a presence flag.
func (p *Participant) Rejoin() bool {
	if p.IsActive {
		return false
	}
	p.IsActive = true
	return true
}

// Message belongs to exactly one conversation. It is immutable after creation
// except for IsRead and the expiration fields. Ordering key is CreatedAt with
// Seq (insertion id) breaking ties.
type Message struct {
	ID             string
	Seq            int64
	ConversationID string
	SenderID       string
	Content        string
	CreatedAt      time.Time
	IsRead         bool
	ExpiresAt      *time.Time // anonymous conversations only
	IsExpired      bool
}

// DisplayContent returns the canonical placeholder for expired messages and
// the stored content otherwise, so callers never render expired text even if
// a sweep has not rewritten the row yet.
func (m *Message) DisplayContent() string {
	if m.Expired(time.Now()) {
		return ExpiredPlaceholder
	}
	return m.Content
}

// Expired reports whether the message is past its TTL at the given instant,
// either because the sweep already flagged it or because ExpiresAt has passed.
func (m *Message) Expired(now time.Time) bool {
	if m.IsExpired {
		return true
	}
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}

// VisibleTo reports whether the participant may see this message. While a
// participant has never left, everything is visible; after a leave, only
// messages created strictly after the boundary are.
func (m *Message) VisibleTo(p *Participant) bool {
	if p.LeftAt == nil {
		return true
	}
	return m.CreatedAt.After(*p.LeftAt)
}

// CountsUnread reports whether the message contributes to the participant's
// unread count at the given instant: not authored by them, not expired,
// visible past the boundary, and not yet read.
func (m *Message) CountsUnread(p *Participant, now time.Time) bool {
	if m.SenderID == p.UserID || m.IsRead {
		return false
	}
	if m.Expired(now) {
		return false
	}
	return m.VisibleTo(p)
}

// UnreadCount computes the unread total for a participant over a message
// slice. The store mirrors this rule in SQL; this form exists so the rule
// itself stays testable without a database.
func UnreadCount(msgs []Message, p *Participant, now time.Time) int {
	n := 0
	for i := range msgs {
		if msgs[i].CountsUnread(p, now) {
			n++
		}
	}
	return n
}

// RequestStatus is the connection-request state machine. Requests only ever
// move from pending to accepted or rejected.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestRejected RequestStatus = "rejected"
)

// ConnectionRequest asks the other participant of a conversation to turn the
// anonymous acquaintance into a follow edge. Unique per
// (conversation, requester, receiver).
type ConnectionRequest struct {
	ID             string
	ConversationID string
	RequesterID    string
	ReceiverID     string
	Status         RequestStatus
	CreatedAt      time.Time
	RespondedAt    *time.Time
}

// Respond applies the receiver's decision. It reports false when the request
// has already been answered.
func (r *ConnectionRequest) Respond(accept bool, now time.Time) bool {
	if r.Status != RequestPending {
		return false
	}
	if accept {
		r.Status = RequestAccepted
	} else {
		r.Status = RequestRejected
	}
	t := now
	r.RespondedAt = &t
	return true
}
