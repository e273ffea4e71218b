package convo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store manages conversations, participants, messages, and connection
// requests in PostgreSQL. Writes to a single conversation are additionally
// serialized by an in-process per-conversation mutex so that message order
// and the evidence trail observe a single-writer discipline regardless of
// how many sockets feed the same conversation.
type Store struct {
	db    *sql.DB
	locks sync.Map // conversation ID -> *sync.Mutex
}

// NewStore creates a conversation store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) lock(convID string) func() {
	v, _ := s.locks.LoadOrStore(convID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// CreateDirect creates a direct conversation between two users with both as
// active participants. Direct conversations are never auto-destroyed.
func (s *Store) CreateDirect(ctx context.Context, userA, userB string) (*Conversation, error) {
	return s.create(ctx, KindDirect, userA, userB)
}

// CreateAnonymous creates an ephemeral anonymous conversation for a matched
// pair. Its messages carry a TTL and the whole conversation is torn down when
// the last active participant leaves.
func (s *Store) CreateAnonymous(ctx context.Context, userA, userB string) (*Conversation, error) {
	return s.create(ctx, KindAnonymous, userA, userB)
}

func (s *Store) create(ctx context.Context, kind Kind, userA, userB string) (*Conversation, error) {
	now := time.Now().UTC()
	conv := &Conversation{
		ID:        uuid.New().String(),
		Kind:      kind,
		Ephemeral: kind == KindAnonymous,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if kind == KindAnonymous {
		conv.AnonymousRoomID = uuid.New().String()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("convo: begin create: %w", err)
	}
	defer tx.Rollback()

	var roomID sql.NullString
	if conv.AnonymousRoomID != "" {
		roomID = sql.NullString{String: conv.AnonymousRoomID, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, kind, ephemeral, anonymous_room_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)`,
		conv.ID, string(conv.Kind), conv.Ephemeral, roomID, now)
	if err != nil {
		return nil, fmt.Errorf("convo: insert conversation: %w", err)
	}

	for _, uid := range []string{userA, userB} {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO participants (conversation_id, user_id, is_active, joined_at)
			VALUES ($1, $2, TRUE, $3)`,
			conv.ID, uid, now)
		if err != nil {
			return nil, fmt.Errorf("convo: insert participant %s: %w", uid, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("convo: commit create: %w", err)
	}
	return conv, nil
}

// Get retrieves a conversation. Returns ErrNotFound when it does not exist
// (or has been torn down).
func (s *Store) Get(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, ephemeral, COALESCE(anonymous_room_id, ''), created_at, updated_at
		FROM conversations WHERE id = $1`, id)

	var c Conversation
	var kind string
	err := row.Scan(&c.ID, &kind, &c.Ephemeral, &c.AnonymousRoomID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convo: get %s: %w", id, err)
	}
	c.Kind = Kind(kind)
	return &c, nil
}

// Participant retrieves the membership row for a user in a conversation.
// Returns ErrNotParticipant if no such row exists.
func (s *Store) Participant(ctx context.Context, convID, userID string) (*Participant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, user_id, is_active, joined_at, left_at
		FROM participants WHERE conversation_id = $1 AND user_id = $2`, convID, userID)

	var p Participant
	err := row.Scan(&p.ConversationID, &p.UserID, &p.IsActive, &p.JoinedAt, &p.LeftAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotParticipant
	}
	if err != nil {
		return nil, fmt.Errorf("convo: participant %s/%s: %w", convID, userID, err)
	}
	return &p, nil
}

// Participants returns all membership rows of a conversation.
func (s *Store) Participants(ctx context.Context, convID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, user_id, is_active, joined_at, left_at
		FROM participants WHERE conversation_id = $1 ORDER BY joined_at`, convID)
	if err != nil {
		return nil, fmt.Errorf("convo: participants %s: %w", convID, err)
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.IsActive, &p.JoinedAt, &p.LeftAt); err != nil {
			return nil, fmt.Errorf("convo: scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AppendMessage durably commits a message to a conversation. Sending while a
// peer has left implicitly reactivates them — their is_active flips back but
// left_at stays put, so the visibility boundary survives. The returned slice
// lists the user IDs that were reactivated so the caller can re-subscribe
// them / notify them explicitly (no hidden side effects on save).
func (s *Store) AppendMessage(ctx context.Context, convID, senderID, content string) (*Message, []string, error) {
	unlock := s.lock(convID)
	defer unlock()

	conv, err := s.Get(ctx, convID)
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.Participant(ctx, convID, senderID); err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: convID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      now,
	}
	if conv.Kind == KindAnonymous {
		exp := now.Add(MessageTTL)
		msg.ExpiresAt = &exp
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("convo: begin append: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, created_at, is_read, expires_at, is_expired)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6, FALSE)
		RETURNING seq`,
		msg.ID, convID, senderID, content, now, msg.ExpiresAt).Scan(&msg.Seq)
	if err != nil {
		return nil, nil, fmt.Errorf("convo: insert message: %w", err)
	}

	// Implicit rejoin of inactive peers. left_at is intentionally untouched.
	rows, err := tx.QueryContext(ctx, `
		UPDATE participants SET is_active = TRUE
		WHERE conversation_id = $1 AND user_id <> $2 AND is_active = FALSE
		RETURNING user_id`, convID, senderID)
	if err != nil {
		return nil, nil, fmt.Errorf("convo: rejoin peers: %w", err)
	}
	var rejoined []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("convo: scan rejoined: %w", err)
		}
		rejoined = append(rejoined, uid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("convo: rejoin peers: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at = $2 WHERE id = $1`, convID, now); err != nil {
		return nil, nil, fmt.Errorf("convo: touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("convo: commit append: %w", err)
	}
	return msg, rejoined, nil
}

// unreadPredicate is the SQL mirror of Message.CountsUnread: not authored by
// the participant, not expired, created after the visibility boundary, and
// not yet read.
const unreadPredicate = `
	m.conversation_id = $1
	AND m.sender_id <> $2
	AND m.is_read = FALSE
	AND m.is_expired = FALSE
	AND (m.expires_at IS NULL OR m.expires_at > NOW())
	AND (p.left_at IS NULL OR m.created_at > p.left_at)`

// UnreadCount computes the participant's unread total.
func (s *Store) UnreadCount(ctx context.Context, convID, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM messages m
		JOIN participants p ON p.conversation_id = m.conversation_id AND p.user_id = $2
		WHERE `+unreadPredicate, convID, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("convo: unread count: %w", err)
	}
	return n, nil
}

// MarkRead flags every currently-unread visible message as read for the given
// participant and returns how many rows changed. Delivery to an open socket
// on the conversation channel calls this immediately after flushing.
func (s *Store) MarkRead(ctx context.Context, convID, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages m SET is_read = TRUE
		FROM participants p
		WHERE p.conversation_id = m.conversation_id AND p.user_id = $2
		AND `+unreadPredicate, convID, userID)
	if err != nil {
		return 0, fmt.Errorf("convo: mark read: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// MessagesFor returns the most recent messages visible to the participant in
// chronological order (created_at, then insertion id). Expired messages are
// included with their flag set; callers render them via DisplayContent.
func (s *Store) MessagesFor(ctx context.Context, convID, userID string, limit int) ([]Message, error) {
	p, err := s.Participant(ctx, convID, userID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, conversation_id, sender_id, content, created_at, is_read, expires_at, is_expired
		FROM messages
		WHERE conversation_id = $1 AND ($2::timestamptz IS NULL OR created_at > $2)
		ORDER BY created_at DESC, seq DESC
		LIMIT $3`, convID, p.LeftAt, limit)
	if err != nil {
		return nil, fmt.Errorf("convo: messages for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Seq, &m.ConversationID, &m.SenderID, &m.Content,
			&m.CreatedAt, &m.IsRead, &m.ExpiresAt, &m.IsExpired); err != nil {
			return nil, fmt.Errorf("convo: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Leave transitions a participant to inactive and stamps left_at. It is
// idempotent: leaving an already-left conversation succeeds without moving
// the visibility boundary. Returns whether the participant was active.
func (s *Store) Leave(ctx context.Context, convID, userID string) (bool, error) {
	unlock := s.lock(convID)
	defer unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE participants SET is_active = FALSE, left_at = NOW()
		WHERE conversation_id = $1 AND user_id = $2 AND is_active = TRUE`, convID, userID)
	if err != nil {
		return false, fmt.Errorf("convo: leave: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return true, nil
	}

	// Distinguish "already left" (fine) from "never a participant".
	if _, err := s.Participant(ctx, convID, userID); err != nil {
		return false, err
	}
	return false, nil
}

// ActiveParticipantCount returns how many participants are currently active.
func (s *Store) ActiveParticipantCount(ctx context.Context, convID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM participants
		WHERE conversation_id = $1 AND is_active = TRUE`, convID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("convo: active count: %w", err)
	}
	return n, nil
}

// TeardownIfEmpty deletes an anonymous conversation once its active
// participant count reaches zero. Messages and participants go with it; the
// evidence buffer is persisted separately by the caller before teardown so
// moderation keeps its trail. Direct conversations are never torn down.
func (s *Store) TeardownIfEmpty(ctx context.Context, convID string) (bool, error) {
	unlock := s.lock(convID)
	defer unlock()

	conv, err := s.Get(ctx, convID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if conv.Kind != KindAnonymous {
		return false, nil
	}

	active, err := s.ActiveParticipantCount(ctx, convID)
	if err != nil || active > 0 {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("convo: begin teardown: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM messages WHERE conversation_id = $1`,
		`DELETE FROM participants WHERE conversation_id = $1`,
		`DELETE FROM conversations WHERE id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, q, convID); err != nil {
			return false, fmt.Errorf("convo: teardown %s: %w", convID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("convo: commit teardown: %w", err)
	}

	s.locks.Delete(convID)
	return true, nil
}

// ExpireMessages is the out-of-band TTL sweep: every anonymous message past
// its expiry is flagged and its content rewritten to the opaque placeholder.
// Rows are never physically deleted here. Returns the number of messages
// expired.
func (s *Store) ExpireMessages(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET is_expired = TRUE, content = $1
		WHERE is_expired = FALSE AND expires_at IS NOT NULL AND expires_at <= NOW()`,
		ExpiredPlaceholder)
	if err != nil {
		return 0, fmt.Errorf("convo: expire messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
