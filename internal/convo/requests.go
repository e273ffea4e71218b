package convo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateRequest files a connection request from requester to the other
// participant of the conversation. Requests are unique per
// (conversation, requester, receiver); filing a duplicate is an idempotent
// no-op that returns the existing request with created=false.
func (s *Store) CreateRequest(ctx context.Context, convID, requesterID string) (*ConnectionRequest, bool, error) {
	if _, err := s.Participant(ctx, convID, requesterID); err != nil {
		return nil, false, err
	}

	parts, err := s.Participants(ctx, convID)
	if err != nil {
		return nil, false, err
	}
	receiverID := ""
	for _, p := range parts {
		if p.UserID != requesterID {
			receiverID = p.UserID
			break
		}
	}
	if receiverID == "" {
		return nil, false, ErrNotFound
	}

	req := &ConnectionRequest{
		ID:             uuid.New().String(),
		ConversationID: convID,
		RequesterID:    requesterID,
		ReceiverID:     receiverID,
		Status:         RequestPending,
		CreatedAt:      time.Now().UTC(),
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO connection_requests (id, conversation_id, requester_id, receiver_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (conversation_id, requester_id, receiver_id) DO NOTHING`,
		req.ID, req.ConversationID, req.RequesterID, req.ReceiverID, string(req.Status), req.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("convo: insert request: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := s.requestByPair(ctx, convID, requesterID, receiverID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return req, true, nil
}

// GetRequest retrieves a connection request by id.
func (s *Store) GetRequest(ctx context.Context, id string) (*ConnectionRequest, error) {
	return s.scanRequest(s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, requester_id, receiver_id, status, created_at, responded_at
		FROM connection_requests WHERE id = $1`, id))
}

func (s *Store) requestByPair(ctx context.Context, convID, requesterID, receiverID string) (*ConnectionRequest, error) {
	return s.scanRequest(s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, requester_id, receiver_id, status, created_at, responded_at
		FROM connection_requests
		WHERE conversation_id = $1 AND requester_id = $2 AND receiver_id = $3`,
		convID, requesterID, receiverID))
}

func (s *Store) scanRequest(row *sql.Row) (*ConnectionRequest, error) {
	var r ConnectionRequest
	var status string
	err := row.Scan(&r.ID, &r.ConversationID, &r.RequesterID, &r.ReceiverID,
		&status, &r.CreatedAt, &r.RespondedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convo: scan request: %w", err)
	}
	r.Status = RequestStatus(status)
	return &r, nil
}

// RespondRequest records the receiver's decision. Only the receiver may
// respond, and only once; a second response returns ErrAlreadyDecided with
// the stored request so the caller can report the settled state. Creating
// the follow edge on acceptance is the caller's job — the store does not
// reach into the identity service.
func (s *Store) RespondRequest(ctx context.Context, id, userID string, accept bool) (*ConnectionRequest, error) {
	req, err := s.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.ReceiverID != userID {
		return nil, ErrNotReceiver
	}
	if !req.Respond(accept, time.Now().UTC()) {
		return req, ErrAlreadyDecided
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE connection_requests SET status = $2, responded_at = $3
		WHERE id = $1 AND status = $4`,
		id, string(req.Status), req.RespondedAt, string(RequestPending))
	if err != nil {
		return nil, fmt.Errorf("convo: respond request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race with another responder; report the settled row.
		settled, gerr := s.GetRequest(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return settled, ErrAlreadyDecided
	}
	return req, nil
}
