package moderation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lingomate/chat-core/internal/evidence"
)

// Report statuses.
const (
	StatusPending   = "pending"
	StatusReviewing = "reviewing"
	StatusResolved  = "resolved"
	StatusDismissed = "dismissed"
)

// validTypes is the set of allowed report types, matching the CHECK
// constraint on the reports table.
var validTypes = map[string]bool{
	"harassment": true,
	"spam":       true,
	"explicit":   true,
	"scam":       true,
	"other":      true,
}

// ValidType reports whether t is an accepted report type.
func ValidType(t string) bool {
	return validTypes[t]
}

var (
	ErrInvalidType = errors.New("moderation: invalid report type")
	ErrNotFound    = errors.New("moderation: report not found")
	ErrWrongStatus = errors.New("moderation: report in wrong status")
)

// Report is a single abuse report. Evidence is a copy of the conversation's
// snapshot buffer at submission time; VideoFrame is a single caller-supplied
// frame for video-mode anonymous chats. Both are purged by the retention
// sweep independently of the report's own status.
type Report struct {
	ID             string
	ReporterID     string
	ReportedUserID string
	ConversationID string // optional
	Type           string
	Description    string
	Status         string
	Evidence       []evidence.Snapshot
	VideoFrame     []byte
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

// Store manages abuse reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Submit files a report. A duplicate — same reporter, reported user, and
// conversation with a still-pending report — is an idempotent no-op that
// returns the existing report with created=false.
func (s *Store) Submit(ctx context.Context, r *Report) (*Report, bool, error) {
	if !validTypes[r.Type] {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidType, r.Type)
	}

	existing, err := s.pendingDuplicate(ctx, r.ReporterID, r.ReportedUserID, r.ConversationID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	r.ID = uuid.New().String()
	r.Status = StatusPending
	r.CreatedAt = time.Now().UTC()

	var evidenceJSON []byte
	if len(r.Evidence) > 0 {
		evidenceJSON, err = json.Marshal(r.Evidence)
		if err != nil {
			return nil, false, fmt.Errorf("moderation: marshal evidence: %w", err)
		}
	}

	var convID sql.NullString
	if r.ConversationID != "" {
		convID = sql.NullString{String: r.ConversationID, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reports (id, reporter_id, reported_user_id, conversation_id, type, description, status, evidence, video_frame, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.ReporterID, r.ReportedUserID, convID, r.Type, r.Description,
		r.Status, evidenceJSON, r.VideoFrame, r.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("moderation: insert report: %w", err)
	}
	return r, true, nil
}

func (s *Store) pendingDuplicate(ctx context.Context, reporterID, reportedID, convID string) (*Report, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id FROM reports
		WHERE reporter_id = $1 AND reported_user_id = $2
		  AND COALESCE(conversation_id, '') = $3
		  AND status = $4`,
		reporterID, reportedID, convID, StatusPending)

	var id string
	err := row.Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("moderation: duplicate check: %w", err)
	}
	return s.Get(ctx, id)
}

// Get retrieves a report by id.
func (s *Store) Get(ctx context.Context, id string) (*Report, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, reporter_id, reported_user_id, COALESCE(conversation_id, ''), type, description, status, evidence, video_frame, created_at, resolved_at
		FROM reports WHERE id = $1`, id)

	var r Report
	var evidenceJSON []byte
	err := row.Scan(&r.ID, &r.ReporterID, &r.ReportedUserID, &r.ConversationID,
		&r.Type, &r.Description, &r.Status, &evidenceJSON, &r.VideoFrame,
		&r.CreatedAt, &r.ResolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("moderation: get report %s: %w", id, err)
	}
	if len(evidenceJSON) > 0 {
		if err := json.Unmarshal(evidenceJSON, &r.Evidence); err != nil {
			return nil, fmt.Errorf("moderation: unmarshal evidence: %w", err)
		}
	}
	return &r, nil
}

// Review moves a pending report to reviewing.
func (s *Store) Review(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusReviewing, StatusPending)
}

// markResolved flips a pending or reviewing report to resolved and stamps
// resolved_at. The counter and suspension consequences live on Moderator.
func (s *Store) markResolved(ctx context.Context, id string) (*Report, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reports SET status = $2, resolved_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)`,
		id, StatusResolved, StatusPending, StatusReviewing)
	if err != nil {
		return nil, fmt.Errorf("moderation: resolve %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrWrongStatus
	}
	return s.Get(ctx, id)
}

// markDismissed flips a report to dismissed, reporting whether it had been
// resolved before (which is what obliges the counter decrement).
func (s *Store) markDismissed(ctx context.Context, id string) (*Report, bool, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if r.Status == StatusDismissed {
		return r, false, nil
	}
	wasResolved := r.Status == StatusResolved

	if _, err := s.db.ExecContext(ctx, `
		UPDATE reports SET status = $2 WHERE id = $1`, id, StatusDismissed); err != nil {
		return nil, false, fmt.Errorf("moderation: dismiss %s: %w", id, err)
	}
	r.Status = StatusDismissed
	return r, wasResolved, nil
}

func (s *Store) transition(ctx context.Context, id, to, from string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reports SET status = $2 WHERE id = $1 AND status = $3`, id, to, from)
	if err != nil {
		return fmt.Errorf("moderation: transition %s -> %s: %w", id, to, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrWrongStatus
	}
	return nil
}

// ActiveReportCount counts reports against a user that are resolved and
// whose resolution falls inside the trailing window. Dismissing a resolved
// report removes it from this count by changing its status.
func (s *Store) ActiveReportCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reports
		WHERE reported_user_id = $1 AND status = $2
		  AND resolved_at >= NOW() - $3::interval`,
		userID, StatusResolved, ActiveWindow.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("moderation: active count %s: %w", userID, err)
	}
	return n, nil
}

// PurgeEvidence clears evidence fields on reports older than the retention
// window, regardless of report status. Returns how many rows were touched.
func (s *Store) PurgeEvidence(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reports SET evidence = NULL, video_frame = NULL
		WHERE created_at < NOW() - $1::interval
		  AND (evidence IS NOT NULL OR video_frame IS NOT NULL)`,
		retention.String())
	if err != nil {
		return 0, fmt.Errorf("moderation: purge evidence: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
