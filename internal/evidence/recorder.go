package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RetentionWindow is how long a persisted evidence snapshot is kept before
// the periodic sweep purges it, regardless of any attached report's status.
const RetentionWindow = 30 * 24 * time.Hour

// Recorder persists evidence snapshots to the evidence_buffers table so the
// trail outlives the conversation itself — the anonymous teardown deletes
// messages, not evidence.
type Recorder struct {
	db  *sql.DB
	buf *Buffer
}

// NewRecorder creates a recorder over the shared in-memory buffer.
func NewRecorder(db *sql.DB, buf *Buffer) *Recorder {
	return &Recorder{db: db, buf: buf}
}

// Buffer exposes the in-memory ring for components that only observe.
func (r *Recorder) Buffer() *Buffer {
	return r.buf
}

// Persist writes the conversation's current snapshot to the database,
// replacing any earlier persisted state. Called on report submission and
// just before an anonymous conversation is torn down. An empty ring is not
// persisted.
func (r *Recorder) Persist(ctx context.Context, convID string) error {
	snaps := r.buf.Snapshot(convID)
	if len(snaps) == 0 {
		return nil
	}

	payload, err := json.Marshal(snaps)
	if err != nil {
		return fmt.Errorf("evidence: marshal snapshot: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO evidence_buffers (conversation_id, entries, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (conversation_id) DO UPDATE SET
			entries = EXCLUDED.entries,
			updated_at = NOW()`,
		convID, payload)
	if err != nil {
		return fmt.Errorf("evidence: persist %s: %w", convID, err)
	}
	return nil
}

// Load returns the persisted snapshot for a conversation, or nil when none
// was ever stored.
func (r *Recorder) Load(ctx context.Context, convID string) ([]Snapshot, error) {
	var payload []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT entries FROM evidence_buffers WHERE conversation_id = $1`, convID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("evidence: load %s: %w", convID, err)
	}

	var snaps []Snapshot
	if err := json.Unmarshal(payload, &snaps); err != nil {
		return nil, fmt.Errorf("evidence: unmarshal %s: %w", convID, err)
	}
	return snaps, nil
}

// SweepRetention deletes persisted snapshots older than the retention window
// and returns how many rows were purged.
func (r *Recorder) SweepRetention(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM evidence_buffers WHERE updated_at < NOW() - $1::interval`,
		RetentionWindow.String())
	if err != nil {
		return 0, fmt.Errorf("evidence: retention sweep: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
