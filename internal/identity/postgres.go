package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresDirectory implements Directory over the users / follows / blocks /
// notification_prefs / auth_tokens tables.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a directory backed by the given handle.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) Resolve(ctx context.Context, token string) (*User, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT u.id, u.gender, u.country, u.report_count, u.suspended_until, u.banned
		FROM auth_tokens t JOIN users u ON u.id = t.user_id
		WHERE t.token = $1 AND (t.expires_at IS NULL OR t.expires_at > NOW())`, token)

	u, err := scanUser(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrUnknownToken
	}
	return u, err
}

func (d *PostgresDirectory) Lookup(ctx context.Context, userID string) (*User, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, gender, country, report_count, suspended_until, banned
		FROM users WHERE id = $1`, userID)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Gender, &u.Country, &u.ReportCount, &u.SuspendedUntil, &u.Banned)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("identity: scan user: %w", err)
	}
	return &u, nil
}

func (d *PostgresDirectory) IsBlocked(ctx context.Context, a, b string) (bool, error) {
	var blocked bool
	err := d.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM blocks
			WHERE (blocker_id = $1 AND blocked_id = $2)
			   OR (blocker_id = $2 AND blocked_id = $1)
		)`, a, b).Scan(&blocked)
	if err != nil {
		return false, fmt.Errorf("identity: block check: %w", err)
	}
	return blocked, nil
}

func (d *PostgresDirectory) CreateFollow(ctx context.Context, followerID, followeeID string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO follows (follower_id, followee_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (follower_id, followee_id) DO NOTHING`,
		followerID, followeeID)
	if err != nil {
		return fmt.Errorf("identity: create follow: %w", err)
	}
	return nil
}

func (d *PostgresDirectory) NotificationEnabled(ctx context.Context, userID, eventType string) (bool, error) {
	var enabled bool
	err := d.db.QueryRowContext(ctx, `
		SELECT enabled FROM notification_prefs
		WHERE user_id = $1 AND event_type = $2`, userID, eventType).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil // opted in by default
	}
	if err != nil {
		return false, fmt.Errorf("identity: notification pref: %w", err)
	}
	return enabled, nil
}
