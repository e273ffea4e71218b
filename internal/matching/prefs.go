package matching

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PrefStore persists per-user matching preferences in PostgreSQL. One row per
// user; reads fall back to a permissive default when the user has never set
// anything.
type PrefStore struct {
	db *sql.DB
}

// NewPrefStore creates a preference store backed by the given database handle.
func NewPrefStore(db *sql.DB) *PrefStore {
	return &PrefStore{db: db}
}

// DefaultPreference admits anyone in text mode.
func DefaultPreference() Preference {
	return Preference{ChatMode: ModeText}
}

// Get returns the stored preference for a user, or the default when none has
// been saved.
func (s *PrefStore) Get(ctx context.Context, userID string) (Preference, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT preferred_gender, preferred_country, chat_mode, is_searching
		FROM matching_preferences WHERE user_id = $1`, userID)

	var p Preference
	var mode string
	err := row.Scan(&p.PreferredGender, &p.PreferredCountry, &mode, &p.IsSearching)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultPreference(), nil
	}
	if err != nil {
		return Preference{}, fmt.Errorf("matching: get prefs %s: %w", userID, err)
	}
	p.ChatMode = ChatMode(mode)
	return p, nil
}

// Set upserts a user's preference row.
func (s *PrefStore) Set(ctx context.Context, userID string, p Preference) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO matching_preferences (user_id, preferred_gender, preferred_country, chat_mode, is_searching, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			preferred_gender = EXCLUDED.preferred_gender,
			preferred_country = EXCLUDED.preferred_country,
			chat_mode = EXCLUDED.chat_mode,
			is_searching = EXCLUDED.is_searching,
			updated_at = NOW()`,
		userID, p.PreferredGender, p.PreferredCountry, string(p.ChatMode), p.IsSearching)
	if err != nil {
		return fmt.Errorf("matching: set prefs %s: %w", userID, err)
	}
	return nil
}

// SetSearching flips only the is_searching flag, leaving the filters alone.
func (s *PrefStore) SetSearching(ctx context.Context, userID string, searching bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE matching_preferences SET is_searching = $2, updated_at = NOW()
		WHERE user_id = $1`, userID, searching)
	if err != nil {
		return fmt.Errorf("matching: set searching %s: %w", userID, err)
	}
	return nil
}
