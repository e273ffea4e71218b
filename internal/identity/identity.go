// Package identity is the boundary to the identity/authorization service:
// resolving a connection token to a user, follow/block relationships, and
// per-user notification preferences. The core consumes the Directory
// interface; the Postgres implementation here is the default backing.
package identity

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownToken means the connection could not be authenticated. The
	// hub closes such sockets immediately, no retry.
	ErrUnknownToken = errors.New("identity: unknown token")

	// ErrNotFound means no such user.
	ErrNotFound = errors.New("identity: user not found")
)

// User is the resolved identity of a connection plus the attributes the
// matcher and moderation need.
type User struct {
	ID             string
	Gender         string
	Country        string
	ReportCount    int
	SuspendedUntil *time.Time
	Banned         bool
}

// Suspended reports whether the user is currently barred, either permanently
// or until a future instant.
func (u *User) Suspended(now time.Time) bool {
	if u.Banned {
		return true
	}
	return u.SuspendedUntil != nil && now.Before(*u.SuspendedUntil)
}

// Directory is the identity service seen from the chat core.
type Directory interface {
	// Resolve authenticates a connection token. Returns ErrUnknownToken for
	// anything that does not map to a user.
	Resolve(ctx context.Context, token string) (*User, error)

	// Lookup fetches a user by id.
	Lookup(ctx context.Context, userID string) (*User, error)

	// IsBlocked reports whether either user blocks the other.
	IsBlocked(ctx context.Context, a, b string) (bool, error)

	// CreateFollow writes a follow edge. Writing an existing edge is a no-op.
	CreateFollow(ctx context.Context, followerID, followeeID string) error

	// NotificationEnabled reports the user's opt-in state for an event type.
	// Users are opted in by default; only an explicit opt-out row disables.
	NotificationEnabled(ctx context.Context, userID, eventType string) (bool, error)
}
