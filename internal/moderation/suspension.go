package moderation

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Suspension records are Redis key-value pairs with TTL-based expiry:
//
//	Key:   susp:<user_id>
//	Value: <reason>
//	TTL:   suspension duration (none for a permanent ban)
const suspPrefix = "susp:"

// SuspensionStore manages live suspension records in Redis. The durable
// truth (users.suspended_until / users.banned) lives in PostgreSQL; these
// keys exist so the hub and API can check enforcement without a DB hit.
type SuspensionStore struct {
	client *redis.Client
}

// NewSuspensionStore creates a suspension store using the provided client.
func NewSuspensionStore(client *redis.Client) *SuspensionStore {
	return &SuspensionStore{client: client}
}

// Suspend records a suspension. A zero duration means permanent: the key is
// written without expiry.
func (s *SuspensionStore) Suspend(ctx context.Context, userID string, duration time.Duration, reason string) error {
	return s.client.Set(ctx, suspPrefix+userID, reason, duration).Err()
}

// IsSuspended checks whether a user is currently suspended. Returns
// (suspended, remaining, reason, error). Remaining is zero for permanent
// bans. Redis errors are returned so callers can decide policy; the
// recommended policy on the socket path is fail-open.
func (s *SuspensionStore) IsSuspended(ctx context.Context, userID string) (bool, time.Duration, string, error) {
	key := suspPrefix + userID

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, "", nil
	}
	if err != nil {
		return false, 0, "", err
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		// Known suspended but no TTL readable: permanent or unknown.
		return true, 0, reason, nil
	}
	return true, ttl, reason, nil
}

// Lift removes a suspension immediately.
func (s *SuspensionStore) Lift(ctx context.Context, userID string) error {
	return s.client.Del(ctx, suspPrefix+userID).Err()
}
