package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/rewardgate/core"
	"github.com/layer-3/rewardgate/ports"
	"github.com/redis/go-redis/v9"
)

var revokeScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisSessionStore is a Redis implementation of the SessionStore interface
type RedisSessionStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisSessionStore creates a new Redis session store
func NewRedisSessionStore(client redis.UniversalClient) *RedisSessionStore {
	return &RedisSessionStore{
		client: client,
		prefix: "rewardgate:session:",
	}
}

var _ ports.SessionStore = (*RedisSessionStore)(nil)

// SetActive points address at sessionID until ttl elapses
func (s *RedisSessionStore) SetActive(ctx context.Context, address, sessionID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+address, sessionID, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store active session: %w", err)
	}
	return nil
}

// Active returns the active session id of address
func (s *RedisSessionStore) Active(ctx context.Context, address string) (string, error) {
	id, err := s.client.Get(ctx, s.prefix+address).Result()
	if errors.Is(err, redis.Nil) {
		return "", core.ErrSessionInvalid
	}
	if err != nil {
		return "", fmt.Errorf("failed to load active session: %w", err)
	}
	return id, nil
}

// Revoke deletes the active entry if it still points at sessionID
func (s *RedisSessionStore) Revoke(ctx context.Context, address, sessionID string) error {
	if err := revokeScript.Run(ctx, s.client, []string{s.prefix + address}, sessionID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}
