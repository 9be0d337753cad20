package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/layer-3/rewardgate/core"
	"github.com/layer-3/rewardgate/ports"
)

// consumeScript returns one of: ok, not_found, consumed, expired, mismatch
var consumeScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'value', 'expires_at', 'consumed')
if not v[1] then
  return 'not_found'
end
if v[3] == '1' then
  return 'consumed'
end
if tonumber(v[2]) <= tonumber(ARGV[2]) then
  return 'expired'
end
if v[1] ~= ARGV[1] then
  return 'mismatch'
end
redis.call('HSET', KEYS[1], 'consumed', '1')
return 'ok'
`)

// RedisNonceStore is a Redis implementation of the NonceStore interface
type RedisNonceStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisNonceStore creates a new Redis nonce store
func NewRedisNonceStore(client redis.UniversalClient, ttl time.Duration) *RedisNonceStore {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &RedisNonceStore{
		client: client,
		prefix: "rewardgate:nonce:",
		ttl:    ttl,
		now:    time.Now,
	}
}

var _ ports.NonceStore = (*RedisNonceStore)(nil)

// Issue stores a fresh nonce hash for address. The key outlives the nonce by one TTL
// so late verifications are reported as expired rather than unknown.
func (s *RedisNonceStore) Issue(ctx context.Context, address string) (core.Nonce, error) {
	value, err := generateNonce()
	if err != nil {
		return core.Nonce{}, err
	}

	now := s.now()
	nonce := core.Nonce{
		Address:   address,
		Value:     value,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}

	key := s.prefix + address
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"value", nonce.Value,
			"issued_at", strconv.FormatInt(nonce.IssuedAt.UnixMilli(), 10),
			"expires_at", strconv.FormatInt(nonce.ExpiresAt.UnixMilli(), 10),
			"consumed", "0",
		)
		pipe.PExpire(ctx, key, 2*s.ttl)
		return nil
	})
	if err != nil {
		return core.Nonce{}, fmt.Errorf("failed to store nonce: %w", err)
	}

	return nonce, nil
}

// Current returns the nonce on file for address
func (s *RedisNonceStore) Current(ctx context.Context, address string) (core.Nonce, error) {
	fields, err := s.client.HGetAll(ctx, s.prefix+address).Result()
	if err != nil {
		return core.Nonce{}, fmt.Errorf("failed to load nonce: %w", err)
	}
	if len(fields) == 0 {
		return core.Nonce{}, core.ErrNonceNotFound
	}

	issuedAt, err := strconv.ParseInt(fields["issued_at"], 10, 64)
	if err != nil {
		return core.Nonce{}, fmt.Errorf("corrupt nonce issued_at: %w", err)
	}
	expiresAt, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return core.Nonce{}, fmt.Errorf("corrupt nonce expires_at: %w", err)
	}

	return core.Nonce{
		Address:   address,
		Value:     fields["value"],
		IssuedAt:  time.UnixMilli(issuedAt),
		ExpiresAt: time.UnixMilli(expiresAt),
		Consumed:  fields["consumed"] == "1",
	}, nil
}

// Consume runs the compare-and-set script for address
func (s *RedisNonceStore) Consume(ctx context.Context, address, value string) error {
	now := strconv.FormatInt(s.now().UnixMilli(), 10)
	result, err := consumeScript.Run(ctx, s.client, []string{s.prefix + address}, value, now).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return core.ErrNonceNotFound
		}
		return fmt.Errorf("failed to consume nonce: %w", err)
	}

	switch result {
	case "ok":
		return nil
	case "not_found":
		return core.ErrNonceNotFound
	case "consumed":
		return core.ErrNonceConsumed
	case "expired":
		return core.ErrNonceExpired
	case "mismatch":
		return core.ErrNonceMismatch
	default:
		return fmt.Errorf("unexpected consume result %q", result)
	}
}
