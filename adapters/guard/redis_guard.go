package guard

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/layer-3/rewardgate/ports"
)

// DefaultLockTTL bounds how long a crashed instance can hold an address
const DefaultLockTTL = 30 * time.Second

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

type lockedTicket struct {
	ports.Ticket
	token string
}

// RedisGuard extends the in-process guard with a Redis lock so that a single attempt
// per address runs across all instances. Cancellation stays local to the instance.
type RedisGuard struct {
	local  *MemoryGuard
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisGuard creates a new Redis backed attempt guard
func NewRedisGuard(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *RedisGuard {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisGuard{
		local:  NewMemoryGuard(nil),
		client: client,
		prefix: "rewardgate:attempt:",
		ttl:    ttl,
		logger: logger,
	}
}

var _ ports.AttemptGuard = (*RedisGuard)(nil)

// TryBegin claims the local slot and then the shared lock. A Redis failure refuses the attempt.
func (g *RedisGuard) TryBegin(ctx context.Context, address string) (ports.Ticket, bool) {
	local, ok := g.local.TryBegin(ctx, address)
	if !ok {
		return nil, false
	}

	token := uuid.NewString()
	acquired, err := g.client.SetNX(ctx, g.prefix+address, token, g.ttl).Result()
	if err != nil {
		g.logger.Error("attempt lock unavailable", "address", address, "error", err)
		g.local.End(local)
		return nil, false
	}
	if !acquired {
		g.local.End(local)
		return nil, false
	}

	return &lockedTicket{Ticket: local, token: token}, true
}

// End releases the shared lock and the local slot
func (g *RedisGuard) End(t ports.Ticket) {
	held, ok := t.(*lockedTicket)
	if !ok || held == nil {
		return
	}

	address := held.Attempt().Address
	// The ticket context may already be cancelled.
	if err := releaseScript.Run(context.Background(), g.client, []string{g.prefix + address}, held.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		g.logger.Warn("failed to release attempt lock", "address", address, "error", err)
	}
	g.local.End(held.Ticket)
}

// Cancel aborts the attempt running on this instance. The shared lock is released when that attempt ends.
func (g *RedisGuard) Cancel(address string) bool {
	return g.local.Cancel(address)
}
