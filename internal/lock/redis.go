// Package lock implements the per-source distributed execution lock.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/campusfeed/notice-crawler/internal/pipeline"
)

// Release must compare and delete atomically; a read-then-delete pair would
// race with a TTL expiry plus re-acquire by another worker.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// redisClient is the slice of the go-redis API the lock needs. *redis.Client
// satisfies it; tests provide a fake.
type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Config controls lock keys and lifetime.
type Config struct {
	KeyPrefix string
	TTL       time.Duration
}

// RedisManager implements pipeline.LockManager on a shared Redis. The TTL
// is the sole recovery path for a worker that crashes without releasing;
// duplicate execution inside that window is bounded, not eliminated, and is
// absorbed by the ingestion engine's idempotency.
type RedisManager struct {
	client redisClient
	idGen  pipeline.IDGenerator
	cfg    Config
}

// NewRedisManager constructs a RedisManager.
func NewRedisManager(client redisClient, idGen pipeline.IDGenerator, cfg Config) *RedisManager {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "notice:trigger_lock:"
	}
	return &RedisManager{client: client, idGen: idGen, cfg: cfg}
}

// Acquire performs an atomic set-if-absent with expiry. granted=false with
// a nil error is the normal "another worker is running this source" case.
// Store failures wrap pipeline.ErrLockUnavailable so callers never mistake
// an outage for successful deduplication.
func (m *RedisManager) Acquire(ctx context.Context, sourceCode string) (bool, string, error) {
	token, err := m.idGen.NewID()
	if err != nil {
		return false, "", fmt.Errorf("generate lock token: %w", err)
	}
	ok, err := m.client.SetNX(ctx, m.key(sourceCode), token, m.cfg.TTL).Result()
	if err != nil {
		return false, "", fmt.Errorf("%w: acquire %s: %v", pipeline.ErrLockUnavailable, sourceCode, err)
	}
	if !ok {
		return false, "", nil
	}
	return true, token, nil
}

// Release deletes the lock only if the stored value still equals token.
// A stale token releases nothing and returns false.
func (m *RedisManager) Release(ctx context.Context, sourceCode, token string) (bool, error) {
	res, err := m.client.Eval(ctx, releaseScript, []string{m.key(sourceCode)}, token).Result()
	if err != nil {
		return false, fmt.Errorf("%w: release %s: %v", pipeline.ErrLockUnavailable, sourceCode, err)
	}
	deleted, _ := res.(int64)
	return deleted == 1, nil
}

func (m *RedisManager) key(sourceCode string) string {
	return m.cfg.KeyPrefix + sourceCode
}
