package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/campusfeed/notice-crawler/internal/metrics"
	"github.com/campusfeed/notice-crawler/internal/pipeline"
)

// Pop the earliest due member atomically; a separate range-then-remove pair
// would hand the same job to two workers.
const popScript = `
local items = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
if #items == 0 then
	return false
end
redis.call("ZREM", KEYS[1], items[1])
return items[1]
`

// redisClient is the slice of the go-redis API the queue needs.
type redisClient interface {
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisConfig controls the Redis-backed queue.
type RedisConfig struct {
	Key          string
	PollInterval time.Duration
}

// Redis is a delayed queue on a Redis sorted set: the score is the item's
// ready-at time, so delayed and staggered submissions cost nothing extra.
type Redis struct {
	client redisClient
	clock  pipeline.Clock
	cfg    RedisConfig
}

// NewRedis constructs a Redis queue.
func NewRedis(client redisClient, clock pipeline.Clock, cfg RedisConfig) *Redis {
	if cfg.Key == "" {
		cfg.Key = "notice:crawl_queue"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Redis{client: client, clock: clock, cfg: cfg}
}

// Enqueue serializes the item and schedules it at its NotBefore time.
func (q *Redis) Enqueue(ctx context.Context, item pipeline.QueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	readyAt := item.NotBefore
	if readyAt.IsZero() {
		readyAt = q.clock.Now()
	}
	member := redis.Z{Score: float64(readyAt.UnixMilli()), Member: string(data)}
	if err := q.client.ZAdd(ctx, q.cfg.Key, member).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	metrics.QueueDepth.Inc()
	return nil
}

// Dequeue polls for the earliest due item until one is available or the
// context finishes.
func (q *Redis) Dequeue(ctx context.Context) (pipeline.QueueItem, error) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		item, ok, err := q.tryPop(ctx)
		if err != nil {
			return pipeline.QueueItem{}, err
		}
		if ok {
			return item, nil
		}
		select {
		case <-ctx.Done():
			return pipeline.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (q *Redis) tryPop(ctx context.Context) (pipeline.QueueItem, bool, error) {
	now := q.clock.Now().UnixMilli()
	res, err := q.client.Eval(ctx, popScript, []string{q.cfg.Key}, now).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return pipeline.QueueItem{}, false, nil
		}
		return pipeline.QueueItem{}, false, fmt.Errorf("pop: %w", err)
	}
	raw, ok := res.(string)
	if !ok {
		return pipeline.QueueItem{}, false, nil
	}
	var item pipeline.QueueItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return pipeline.QueueItem{}, false, fmt.Errorf("unmarshal queue item: %w", err)
	}
	metrics.QueueDepth.Dec()
	return item, true, nil
}
