// Package redisconn builds the shared Redis client.
package redisconn

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Options defines Redis connection behavior.
type Options struct {
	Addr        string
	Username    string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
}

// New creates a Redis client and verifies connectivity with a ping.
func New(ctx context.Context, opts Options, logger *zap.Logger) (*redis.Client, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Username:    opts.Username,
		Password:    opts.Password,
		DB:          opts.DB,
		PoolSize:    opts.PoolSize,
		DialTimeout: opts.DialTimeout,
	})
	pingCtx := ctx
	if opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close redis client after failed ping", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("connected to redis", zap.String("addr", opts.Addr))
	return client, nil
}
