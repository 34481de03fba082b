package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"mission-marketplace/pkg/config"
)

var Module = fx.Module("redis",
	fx.Provide(
		New,
		func(c *redis.Client) redis.UniversalClient { return c },
	),
)

const (
	pingRetries    = 5
	pingRetryDelay = 3 * time.Second
)

func Options(c *config.Config) *redis.Options {
	return &redis.Options{
		Addr:        c.Redis.Addr,
		Password:    c.Redis.Password,
		DB:          c.Redis.DB,
		PoolSize:    c.Redis.PoolSize,
		PoolTimeout: c.Redis.PoolTimeout,
	}
}

// New connects to redis. An unreachable server is logged, not fatal: payout
// codes fall back to snowflake ids and asynq retries on its own.
func New(lc fx.Lifecycle, c *config.Config) *redis.Client {
	zapLog := zap.L().With(
		zap.String("addr", c.Redis.Addr),
		zap.Int("db", c.Redis.DB),
		zap.Int("pool_size", c.Redis.PoolSize),
		zap.Duration("pool_timeout", c.Redis.PoolTimeout),
	)

	rdb := redis.NewClient(Options(c))

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			var err error
			for i := 0; i < pingRetries; i++ {
				if err = rdb.Ping(ctx).Err(); err == nil {
					zapLog.Info("[Redis] Connected to Redis")
					return nil
				}
				zapLog.Warn("[Redis] Redis not ready, retrying", zap.Int("retry", i+1), zap.Error(err))
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(pingRetryDelay):
				}
			}
			zapLog.Error("[Redis] Redis unavailable", zap.Error(err))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return rdb.Close()
		},
	})

	return rdb
}
