package database

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// minRedisPool leaves room for request traffic next to the batch workers,
// each of which parks one connection in BLPOP.
const minRedisPool = 8

// RedisPoolSize returns the pool size for a client that runs blockingWorkers
// BLPOP loops. A non-positive requested size keeps the go-redis default.
func RedisPoolSize(requested, blockingWorkers int) int {
	if requested <= 0 {
		return 0
	}
	if floor := blockingWorkers + minRedisPool; requested < floor {
		return floor
	}
	return requested
}

// NewRedisClient creates and validates a Redis client. The server passes its
// shared instance; the agent passes the lab-local cache instance.
func NewRedisClient(ctx context.Context, redisURL string, poolSize int, log zerolog.Logger) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if poolSize > 0 {
		opt.PoolSize = poolSize
	}

	rdb := redis.NewClient(opt)

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	log.Info().
		Str("addr", opt.Addr).
		Int("db", opt.DB).
		Int("pool_size", opt.PoolSize).
		Msg("Redis connected")

	return rdb, nil
}
