package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisPingTimeout = 2 * time.Second
	// Cooldown and rate-limit checks fail open, so a slow Redis must not stall
	// wallet requests for long.
	redisOpTimeout = 500 * time.Millisecond
)

// NewRedisClient returns nil without error when url is empty, which disables
// every Redis-backed guard.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}

	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opt.ReadTimeout == 0 {
		opt.ReadTimeout = redisOpTimeout
	}
	if opt.WriteTimeout == 0 {
		opt.WriteTimeout = redisOpTimeout
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opt.Addr, err)
	}
	return client, nil
}
