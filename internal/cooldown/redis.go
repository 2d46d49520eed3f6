package cooldown

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "wallet:cooldown:v1:"

// RedisLock shares cooldown windows between instances with SET NX PX. Redis
// failures fail open.
type RedisLock struct {
	client *redis.Client
	cfg    Config
	logger *slog.Logger
}

func NewRedisLock(client *redis.Client, cfg Config, logger *slog.Logger) *RedisLock {
	return &RedisLock{client: client, cfg: cfg, logger: logger}
}

func (l *RedisLock) CheckAndSet(ctx context.Context, accountID string, kind Kind) error {
	window := l.cfg.window(kind)
	if window <= 0 {
		return nil
	}
	key := redisKeyPrefix + string(kind) + ":" + accountID

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	acquired, err := l.client.SetNX(ctx, key, time.Now().UnixMilli(), window).Result()
	if err != nil {
		l.logger.Warn("cooldown reservation failed", slog.String("key", key), slog.Any("error", err))
		return nil
	}
	if acquired {
		return nil
	}
	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		ttl = window
	}
	return rejected(kind, ttl)
}
