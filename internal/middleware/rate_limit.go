package middleware

import (
    "net/http"
    "time"

    "github.com/gofiber/fiber/v2"
    "github.com/redis/go-redis/v9"
)

// AccountRateLimit caps wallet mutations per account per minute using a Redis
// fixed window. It is a no-op without Redis and fails open on cache errors.
func AccountRateLimit(cache *redis.Client, maxPerMin int) fiber.Handler {
    if maxPerMin <= 0 {
        maxPerMin = 30
    }
    return func(c *fiber.Ctx) error {
        if cache == nil {
            return c.Next()
        }
        accountID := c.Params("accountId")
        if accountID == "" {
            accountID = c.IP()
        }
        key := "rl:wallet:" + accountID
        cnt, err := cache.Incr(c.UserContext(), key).Result()
        if err == nil && cnt == 1 {
            cache.Expire(c.UserContext(), key, time.Minute)
        }
        if err != nil {
            return c.Next()
        }
        if cnt > int64(maxPerMin) {
            c.Set(fiber.HeaderRetryAfter, "60")
            return fiber.NewError(http.StatusTooManyRequests, "too many wallet operations, try again later")
        }
        return c.Next()
    }
}
