package middleware

import (
	"net/http/httptest"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRateLimitApp(t *testing.T, cache *redis.Client, max int) *fiber.App {
	t.Helper()
	app := fiber.New()
	app.Post("/accounts/:accountId/wallet/reload", AccountRateLimit(cache, max), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	return app
}

func TestAccountRateLimit(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		cache.Close()
		mr.Close()
	})
	app := setupRateLimitApp(t, cache, 2)

	for i := 0; i < 2; i++ {
		resp, err := app.Test(httptest.NewRequest(fiber.MethodPost, "/accounts/acct-1/wallet/reload", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	}

	resp, err := app.Test(httptest.NewRequest(fiber.MethodPost, "/accounts/acct-1/wallet/reload", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get(fiber.HeaderRetryAfter))

	resp, err = app.Test(httptest.NewRequest(fiber.MethodPost, "/accounts/acct-2/wallet/reload", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode, "limits are per account")

	ttl := mr.TTL("rl:wallet:acct-1")
	assert.Greater(t, ttl.Seconds(), 0.0)
}

func TestAccountRateLimitWithoutRedis(t *testing.T) {
	app := setupRateLimitApp(t, nil, 1)
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest(fiber.MethodPost, "/accounts/acct-1/wallet/reload", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	}
}
