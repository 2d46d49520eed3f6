package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	idempotencyKeyLocal  = "idempotency_key"
	maxIdempotencyKeyLen = 128
)

// IdempotencyKey reads the Idempotency-Key header on unsafe methods and stores
// it for handlers. Replay protection itself lives in the wallet ledger, which
// answers a reused key with a duplicate or in-progress error instead of a
// cached response.
func IdempotencyKey(required bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		switch strings.ToUpper(c.Method()) {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		key := strings.TrimSpace(c.Get(idempotencyKeyHeader))
		if key == "" && required {
			return fiber.NewError(fiber.StatusBadRequest, "missing Idempotency-Key header")
		}
		if len(key) > maxIdempotencyKeyLen {
			return fiber.NewError(fiber.StatusBadRequest, "Idempotency-Key header too long")
		}
		if key != "" {
			c.Locals(idempotencyKeyLocal, key)
		}
		return c.Next()
	}
}

// IdempotencyKeyFrom returns the key stored by IdempotencyKey, if any.
func IdempotencyKeyFrom(c *fiber.Ctx) string {
	key, _ := c.Locals(idempotencyKeyLocal).(string)
	return key
}
