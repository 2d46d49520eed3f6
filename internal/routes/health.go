package routes

import (
    "context"
    "net/http"
    "time"

    "github.com/gofiber/fiber/v2"
)

const healthTimeout = 2 * time.Second

// RegisterHealthRoutes adds liveness/readiness style endpoints. Backends that
// are not configured report "disabled" and do not fail the check.
func RegisterHealthRoutes(app *fiber.App, d Deps) {
    app.Get("/healthz", func(c *fiber.Ctx) error {
        ctx, cancel := context.WithTimeout(c.UserContext(), healthTimeout)
        defer cancel()

        checks := fiber.Map{}
        status := http.StatusOK
        record := func(name string, configured bool, ping func(context.Context) error) {
            if !configured {
                checks[name] = "disabled"
                return
            }
            if err := ping(ctx); err != nil {
                checks[name] = err.Error()
                status = http.StatusServiceUnavailable
                return
            }
            checks[name] = "ok"
        }

        record("postgres", d.DB != nil, func(ctx context.Context) error { return d.DB.Ping(ctx) })
        record("redis", d.Cache != nil, func(ctx context.Context) error { return d.Cache.Ping(ctx).Err() })

        return c.Status(status).JSON(fiber.Map{
            "status":          checks,
            "wallet_strategy": d.Wallet.Strategy(),
            "timestamp":       time.Now().UTC().Format(time.RFC3339Nano),
        })
    })
}
