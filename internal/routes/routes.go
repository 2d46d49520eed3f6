package routes

import (
    "fmt"
    "log/slog"
    "net/http"
    "time"

    "github.com/gofiber/fiber/v2"
    "github.com/gofiber/fiber/v2/middleware/recover"
    "github.com/jackc/pgx/v5/pgxpool"
    "github.com/redis/go-redis/v9"

    "github.com/emilioale04/steam-clone-sub000/internal/config"
    "github.com/emilioale04/steam-clone-sub000/internal/cooldown"
    "github.com/emilioale04/steam-clone-sub000/internal/middleware"
    "github.com/emilioale04/steam-clone-sub000/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
    Cfg      config.Config
    DB       *pgxpool.Pool
    Cache    *redis.Client
    Wallet   *wallet.Service
    Cooldown cooldown.Guard
    Logger   *slog.Logger
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
    if d.Wallet == nil {
        return fmt.Errorf("wallet service is required")
    }
    if d.Cooldown == nil {
        d.Cooldown = cooldown.NewLock(cooldown.DefaultConfig())
    }

    app.Use(recover.New())
    app.Use(middleware.RequestID())
    app.Use(middleware.AccessLog(d.Logger))

    RegisterHealthRoutes(app, d)

    api := app.Group("/api/v1")
    api.Get("/ping", func(c *fiber.Ctx) error {
        return c.Status(http.StatusOK).JSON(fiber.Map{
            "status":     "ok",
            "request_id": middleware.RequestIDFrom(c),
            "timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
        })
    })

    walletHandler := wallet.NewHandler(d.Wallet, d.Cooldown)
    RegisterWalletRoutes(api, walletHandler, middleware.AccountRateLimit(d.Cache, d.Cfg.RateLimitPerMinute))

    return nil
}
