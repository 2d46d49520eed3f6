package routes

import (
    "github.com/gofiber/fiber/v2"

    "github.com/emilioale04/steam-clone-sub000/internal/middleware"
    "github.com/emilioale04/steam-clone-sub000/internal/wallet"
)

// RegisterWalletRoutes wires wallet endpoints under /accounts/:accountId/wallet.
// Mutations pass through the rate limiter; payments require an Idempotency-Key.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler, rateLimit fiber.Handler) {
    w := r.Group("/accounts/:accountId/wallet")
    w.Get("/balance", h.Balance)
    w.Get("/transactions", h.Transactions)
    w.Get("/verify", h.Verify)
    w.Post("/reload", rateLimit, middleware.IdempotencyKey(false), h.Reload)
    w.Post("/payments", rateLimit, middleware.IdempotencyKey(true), h.Pay)
}
