package server

import (
    "context"
    "errors"
    "time"

    "github.com/gofiber/fiber/v2"

    "github.com/emilioale04/steam-clone-sub000/internal/routes"
)

// Server wraps the Fiber application.
type Server struct {
    app  *fiber.App
    addr string
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
// Unhandled errors keep the wallet's JSON error shape.
func New(d routes.Deps) (*Server, error) {
    app := fiber.New(fiber.Config{
        AppName:      d.Cfg.AppName,
        ReadTimeout:  30 * time.Second,
        WriteTimeout: 30 * time.Second,
        ErrorHandler: errorHandler,
    })

    if err := routes.Setup(app, d); err != nil {
        return nil, err
    }

    return &Server{app: app, addr: d.Cfg.Address()}, nil
}

// App exposes the underlying Fiber app, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Listen starts the HTTP server.
func (s *Server) Listen() error {
    return s.app.Listen(s.addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
    return s.app.ShutdownWithContext(ctx)
}

func errorHandler(c *fiber.Ctx, err error) error {
    code := fiber.StatusInternalServerError
    message := "internal error"
    var fe *fiber.Error
    if errors.As(err, &fe) {
        code = fe.Code
        message = fe.Message
    }
    kind := "storage"
    switch {
    case code == fiber.StatusNotFound:
        kind = "not_found"
    case code == fiber.StatusTooManyRequests:
        kind = "operation_in_progress"
    case code < fiber.StatusInternalServerError:
        kind = "validation"
    }
    return c.Status(code).JSON(fiber.Map{"error": fiber.Map{"kind": kind, "message": message}})
}
