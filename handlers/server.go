package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/rs/zerolog"

	"github.com/karthikraju391/marketplace-chat/config"
	"github.com/karthikraju391/marketplace-chat/fanout"
	"github.com/karthikraju391/marketplace-chat/gateway"
	"github.com/karthikraju391/marketplace-chat/history"
	"github.com/karthikraju391/marketplace-chat/identity"
	"github.com/karthikraju391/marketplace-chat/membership"
	"github.com/karthikraju391/marketplace-chat/metrics"
	"github.com/karthikraju391/marketplace-chat/pipeline"
)

// Deps are the services the HTTP surface is built on.
type Deps struct {
	Verifier  identity.Provider
	Gateway   *gateway.Registry
	Rooms     *membership.Registry
	Messages  *pipeline.Pipeline
	History   *history.Service
	Typing    TypingSignals
	Presence  Presence
	Publisher fanout.Publisher
	// Ready reports dependency health for /healthz. Nil means always ready.
	Ready func() error
}

// NewApp builds the fiber app: health, metrics, the websocket endpoint at
// /ws and the /chat REST routes.
func NewApp(cfg *config.Config, d Deps, log zerolog.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               cfg.ServiceName,
		ErrorHandler:          ErrorHandler(log),
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(logger.New())

	app.Get("/healthz", func(c *fiber.Ctx) error {
		if d.Ready != nil {
			if err := d.Ready(); err != nil {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable", "error": err.Error()})
			}
		}
		return c.JSON(fiber.Map{"status": "ok", "connections": d.Gateway.Len()})
	})
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	NewWebSocketHandler(d.Gateway, d.Rooms, d.Typing, d.History, cfg, log).Register(app, "/ws")
	NewRESTHandler(d.Verifier, d.Rooms, d.Messages, d.History, d.Presence, d.Publisher, log).Register(app)
	return app
}
