package http

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.opentelemetry.io/otel/trace"

	"github.com/LerianStudio/outbox-relay/log"
)

// AppConfig describes the Fiber app shared by both services.
type AppConfig struct {
	Name         string
	Logger       log.Logger
	Tracer       trace.Tracer
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CheckTimeout time.Duration
	Checks       []NamedCheck
}

// NewApp builds a Fiber app with the health routes and tracking middleware.
func NewApp(cfg AppConfig) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               cfg.Name,
		DisableStartupMessage: true,
		ErrorHandler:          FiberErrorHandler,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
	})

	app.Use(recover.New())
	app.Use(WithTracking(WithTrackingLogger(cfg.Logger), WithTrackingTracer(cfg.Tracer)))

	app.Get("/health", Liveness)
	app.Get("/ready", Readiness(cfg.CheckTimeout, cfg.Checks...))

	return app
}

func RegisterTransactionRoutes(app *fiber.App, h *TransactionHandler) {
	v1 := app.Group("/v1/transactions")
	v1.Post("/", h.Create)
	v1.Patch("/:id", h.UpdateStatus)
	v1.Delete("/:id", h.Delete)
}

func RegisterAuditRoutes(app *fiber.App, h *AuditHandler) {
	app.Get("/v1/audit-logs/events/:eventId", h.GetByEventID)
}
