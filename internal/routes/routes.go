package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/lumendark/lumendark/internal/auth"
	"github.com/lumendark/lumendark/internal/config"
	"github.com/lumendark/lumendark/internal/custody"
	"github.com/lumendark/lumendark/internal/metrics"
	"github.com/lumendark/lumendark/internal/middleware"
	"github.com/lumendark/lumendark/internal/settlement"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg     config.Config
	DB      *pgxpool.Pool
	Cache   *redis.Client
	Logger  *slog.Logger
	Gate    *auth.Gate
	Engine  *settlement.Service
	Metrics *metrics.Metrics
	// Faucet is set only in development.
	Faucet custody.Minter
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) {
	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	// Plain text access log: [HH:MM:SS] 200 -  145ms METHOD /path
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.Audit(d.Logger))
	app.Use(middleware.Signature(d.Gate))
	if d.Cache != nil {
		app.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}

	RegisterHealthRoutes(app, d)
	if d.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(d.Metrics.Handler()))
	}

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDOf(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	depositLimit := middleware.RateLimit(d.Cache, "deposit", d.Cfg.DepositRateLimit)
	RegisterSettlementRoutes(api, settlement.NewHandler(d.Engine), depositLimit)
	if d.Faucet != nil && d.Cfg.IsDev() {
		RegisterDevRoutes(api, d)
	}
}
