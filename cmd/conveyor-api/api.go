// Package main provides the Conveyor API server implementation.
package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/dukex/conveyor/pkg/registry"
	"github.com/dukex/conveyor/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type API struct {
	logger          *slog.Logger
	executions      web.Executions
	health          web.HealthChecker
	registry        *registry.Registry
	defaultPipeline string
	validate        *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	executions web.Executions,
	health web.HealthChecker,
	registry *registry.Registry,
	defaultPipeline string,
) *API {
	return &API{
		logger:          logger,
		executions:      executions,
		health:          health,
		registry:        registry,
		defaultPipeline: defaultPipeline,
		validate:        validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.executions, a.health, a.registry, a.validate, a.defaultPipeline)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Conveyor API")
	})

	e := app.Group("/executions")
	e.Post("/", handlers.StartExecution)
	e.Get("/:id", handlers.GetExecution)
	e.Post("/:id/cancel", handlers.CancelExecution)

	// Approval links are followed with GET; programmatic callers POST.
	c := app.Group("/callbacks")
	c.Post("/:token", handlers.RedeemCallback)
	c.Get("/:token", handlers.RedeemCallback)

	app.Get("/workers", handlers.GetWorkers)
	app.Get("/health", handlers.HealthCheck)

	return app
}

// Start serves until ctx is cancelled.
func (a *API) Start(ctx context.Context, port int) error {
	app := a.App()

	go func() {
		<-ctx.Done()

		if err := app.Shutdown(); err != nil {
			a.logger.Error("Failed to shut down API", "error", err)
		}
	}()

	a.logger.InfoContext(ctx, "Listening", "port", port)

	return app.Listen(":" + strconv.Itoa(port))
}
