package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/csv-insight/backend/internal/api/handlers"
	"github.com/csv-insight/backend/internal/conversation"
	"github.com/csv-insight/backend/internal/ingestion"
	"github.com/csv-insight/backend/internal/metrics"
	"github.com/csv-insight/backend/internal/middleware/ratelimit"
	"github.com/csv-insight/backend/internal/middleware/security"
	"github.com/csv-insight/backend/internal/middleware/validation"
	"github.com/csv-insight/backend/pkg/config"
	"github.com/csv-insight/backend/pkg/logger"
)

type Deps struct {
	Server       config.ServerConfig
	Processor    *ingestion.Processor
	Sessions     *conversation.Manager
	Orchestrator *conversation.Orchestrator

	// Optional.
	Insights        *conversation.Insighter
	Registry        handlers.DatasetLister
	History         handlers.TurnHistory
	Cache           handlers.StatsSource
	Checks          []handlers.Check
	QuestionLimiter *ratelimit.RateLimiter
	RequestLogging  bool
	Development     bool
}

// NewApp builds the HTTP application with every route under /api/v1.
func NewApp(d Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(d.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(d.Server.WriteTimeout) * time.Second,
		BodyLimit:    d.Server.BodyLimit,
	})

	app.Use(recover.New())
	if d.RequestLogging {
		app.Use(fiberlogger.New())
	}
	origins := d.Server.AllowedOrigins
	if origins == "" {
		origins = "*"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{IsDevelopment: d.Development}))

	datasetHandler := handlers.NewDatasetHandler(d.Processor, d.Registry, d.Insights)
	sessionHandler := handlers.NewSessionHandler(d.Sessions, d.Orchestrator, d.Processor, d.History)
	wsHandler := handlers.NewWebSocketHandler(d.Sessions, d.Orchestrator, d.Server.MaxQuestionLength)
	healthHandler := handlers.NewHealthHandler(d.Cache, d.Checks...)

	api := app.Group("/api/v1")
	api.Use(validation.Middleware(validation.Config{
		MaxQuestionLength:   d.Server.MaxQuestionLength,
		MaxUploadSize:       d.Server.BodyLimit,
		AllowedContentTypes: d.Server.AllowedUploadTypes,
		Logger:              logger.Named("validation"),
	}))

	api.Post("/datasets", datasetHandler.Upload)
	api.Get("/datasets", datasetHandler.List)
	api.Get("/datasets/:fingerprint/metrics", datasetHandler.Metrics)
	api.Get("/datasets/:fingerprint/insights", datasetHandler.Insights)
	api.Delete("/datasets/:fingerprint", datasetHandler.Delete)

	questionLimit := func(c *fiber.Ctx) error { return c.Next() }
	if d.QuestionLimiter != nil {
		questionLimit = d.QuestionLimiter.Middleware()
	}

	api.Post("/sessions", sessionHandler.Create)
	api.Get("/sessions", sessionHandler.List)
	api.Post("/sessions/:id/questions", questionLimit, sessionHandler.Ask)
	api.Get("/sessions/:id/turns", sessionHandler.Turns)
	api.Get("/sessions/:id/history", sessionHandler.History)
	api.Delete("/sessions/:id", sessionHandler.Reset)

	api.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/ws/sessions/:id", websocket.New(wsHandler.HandleConnection))

	api.Get("/health", healthHandler.Health)
	api.Get("/ready", healthHandler.Ready)
	api.Get("/cache/stats", healthHandler.CacheStats)
	app.Get("/metrics", metrics.MetricsHandler())

	return app
}
