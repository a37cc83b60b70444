package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/qa-tools/triage-service/internal/api/http/handlers"
	"github.com/qa-tools/triage-service/internal/auth"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health             *handlers.HealthHandler
	Failures           *handlers.FailuresHandler
	Drafts             *handlers.DraftsHandler
	Decisions          *handlers.DecisionsHandler
	Insights           *handlers.InsightsHandler
	DecisionMiddleware *auth.DecisionMiddleware
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)

	app.Post("/failures", cfg.Failures.Ingest)
	app.Post("/failures/batch", cfg.Failures.IngestBatch)

	drafts := app.Group("/drafts")
	drafts.Get("", cfg.Drafts.List)
	drafts.Get("/export", cfg.Drafts.Export)
	drafts.Get("/:id", cfg.Drafts.Get)
	drafts.Get("/:id/history", cfg.Drafts.History)
	drafts.Post("/:id/reopen", cfg.Drafts.Reopen)
	drafts.Post("/:id/submit", cfg.Drafts.Submit)

	decisions := app.Group("/decisions")
	decisions.Post("/:id", cfg.DecisionMiddleware.Handle, cfg.Decisions.Decide)
	decisions.Get("/:id", cfg.DecisionMiddleware.Handle, cfg.Decisions.DecideLink)

	app.Get("/clusters", cfg.Insights.Clusters)
	app.Post("/clusters/regroup", cfg.Insights.Regroup)
	app.Get("/stats", cfg.Insights.Stats)
}
