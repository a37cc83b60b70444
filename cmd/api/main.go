package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/qa-tools/triage-service/internal/api/http"
	"github.com/qa-tools/triage-service/internal/api/http/handlers"
	"github.com/qa-tools/triage-service/internal/app"
	"github.com/qa-tools/triage-service/internal/auth"
	"github.com/qa-tools/triage-service/internal/config"
	"github.com/qa-tools/triage-service/internal/observability"
	"github.com/qa-tools/triage-service/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to wire application", zap.Error(err))
	}
	defer a.Close()

	var pruner worker.Pruner
	if a.Pruner != nil {
		pruner = a.Pruner
	}
	sweeper, err := worker.NewSweeper(cfg.Worker, a.Orchestrator, pruner, logger.Named("worker"))
	if err != nil {
		logger.Fatal("failed to schedule sweeps", zap.Error(err))
	}
	// pick up drafts left awaiting or approved by a previous run
	go sweeper.Sweep()
	sweeper.Start()
	defer sweeper.Stop()

	server := fiber.New(fiber.Config{
		AppName:               cfg.App.Name,
		DisableStartupMessage: true,
		BodyLimit:             8 * 1024 * 1024,
	})
	httptransport.RegisterMiddlewares(server, logger, a.Metrics, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(server, httptransport.RouteConfig{
		Health:             handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, a.Checks),
		Failures:           handlers.NewFailuresHandler(a.Orchestrator),
		Drafts:             handlers.NewDraftsHandler(a.Store, a.Orchestrator),
		Decisions:          handlers.NewDecisionsHandler(a.Orchestrator),
		Insights:           handlers.NewInsightsHandler(a.Store, a.Orchestrator, a.Metrics),
		DecisionMiddleware: auth.NewDecisionMiddleware(a.Tokens, "id"),
	})

	go func() {
		logger.Info("listening", zap.String("addr", cfg.App.Addr()), zap.String("store", cfg.Store.Driver))
		if err := server.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	_ = server.Shutdown()
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
