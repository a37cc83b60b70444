// Package app wires the triage pipeline from configuration. Both the API
// server and triagectl build on it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/qa-tools/triage-service/internal/ai"
	"github.com/qa-tools/triage-service/internal/approval"
	"github.com/qa-tools/triage-service/internal/auth"
	"github.com/qa-tools/triage-service/internal/cluster"
	"github.com/qa-tools/triage-service/internal/config"
	"github.com/qa-tools/triage-service/internal/dedup"
	"github.com/qa-tools/triage-service/internal/events"
	"github.com/qa-tools/triage-service/internal/fingerprint"
	"github.com/qa-tools/triage-service/internal/lifecycle"
	"github.com/qa-tools/triage-service/internal/observability"
	"github.com/qa-tools/triage-service/internal/orchestrator"
	"github.com/qa-tools/triage-service/internal/persistence"
	"github.com/qa-tools/triage-service/internal/repository"
	"github.com/qa-tools/triage-service/internal/review"
	"github.com/qa-tools/triage-service/internal/service"
	"github.com/qa-tools/triage-service/internal/severity"
	"github.com/qa-tools/triage-service/internal/tracker"
)

// App holds the wired components.
type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Dispatcher   events.Dispatcher
	Store        *lifecycle.Store
	Gate         *approval.Gate
	Tracker      *tracker.Client
	Tokens       *auth.TokenManager
	Orchestrator *orchestrator.Orchestrator
	// Pruner is set when fingerprints live in the draft store; Redis
	// expires them itself.
	Pruner *dedup.StoreKnownSet
	Checks map[string]func(context.Context) error

	closers []func()
}

type repos struct {
	drafts       repository.DraftRepository
	history      repository.DraftHistoryRepository
	fingerprints repository.FingerprintRepository
}

// New builds the application from cfg.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{
		Config:     cfg,
		Logger:     logger,
		Metrics:    observability.NewMetrics(),
		Dispatcher: events.NewInMemoryDispatcher(),
		Checks:     map[string]func(context.Context) error{},
	}

	r, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = lifecycle.NewStore(r.drafts, r.history, logger.Named("lifecycle"))

	known, err := a.knownSet(ctx, r)
	if err != nil {
		a.Close()
		return nil, err
	}

	var (
		sevAnalyzer severity.Analyzer
		grouper     cluster.Grouper
		dedupOpts   []dedup.Option
	)
	if analyzer := ai.NewAnalyzer(cfg.AI, logger.Named("ai")); analyzer != nil {
		sevAnalyzer = analyzer
		grouper = analyzer
		dedupOpts = append(dedupOpts, dedup.WithSemanticMatcher(analyzer, orchestrator.StoreCandidates{Store: a.Store}))
		logger.Info("ai analysis enabled", zap.String("model", cfg.AI.Model))
	}
	aiTimeout := time.Duration(cfg.AI.TimeoutSeconds) * time.Second

	detector, err := dedup.NewDetector(known, dedup.Config{
		MinConfidence: cfg.AI.DuplicateConfidence,
		RecentWindow:  cfg.AI.RecentWindow,
		Timeout:       aiTimeout,
	}, logger.Named("dedup"), dedupOpts...)
	if err != nil {
		a.Close()
		return nil, err
	}

	var slackClient *slack.Client
	if cfg.Notification.SlackBotToken != "" {
		slackClient = slack.New(cfg.Notification.SlackBotToken)
	}

	a.Tokens = auth.NewTokenManager(cfg.Auth.DecisionSecret, cfg.Auth.DecisionTokenTTLMinutes)
	var reviewOpts []review.Option
	if slackClient != nil {
		reviewOpts = append(reviewOpts, review.WithSlack(slackClient, cfg.Notification.SlackChannelID))
	}
	surface := review.NewSurface(a.Tokens, cfg.App.PublicURL, a.Dispatcher, logger.Named("review"), reviewOpts...)
	a.Gate = approval.NewGate(approval.PolicyFromConfig(cfg.Approval), a.Store, surface, logger.Named("approval"))

	var poster review.SlackPoster
	if slackClient != nil {
		poster = slackClient
	}
	service.NewNotificationService(a.Dispatcher, logger.Named("notify"), cfg.Notification, poster).RegisterHandlers()

	a.Tracker = tracker.NewClient(cfg.Tracker, logger.Named("tracker"))
	if a.Tracker.Configured() {
		a.Checks["tracker"] = a.Tracker.Ping
	} else {
		logger.Warn("issue tracker not configured; failure events will be recorded as unactionable")
	}

	a.Orchestrator = orchestrator.New(orchestrator.Deps{
		Fingerprints: fingerprint.NewGenerator(0),
		Detector:     detector,
		Severity:     severity.NewClassifier(sevAnalyzer, aiTimeout, logger.Named("severity")),
		Clusters:     cluster.NewEngine(grouper, aiTimeout, logger.Named("cluster")),
		Store:        a.Store,
		Gate:         a.Gate,
		Tracker:      a.Tracker,
		Dispatcher:   a.Dispatcher,
		Metrics:      a.Metrics,
	}, orchestrator.Config{
		PoolSize:       cfg.Worker.PoolSize,
		MaxRetries:     cfg.Tracker.MaxRetries,
		InitialBackoff: cfg.Tracker.InitialBackoff,
	}, logger.Named("orchestrator"))
	a.closers = append(a.closers, a.Orchestrator.Close)

	return a, nil
}

func (a *App) openStore(ctx context.Context) (repos, error) {
	cfg := a.Config
	switch cfg.Store.Driver {
	case "memory":
		a.Logger.Warn("using in-memory store; drafts are lost on exit")
		return repos{
			drafts:       repository.NewMemoryDraftRepository(),
			history:      repository.NewMemoryDraftHistoryRepository(),
			fingerprints: repository.NewMemoryFingerprintRepository(),
		}, nil

	case "sqlite":
		db, err := persistence.NewSQLite(cfg.SQLite, a.Logger)
		if err != nil {
			return repos{}, err
		}
		a.closers = append(a.closers, db.Close)
		a.Checks["sqlite"] = db.Ping
		return repos{
			drafts:       repository.NewSQLiteDraftRepository(db.DB),
			history:      repository.NewSQLiteDraftHistoryRepository(db.DB),
			fingerprints: repository.NewSQLiteFingerprintRepository(db.DB),
		}, nil

	case "postgres":
		pg, err := persistence.NewPostgres(ctx, cfg.Postgres, a.Logger)
		if err != nil {
			return repos{}, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		a.Checks["postgres"] = pg.Ping
		if cfg.Postgres.RunMigrations {
			if err := persistence.RunMigrations(ctx, pg.PoolHandle(), cfg.Postgres.MigrationsDir, a.Logger); err != nil {
				return repos{}, fmt.Errorf("run migrations: %w", err)
			}
		}
		pool := pg.PoolHandle()
		return repos{
			drafts:       repository.NewDraftRepository(pool),
			history:      repository.NewDraftHistoryRepository(pool),
			fingerprints: repository.NewFingerprintRepository(pool),
		}, nil
	}
	return repos{}, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

// knownSet picks where claimed fingerprints live. auto prefers Redis and
// falls back to the draft store when Redis is absent or unreachable.
func (a *App) knownSet(ctx context.Context, r repos) (dedup.KnownSet, error) {
	cfg := a.Config
	retention := cfg.Dedup.Retention()
	driver := cfg.Dedup.KnownSetDriver

	if driver == "redis" || driver == "auto" {
		rdb, err := persistence.NewRedis(ctx, cfg.Redis, a.Logger)
		switch {
		case err == nil && rdb != nil:
			a.closers = append(a.closers, rdb.Close)
			a.Checks["redis"] = rdb.Ping
			a.Logger.Info("fingerprint known set in redis", zap.Duration("retention", retention))
			return dedup.NewRedisKnownSet(rdb.Client, retention), nil
		case driver == "redis" && err != nil:
			return nil, fmt.Errorf("connect redis: %w", err)
		case driver == "redis":
			return nil, fmt.Errorf("DEDUP_KNOWN_SET=redis requires REDIS_ADDR")
		case err != nil:
			a.Logger.Warn("redis unavailable, keeping fingerprints in the draft store", zap.Error(err))
		}
	}

	fps := r.fingerprints
	if driver == "memory" {
		fps = repository.NewMemoryFingerprintRepository()
	}
	a.Pruner = dedup.NewStoreKnownSet(fps, retention)
	return a.Pruner, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
