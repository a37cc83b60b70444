package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/qa-tools/triage-service/internal/config"
)

// Pipeline is the part of the orchestrator the sweeps drive.
type Pipeline interface {
	ResumeApproved(ctx context.Context) (int, error)
	ResumeAwaiting(ctx context.Context) (int, error)
}

// Pruner drops expired fingerprints.
type Pruner interface {
	Prune(ctx context.Context) (int64, error)
}

const sweepTimeout = 5 * time.Minute

// Sweeper runs the periodic maintenance jobs: resuming approved drafts left
// pending, re-registering drafts awaiting a decision and pruning expired
// fingerprints.
type Sweeper struct {
	pipeline Pipeline
	pruner   Pruner
	logger   *zap.Logger
	c        *cron.Cron
}

// NewSweeper schedules the jobs. pruner may be nil.
func NewSweeper(cfg config.WorkerConfig, pipeline Pipeline, pruner Pruner, logger *zap.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)))
	s := &Sweeper{pipeline: pipeline, pruner: pruner, logger: logger, c: c}

	if _, err := c.AddFunc(cfg.SweepCron, s.Sweep); err != nil {
		return nil, fmt.Errorf("invalid WORKER_SWEEP_CRON %q: %w", cfg.SweepCron, err)
	}
	if pruner != nil {
		if _, err := c.AddFunc(cfg.PruneCron, s.Prune); err != nil {
			return nil, fmt.Errorf("invalid WORKER_PRUNE_CRON %q: %w", cfg.PruneCron, err)
		}
	}
	return s, nil
}

// Start runs the scheduler in the background.
func (s *Sweeper) Start() { s.c.Start() }

// Stop stops scheduling and waits for a running job to finish.
func (s *Sweeper) Stop() {
	<-s.c.Stop().Done()
}

// Sweep resumes interrupted work.
func (s *Sweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	awaiting, err := s.pipeline.ResumeAwaiting(ctx)
	if err != nil {
		s.logger.Error("sweep: resume awaiting failed", zap.Error(err))
	}
	filed, err := s.pipeline.ResumeApproved(ctx)
	if err != nil {
		s.logger.Error("sweep: resume approved failed", zap.Error(err))
	}
	if awaiting > 0 || filed > 0 {
		s.logger.Info("sweep done", zap.Int("awaiting_reregistered", awaiting), zap.Int("tickets_filed", filed))
	}
}

// Prune removes fingerprints past their retention.
func (s *Sweeper) Prune() {
	if s.pruner == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	n, err := s.pruner.Prune(ctx)
	if err != nil {
		s.logger.Error("prune: failed", zap.Error(err))
		return
	}
	s.logger.Info("prune: expired fingerprints removed", zap.Int64("removed", n))
}
