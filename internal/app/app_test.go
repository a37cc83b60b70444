package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qa-tools/triage-service/internal/config"
	"github.com/qa-tools/triage-service/internal/domain"
	"github.com/qa-tools/triage-service/internal/orchestrator"
)

func baseConfig() *config.Config {
	return &config.Config{
		App:      config.AppConfig{Name: "triage-test", PublicURL: "http://triage.local"},
		Store:    config.StoreConfig{Driver: "memory"},
		Auth:     config.AuthConfig{DecisionSecret: "secret", DecisionTokenTTLMinutes: 5},
		Approval: config.ApprovalConfig{AutoCreate: true},
		Dedup:    config.DedupConfig{KnownSetDriver: "memory", RetentionDays: 30},
		Worker:   config.WorkerConfig{PoolSize: 2},
	}
}

func TestNewWiresMemoryStack(t *testing.T) {
	a, err := New(context.Background(), baseConfig(), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Store)
	assert.NotNil(t, a.Gate)
	assert.NotNil(t, a.Orchestrator)
	assert.NotNil(t, a.Pruner)
	assert.False(t, a.Tracker.Configured())
	assert.NotContains(t, a.Checks, "tracker")

	_, err = a.Orchestrator.Handle(context.Background(), domain.FailureEvent{
		ProjectID:    "shop",
		TestName:     "testLogin",
		ErrorMessage: "boom",
	})
	assert.ErrorIs(t, err, orchestrator.ErrTrackerNotConfigured)
}

func TestNewWithSQLite(t *testing.T) {
	cfg := baseConfig()
	cfg.Store.Driver = "sqlite"
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "triage.db")
	cfg.Dedup.KnownSetDriver = "store"

	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	require.Contains(t, a.Checks, "sqlite")
	assert.NoError(t, a.Checks["sqlite"](context.Background()))
	assert.NotNil(t, a.Pruner)
}

func TestRedisKnownSetRequiresAddress(t *testing.T) {
	cfg := baseConfig()
	cfg.Dedup.KnownSetDriver = "redis"

	_, err := New(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestAutoFallsBackWithoutRedis(t *testing.T) {
	cfg := baseConfig()
	cfg.Dedup.KnownSetDriver = "auto"

	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()
	assert.NotNil(t, a.Pruner)
	assert.NotContains(t, a.Checks, "redis")
}

func TestUnknownStoreDriver(t *testing.T) {
	cfg := baseConfig()
	cfg.Store.Driver = "cassandra"

	_, err := New(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}
