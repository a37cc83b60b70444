package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/qa-tools/triage-service/internal/config"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS drafts (
    id              TEXT PRIMARY KEY,
    project_id      TEXT NOT NULL,
    module_id       TEXT NOT NULL DEFAULT '',
    test_name       TEXT NOT NULL,
    class_name      TEXT NOT NULL DEFAULT '',
    error_message   TEXT NOT NULL DEFAULT '',
    stack_trace     TEXT NOT NULL DEFAULT '',
    framework       TEXT NOT NULL DEFAULT '',
    summary         TEXT NOT NULL,
    description     TEXT NOT NULL DEFAULT '',
    fingerprint     TEXT NOT NULL,
    cluster_id      TEXT,
    severity        TEXT NOT NULL,
    root_cause      TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'pending',
    approval        TEXT NOT NULL DEFAULT 'none',
    external_id     TEXT,
    external_key    TEXT,
    external_url    TEXT,
    submit_attempts INTEGER NOT NULL DEFAULT 0,
    last_error      TEXT NOT NULL DEFAULT '',
    occurred_at     DATETIME NOT NULL,
    created_at      DATETIME NOT NULL,
    updated_at      DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_drafts_project_created ON drafts(project_id, created_at);
CREATE INDEX IF NOT EXISTS idx_drafts_status ON drafts(status);
CREATE INDEX IF NOT EXISTS idx_drafts_cluster ON drafts(cluster_id);
CREATE INDEX IF NOT EXISTS idx_drafts_fingerprint ON drafts(fingerprint);

CREATE TABLE IF NOT EXISTS draft_history (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    id          TEXT NOT NULL UNIQUE,
    draft_id    TEXT NOT NULL,
    actor       TEXT NOT NULL DEFAULT 'system',
    change_type TEXT NOT NULL,
    old_value   TEXT,
    new_value   TEXT,
    created_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_draft_history_draft ON draft_history(draft_id);

CREATE TABLE IF NOT EXISTS known_fingerprints (
    project_id    TEXT NOT NULL,
    fingerprint   TEXT NOT NULL,
    first_seen_at DATETIME NOT NULL,
    expires_at    DATETIME NOT NULL,
    draft_id      TEXT,
    PRIMARY KEY (project_id, fingerprint)
);
CREATE INDEX IF NOT EXISTS idx_known_fingerprints_expires ON known_fingerprints(expires_at);
`

// SQLite wraps a local database file.
type SQLite struct {
	DB *sql.DB
}

// NewSQLite opens the database file and ensures the schema exists. The
// path ":memory:" opens a private in-memory database.
func NewSQLite(cfg config.SQLiteConfig, logger *zap.Logger) (*SQLite, error) {
	dsn := ":memory:"
	if cfg.Path != ":memory:" {
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite directory: %w", err)
			}
		}
		dsn = cfg.Path + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer avoids SQLITE_BUSY and keeps :memory: on one connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize sqlite schema: %w", err)
	}
	if err := addColumnIfMissing(db, "known_fingerprints", "draft_id", "TEXT"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("upgrade sqlite schema: %w", err)
	}

	logger.Info("opened sqlite store", zap.String("path", cfg.Path))
	return &SQLite{DB: db}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() {
	if s != nil && s.DB != nil {
		_ = s.DB.Close()
	}
}

// Ping verifies the database handle.
func (s *SQLite) Ping(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("sqlite not open")
	}
	return s.DB.PingContext(ctx)
}

// addColumnIfMissing upgrades files created before the column existed.
func addColumnIfMissing(db *sql.DB, table, column, typ string) error {
	rows, err := db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_ = rows.Close()
	_, err = db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, typ))
	return err
}
