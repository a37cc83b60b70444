package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/qa-tools/triage-service/internal/domain"
)

type fingerprintRepository struct {
	pool *pgxpool.Pool
}

// NewFingerprintRepository builds the Postgres known-fingerprint set.
func NewFingerprintRepository(pool *pgxpool.Pool) FingerprintRepository {
	return &fingerprintRepository{pool: pool}
}

func (r *fingerprintRepository) Claim(ctx context.Context, projectID string, fp domain.Fingerprint, now, expiresAt time.Time) (bool, error) {
	const query = `
        INSERT INTO known_fingerprints (project_id, fingerprint, first_seen_at, expires_at)
        VALUES ($1,$2,$3,$4)
        ON CONFLICT (project_id, fingerprint) DO UPDATE
            SET first_seen_at = EXCLUDED.first_seen_at, expires_at = EXCLUDED.expires_at, draft_id = NULL
            WHERE known_fingerprints.expires_at < EXCLUDED.first_seen_at`
	cmd, err := r.pool.Exec(ctx, query, projectID, string(fp), now.UTC(), expiresAt.UTC())
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (r *fingerprintRepository) Bind(ctx context.Context, projectID string, fp domain.Fingerprint, draftID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE known_fingerprints SET draft_id=$3 WHERE project_id=$1 AND fingerprint=$2`,
		projectID, string(fp), draftID)
	return err
}

func (r *fingerprintRepository) Owner(ctx context.Context, projectID string, fp domain.Fingerprint, now time.Time) (string, error) {
	var owner *string
	err := r.pool.QueryRow(ctx,
		`SELECT draft_id FROM known_fingerprints WHERE project_id=$1 AND fingerprint=$2 AND expires_at >= $3`,
		projectID, string(fp), now.UTC()).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if owner == nil {
		return "", nil
	}
	return *owner, nil
}

func (r *fingerprintRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	cmd, err := r.pool.Exec(ctx, `DELETE FROM known_fingerprints WHERE expires_at < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}
