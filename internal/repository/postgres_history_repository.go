package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/qa-tools/triage-service/internal/domain"
)

type draftHistoryRepository struct {
	pool *pgxpool.Pool
}

// NewDraftHistoryRepository builds the Postgres audit repository.
func NewDraftHistoryRepository(pool *pgxpool.Pool) DraftHistoryRepository {
	return &draftHistoryRepository{pool: pool}
}

func (r *draftHistoryRepository) Create(ctx context.Context, history *domain.DraftHistory) error {
	const query = `
        INSERT INTO draft_history (id, draft_id, actor, change_type, old_value, new_value)
        VALUES ($1,$2,$3,$4,$5,$6)
        RETURNING created_at`
	if history.ID == "" {
		history.ID = uuid.NewString()
	}
	return r.pool.QueryRow(ctx, query,
		history.ID,
		history.DraftID,
		history.Actor,
		string(history.ChangeType),
		history.OldValue,
		history.NewValue,
	).Scan(&history.CreatedAt)
}

func (r *draftHistoryRepository) ListByDraft(ctx context.Context, draftID string) ([]domain.DraftHistory, error) {
	const query = `
        SELECT id, draft_id, actor, change_type, old_value, new_value, created_at
        FROM draft_history WHERE draft_id=$1 ORDER BY created_at ASC, seq ASC`
	rows, err := r.pool.Query(ctx, query, draftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.DraftHistory
	for rows.Next() {
		var (
			history    domain.DraftHistory
			changeType string
		)
		if err := rows.Scan(
			&history.ID,
			&history.DraftID,
			&history.Actor,
			&changeType,
			&history.OldValue,
			&history.NewValue,
			&history.CreatedAt,
		); err != nil {
			return nil, err
		}
		history.ChangeType = domain.DraftChangeType(changeType)
		result = append(result, history)
	}
	return result, rows.Err()
}
