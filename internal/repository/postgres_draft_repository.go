package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/qa-tools/triage-service/internal/domain"
)

const draftColumns = `id, project_id, module_id, test_name, class_name, error_message, stack_trace, framework,
               summary, description, fingerprint, cluster_id, severity, root_cause, status, approval,
               external_id, external_key, external_url, submit_attempts, last_error, occurred_at, created_at, updated_at`

type draftRepository struct {
	pool *pgxpool.Pool
}

// NewDraftRepository instantiates the Postgres-backed repository.
func NewDraftRepository(pool *pgxpool.Pool) DraftRepository {
	return &draftRepository{pool: pool}
}

func (r *draftRepository) Create(ctx context.Context, draft *domain.Draft) error {
	const query = `
        INSERT INTO drafts (id, project_id, module_id, test_name, class_name, error_message, stack_trace, framework,
            summary, description, fingerprint, cluster_id, severity, root_cause, status, approval,
            external_id, external_key, external_url, submit_attempts, last_error, occurred_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
        RETURNING created_at, updated_at`
	extID, extKey, extURL := refColumns(draft.ExternalRef)
	return r.pool.QueryRow(ctx, query,
		draft.ID,
		draft.ProjectID,
		draft.ModuleID,
		draft.TestName,
		draft.ClassName,
		draft.ErrorMessage,
		draft.StackTrace,
		draft.Framework,
		draft.Summary,
		draft.Description,
		string(draft.Fingerprint),
		draft.ClusterID,
		string(draft.Severity),
		draft.RootCause,
		string(draft.Status),
		string(draft.Approval),
		extID,
		extKey,
		extURL,
		draft.SubmitAttempts,
		draft.LastError,
		draft.OccurredAt.UTC(),
	).Scan(&draft.CreatedAt, &draft.UpdatedAt)
}

func (r *draftRepository) Update(ctx context.Context, draft *domain.Draft, expected domain.DraftStatus) error {
	const query = `
        UPDATE drafts SET summary=$1, description=$2, cluster_id=$3, status=$4, approval=$5,
            external_id=$6, external_key=$7, external_url=$8, submit_attempts=$9, last_error=$10, updated_at=NOW()
        WHERE id=$11 AND status=$12
        RETURNING updated_at`
	extID, extKey, extURL := refColumns(draft.ExternalRef)
	err := r.pool.QueryRow(ctx, query,
		draft.Summary,
		draft.Description,
		draft.ClusterID,
		string(draft.Status),
		string(draft.Approval),
		extID,
		extKey,
		extURL,
		draft.SubmitAttempts,
		draft.LastError,
		draft.ID,
		string(expected),
	).Scan(&draft.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetByID(ctx, draft.ID); getErr != nil {
			return getErr
		}
		return ErrStaleWrite
	}
	return err
}

func (r *draftRepository) GetByID(ctx context.Context, id string) (*domain.Draft, error) {
	query := `SELECT ` + draftColumns + ` FROM drafts WHERE id=$1`
	draft, err := scanDraft(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return draft, err
}

func (r *draftRepository) ListWithFilter(ctx context.Context, filter DraftFilter) ([]domain.Draft, error) {
	where, args := filter.whereClause(func(n int) string { return fmt.Sprintf("$%d", n) })
	limit, offset := filter.limitOffset()
	query := fmt.Sprintf(`SELECT %s FROM drafts WHERE %s ORDER BY %s LIMIT %d OFFSET %d`,
		draftColumns, where, filter.orderClause(), limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Draft
	for rows.Next() {
		draft, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *draft)
	}
	return result, rows.Err()
}

func (r *draftRepository) Stats(ctx context.Context, projectID *string) (*DraftStats, error) {
	stats := newStats()
	where, args := DraftFilter{ProjectID: projectID}.whereClause(func(n int) string { return fmt.Sprintf("$%d", n) })

	rows, err := r.pool.Query(ctx, `SELECT status, severity, COUNT(*) FROM drafts WHERE `+where+` GROUP BY status, severity`, args...)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status, severity string
		var count int
		if err := rows.Scan(&status, &severity, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByStatus[domain.DraftStatus(status)] += count
		stats.BySeverity[domain.Severity(severity)] += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	trendQuery := `
        SELECT to_char(date_trunc('day', created_at), 'YYYY-MM-DD') AS day,
               COUNT(*) FILTER (WHERE status = 'created'),
               COUNT(*) FILTER (WHERE status = 'pending')
        FROM drafts WHERE ` + where + `
        GROUP BY day ORDER BY day ASC`
	trendRows, err := r.pool.Query(ctx, trendQuery, args...)
	if err != nil {
		return nil, err
	}
	defer trendRows.Close()
	for trendRows.Next() {
		var point DailyCount
		if err := trendRows.Scan(&point.Day, &point.Created, &point.Pending); err != nil {
			return nil, err
		}
		stats.Trend = append(stats.Trend, point)
	}
	return stats, trendRows.Err()
}

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDraft(row rowScanner) (*domain.Draft, error) {
	var (
		draft                  domain.Draft
		fingerprint            string
		severity, status, appr string
		extID, extKey, extURL  *string
	)
	if err := row.Scan(
		&draft.ID,
		&draft.ProjectID,
		&draft.ModuleID,
		&draft.TestName,
		&draft.ClassName,
		&draft.ErrorMessage,
		&draft.StackTrace,
		&draft.Framework,
		&draft.Summary,
		&draft.Description,
		&fingerprint,
		&draft.ClusterID,
		&severity,
		&draft.RootCause,
		&status,
		&appr,
		&extID,
		&extKey,
		&extURL,
		&draft.SubmitAttempts,
		&draft.LastError,
		&draft.OccurredAt,
		&draft.CreatedAt,
		&draft.UpdatedAt,
	); err != nil {
		return nil, err
	}
	draft.Fingerprint = domain.Fingerprint(fingerprint)
	draft.Severity = domain.Severity(severity)
	draft.Status = domain.DraftStatus(status)
	draft.Approval = domain.ApprovalState(appr)
	draft.ExternalRef = refFromColumns(extID, extKey, extURL)
	return &draft, nil
}
