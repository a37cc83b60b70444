package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/qa-tools/triage-service/internal/domain"
)

type sqliteDraftRepository struct {
	db *sql.DB
}

// NewSQLiteDraftRepository builds a draft repository over a local database.
func NewSQLiteDraftRepository(db *sql.DB) DraftRepository {
	return &sqliteDraftRepository{db: db}
}

func (r *sqliteDraftRepository) Create(ctx context.Context, draft *domain.Draft) error {
	const query = `
        INSERT INTO drafts (id, project_id, module_id, test_name, class_name, error_message, stack_trace, framework,
            summary, description, fingerprint, cluster_id, severity, root_cause, status, approval,
            external_id, external_key, external_url, submit_attempts, last_error, occurred_at, created_at, updated_at)
        VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	now := time.Now().UTC()
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = now
	}
	draft.UpdatedAt = now
	extID, extKey, extURL := refColumns(draft.ExternalRef)
	_, err := r.db.ExecContext(ctx, query,
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
		draft.CreatedAt.UTC(),
		draft.UpdatedAt,
	)
	return err
}

func (r *sqliteDraftRepository) Update(ctx context.Context, draft *domain.Draft, expected domain.DraftStatus) error {
	const query = `
        UPDATE drafts SET summary=?, description=?, cluster_id=?, status=?, approval=?,
            external_id=?, external_key=?, external_url=?, submit_attempts=?, last_error=?, updated_at=?
        WHERE id=? AND status=?`
	now := time.Now().UTC()
	extID, extKey, extURL := refColumns(draft.ExternalRef)
	res, err := r.db.ExecContext(ctx, query,
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
		now,
		draft.ID,
		string(expected),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := r.GetByID(ctx, draft.ID); err != nil {
			return err
		}
		return ErrStaleWrite
	}
	draft.UpdatedAt = now
	return nil
}

func (r *sqliteDraftRepository) GetByID(ctx context.Context, id string) (*domain.Draft, error) {
	query := `SELECT ` + draftColumns + ` FROM drafts WHERE id=?`
	draft, err := scanDraft(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return draft, err
}

func (r *sqliteDraftRepository) ListWithFilter(ctx context.Context, filter DraftFilter) ([]domain.Draft, error) {
	where, args := filter.whereClause(func(int) string { return "?" })
	limit, offset := filter.limitOffset()
	query := fmt.Sprintf(`SELECT %s FROM drafts WHERE %s ORDER BY %s LIMIT %d OFFSET %d`,
		draftColumns, where, filter.orderClause(), limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
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

func (r *sqliteDraftRepository) Stats(ctx context.Context, projectID *string) (*DraftStats, error) {
	stats := newStats()
	where, args := DraftFilter{ProjectID: projectID}.whereClause(func(int) string { return "?" })

	rows, err := r.db.QueryContext(ctx, `SELECT status, severity, COUNT(*) FROM drafts WHERE `+where+` GROUP BY status, severity`, args...)
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
        SELECT substr(created_at, 1, 10) AS day,
               SUM(CASE WHEN status = 'created' THEN 1 ELSE 0 END),
               SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END)
        FROM drafts WHERE ` + where + `
        GROUP BY day ORDER BY day ASC`
	trendRows, err := r.db.QueryContext(ctx, trendQuery, args...)
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

type sqliteHistoryRepository struct {
	db *sql.DB
}

// NewSQLiteDraftHistoryRepository builds the local audit repository.
func NewSQLiteDraftHistoryRepository(db *sql.DB) DraftHistoryRepository {
	return &sqliteHistoryRepository{db: db}
}

func (r *sqliteHistoryRepository) Create(ctx context.Context, history *domain.DraftHistory) error {
	if history.ID == "" {
		history.ID = uuid.NewString()
	}
	if history.CreatedAt.IsZero() {
		history.CreatedAt = time.Now().UTC()
	}
	oldValue, err := marshalValue(history.OldValue)
	if err != nil {
		return err
	}
	newValue, err := marshalValue(history.NewValue)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
        INSERT INTO draft_history (id, draft_id, actor, change_type, old_value, new_value, created_at)
        VALUES (?,?,?,?,?,?,?)`,
		history.ID,
		history.DraftID,
		history.Actor,
		string(history.ChangeType),
		oldValue,
		newValue,
		history.CreatedAt.UTC(),
	)
	return err
}

func (r *sqliteHistoryRepository) ListByDraft(ctx context.Context, draftID string) ([]domain.DraftHistory, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT id, draft_id, actor, change_type, old_value, new_value, created_at
        FROM draft_history WHERE draft_id=? ORDER BY seq ASC`, draftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.DraftHistory
	for rows.Next() {
		var (
			history            domain.DraftHistory
			changeType         string
			oldValue, newValue sql.NullString
		)
		if err := rows.Scan(&history.ID, &history.DraftID, &history.Actor, &changeType, &oldValue, &newValue, &history.CreatedAt); err != nil {
			return nil, err
		}
		history.ChangeType = domain.DraftChangeType(changeType)
		if history.OldValue, err = unmarshalValue(oldValue); err != nil {
			return nil, err
		}
		if history.NewValue, err = unmarshalValue(newValue); err != nil {
			return nil, err
		}
		result = append(result, history)
	}
	return result, rows.Err()
}

type sqliteFingerprintRepository struct {
	db *sql.DB
}

// NewSQLiteFingerprintRepository builds the local known-fingerprint set.
func NewSQLiteFingerprintRepository(db *sql.DB) FingerprintRepository {
	return &sqliteFingerprintRepository{db: db}
}

func (r *sqliteFingerprintRepository) Claim(ctx context.Context, projectID string, fp domain.Fingerprint, now, expiresAt time.Time) (bool, error) {
	const query = `
        INSERT INTO known_fingerprints (project_id, fingerprint, first_seen_at, expires_at)
        VALUES (?,?,?,?)
        ON CONFLICT (project_id, fingerprint) DO UPDATE
            SET first_seen_at = excluded.first_seen_at, expires_at = excluded.expires_at, draft_id = NULL
            WHERE known_fingerprints.expires_at < excluded.first_seen_at`
	res, err := r.db.ExecContext(ctx, query, projectID, string(fp), now.UTC(), expiresAt.UTC())
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (r *sqliteFingerprintRepository) Bind(ctx context.Context, projectID string, fp domain.Fingerprint, draftID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE known_fingerprints SET draft_id=? WHERE project_id=? AND fingerprint=?`,
		draftID, projectID, string(fp))
	return err
}

func (r *sqliteFingerprintRepository) Owner(ctx context.Context, projectID string, fp domain.Fingerprint, now time.Time) (string, error) {
	var owner sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT draft_id FROM known_fingerprints WHERE project_id=? AND fingerprint=? AND expires_at >= ?`,
		projectID, string(fp), now.UTC()).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return owner.String, nil
}

func (r *sqliteFingerprintRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM known_fingerprints WHERE expires_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func marshalValue(v map[string]any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode history value: %w", err)
	}
	s := string(data)
	return &s, nil
}

func unmarshalValue(v sql.NullString) (map[string]any, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil, fmt.Errorf("decode history value: %w", err)
	}
	return out, nil
}
