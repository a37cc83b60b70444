package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/qa-tools/triage-service/internal/domain"
)

var (
	// ErrNotFound is returned when a draft does not exist.
	ErrNotFound = errors.New("draft not found")
	// ErrStaleWrite is returned when a conditional update lost a race.
	ErrStaleWrite = errors.New("draft changed concurrently")
)

// DraftFilter captures draft search parameters.
type DraftFilter struct {
	ProjectID   *string
	ClusterID   *string
	Fingerprint *string
	Statuses    []domain.DraftStatus
	Severities  []domain.Severity
	Approvals   []domain.ApprovalState
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	// AttemptsBelow keeps drafts with fewer submit attempts.
	AttemptsBelow *int
	// NewestFirst orders by creation time descending instead of ascending.
	NewestFirst bool
	Limit       int
	Offset      int
}

// DailyCount is one day of the created/pending trend.
type DailyCount struct {
	Day     string `json:"day"`
	Created int    `json:"created"`
	Pending int    `json:"pending"`
}

// DraftStats aggregates counts for dashboards.
type DraftStats struct {
	ByStatus   map[domain.DraftStatus]int `json:"by_status"`
	BySeverity map[domain.Severity]int    `json:"by_severity"`
	Trend      []DailyCount               `json:"trend"`
}

// DraftRepository encapsulates draft persistence.
type DraftRepository interface {
	Create(ctx context.Context, draft *domain.Draft) error
	// Update writes every mutable column, but only if the stored status
	// still equals expected.
	Update(ctx context.Context, draft *domain.Draft, expected domain.DraftStatus) error
	GetByID(ctx context.Context, id string) (*domain.Draft, error)
	ListWithFilter(ctx context.Context, filter DraftFilter) ([]domain.Draft, error)
	Stats(ctx context.Context, projectID *string) (*DraftStats, error)
}

// DraftHistoryRepository stores audit entries.
type DraftHistoryRepository interface {
	Create(ctx context.Context, history *domain.DraftHistory) error
	ListByDraft(ctx context.Context, draftID string) ([]domain.DraftHistory, error)
}

// FingerprintRepository is the durable known-fingerprint set.
type FingerprintRepository interface {
	// Claim records the fingerprint and reports true only for the first
	// caller, or when the previous record expired before now.
	// A re-claimed record starts without an owner.
	Claim(ctx context.Context, projectID string, fp domain.Fingerprint, now, expiresAt time.Time) (bool, error)
	// Bind records the draft that owns a claimed fingerprint.
	Bind(ctx context.Context, projectID string, fp domain.Fingerprint, draftID string) error
	// Owner returns the owning draft of a live fingerprint, or "" when the
	// fingerprint is unknown, expired or was never bound.
	Owner(ctx context.Context, projectID string, fp domain.Fingerprint, now time.Time) (string, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

const defaultListLimit = 50

func (f DraftFilter) limitOffset() (int, int) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// whereClause renders the filter using the dialect's placeholder style.
func (f DraftFilter) whereClause(placeholder func(n int) string) (string, []any) {
	clauses := []string{"1=1"}
	args := []any{}

	add := func(column string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s=%s", column, placeholder(len(args))))
	}
	in := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		placeholders := make([]string, len(values))
		for i, v := range values {
			args = append(args, v)
			placeholders[i] = placeholder(len(args))
		}
		clauses = append(clauses, fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ",")))
	}

	if f.ProjectID != nil {
		add("project_id", *f.ProjectID)
	}
	if f.ClusterID != nil {
		add("cluster_id", *f.ClusterID)
	}
	if f.Fingerprint != nil {
		add("fingerprint", *f.Fingerprint)
	}
	in("status", statusStrings(f.Statuses))
	in("severity", severityStrings(f.Severities))
	in("approval", approvalStrings(f.Approvals))
	if f.CreatedFrom != nil {
		args = append(args, f.CreatedFrom.UTC())
		clauses = append(clauses, fmt.Sprintf("created_at >= %s", placeholder(len(args))))
	}
	if f.CreatedTo != nil {
		args = append(args, f.CreatedTo.UTC())
		clauses = append(clauses, fmt.Sprintf("created_at <= %s", placeholder(len(args))))
	}
	if f.AttemptsBelow != nil {
		args = append(args, *f.AttemptsBelow)
		clauses = append(clauses, fmt.Sprintf("submit_attempts < %s", placeholder(len(args))))
	}
	return strings.Join(clauses, " AND "), args
}

func (f DraftFilter) orderClause() string {
	if f.NewestFirst {
		return "created_at DESC, id DESC"
	}
	return "created_at ASC, id ASC"
}

// matches applies the filter in memory.
func (f DraftFilter) matches(d *domain.Draft) bool {
	if f.ProjectID != nil && d.ProjectID != *f.ProjectID {
		return false
	}
	if f.ClusterID != nil && d.ClusterIDValue() != *f.ClusterID {
		return false
	}
	if f.Fingerprint != nil && string(d.Fingerprint) != *f.Fingerprint {
		return false
	}
	if len(f.Statuses) > 0 && !contains(statusStrings(f.Statuses), string(d.Status)) {
		return false
	}
	if len(f.Severities) > 0 && !contains(severityStrings(f.Severities), string(d.Severity)) {
		return false
	}
	if len(f.Approvals) > 0 && !contains(approvalStrings(f.Approvals), string(d.Approval)) {
		return false
	}
	if f.CreatedFrom != nil && d.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedTo != nil && d.CreatedAt.After(*f.CreatedTo) {
		return false
	}
	if f.AttemptsBelow != nil && d.SubmitAttempts >= *f.AttemptsBelow {
		return false
	}
	return true
}

func statusStrings(in []domain.DraftStatus) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

func severityStrings(in []domain.Severity) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

func approvalStrings(in []domain.ApprovalState) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func newStats() *DraftStats {
	return &DraftStats{
		ByStatus:   map[domain.DraftStatus]int{},
		BySeverity: map[domain.Severity]int{},
		Trend:      []DailyCount{},
	}
}

// refColumns flattens an optional external ref for storage.
func refColumns(ref *domain.ExternalIssueRef) (id, key, url *string) {
	if ref == nil {
		return nil, nil, nil
	}
	return &ref.ID, &ref.Key, &ref.URL
}

func refFromColumns(id, key, url *string) *domain.ExternalIssueRef {
	if key == nil || *key == "" {
		return nil
	}
	ref := &domain.ExternalIssueRef{Key: *key}
	if id != nil {
		ref.ID = *id
	}
	if url != nil {
		ref.URL = *url
	}
	return ref
}
