package orchestrator

import (
	"context"

	"github.com/qa-tools/triage-service/internal/domain"
	"github.com/qa-tools/triage-service/internal/lifecycle"
	"github.com/qa-tools/triage-service/internal/repository"
)

// StoreCandidates adapts the lifecycle store to dedup.CandidateSource.
type StoreCandidates struct {
	Store *lifecycle.Store
}

// RecentDrafts implements dedup.CandidateSource.
func (s StoreCandidates) RecentDrafts(ctx context.Context, projectID string, limit int) ([]domain.Draft, error) {
	return RecentDrafts(ctx, s.Store, projectID, limit)
}

// RecentDrafts returns the newest limit drafts of a project that were not
// ignored.
func RecentDrafts(ctx context.Context, store *lifecycle.Store, projectID string, limit int) ([]domain.Draft, error) {
	if limit <= 0 {
		return nil, nil
	}
	return store.Query(ctx, repository.DraftFilter{
		ProjectID:   &projectID,
		Statuses:    []domain.DraftStatus{domain.DraftStatusPending, domain.DraftStatusCreated},
		NewestFirst: true,
		Limit:       limit,
	})
}
