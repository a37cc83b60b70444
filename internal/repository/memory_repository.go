package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qa-tools/triage-service/internal/domain"
)

type memoryDraftRepository struct {
	mu     sync.RWMutex
	drafts map[string]domain.Draft
}

// NewMemoryDraftRepository keeps drafts in process memory.
func NewMemoryDraftRepository() DraftRepository {
	return &memoryDraftRepository{drafts: make(map[string]domain.Draft)}
}

func (r *memoryDraftRepository) Create(_ context.Context, draft *domain.Draft) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.drafts[draft.ID]; exists {
		return ErrStaleWrite
	}
	now := time.Now().UTC()
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = now
	}
	draft.UpdatedAt = now
	r.drafts[draft.ID] = draft.Clone()
	return nil
}

func (r *memoryDraftRepository) Update(_ context.Context, draft *domain.Draft, expected domain.DraftStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.drafts[draft.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status != expected {
		return ErrStaleWrite
	}
	next := draft.Clone()
	// Identity, content and severity are fixed at creation.
	next.ProjectID = stored.ProjectID
	next.Fingerprint = stored.Fingerprint
	next.Severity = stored.Severity
	next.RootCause = stored.RootCause
	next.CreatedAt = stored.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	r.drafts[draft.ID] = next
	draft.UpdatedAt = next.UpdatedAt
	return nil
}

func (r *memoryDraftRepository) GetByID(_ context.Context, id string) (*domain.Draft, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stored, ok := r.drafts[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := stored.Clone()
	return &out, nil
}

func (r *memoryDraftRepository) ListWithFilter(_ context.Context, filter DraftFilter) ([]domain.Draft, error) {
	r.mu.RLock()
	matched := make([]domain.Draft, 0, len(r.drafts))
	for _, d := range r.drafts {
		if filter.matches(&d) {
			matched = append(matched, d.Clone())
		}
	}
	r.mu.RUnlock()

	sortDrafts(matched, filter.NewestFirst)
	limit, offset := filter.limitOffset()
	if offset >= len(matched) {
		return nil, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

func (r *memoryDraftRepository) Stats(_ context.Context, projectID *string) (*DraftStats, error) {
	stats := newStats()
	filter := DraftFilter{ProjectID: projectID}
	byDay := map[string]*DailyCount{}

	r.mu.RLock()
	for _, d := range r.drafts {
		if !filter.matches(&d) {
			continue
		}
		stats.ByStatus[d.Status]++
		stats.BySeverity[d.Severity]++
		day := d.CreatedAt.UTC().Format("2006-01-02")
		point, ok := byDay[day]
		if !ok {
			point = &DailyCount{Day: day}
			byDay[day] = point
		}
		switch d.Status {
		case domain.DraftStatusCreated:
			point.Created++
		case domain.DraftStatusPending:
			point.Pending++
		}
	}
	r.mu.RUnlock()

	for _, point := range byDay {
		stats.Trend = append(stats.Trend, *point)
	}
	sort.Slice(stats.Trend, func(i, j int) bool { return stats.Trend[i].Day < stats.Trend[j].Day })
	return stats, nil
}

// sortDrafts orders by creation time, then id, matching the SQL backends.
func sortDrafts(drafts []domain.Draft, newestFirst bool) {
	sort.SliceStable(drafts, func(i, j int) bool {
		a, b := drafts[i], drafts[j]
		if newestFirst {
			a, b = b, a
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

type memoryHistoryRepository struct {
	mu      sync.RWMutex
	entries map[string][]domain.DraftHistory
}

// NewMemoryDraftHistoryRepository keeps audit entries in process memory.
func NewMemoryDraftHistoryRepository() DraftHistoryRepository {
	return &memoryHistoryRepository{entries: make(map[string][]domain.DraftHistory)}
}

func (r *memoryHistoryRepository) Create(_ context.Context, history *domain.DraftHistory) error {
	if history.ID == "" {
		history.ID = uuid.NewString()
	}
	if history.CreatedAt.IsZero() {
		history.CreatedAt = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[history.DraftID] = append(r.entries[history.DraftID], *history)
	return nil
}

func (r *memoryHistoryRepository) ListByDraft(_ context.Context, draftID string) ([]domain.DraftHistory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.entries[draftID]
	out := make([]domain.DraftHistory, len(entries))
	copy(out, entries)
	return out, nil
}

type fingerprintKey struct {
	projectID   string
	fingerprint domain.Fingerprint
}

type knownFingerprint struct {
	expiresAt time.Time
	draftID   string
}

type memoryFingerprintRepository struct {
	mu    sync.Mutex
	known map[fingerprintKey]knownFingerprint
}

// NewMemoryFingerprintRepository keeps the known-fingerprint set in memory.
func NewMemoryFingerprintRepository() FingerprintRepository {
	return &memoryFingerprintRepository{known: make(map[fingerprintKey]knownFingerprint)}
}

func (r *memoryFingerprintRepository) Claim(_ context.Context, projectID string, fp domain.Fingerprint, now, expiresAt time.Time) (bool, error) {
	key := fingerprintKey{projectID: projectID, fingerprint: fp}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.known[key]; ok && !existing.expiresAt.Before(now) {
		return false, nil
	}
	r.known[key] = knownFingerprint{expiresAt: expiresAt}
	return true, nil
}

func (r *memoryFingerprintRepository) Bind(_ context.Context, projectID string, fp domain.Fingerprint, draftID string) error {
	key := fingerprintKey{projectID: projectID, fingerprint: fp}
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.known[key]
	if !ok {
		return nil
	}
	existing.draftID = draftID
	r.known[key] = existing
	return nil
}

func (r *memoryFingerprintRepository) Owner(_ context.Context, projectID string, fp domain.Fingerprint, now time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.known[fingerprintKey{projectID: projectID, fingerprint: fp}]
	if !ok || existing.expiresAt.Before(now) {
		return "", nil
	}
	return existing.draftID, nil
}

func (r *memoryFingerprintRepository) Prune(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed int64
	for key, known := range r.known {
		if known.expiresAt.Before(before) {
			delete(r.known, key)
			removed++
		}
	}
	return removed, nil
}
