package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qa-tools/triage-service/internal/domain"
	"github.com/qa-tools/triage-service/internal/repository"
	"github.com/qa-tools/triage-service/pkg/util/keylock"
)

var (
	ErrNotFound          = errors.New("draft not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrMissingExternalRef is an ErrInvalidTransition.
	ErrMissingExternalRef = fmt.Errorf("%w: external issue ref required", ErrInvalidTransition)
	ErrRefAlreadyAttached = errors.New("external issue ref already attached")
	ErrNotPending         = errors.New("draft is not pending")
	ErrClusterFrozen      = errors.New("cluster binding is frozen once a ticket exists")
)

// MaxStackTraceBytes bounds the stack trace kept on a draft.
const MaxStackTraceBytes = 16 * 1024

// SystemActor is recorded on history rows written by the pipeline.
const SystemActor = "system"

// allowedTransitions is the draft status machine. created is terminal.
var allowedTransitions = map[domain.DraftStatus][]domain.DraftStatus{
	domain.DraftStatusPending: {domain.DraftStatusCreated, domain.DraftStatusIgnored},
	domain.DraftStatusIgnored: {domain.DraftStatusPending},
}

// CreateFunc performs the external create call for a draft.
type CreateFunc func(ctx context.Context, draft domain.Draft) (*domain.ExternalIssueRef, error)

// Store is the only writer of draft state. Mutations of one draft id are
// serialized; different ids proceed in parallel.
type Store struct {
	drafts  repository.DraftRepository
	history repository.DraftHistoryRepository
	locks   *keylock.Mutex
	logger  *zap.Logger
}

// NewStore wires the store over its repositories.
func NewStore(drafts repository.DraftRepository, history repository.DraftHistoryRepository, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{drafts: drafts, history: history, locks: keylock.New(), logger: logger}
}

// InsertDraft persists a new pending draft and fills in its id and timestamps.
func (s *Store) InsertDraft(ctx context.Context, draft *domain.Draft) error {
	if draft.ID == "" {
		draft.ID = uuid.NewString()
	}
	if draft.ProjectID == "" || draft.Fingerprint == "" {
		return errors.New("draft requires project and fingerprint")
	}
	draft.Status = domain.DraftStatusPending
	if draft.Approval == "" {
		draft.Approval = domain.ApprovalNone
	}
	if draft.ExternalRef != nil {
		return fmt.Errorf("%w: new drafts carry no external ref", ErrInvalidTransition)
	}
	draft.StackTrace = truncate(draft.StackTrace, MaxStackTraceBytes)
	if draft.OccurredAt.IsZero() {
		draft.OccurredAt = time.Now().UTC()
	}

	unlock := s.locks.Lock(draft.ID)
	defer unlock()

	if err := s.drafts.Create(ctx, draft); err != nil {
		return fmt.Errorf("insert draft: %w", err)
	}
	s.record(ctx, draft.ID, SystemActor, domain.ChangeTypeCreated, nil, map[string]any{
		"status":      string(draft.Status),
		"severity":    string(draft.Severity),
		"fingerprint": string(draft.Fingerprint),
		"cluster_id":  draft.ClusterIDValue(),
	})
	return nil
}

// Get returns a copy of the stored draft.
func (s *Store) Get(ctx context.Context, id string) (*domain.Draft, error) {
	draft, err := s.drafts.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return draft, err
}

// Query lists drafts matching the filter.
func (s *Store) Query(ctx context.Context, filter repository.DraftFilter) ([]domain.Draft, error) {
	return s.drafts.ListWithFilter(ctx, filter)
}

// History returns the audit trail for a draft.
func (s *Store) History(ctx context.Context, id string) ([]domain.DraftHistory, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.history.ListByDraft(ctx, id)
}

// Stats aggregates draft counts.
func (s *Store) Stats(ctx context.Context, projectID *string) (*repository.DraftStats, error) {
	return s.drafts.Stats(ctx, projectID)
}

// Transition moves a draft to a new status. pending to created requires an
// attached external ref. Rejected transitions leave the draft untouched.
func (s *Store) Transition(ctx context.Context, id string, to domain.DraftStatus, actor string) (*domain.Draft, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	draft, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.transitionLocked(ctx, draft, to, actor); err != nil {
		return nil, err
	}
	return draft, nil
}

func (s *Store) transitionLocked(ctx context.Context, draft *domain.Draft, to domain.DraftStatus, actor string) error {
	from := draft.Status
	if !canTransition(from, to) {
		s.logger.Error("rejected draft transition",
			zap.String("draft_id", draft.ID),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if to == domain.DraftStatusCreated && draft.ExternalRef == nil {
		s.logger.Error("rejected draft transition without external ref", zap.String("draft_id", draft.ID))
		return ErrMissingExternalRef
	}

	next := draft.Clone()
	next.Status = to
	if from == domain.DraftStatusIgnored && to == domain.DraftStatusPending {
		next.Approval = domain.ApprovalNone
	}
	if err := s.update(ctx, &next, from); err != nil {
		return err
	}
	*draft = next
	s.record(ctx, draft.ID, actor, domain.ChangeTypeStatus,
		map[string]any{"status": string(from)},
		map[string]any{"status": string(to)})
	return nil
}

// AttachExternalRef binds the tracker's ref to a pending draft, once.
func (s *Store) AttachExternalRef(ctx context.Context, id string, ref domain.ExternalIssueRef, actor string) (*domain.Draft, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	draft, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.attachLocked(ctx, draft, ref, actor); err != nil {
		return nil, err
	}
	return draft, nil
}

func (s *Store) attachLocked(ctx context.Context, draft *domain.Draft, ref domain.ExternalIssueRef, actor string) error {
	if ref.Key == "" {
		return errors.New("external issue ref requires a key")
	}
	if draft.ExternalRef != nil {
		return fmt.Errorf("%w: %s", ErrRefAlreadyAttached, draft.ExternalRef.Key)
	}
	if draft.Status != domain.DraftStatusPending {
		return fmt.Errorf("%w: %s", ErrNotPending, draft.Status)
	}
	next := draft.Clone()
	next.ExternalRef = &ref
	next.LastError = ""
	if err := s.update(ctx, &next, draft.Status); err != nil {
		return err
	}
	*draft = next
	s.record(ctx, draft.ID, actor, domain.ChangeTypeExternalRef, nil, map[string]any{
		"id": ref.ID, "key": ref.Key, "url": ref.URL,
	})
	return nil
}

// AssignCluster sets the draft's cluster. Drafts with a ticket keep theirs,
// and so does every other member of a cluster that has one.
func (s *Store) AssignCluster(ctx context.Context, id, clusterID, actor string) (*domain.Draft, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	draft, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if draft.ClusterIDValue() == clusterID {
		return draft, nil
	}
	if draft.Status == domain.DraftStatusCreated {
		return nil, ErrClusterFrozen
	}
	old := draft.ClusterIDValue()
	if old != "" {
		bound, err := s.drafts.ListWithFilter(ctx, repository.DraftFilter{
			ProjectID: &draft.ProjectID,
			ClusterID: &old,
			Statuses:  []domain.DraftStatus{domain.DraftStatusCreated},
			Limit:     1,
		})
		if err != nil {
			return nil, fmt.Errorf("check cluster binding: %w", err)
		}
		if len(bound) > 0 {
			return nil, ErrClusterFrozen
		}
	}
	next := draft.Clone()
	next.ClusterID = &clusterID
	if err := s.update(ctx, &next, draft.Status); err != nil {
		return nil, err
	}
	s.record(ctx, id, actor, domain.ChangeTypeCluster,
		map[string]any{"cluster_id": old},
		map[string]any{"cluster_id": clusterID})
	return &next, nil
}

// SetApproval records the gate's state for a pending draft.
func (s *Store) SetApproval(ctx context.Context, id string, state domain.ApprovalState, actor string) (*domain.Draft, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	draft, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if draft.Status != domain.DraftStatusPending {
		return nil, fmt.Errorf("%w: %s", ErrNotPending, draft.Status)
	}
	if draft.Approval == state {
		return draft, nil
	}
	old := draft.Approval
	next := draft.Clone()
	next.Approval = state
	if err := s.update(ctx, &next, draft.Status); err != nil {
		return nil, err
	}
	s.record(ctx, id, actor, domain.ChangeTypeApproval,
		map[string]any{"approval": string(old)},
		map[string]any{"approval": string(state)})
	return &next, nil
}

// Submit performs the external create call for a pending draft, at most
// once per draft. The status is checked under the draft's lock immediately
// before the call; a draft that already has a ref is completed without
// calling create again. On create failure the draft stays pending with the
// attempt and error recorded, and the create error is returned.
func (s *Store) Submit(ctx context.Context, id string, create CreateFunc, actor string) (*domain.Draft, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	draft, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if draft.Status != domain.DraftStatusPending {
		return draft, fmt.Errorf("%w: %s", ErrNotPending, draft.Status)
	}
	if draft.ExternalRef == nil {
		attempt := draft.Clone()
		attempt.SubmitAttempts++
		if err := s.update(ctx, &attempt, draft.Status); err != nil {
			return nil, err
		}
		*draft = attempt

		ref, createErr := create(ctx, draft.Clone())
		if createErr != nil {
			failed := draft.Clone()
			failed.LastError = truncate(createErr.Error(), 1024)
			if err := s.update(ctx, &failed, draft.Status); err != nil {
				s.logger.Error("record submit failure", zap.String("draft_id", id), zap.Error(err))
			} else {
				*draft = failed
			}
			s.record(ctx, id, actor, domain.ChangeTypeSubmit, nil, map[string]any{
				"attempt": draft.SubmitAttempts, "error": draft.LastError,
			})
			return draft, createErr
		}
		if ref == nil || ref.Key == "" {
			return draft, errors.New("tracker returned no issue key")
		}
		if err := s.attachLocked(ctx, draft, *ref, actor); err != nil {
			s.logger.Error("issue created but ref not stored",
				zap.String("draft_id", id), zap.String("external_key", ref.Key), zap.Error(err))
			return draft, err
		}
	}
	if err := s.transitionLocked(ctx, draft, domain.DraftStatusCreated, actor); err != nil {
		return draft, err
	}
	return draft, nil
}

func (s *Store) update(ctx context.Context, draft *domain.Draft, expected domain.DraftStatus) error {
	err := s.drafts.Update(ctx, draft, expected)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, draft.ID)
	default:
		return fmt.Errorf("update draft %s: %w", draft.ID, err)
	}
}

func (s *Store) record(ctx context.Context, draftID, actor string, change domain.DraftChangeType, oldValue, newValue map[string]any) {
	if actor == "" {
		actor = SystemActor
	}
	entry := &domain.DraftHistory{
		DraftID:    draftID,
		Actor:      actor,
		ChangeType: change,
		OldValue:   oldValue,
		NewValue:   newValue,
	}
	if err := s.history.Create(ctx, entry); err != nil {
		s.logger.Error("write draft history", zap.String("draft_id", draftID), zap.String("change_type", string(change)), zap.Error(err))
	}
}

func canTransition(from, to domain.DraftStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.ToValidUTF8(s[:max], "")
}
