package approval

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qa-tools/triage-service/internal/config"
	"github.com/qa-tools/triage-service/internal/domain"
	"github.com/qa-tools/triage-service/internal/lifecycle"
	"github.com/qa-tools/triage-service/internal/repository"
)

type recordingReviewer struct {
	mu       sync.Mutex
	requests []string
	err      error
}

func (r *recordingReviewer) RequestDecision(_ context.Context, d domain.Draft) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, d.ID)
	return r.err
}

func (r *recordingReviewer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func setup(t *testing.T, reviewer Reviewer) (*Gate, *lifecycle.Store, *domain.Draft) {
	t.Helper()
	store := lifecycle.NewStore(repository.NewMemoryDraftRepository(), repository.NewMemoryDraftHistoryRepository(), zap.NewNop())
	d := &domain.Draft{ProjectID: "shop", TestName: "testLogin", Fingerprint: "fp", Severity: domain.SeverityMedium}
	require.NoError(t, store.InsertDraft(context.Background(), d))
	gate := NewGate(Policy{RequireApproval: true}, store, reviewer, zap.NewNop())
	return gate, store, d
}

func TestDecide(t *testing.T) {
	cases := []struct {
		name   string
		policy Policy
		sev    domain.Severity
		want   Outcome
	}{
		{"auto create", Policy{AutoCreate: true}, domain.SeverityLow, AutoApprove},
		{"auto create off", Policy{}, domain.SeverityLow, AwaitHuman},
		{"approval required", Policy{AutoCreate: true, RequireApproval: true}, domain.SeverityLow, AwaitHuman},
		{"override to review", Policy{AutoCreate: true, SeverityOverrides: map[domain.Severity]Mode{domain.SeverityCritical: ModeReview}}, domain.SeverityCritical, AwaitHuman},
		{"override to auto", Policy{RequireApproval: true, SeverityOverrides: map[domain.Severity]Mode{domain.SeverityLow: ModeAuto}}, domain.SeverityLow, AutoApprove},
		{"override for other severity", Policy{RequireApproval: true, SeverityOverrides: map[domain.Severity]Mode{domain.SeverityLow: ModeAuto}}, domain.SeverityHigh, AwaitHuman},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Decide(domain.Draft{Severity: tc.sev}, tc.policy))
		})
	}
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(config.ApprovalConfig{
		AutoCreate:        true,
		SeverityOverrides: map[string]string{"critical": "review", "bogus": "auto"},
	})
	assert.True(t, p.AutoCreate)
	assert.Equal(t, map[domain.Severity]Mode{domain.SeverityCritical: ModeReview}, p.SeverityOverrides)
}

func TestAwaitThenAccept(t *testing.T) {
	ctx := context.Background()
	reviewer := &recordingReviewer{}
	gate, store, d := setup(t, reviewer)

	var resumed []domain.Draft
	require.NoError(t, gate.Await(ctx, *d, func(_ context.Context, got domain.Draft) {
		resumed = append(resumed, got)
	}))
	assert.True(t, gate.Waiting(d.ID))
	assert.Equal(t, 1, reviewer.count())

	got, err := store.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalAwaiting, got.Approval)

	approved, err := gate.Resolve(ctx, d.ID, Decision{Accept: true, Reviewer: "alice"})
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, approved.Approval)
	assert.Equal(t, domain.DraftStatusPending, approved.Status)
	require.Len(t, resumed, 1)
	assert.Equal(t, d.ID, resumed[0].ID)
	assert.False(t, gate.Waiting(d.ID))

	_, err = gate.Resolve(ctx, d.ID, Decision{Accept: true})
	assert.ErrorIs(t, err, ErrNoPendingDecision)
	assert.Len(t, resumed, 1)
}

func TestAwaitThenDecline(t *testing.T) {
	ctx := context.Background()
	gate, store, d := setup(t, &recordingReviewer{})

	called := false
	require.NoError(t, gate.Await(ctx, *d, func(context.Context, domain.Draft) { called = true }))

	declined, err := gate.Resolve(ctx, d.ID, Decision{Accept: false, Reviewer: "bob"})
	require.NoError(t, err)
	assert.Equal(t, domain.DraftStatusIgnored, declined.Status)
	assert.False(t, called)

	history, err := store.History(ctx, d.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, domain.ChangeTypeStatus, last.ChangeType)
	assert.Equal(t, "bob", last.Actor)
}

func TestResolveWithoutAwait(t *testing.T) {
	gate, _, d := setup(t, nil)
	_, err := gate.Resolve(context.Background(), d.ID, Decision{Accept: true})
	assert.ErrorIs(t, err, ErrNoPendingDecision)
}

func TestReviewerFailureKeepsDraftAwaiting(t *testing.T) {
	ctx := context.Background()
	gate, store, d := setup(t, &recordingReviewer{err: errors.New("slack down")})

	require.NoError(t, gate.Await(ctx, *d, nil))
	got, err := store.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalAwaiting, got.Approval)
}

func TestResumeAfterRestart(t *testing.T) {
	ctx := context.Background()
	reviewer := &recordingReviewer{}
	gate, store, d := setup(t, reviewer)
	require.NoError(t, gate.Await(ctx, *d, nil))
	gate.Shutdown()
	assert.False(t, gate.Waiting(d.ID))

	// a new gate over the same store stands in for a restarted process
	restarted := NewGate(Policy{RequireApproval: true}, store, reviewer, zap.NewNop())
	var resumed int
	n, err := restarted.Resume(ctx, func(context.Context, domain.Draft) { resumed++ })
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, reviewer.count())

	n, err = restarted.Resume(ctx, func(context.Context, domain.Draft) { resumed++ })
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = restarted.Resolve(ctx, d.ID, Decision{Accept: true})
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
}
