package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qa-tools/triage-service/internal/approval"
	"github.com/qa-tools/triage-service/internal/cluster"
	"github.com/qa-tools/triage-service/internal/dedup"
	"github.com/qa-tools/triage-service/internal/domain"
	"github.com/qa-tools/triage-service/internal/events"
	"github.com/qa-tools/triage-service/internal/fingerprint"
	"github.com/qa-tools/triage-service/internal/lifecycle"
	"github.com/qa-tools/triage-service/internal/observability"
	"github.com/qa-tools/triage-service/internal/repository"
	"github.com/qa-tools/triage-service/internal/severity"
	"github.com/qa-tools/triage-service/internal/tracker"
)

type fakeTracker struct {
	mu         sync.Mutex
	configured bool
	calls      int
	fail       error
	script     []error
	requests   []tracker.IssueRequest
}

func (f *fakeTracker) Configured() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configured
}

func (f *fakeTracker) Defaults() tracker.Defaults {
	return tracker.Defaults{ProjectKey: "QA", IssueType: "Bug", DefaultPriority: "Medium", Labels: []string{"test-automation"}}
}

func (f *fakeTracker) CreateIssue(_ context.Context, req tracker.IssueRequest) (*domain.ExternalIssueRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.requests = append(f.requests, req)
	if len(f.script) > 0 {
		err := f.script[0]
		f.script = f.script[1:]
		if err != nil {
			return nil, err
		}
	} else if f.fail != nil {
		return nil, f.fail
	}
	key := fmt.Sprintf("QA-%d", f.calls)
	return &domain.ExternalIssueRef{ID: fmt.Sprint(10000 + f.calls), Key: key, URL: "https://jira.example.com/browse/" + key}, nil
}

func (f *fakeTracker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	orch    *Orchestrator
	store   *lifecycle.Store
	drafts  repository.DraftRepository
	tracker *fakeTracker
	events  *events.Recorder
	metrics *observability.Metrics
}

func newHarness(t *testing.T, policy approval.Policy, maxRetries int) *harness {
	t.Helper()
	return newHarnessWithDrafts(t, policy, maxRetries, repository.NewMemoryDraftRepository())
}

func newHarnessWithDrafts(t *testing.T, policy approval.Policy, maxRetries int, drafts repository.DraftRepository) *harness {
	t.Helper()
	logger := zap.NewNop()
	store := lifecycle.NewStore(drafts, repository.NewMemoryDraftHistoryRepository(), logger)
	known := dedup.NewStoreKnownSet(repository.NewMemoryFingerprintRepository(), 0)
	detector, err := dedup.NewDetector(known, dedup.DefaultConfig(), logger)
	require.NoError(t, err)

	dispatcher := events.NewInMemoryDispatcher()
	h := &harness{
		store:   store,
		drafts:  drafts,
		tracker: &fakeTracker{configured: true},
		events:  events.NewRecorder(dispatcher),
		metrics: observability.NewMetrics(),
	}
	h.orch = New(Deps{
		Fingerprints: fingerprint.NewGenerator(0),
		Detector:     detector,
		Severity:     severity.NewClassifier(nil, time.Second, logger),
		Clusters:     cluster.NewEngine(nil, time.Second, logger),
		Store:        store,
		Gate:         approval.NewGate(policy, store, nil, logger),
		Tracker:      h.tracker,
		Dispatcher:   dispatcher,
		Metrics:      h.metrics,
	}, Config{PoolSize: 4, MaxRetries: maxRetries, InitialBackoff: time.Millisecond}, logger)
	h.orch.sleep = func(context.Context, time.Duration) error { return nil }
	t.Cleanup(h.orch.Close)
	return h
}

func loginFailure() domain.FailureEvent {
	return domain.FailureEvent{
		ProjectID:    "shop",
		TestName:     "testLogin",
		ClassName:    "com.acme.LoginTest",
		ErrorMessage: "Connection timeout after 30s",
		StackTrace:   "java.net.SocketTimeoutException: Connection timeout after 30s\n\tat com.acme.LoginClient.login(LoginClient.java:42)\n\tat com.acme.LoginTest.testLogin(LoginTest.java:17)",
		Framework:    "junit",
		OccurredAt:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

var autoCreate = approval.Policy{AutoCreate: true}

func TestNewFailureIsFiledOnce(t *testing.T) {
	h := newHarness(t, autoCreate, 3)

	res, err := h.orch.Handle(context.Background(), loginFailure())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.True(t, res.Verdict.IsNew())
	require.NotNil(t, res.Draft)
	assert.Equal(t, domain.SeverityHigh, res.Draft.Severity)
	assert.Equal(t, domain.DraftStatusCreated, res.Draft.Status)
	require.NotNil(t, res.Draft.ExternalRef)
	assert.Equal(t, "QA-1", res.Draft.ExternalRef.Key)
	assert.NotEmpty(t, res.Draft.ClusterIDValue())

	assert.Equal(t, 1, h.tracker.callCount())
	req := h.tracker.requests[0]
	assert.Equal(t, "Test failed: com.acme.LoginTest.testLogin", req.Summary)
	assert.Equal(t, "High", req.Priority)
	assert.Contains(t, req.Labels, "severity-high")

	assert.Equal(t, 1, h.events.Count(events.EventDraftCreated))
	assert.Equal(t, 1, h.events.Count(events.EventTicketCreated))
	assert.EqualValues(t, 1, h.metrics.Get(observability.TicketCreated))
}

func TestSameFailureTwiceIsSuppressed(t *testing.T) {
	h := newHarness(t, autoCreate, 3)
	ctx := context.Background()

	first, err := h.orch.Handle(ctx, loginFailure())
	require.NoError(t, err)

	again := loginFailure()
	again.RunID = "run-2"
	again.OccurredAt = again.OccurredAt.Add(time.Hour)
	second, err := h.orch.Handle(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Equal(t, dedup.ReasonExact, second.Verdict.Reason)
	assert.Equal(t, first.Draft.ID, second.DuplicateOf)
	assert.Nil(t, second.Draft)

	drafts, err := h.store.Query(ctx, repository.DraftFilter{})
	require.NoError(t, err)
	assert.Len(t, drafts, 1)
	assert.Equal(t, 1, h.tracker.callCount())

	dup := h.events.Events()
	var payload events.DuplicateSuppressedPayload
	for _, e := range dup {
		if e.Type == events.EventDuplicateSuppressed {
			payload = e.Payload.(events.DuplicateSuppressedPayload)
		}
	}
	assert.Equal(t, "QA-1", payload.OwnerKey)
}

func TestServerErrorKeepsDraftPending(t *testing.T) {
	h := newHarness(t, autoCreate, 2)
	h.tracker.fail = fmt.Errorf("%w: status 503", tracker.ErrTransient)

	res, err := h.orch.Handle(context.Background(), loginFailure())
	require.ErrorIs(t, err, ErrCreateFailed)
	assert.Equal(t, OutcomePending, res.Outcome)
	assert.Equal(t, 3, h.tracker.callCount())

	got, err := h.store.Get(context.Background(), res.Draft.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DraftStatusPending, got.Status)
	assert.Nil(t, got.ExternalRef)
	assert.Equal(t, 3, got.SubmitAttempts)
	assert.Contains(t, got.LastError, "503")

	assert.Equal(t, 1, h.events.Count(events.EventTicketCreateFailed))
	assert.Zero(t, h.events.Count(events.EventTicketCreated))

	h.tracker.fail = nil
	resubmitted, err := h.orch.Resubmit(context.Background(), got.ID, "operator")
	require.NoError(t, err)
	assert.Equal(t, domain.DraftStatusCreated, resubmitted.Status)
	assert.Equal(t, 4, h.tracker.callCount())
}

func TestTransientThenSuccess(t *testing.T) {
	h := newHarness(t, autoCreate, 3)
	h.tracker.script = []error{fmt.Errorf("%w: reset", tracker.ErrTransient), nil}

	res, err := h.orch.Handle(context.Background(), loginFailure())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.Equal(t, 2, h.tracker.callCount())
	assert.Equal(t, "QA-2", res.Draft.ExternalRef.Key)
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	h := newHarness(t, autoCreate, 3)
	h.tracker.fail = &tracker.APIError{Status: 400, Body: "bad field"}

	_, err := h.orch.Handle(context.Background(), loginFailure())
	require.ErrorIs(t, err, ErrCreateFailed)
	assert.Equal(t, 1, h.tracker.callCount())
}

func TestTrackerNotConfigured(t *testing.T) {
	h := newHarness(t, autoCreate, 3)
	h.tracker.configured = false

	_, err := h.orch.Handle(context.Background(), loginFailure())
	require.ErrorIs(t, err, ErrTrackerNotConfigured)
	assert.Equal(t, 1, h.events.Count(events.EventUnactionable))

	drafts, err := h.store.Query(context.Background(), repository.DraftFilter{})
	require.NoError(t, err)
	assert.Empty(t, drafts)

	// the fingerprint was not consumed
	h.tracker.configured = true
	res, err := h.orch.Handle(context.Background(), loginFailure())
	require.NoError(t, err)
	assert.True(t, res.Verdict.IsNew())
}

func TestInvalidEvent(t *testing.T) {
	h := newHarness(t, autoCreate, 0)
	_, err := h.orch.Handle(context.Background(), domain.FailureEvent{ProjectID: "shop"})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestConcurrentBatchOfOneFingerprint(t *testing.T) {
	h := newHarness(t, autoCreate, 0)
	batch := make([]domain.FailureEvent, 32)
	for i := range batch {
		batch[i] = loginFailure()
		batch[i].ID = fmt.Sprintf("ev-%d", i)
		batch[i].RunID = fmt.Sprintf("worker-%d", i)
	}

	results, err := h.orch.HandleBatch(context.Background(), batch)
	require.NoError(t, err)

	var created, duplicates int
	for _, r := range results {
		require.NoError(t, r.Err)
		switch r.Outcome {
		case OutcomeCreated:
			created++
		case OutcomeDuplicate:
			duplicates++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 31, duplicates)
	assert.Equal(t, 1, h.tracker.callCount())
}

func TestApprovalRequired(t *testing.T) {
	ctx := context.Background()

	t.Run("accept files the ticket", func(t *testing.T) {
		h := newHarness(t, approval.Policy{RequireApproval: true}, 0)
		res, err := h.orch.Handle(ctx, loginFailure())
		require.NoError(t, err)
		assert.Equal(t, OutcomeAwaiting, res.Outcome)
		assert.Equal(t, domain.ApprovalAwaiting, res.Draft.Approval)
		assert.Zero(t, h.tracker.callCount())

		_, err = h.orch.Decide(ctx, res.Draft.ID, approval.Decision{Accept: true, Reviewer: "alice"})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			d, err := h.store.Get(ctx, res.Draft.ID)
			return err == nil && d.Status == domain.DraftStatusCreated
		}, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, 1, h.tracker.callCount())
	})

	t.Run("decline never reaches the tracker", func(t *testing.T) {
		h := newHarness(t, approval.Policy{RequireApproval: true}, 0)
		res, err := h.orch.Handle(ctx, loginFailure())
		require.NoError(t, err)

		d, err := h.orch.Decide(ctx, res.Draft.ID, approval.Decision{Accept: false, Reviewer: "bob"})
		require.NoError(t, err)
		assert.Equal(t, domain.DraftStatusIgnored, d.Status)
		assert.Zero(t, h.tracker.callCount())
		assert.Equal(t, 1, h.events.Count(events.EventDraftIgnored))

		reopened, err := h.orch.Reopen(ctx, d.ID, "carol")
		require.NoError(t, err)
		assert.Equal(t, domain.DraftStatusPending, reopened.Status)
		assert.Equal(t, domain.ApprovalAwaiting, reopened.Approval)
		assert.Equal(t, 1, h.events.Count(events.EventDraftReopened))
	})

	t.Run("severity override auto-files high", func(t *testing.T) {
		h := newHarness(t, approval.Policy{RequireApproval: true, SeverityOverrides: map[domain.Severity]approval.Mode{
			domain.SeverityHigh: approval.ModeAuto,
		}}, 0)
		res, err := h.orch.Handle(ctx, loginFailure())
		require.NoError(t, err)
		assert.Equal(t, OutcomeCreated, res.Outcome)
	})
}

func TestCreatedDraftIsNeverResubmitted(t *testing.T) {
	h := newHarness(t, autoCreate, 0)
	ctx := context.Background()
	res, err := h.orch.Handle(ctx, loginFailure())
	require.NoError(t, err)

	_, err = h.orch.Resubmit(ctx, res.Draft.ID, "operator")
	require.Error(t, err)
	assert.Equal(t, 1, h.tracker.callCount())
}

func TestResumeApprovedAfterRestart(t *testing.T) {
	h := newHarness(t, autoCreate, 0)
	ctx := context.Background()
	h.tracker.fail = errors.New("connection refused")

	res, err := h.orch.Handle(ctx, loginFailure())
	require.Error(t, err)
	require.Equal(t, domain.ApprovalApproved, res.Draft.Approval)

	h.tracker.fail = nil
	n, err := h.orch.ResumeApproved(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.store.Get(ctx, res.Draft.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DraftStatusCreated, got.Status)
}

func TestRegroupIsIdempotent(t *testing.T) {
	h := newHarness(t, approval.Policy{RequireApproval: true}, 0)
	ctx := context.Background()

	res, err := h.orch.Handle(ctx, loginFailure())
	require.NoError(t, err)
	_, err = h.store.AssignCluster(ctx, res.Draft.ID, "cl-manual", "tester")
	require.NoError(t, err)

	n, err := h.orch.Regroup(ctx, "shop", "tester")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.store.Get(ctx, res.Draft.ID)
	require.NoError(t, err)
	assert.Equal(t, cluster.SignatureClusterID("shop", got.Fingerprint), got.ClusterIDValue())

	n, err = h.orch.Regroup(ctx, "shop", "tester")
	require.NoError(t, err)
	assert.Zero(t, n)
}

// flakyDrafts fails the next failCreates inserts.
type flakyDrafts struct {
	repository.DraftRepository
	failCreates atomic.Int32
}

func (f *flakyDrafts) Create(ctx context.Context, draft *domain.Draft) error {
	if f.failCreates.Add(-1) >= 0 {
		return errors.New("db down")
	}
	return f.DraftRepository.Create(ctx, draft)
}

func TestFailedInsertDoesNotSwallowFingerprint(t *testing.T) {
	drafts := &flakyDrafts{DraftRepository: repository.NewMemoryDraftRepository()}
	drafts.failCreates.Store(1)
	h := newHarnessWithDrafts(t, autoCreate, 0, drafts)
	ctx := context.Background()

	_, err := h.orch.Handle(ctx, loginFailure())
	require.Error(t, err)
	assert.Zero(t, h.tracker.callCount())

	res, err := h.orch.Handle(ctx, loginFailure())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.Equal(t, dedup.ReasonRecovered, res.Verdict.Reason)
	require.NotNil(t, res.Draft)
	assert.Equal(t, 1, h.tracker.callCount())

	again, err := h.orch.Handle(ctx, loginFailure())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, again.Outcome)
	assert.Equal(t, res.Draft.ID, again.DuplicateOf)

	all, err := h.store.Query(ctx, repository.DraftFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, 1, h.tracker.callCount())
}

func TestConcurrentRecoveryCreatesOneDraft(t *testing.T) {
	drafts := &flakyDrafts{DraftRepository: repository.NewMemoryDraftRepository()}
	drafts.failCreates.Store(1)
	h := newHarnessWithDrafts(t, autoCreate, 0, drafts)
	ctx := context.Background()

	_, err := h.orch.Handle(ctx, loginFailure())
	require.Error(t, err)

	batch := make([]domain.FailureEvent, 16)
	for i := range batch {
		batch[i] = loginFailure()
	}
	results, err := h.orch.HandleBatch(ctx, batch)
	require.NoError(t, err)

	created := 0
	for _, r := range results {
		require.NoError(t, r.Err)
		if r.Outcome == OutcomeCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, h.tracker.callCount())
}

func TestResumeApprovedSkipsExhaustedDrafts(t *testing.T) {
	h := newHarness(t, autoCreate, 0)
	ctx := context.Background()
	limit := h.orch.cfg.SweepAttemptLimit
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < sweepBatch+50; i++ {
		require.NoError(t, h.drafts.Create(ctx, &domain.Draft{
			ID:             fmt.Sprintf("old-%03d", i),
			ProjectID:      "shop",
			TestName:       "testOld",
			Fingerprint:    domain.Fingerprint(fmt.Sprintf("old-%03d", i)),
			Status:         domain.DraftStatusPending,
			Approval:       domain.ApprovalApproved,
			SubmitAttempts: limit,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, h.drafts.Create(ctx, &domain.Draft{
		ID:          "fresh",
		ProjectID:   "shop",
		TestName:    "testFresh",
		Summary:     "Test failed: testFresh",
		Fingerprint: "fresh",
		Status:      domain.DraftStatusPending,
		Approval:    domain.ApprovalApproved,
		CreatedAt:   base.Add(time.Hour),
	}))

	n, err := h.orch.ResumeApproved(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.tracker.callCount())

	got, err := h.store.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.DraftStatusCreated, got.Status)
}

func TestRecentDraftsAreNewestFirst(t *testing.T) {
	h := newHarness(t, autoCreate, 0)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 40; i++ {
		require.NoError(t, h.drafts.Create(ctx, &domain.Draft{
			ID:          fmt.Sprintf("d-%02d", i),
			ProjectID:   "shop",
			Fingerprint: domain.Fingerprint(fmt.Sprintf("f-%02d", i)),
			Status:      domain.DraftStatusPending,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		}))
	}

	recent, err := RecentDrafts(ctx, h.store, "shop", 3)
	require.NoError(t, err)
	ids := make([]string, len(recent))
	for i, d := range recent {
		ids[i] = d.ID
	}
	assert.Equal(t, []string{"d-39", "d-38", "d-37"}, ids)
}

func checkoutFailure() domain.FailureEvent {
	return domain.FailureEvent{
		ProjectID:    "shop",
		TestName:     "testCheckout",
		ClassName:    "com.acme.CartTest",
		ErrorMessage: "expected 200 but was 500",
		StackTrace:   "java.lang.AssertionError: expected 200 but was 500\n\tat com.acme.CartTest.testCheckout(CartTest.java:9)",
		Framework:    "junit",
	}
}

func TestRegroupKeepsTicketedClusterMembers(t *testing.T) {
	h := newHarness(t, approval.Policy{RequireApproval: true}, 0)
	ctx := context.Background()

	a, err := h.orch.Handle(ctx, loginFailure())
	require.NoError(t, err)
	b, err := h.orch.Handle(ctx, checkoutFailure())
	require.NoError(t, err)
	require.NotEqual(t, a.Draft.Fingerprint.Signature(), b.Draft.Fingerprint.Signature())

	for _, id := range []string{a.Draft.ID, b.Draft.ID} {
		_, err := h.store.AssignCluster(ctx, id, "cl-semantic", "reviewer")
		require.NoError(t, err)
	}
	filed, err := h.orch.Resubmit(ctx, a.Draft.ID, "operator")
	require.NoError(t, err)
	require.Equal(t, domain.DraftStatusCreated, filed.Status)

	n, err := h.orch.Regroup(ctx, "shop", "operator")
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := h.store.Get(ctx, b.Draft.ID)
	require.NoError(t, err)
	assert.Equal(t, "cl-semantic", got.ClusterIDValue())
}
