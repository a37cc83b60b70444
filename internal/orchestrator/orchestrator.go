package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

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
	"github.com/qa-tools/triage-service/pkg/util/keylock"
)

var (
	// ErrTrackerNotConfigured means events cannot be acted on at all.
	ErrTrackerNotConfigured = errors.New("issue tracker is not configured")
	// ErrCreateFailed is returned once the bounded retries are used up.
	ErrCreateFailed = errors.New("ticket creation failed")
	ErrInvalidEvent = errors.New("invalid failure event")
)

// sweepBatch bounds how many approved drafts one resume sweep resubmits.
const sweepBatch = 200

// Outcome summarizes what happened to one event.
type Outcome string

const (
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeCreated   Outcome = "created"
	OutcomeAwaiting  Outcome = "awaiting_decision"
	OutcomePending   Outcome = "pending"
	OutcomeIgnored   Outcome = "ignored"
)

// Tracker is the issue tracker as the pipeline sees it.
type Tracker interface {
	Configured() bool
	Defaults() tracker.Defaults
	CreateIssue(ctx context.Context, req tracker.IssueRequest) (*domain.ExternalIssueRef, error)
}

// Config bounds concurrency and retries.
type Config struct {
	PoolSize       int
	MaxRetries     int
	InitialBackoff time.Duration
	// SweepAttemptLimit stops the resume sweep from resubmitting a draft
	// forever.
	SweepAttemptLimit int
	ClusterScan       int
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = 8
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.SweepAttemptLimit <= 0 {
		c.SweepAttemptLimit = 3 * (c.MaxRetries + 1)
	}
	if c.ClusterScan <= 0 {
		c.ClusterScan = 500
	}
	return c
}

// Result is the outcome of handling one event.
type Result struct {
	EventID     string        `json:"event_id,omitempty"`
	Outcome     Outcome       `json:"outcome"`
	Verdict     dedup.Verdict `json:"verdict"`
	Draft       *domain.Draft `json:"draft,omitempty"`
	DuplicateOf string        `json:"duplicate_of,omitempty"`
	Err         error         `json:"-"`
}

// Deps are the collaborators of the orchestrator.
type Deps struct {
	Fingerprints *fingerprint.Generator
	Detector     *dedup.Detector
	Severity     *severity.Classifier
	Clusters     *cluster.Engine
	Store        *lifecycle.Store
	Gate         *approval.Gate
	Tracker      Tracker
	Dispatcher   events.Dispatcher
	Metrics      *observability.Metrics
}

// Orchestrator drives a failure event through fingerprinting, dedup,
// classification, clustering, the approval gate and ticket creation.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	sem    *semaphore.Weighted
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	claims *keylock.Mutex

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New builds an orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Fingerprints == nil {
		deps.Fingerprints = fingerprint.NewGenerator(0)
	}
	cfg = cfg.withDefaults()
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		deps:     deps,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.PoolSize)),
		logger:   logger,
		sleep:    sleepCtx,
		baseCtx:  base,
		cancel:   cancel,
		claims:   keylock.New(),
		inflight: make(map[string]struct{}),
	}
}

// Close stops background resumes and waits for them. Drafts that were
// mid-flight stay pending.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
	if o.deps.Gate != nil {
		o.deps.Gate.Shutdown()
	}
}

// Handle runs the pipeline for one event. Tracker configuration is checked
// first so an unactionable event never claims its fingerprint.
func (o *Orchestrator) Handle(ctx context.Context, event domain.FailureEvent) (Result, error) {
	res := Result{EventID: event.ID}
	if err := validate(event); err != nil {
		return res, err
	}
	if !o.deps.Tracker.Configured() {
		o.deps.Metrics.Inc(observability.Unactionable)
		o.publish(ctx, events.Event{
			Type:      events.EventUnactionable,
			ProjectID: event.ProjectID,
			Actor:     lifecycle.SystemActor,
			Payload: events.UnactionablePayload{
				EventID:  event.ID,
				TestName: event.TestIdentifier(),
				Reason:   ErrTrackerNotConfigured.Error(),
			},
		})
		return res, ErrTrackerNotConfigured
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return res, err
	}
	defer o.sem.Release(1)

	fp := o.deps.Fingerprints.Generate(event)
	// Claim, insert and bind run under one lock per fingerprint so a
	// concurrent duplicate only ever looks for the owner once it is settled.
	release := o.claims.Lock(event.ProjectID + "/" + string(fp))
	verdict, err := o.deps.Detector.Classify(ctx, event, fp)
	if err != nil {
		release()
		return res, fmt.Errorf("classify %s: %w", fp.Short(), err)
	}

	if !verdict.IsNew() {
		owner, err := o.ownerOf(ctx, event.ProjectID, verdict)
		verdict.DuplicateOf = owner
		if err != nil {
			// unknown is not the same as absent; keep suppressing
			o.logger.Warn("owner lookup failed", zap.String("fingerprint", fp.Short()), zap.Error(err))
		}
		if owner != "" || err != nil || verdict.Reason != dedup.ReasonExact {
			release()
			res.Verdict = verdict
			o.deps.Metrics.Inc(observability.VerdictDuplicate)
			res.Outcome = OutcomeDuplicate
			res.DuplicateOf = o.suppressDuplicate(ctx, event, verdict)
			return res, nil
		}
		// Known but unowned: an earlier insert failed after the claim.
		o.logger.Warn("known fingerprint has no draft, recreating it",
			zap.String("project_id", event.ProjectID),
			zap.String("fingerprint", fp.Short()))
		verdict = dedup.Verdict{Kind: dedup.VerdictNew, Fingerprint: fp, Reason: dedup.ReasonRecovered}
	}
	res.Verdict = verdict
	o.deps.Metrics.Inc(observability.VerdictNew)

	draft, err := o.createDraft(ctx, event, fp)
	if err == nil {
		if bindErr := o.deps.Detector.Bind(ctx, event.ProjectID, fp, draft.ID); bindErr != nil {
			o.logger.Warn("bind fingerprint owner failed",
				zap.String("draft_id", draft.ID),
				zap.String("fingerprint", fp.Short()),
				zap.Error(bindErr))
		}
	}
	release()
	if err != nil {
		// the fingerprint stays known without an owner; its next
		// occurrence recreates the draft
		o.logger.Error("draft insert failed after fingerprint claim",
			zap.String("project_id", event.ProjectID),
			zap.String("fingerprint", fp.String()),
			zap.Error(err))
		return res, err
	}

	advanced, outcome, err := o.advance(ctx, *draft)
	res.Draft = advanced
	res.Outcome = outcome
	return res, err
}

// HandleBatch handles a whole run concurrently, bounded by the pool. Each
// result carries its own error; only cancellation aborts the batch.
func (o *Orchestrator) HandleBatch(ctx context.Context, batch []domain.FailureEvent) ([]Result, error) {
	results := make([]Result, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.PoolSize)
	for i := range batch {
		g.Go(func() error {
			res, err := o.Handle(gctx, batch[i])
			res.Err = err
			results[i] = res
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return nil
		})
	}
	return results, g.Wait()
}

// ownerOf resolves the draft owning a duplicate's fingerprint. Claims made
// before owners were recorded, or whose bind failed, are found through the
// store and bound on the way.
func (o *Orchestrator) ownerOf(ctx context.Context, projectID string, verdict dedup.Verdict) (string, error) {
	if verdict.DuplicateOf != "" {
		return verdict.DuplicateOf, nil
	}
	fp := string(verdict.Fingerprint)
	owners, err := o.deps.Store.Query(ctx, repository.DraftFilter{
		ProjectID:   &projectID,
		Fingerprint: &fp,
		Limit:       1,
	})
	if err != nil {
		return "", err
	}
	if len(owners) == 0 {
		return "", nil
	}
	if err := o.deps.Detector.Bind(ctx, projectID, verdict.Fingerprint, owners[0].ID); err != nil {
		o.logger.Warn("bind fingerprint owner failed", zap.String("draft_id", owners[0].ID), zap.Error(err))
	}
	return owners[0].ID, nil
}

func (o *Orchestrator) suppressDuplicate(ctx context.Context, event domain.FailureEvent, verdict dedup.Verdict) string {
	payload := events.DuplicateSuppressedPayload{
		EventID:     event.ID,
		TestName:    event.TestIdentifier(),
		Fingerprint: verdict.Fingerprint,
		Reason:      verdict.Reason,
		OwnerDraft:  verdict.DuplicateOf,
		Confidence:  verdict.Confidence,
	}
	if payload.OwnerDraft != "" {
		if owner, err := o.deps.Store.Get(ctx, payload.OwnerDraft); err == nil && owner.ExternalRef != nil {
			payload.OwnerKey = owner.ExternalRef.Key
		}
	}

	o.logger.Info("duplicate suppressed",
		zap.String("project_id", event.ProjectID),
		zap.String("fingerprint", verdict.Fingerprint.Short()),
		zap.String("reason", verdict.Reason),
		zap.String("owner_draft_id", payload.OwnerDraft))
	o.publish(ctx, events.Event{
		Type:      events.EventDuplicateSuppressed,
		ProjectID: event.ProjectID,
		DraftID:   payload.OwnerDraft,
		Actor:     lifecycle.SystemActor,
		Payload:   payload,
	})
	return payload.OwnerDraft
}

func (o *Orchestrator) createDraft(ctx context.Context, event domain.FailureEvent, fp domain.Fingerprint) (*domain.Draft, error) {
	assessment := o.deps.Severity.Classify(ctx, event)
	if assessment.Source != severity.SourceAI {
		o.deps.Metrics.Inc(observability.AIFallback)
	}

	draft := &domain.Draft{
		ProjectID:    event.ProjectID,
		ModuleID:     event.ModuleID,
		TestName:     event.TestName,
		ClassName:    event.ClassName,
		ErrorMessage: event.ErrorMessage,
		StackTrace:   event.StackTrace,
		Framework:    event.Framework,
		Summary:      tracker.Summary(event),
		Fingerprint:  fp,
		Severity:     assessment.Severity,
		RootCause:    assessment.RootCause,
		OccurredAt:   event.OccurredAt,
	}
	if draft.OccurredAt.IsZero() {
		draft.OccurredAt = time.Now().UTC()
	}

	existing, err := o.deps.Store.Query(ctx, repository.DraftFilter{
		ProjectID:   &event.ProjectID,
		NewestFirst: true,
		Limit:       o.cfg.ClusterScan,
	})
	if err != nil {
		o.logger.Warn("cluster candidates unavailable", zap.String("project_id", event.ProjectID), zap.Error(err))
	}
	clusterID := o.deps.Clusters.Assign(ctx, *draft, cluster.Clusters(existing))
	draft.ClusterID = &clusterID
	draft.Description = tracker.Description(*draft)

	if err := o.deps.Store.InsertDraft(ctx, draft); err != nil {
		return nil, err
	}
	o.logger.Info("draft created",
		zap.String("draft_id", draft.ID),
		zap.String("project_id", draft.ProjectID),
		zap.String("fingerprint", fp.Short()),
		zap.String("severity", string(draft.Severity)),
		zap.String("cluster_id", clusterID))
	o.publish(ctx, events.Event{
		Type:      events.EventDraftCreated,
		ProjectID: draft.ProjectID,
		DraftID:   draft.ID,
		Actor:     lifecycle.SystemActor,
		Payload:   draftPayload(*draft),
	})
	return draft, nil
}

// advance consults the gate for a pending draft: auto-approved drafts are
// submitted now, the rest are parked with the gate.
func (o *Orchestrator) advance(ctx context.Context, draft domain.Draft) (*domain.Draft, Outcome, error) {
	if o.deps.Gate == nil || o.deps.Gate.Decide(draft) == approval.AutoApprove {
		approved, err := o.deps.Store.SetApproval(ctx, draft.ID, domain.ApprovalApproved, lifecycle.SystemActor)
		if err != nil {
			return &draft, OutcomePending, err
		}
		return o.submit(ctx, approved.ID)
	}

	if err := o.deps.Gate.Await(ctx, draft, o.resumeAsync); err != nil {
		return &draft, OutcomePending, err
	}
	o.deps.Metrics.Inc(observability.AwaitingDecision)
	awaiting, err := o.deps.Store.Get(ctx, draft.ID)
	if err != nil {
		return &draft, OutcomeAwaiting, nil
	}
	return awaiting, OutcomeAwaiting, nil
}

// resumeAsync is the gate continuation. It runs the submission on the pool
// without holding the caller.
func (o *Orchestrator) resumeAsync(_ context.Context, draft domain.Draft) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.sem.Acquire(o.baseCtx, 1); err != nil {
			return
		}
		defer o.sem.Release(1)
		if _, _, err := o.submit(o.baseCtx, draft.ID); err != nil {
			o.logger.Warn("approved draft not filed", zap.String("draft_id", draft.ID), zap.Error(err))
		}
	}()
}

// submit files the issue with bounded retries on transient tracker errors.
// The lifecycle store guarantees the status check and the create call happen
// under the draft's lock, so a draft that became created or ignored in the
// meantime is never sent.
func (o *Orchestrator) submit(ctx context.Context, id string) (*domain.Draft, Outcome, error) {
	if !o.claimInflight(id) {
		d, err := o.deps.Store.Get(ctx, id)
		return d, OutcomePending, err
	}
	defer o.releaseInflight(id)

	create := func(ctx context.Context, d domain.Draft) (*domain.ExternalIssueRef, error) {
		if !o.deps.Tracker.Configured() {
			return nil, ErrTrackerNotConfigured
		}
		ref, err := o.deps.Tracker.CreateIssue(ctx, tracker.BuildIssueRequest(d, o.deps.Tracker.Defaults()))
		if errors.Is(err, tracker.ErrNotConfigured) {
			return nil, ErrTrackerNotConfigured
		}
		return ref, err
	}

	var (
		draft   *domain.Draft
		lastErr error
	)
	backoff := o.cfg.InitialBackoff
	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := o.sleep(ctx, backoff); err != nil {
				lastErr = err
				break
			}
			backoff *= 2
		}

		d, err := o.deps.Store.Submit(ctx, id, create, lifecycle.SystemActor)
		if d != nil {
			draft = d
		}
		if err == nil {
			o.deps.Metrics.Inc(observability.TicketCreated)
			o.logger.Info("ticket created",
				zap.String("draft_id", id),
				zap.String("external_key", draft.ExternalRef.Key))
			o.publish(ctx, events.Event{
				Type:      events.EventTicketCreated,
				ProjectID: draft.ProjectID,
				DraftID:   id,
				Actor:     lifecycle.SystemActor,
				Payload: events.TicketCreatedPayload{
					Summary:     draft.Summary,
					Severity:    draft.Severity,
					ExternalRef: *draft.ExternalRef,
				},
			})
			return draft, OutcomeCreated, nil
		}
		if errors.Is(err, lifecycle.ErrNotPending) {
			return draft, outcomeOf(draft), err
		}
		lastErr = err
		if !errors.Is(err, tracker.ErrTransient) {
			break
		}
		o.logger.Warn("tracker create failed, will retry",
			zap.String("draft_id", id),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	if draft == nil {
		return nil, OutcomePending, lastErr
	}
	o.deps.Metrics.Inc(observability.TicketCreateFailed)
	o.logger.Error("ticket creation failed, draft stays pending",
		zap.String("draft_id", id),
		zap.Int("attempts", draft.SubmitAttempts),
		zap.Error(lastErr))
	o.publish(ctx, events.Event{
		Type:      events.EventTicketCreateFailed,
		ProjectID: draft.ProjectID,
		DraftID:   id,
		Actor:     lifecycle.SystemActor,
		Payload: events.TicketCreateFailedPayload{
			Summary:  draft.Summary,
			Attempts: draft.SubmitAttempts,
			Error:    errorText(lastErr),
		},
	})
	if errors.Is(lastErr, ErrTrackerNotConfigured) {
		return draft, OutcomePending, lastErr
	}
	return draft, OutcomePending, fmt.Errorf("%w: %v", ErrCreateFailed, lastErr)
}

// Decide applies a reviewer decision to an awaiting draft.
func (o *Orchestrator) Decide(ctx context.Context, id string, decision approval.Decision) (*domain.Draft, error) {
	if o.deps.Gate == nil {
		return nil, approval.ErrNoPendingDecision
	}
	draft, err := o.deps.Gate.Resolve(ctx, id, decision)
	if err != nil {
		return nil, err
	}
	if draft.Status == domain.DraftStatusIgnored {
		o.publish(ctx, events.Event{
			Type:      events.EventDraftIgnored,
			ProjectID: draft.ProjectID,
			DraftID:   id,
			Actor:     decision.Reviewer,
			Payload:   draftPayload(*draft),
		})
	}
	return draft, nil
}

// Resubmit is the manual path for a pending draft: the operator's request
// counts as approval and the bounded retry runs again.
func (o *Orchestrator) Resubmit(ctx context.Context, id, actor string) (*domain.Draft, error) {
	if !o.deps.Tracker.Configured() {
		return nil, ErrTrackerNotConfigured
	}
	if o.deps.Gate != nil {
		o.deps.Gate.Cancel(id)
	}
	if _, err := o.deps.Store.SetApproval(ctx, id, domain.ApprovalApproved, actor); err != nil {
		return nil, err
	}
	draft, _, err := o.submit(ctx, id)
	return draft, err
}

// Reopen moves an ignored draft back to pending and runs it through the
// gate again.
func (o *Orchestrator) Reopen(ctx context.Context, id, actor string) (*domain.Draft, error) {
	draft, err := o.deps.Store.Transition(ctx, id, domain.DraftStatusPending, actor)
	if err != nil {
		return nil, err
	}
	o.publish(ctx, events.Event{
		Type:      events.EventDraftReopened,
		ProjectID: draft.ProjectID,
		DraftID:   id,
		Actor:     actor,
		Payload:   draftPayload(*draft),
	})
	advanced, _, err := o.advance(ctx, *draft)
	return advanced, err
}

// ResumeApproved resubmits approved drafts that are still pending, such as
// those interrupted by a restart. Drafts at the attempt limit are skipped
// and need a manual resubmit.
func (o *Orchestrator) ResumeApproved(ctx context.Context) (int, error) {
	if !o.deps.Tracker.Configured() {
		return 0, nil
	}
	// exhausted drafts are filtered in the query so they never fill the
	// window ahead of retryable ones
	limit := o.cfg.SweepAttemptLimit
	drafts, err := o.deps.Store.Query(ctx, repository.DraftFilter{
		Statuses:      []domain.DraftStatus{domain.DraftStatusPending},
		Approvals:     []domain.ApprovalState{domain.ApprovalApproved},
		AttemptsBelow: &limit,
		Limit:         sweepBatch,
	})
	if err != nil {
		return 0, fmt.Errorf("list approved drafts: %w", err)
	}
	n := 0
	for _, d := range drafts {
		if o.isInflight(d.ID) {
			continue
		}
		if err := o.sem.Acquire(ctx, 1); err != nil {
			return n, err
		}
		_, _, err := o.submit(ctx, d.ID)
		o.sem.Release(1)
		if err == nil {
			n++
		}
	}
	return n, nil
}

// ResumeAwaiting re-registers drafts still waiting on a reviewer.
func (o *Orchestrator) ResumeAwaiting(ctx context.Context) (int, error) {
	if o.deps.Gate == nil {
		return 0, nil
	}
	return o.deps.Gate.Resume(ctx, o.resumeAsync)
}

// Regroup re-runs the deterministic cluster policy over a project's drafts
// and stores every changed assignment. Drafts with a ticket keep theirs.
func (o *Orchestrator) Regroup(ctx context.Context, projectID, actor string) (int, error) {
	filter := repository.DraftFilter{Limit: 5000}
	if projectID != "" {
		filter.ProjectID = &projectID
	}
	drafts, err := o.deps.Store.Query(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("list drafts: %w", err)
	}
	changed := 0
	for id, clusterID := range o.deps.Clusters.Regroup(drafts) {
		if _, err := o.deps.Store.AssignCluster(ctx, id, clusterID, actor); err != nil {
			if errors.Is(err, lifecycle.ErrClusterFrozen) {
				continue
			}
			return changed, err
		}
		changed++
	}
	o.logger.Info("clusters regrouped", zap.String("project_id", projectID), zap.Int("changed", changed))
	return changed, nil
}

func (o *Orchestrator) publish(ctx context.Context, event events.Event) {
	if o.deps.Dispatcher == nil {
		return
	}
	if err := o.deps.Dispatcher.Publish(ctx, event); err != nil {
		o.logger.Warn("notification handler failed",
			zap.String("event_type", string(event.Type)),
			zap.String("draft_id", event.DraftID),
			zap.Error(err))
	}
}

func (o *Orchestrator) claimInflight(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.inflight[id]; ok {
		return false
	}
	o.inflight[id] = struct{}{}
	return true
}

func (o *Orchestrator) releaseInflight(id string) {
	o.mu.Lock()
	delete(o.inflight, id)
	o.mu.Unlock()
}

func (o *Orchestrator) isInflight(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inflight[id]
	return ok
}

func validate(event domain.FailureEvent) error {
	switch {
	case strings.TrimSpace(event.ProjectID) == "":
		return fmt.Errorf("%w: project_id is required", ErrInvalidEvent)
	case strings.TrimSpace(event.TestName) == "":
		return fmt.Errorf("%w: test_name is required", ErrInvalidEvent)
	case strings.TrimSpace(event.ErrorMessage) == "" && strings.TrimSpace(event.StackTrace) == "":
		return fmt.Errorf("%w: error_message or stack_trace is required", ErrInvalidEvent)
	}
	return nil
}

func draftPayload(d domain.Draft) events.DraftPayload {
	return events.DraftPayload{
		TestName:  d.TestIdentifier(),
		Summary:   d.Summary,
		Severity:  d.Severity,
		ClusterID: d.ClusterIDValue(),
		RootCause: d.RootCause,
	}
}

func outcomeOf(d *domain.Draft) Outcome {
	if d == nil {
		return OutcomePending
	}
	switch d.Status {
	case domain.DraftStatusCreated:
		return OutcomeCreated
	case domain.DraftStatusIgnored:
		return OutcomeIgnored
	}
	return OutcomePending
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
