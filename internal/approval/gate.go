package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/qa-tools/triage-service/internal/config"
	"github.com/qa-tools/triage-service/internal/domain"
	"github.com/qa-tools/triage-service/internal/lifecycle"
	"github.com/qa-tools/triage-service/internal/repository"
)

// ErrNoPendingDecision is returned when a decision arrives for a draft that
// is not waiting on one.
var ErrNoPendingDecision = errors.New("no pending decision for draft")

// Outcome is the gate's verdict for a draft.
type Outcome string

const (
	AutoApprove Outcome = "auto_approve"
	AwaitHuman  Outcome = "await_human"
)

// Mode is a per-severity override.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeReview Mode = "review"
)

// Policy is the approval configuration.
type Policy struct {
	AutoCreate        bool
	RequireApproval   bool
	SeverityOverrides map[domain.Severity]Mode
}

// PolicyFromConfig converts the loaded configuration.
func PolicyFromConfig(cfg config.ApprovalConfig) Policy {
	p := Policy{
		AutoCreate:        cfg.AutoCreate,
		RequireApproval:   cfg.RequireApproval,
		SeverityOverrides: make(map[domain.Severity]Mode, len(cfg.SeverityOverrides)),
	}
	for sev, mode := range cfg.SeverityOverrides {
		if s, ok := domain.ParseSeverity(sev); ok {
			p.SeverityOverrides[s] = Mode(mode)
		}
	}
	return p
}

// Decide is pure: a severity override wins, otherwise a draft is created
// automatically only when auto-create is on and approval is not required.
func Decide(draft domain.Draft, policy Policy) Outcome {
	switch policy.SeverityOverrides[draft.Severity] {
	case ModeAuto:
		return AutoApprove
	case ModeReview:
		return AwaitHuman
	}
	if policy.RequireApproval || !policy.AutoCreate {
		return AwaitHuman
	}
	return AutoApprove
}

// Reviewer delivers a decision request to a human.
type Reviewer interface {
	RequestDecision(ctx context.Context, draft domain.Draft) error
}

// ResumeFunc continues the pipeline for an accepted draft. It must not block
// on the ticket creation itself.
type ResumeFunc func(ctx context.Context, draft domain.Draft)

// Decision is a reviewer's answer.
type Decision struct {
	Accept   bool
	Reviewer string
}

// Gate holds suspended drafts as continuations keyed by draft id. No
// goroutine waits on a decision; an awaiting draft survives restarts as a
// pending draft with approval=awaiting and is re-registered by Resume.
type Gate struct {
	policy   Policy
	store    *lifecycle.Store
	reviewer Reviewer
	logger   *zap.Logger

	mu        sync.Mutex
	waiting   map[string]ResumeFunc
	resolving map[string]struct{}
}

// NewGate builds a gate.
func NewGate(policy Policy, store *lifecycle.Store, reviewer Reviewer, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		policy:    policy,
		store:     store,
		reviewer:  reviewer,
		logger:    logger,
		waiting:   make(map[string]ResumeFunc),
		resolving: make(map[string]struct{}),
	}
}

// Decide applies the gate's policy to a draft.
func (g *Gate) Decide(draft domain.Draft) Outcome {
	return Decide(draft, g.policy)
}

// Await marks the draft as awaiting a decision, registers resume and sends
// the request to the reviewer surface. It returns immediately.
func (g *Gate) Await(ctx context.Context, draft domain.Draft, resume ResumeFunc) error {
	updated, err := g.store.SetApproval(ctx, draft.ID, domain.ApprovalAwaiting, lifecycle.SystemActor)
	if err != nil {
		return fmt.Errorf("await decision for %s: %w", draft.ID, err)
	}

	g.mu.Lock()
	g.waiting[draft.ID] = resume
	g.mu.Unlock()

	g.request(ctx, *updated)
	return nil
}

func (g *Gate) request(ctx context.Context, draft domain.Draft) {
	if g.reviewer == nil {
		return
	}
	if err := g.reviewer.RequestDecision(ctx, draft); err != nil {
		// the draft stays awaiting; the next sweep asks again
		g.logger.Warn("decision request failed", zap.String("draft_id", draft.ID), zap.Error(err))
	}
}

// Resolve applies a reviewer's decision. A decline moves the draft to
// ignored and never reaches the tracker. An accept marks it approved and
// hands it to the registered continuation.
func (g *Gate) Resolve(ctx context.Context, id string, decision Decision) (*domain.Draft, error) {
	g.mu.Lock()
	if _, busy := g.resolving[id]; busy {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is being resolved", ErrNoPendingDecision, id)
	}
	g.resolving[id] = struct{}{}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.resolving, id)
		g.mu.Unlock()
	}()

	draft, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if draft.Status != domain.DraftStatusPending || draft.Approval != domain.ApprovalAwaiting {
		return nil, fmt.Errorf("%w: %s is %s/%s", ErrNoPendingDecision, id, draft.Status, draft.Approval)
	}

	actor := decision.Reviewer
	if actor == "" {
		actor = "reviewer"
	}

	g.mu.Lock()
	resume := g.waiting[id]
	delete(g.waiting, id)
	g.mu.Unlock()

	if !decision.Accept {
		if _, err := g.store.SetApproval(ctx, id, domain.ApprovalDeclined, actor); err != nil {
			return nil, err
		}
		ignored, err := g.store.Transition(ctx, id, domain.DraftStatusIgnored, actor)
		if err != nil {
			return nil, err
		}
		g.logger.Info("draft declined", zap.String("draft_id", id), zap.String("reviewer", actor))
		return ignored, nil
	}

	approved, err := g.store.SetApproval(ctx, id, domain.ApprovalApproved, actor)
	if err != nil {
		return nil, err
	}
	g.logger.Info("draft approved", zap.String("draft_id", id), zap.String("reviewer", actor))
	if resume != nil {
		resume(ctx, approved.Clone())
	}
	return approved, nil
}

// Cancel drops the continuation for a draft. The draft itself stays
// pending/awaiting.
func (g *Gate) Cancel(id string) {
	g.mu.Lock()
	delete(g.waiting, id)
	g.mu.Unlock()
}

// Shutdown drops every continuation.
func (g *Gate) Shutdown() {
	g.mu.Lock()
	n := len(g.waiting)
	g.waiting = make(map[string]ResumeFunc)
	g.mu.Unlock()
	if n > 0 {
		g.logger.Info("approval gate stopped with drafts awaiting decision", zap.Int("awaiting", n))
	}
}

// Waiting reports whether a continuation is registered for id.
func (g *Gate) Waiting(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.waiting[id]
	return ok
}

// Resume re-registers awaiting drafts that have no continuation, which
// happens after a restart, and asks the reviewer again for each. It returns
// how many were re-registered.
func (g *Gate) Resume(ctx context.Context, resume ResumeFunc) (int, error) {
	drafts, err := g.store.Query(ctx, repository.DraftFilter{
		Statuses:  []domain.DraftStatus{domain.DraftStatusPending},
		Approvals: []domain.ApprovalState{domain.ApprovalAwaiting},
		Limit:     500,
	})
	if err != nil {
		return 0, fmt.Errorf("list awaiting drafts: %w", err)
	}

	var fresh []domain.Draft
	g.mu.Lock()
	for _, d := range drafts {
		if _, ok := g.waiting[d.ID]; ok {
			continue
		}
		g.waiting[d.ID] = resume
		fresh = append(fresh, d)
	}
	g.mu.Unlock()

	for _, d := range fresh {
		g.request(ctx, d)
	}
	if len(fresh) > 0 {
		g.logger.Info("re-registered awaiting drafts", zap.Int("count", len(fresh)))
	}
	return len(fresh), nil
}
