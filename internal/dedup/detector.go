package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/qa-tools/triage-service/internal/domain"
)

// VerdictKind is the outcome of duplicate detection.
type VerdictKind string

const (
	VerdictNew       VerdictKind = "new"
	VerdictDuplicate VerdictKind = "duplicate"
)

// Match reasons reported on a Duplicate verdict.
const (
	ReasonExact    = "exact_fingerprint"
	ReasonSemantic = "semantic"
	// ReasonRecovered marks a New verdict for a known fingerprint whose
	// draft was never stored.
	ReasonRecovered = "recovered_unowned"
)

// Verdict is the tagged result of Classify. DuplicateOf names the owning
// draft when it is known; an exact duplicate whose claim was never bound
// leaves it empty. Confidence is only set for semantic duplicates.
type Verdict struct {
	Kind        VerdictKind
	Fingerprint domain.Fingerprint
	Reason      string
	DuplicateOf string
	Confidence  float64
}

// IsNew reports whether the event should become a draft.
func (v Verdict) IsNew() bool { return v.Kind == VerdictNew }

// SemanticMatch is what a similarity provider judged about an event.
type SemanticMatch struct {
	Duplicate  bool
	DraftID    string
	Confidence float64
	Reason     string
}

// SemanticMatcher compares an event against recent drafts.
type SemanticMatcher interface {
	FindDuplicate(ctx context.Context, event domain.FailureEvent, candidates []domain.Draft) (SemanticMatch, error)
}

// CandidateSource lists recent drafts from the same project.
type CandidateSource interface {
	RecentDrafts(ctx context.Context, projectID string, limit int) ([]domain.Draft, error)
}

// Config tunes the optional semantic path.
type Config struct {
	MinConfidence float64
	RecentWindow  int
	Timeout       time.Duration
}

// DefaultConfig returns conservative semantic settings.
func DefaultConfig() Config {
	return Config{MinConfidence: 0.85, RecentWindow: 25, Timeout: 20 * time.Second}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min confidence must be between 0 and 1 (got %.2f)", c.MinConfidence)
	}
	if c.RecentWindow < 0 {
		return errors.New("recent window must be non-negative")
	}
	return nil
}

// Detector decides whether a fingerprint is new. The exact known-set test
// is authoritative; the semantic matcher can only upgrade New to Duplicate.
type Detector struct {
	known      KnownSet
	matcher    SemanticMatcher
	candidates CandidateSource
	cfg        Config
	logger     *zap.Logger
}

// Option customizes a Detector.
type Option func(*Detector)

// WithSemanticMatcher enables the semantic path.
func WithSemanticMatcher(m SemanticMatcher, candidates CandidateSource) Option {
	return func(d *Detector) {
		d.matcher = m
		d.candidates = candidates
	}
}

// NewDetector builds a detector over the given known set.
func NewDetector(known KnownSet, cfg Config, logger *zap.Logger, opts ...Option) (*Detector, error) {
	if known == nil {
		return nil, errors.New("known set is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Detector{known: known, cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Classify claims the fingerprint and returns the verdict. The fingerprint
// is recorded before a New verdict is returned, so a concurrent arrival of
// the same fingerprint observes Duplicate. A known-set error is returned
// as-is; the caller must not treat it as either verdict.
func (d *Detector) Classify(ctx context.Context, event domain.FailureEvent, fp domain.Fingerprint) (Verdict, error) {
	claimed, err := d.known.Claim(ctx, event.ProjectID, fp)
	if err != nil {
		return Verdict{}, err
	}
	if !claimed {
		owner, err := d.known.Owner(ctx, event.ProjectID, fp)
		if err != nil {
			d.logger.Warn("fingerprint owner unavailable",
				zap.String("project_id", event.ProjectID),
				zap.String("fingerprint", fp.Short()),
				zap.Error(err))
		}
		return Verdict{Kind: VerdictDuplicate, Fingerprint: fp, Reason: ReasonExact, DuplicateOf: owner}, nil
	}

	verdict := Verdict{Kind: VerdictNew, Fingerprint: fp}
	if d.matcher == nil || d.candidates == nil {
		return verdict, nil
	}

	match, err := d.semantic(ctx, event)
	if err != nil {
		d.logger.Warn("semantic duplicate check unavailable, using exact result",
			zap.String("project_id", event.ProjectID),
			zap.String("fingerprint", fp.Short()),
			zap.Error(err))
		return verdict, nil
	}
	if match.Duplicate && match.DraftID != "" && match.Confidence >= d.cfg.MinConfidence {
		// later exact repeats then resolve to the same owner
		if err := d.Bind(ctx, event.ProjectID, fp, match.DraftID); err != nil {
			d.logger.Warn("bind semantic duplicate failed",
				zap.String("fingerprint", fp.Short()),
				zap.String("draft_id", match.DraftID),
				zap.Error(err))
		}
		return Verdict{
			Kind:        VerdictDuplicate,
			Fingerprint: fp,
			Reason:      ReasonSemantic,
			DuplicateOf: match.DraftID,
			Confidence:  match.Confidence,
		}, nil
	}
	return verdict, nil
}

// Bind records draftID as the owner of a claimed fingerprint.
func (d *Detector) Bind(ctx context.Context, projectID string, fp domain.Fingerprint, draftID string) error {
	return d.known.Bind(ctx, projectID, fp, draftID)
}

func (d *Detector) semantic(ctx context.Context, event domain.FailureEvent) (SemanticMatch, error) {
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}
	recent, err := d.candidates.RecentDrafts(ctx, event.ProjectID, d.cfg.RecentWindow)
	if err != nil {
		return SemanticMatch{}, fmt.Errorf("load candidates: %w", err)
	}
	if len(recent) == 0 {
		return SemanticMatch{}, nil
	}
	match, err := d.matcher.FindDuplicate(ctx, event, recent)
	if err != nil {
		return SemanticMatch{}, err
	}
	// A match must name a candidate from the same project.
	for _, c := range recent {
		if c.ID == match.DraftID && c.ProjectID == event.ProjectID {
			return match, nil
		}
	}
	return SemanticMatch{}, nil
}
