package dedup

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qa-tools/triage-service/internal/domain"
	"github.com/qa-tools/triage-service/internal/repository"
)

type stubMatcher struct {
	match SemanticMatch
	err   error
	calls int32
}

func (s *stubMatcher) FindDuplicate(context.Context, domain.FailureEvent, []domain.Draft) (SemanticMatch, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.match, s.err
}

type stubCandidates struct {
	drafts []domain.Draft
}

func (s stubCandidates) RecentDrafts(context.Context, string, int) ([]domain.Draft, error) {
	return s.drafts, nil
}

type failingKnownSet struct{}

func (failingKnownSet) Claim(context.Context, string, domain.Fingerprint) (bool, error) {
	return false, errors.New("store down")
}

func (failingKnownSet) Bind(context.Context, string, domain.Fingerprint, string) error {
	return errors.New("store down")
}

func (failingKnownSet) Owner(context.Context, string, domain.Fingerprint) (string, error) {
	return "", errors.New("store down")
}

func newStoreDetector(t *testing.T, opts ...Option) *Detector {
	t.Helper()
	known := NewStoreKnownSet(repository.NewMemoryFingerprintRepository(), time.Hour)
	d, err := NewDetector(known, DefaultConfig(), zap.NewNop(), opts...)
	require.NoError(t, err)
	return d
}

func event(project string) domain.FailureEvent {
	return domain.FailureEvent{ProjectID: project, TestName: "testLogin", ErrorMessage: "Connection timeout after 30s"}
}

func TestClassifyFirstSeenWins(t *testing.T) {
	d := newStoreDetector(t)
	ctx := context.Background()
	fp := domain.Fingerprint("f1")

	first, err := d.Classify(ctx, event("shop"), fp)
	require.NoError(t, err)
	assert.True(t, first.IsNew())

	second, err := d.Classify(ctx, event("shop"), fp)
	require.NoError(t, err)
	assert.Equal(t, VerdictDuplicate, second.Kind)
	assert.Equal(t, ReasonExact, second.Reason)

	other, err := d.Classify(ctx, event("billing"), fp)
	require.NoError(t, err)
	assert.True(t, other.IsNew(), "fingerprints are scoped per project")
}

func TestClassifyReportsBoundOwner(t *testing.T) {
	d := newStoreDetector(t)
	ctx := context.Background()

	first, err := d.Classify(ctx, event("shop"), "f1")
	require.NoError(t, err)
	require.True(t, first.IsNew())

	unbound, err := d.Classify(ctx, event("shop"), "f1")
	require.NoError(t, err)
	assert.Equal(t, VerdictDuplicate, unbound.Kind)
	assert.Empty(t, unbound.DuplicateOf, "a claim without a draft has no owner")

	require.NoError(t, d.Bind(ctx, "shop", "f1", "d-7"))
	bound, err := d.Classify(ctx, event("shop"), "f1")
	require.NoError(t, err)
	assert.Equal(t, "d-7", bound.DuplicateOf)
}

func TestSemanticDuplicateBindsFingerprint(t *testing.T) {
	matcher := &stubMatcher{match: SemanticMatch{Duplicate: true, DraftID: "d-1", Confidence: 0.9}}
	candidates := stubCandidates{drafts: []domain.Draft{{ID: "d-1", ProjectID: "shop"}}}
	d := newStoreDetector(t, WithSemanticMatcher(matcher, candidates))
	ctx := context.Background()

	v, err := d.Classify(ctx, event("shop"), "f-sem")
	require.NoError(t, err)
	require.Equal(t, ReasonSemantic, v.Reason)

	repeat, err := d.Classify(ctx, event("shop"), "f-sem")
	require.NoError(t, err)
	assert.Equal(t, ReasonExact, repeat.Reason)
	assert.Equal(t, "d-1", repeat.DuplicateOf)
}

func TestClassifyConcurrentSameFingerprint(t *testing.T) {
	d := newStoreDetector(t)
	const n = 64
	var (
		wg       sync.WaitGroup
		newCount int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := d.Classify(context.Background(), event("shop"), "same")
			if err == nil && v.IsNew() {
				atomic.AddInt32(&newCount, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), newCount)
}

func TestClassifySemanticUpgrade(t *testing.T) {
	candidates := stubCandidates{drafts: []domain.Draft{{ID: "d-1", ProjectID: "shop"}}}

	tests := []struct {
		name    string
		matcher *stubMatcher
		want    VerdictKind
	}{
		{name: "confident duplicate", matcher: &stubMatcher{match: SemanticMatch{Duplicate: true, DraftID: "d-1", Confidence: 0.9}}, want: VerdictDuplicate},
		{name: "low confidence", matcher: &stubMatcher{match: SemanticMatch{Duplicate: true, DraftID: "d-1", Confidence: 0.5}}, want: VerdictNew},
		{name: "unknown draft", matcher: &stubMatcher{match: SemanticMatch{Duplicate: true, DraftID: "elsewhere", Confidence: 0.99}}, want: VerdictNew},
		{name: "provider error falls back", matcher: &stubMatcher{err: errors.New("503")}, want: VerdictNew},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newStoreDetector(t, WithSemanticMatcher(tt.matcher, candidates))
			v, err := d.Classify(context.Background(), event("shop"), domain.Fingerprint(uuid.NewString()))
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.Kind)
			assert.Equal(t, int32(1), tt.matcher.calls)
			if tt.want == VerdictDuplicate {
				assert.Equal(t, "d-1", v.DuplicateOf)
				assert.Equal(t, ReasonSemantic, v.Reason)
			}
		})
	}
}

func TestClassifySkipsMatcherForExactDuplicates(t *testing.T) {
	matcher := &stubMatcher{}
	d := newStoreDetector(t, WithSemanticMatcher(matcher, stubCandidates{}))
	ctx := context.Background()

	_, err := d.Classify(ctx, event("shop"), "f1")
	require.NoError(t, err)
	v, err := d.Classify(ctx, event("shop"), "f1")
	require.NoError(t, err)
	assert.Equal(t, VerdictDuplicate, v.Kind)
	assert.Zero(t, matcher.calls, "no candidates and exact duplicates never reach the matcher")
}

func TestClassifyReportsKnownSetErrors(t *testing.T) {
	d, err := NewDetector(failingKnownSet{}, DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	_, err = d.Classify(context.Background(), event("shop"), "f1")
	assert.Error(t, err)
}

func TestNewDetectorValidates(t *testing.T) {
	_, err := NewDetector(nil, DefaultConfig(), zap.NewNop())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.MinConfidence = 2
	_, err = NewDetector(failingKnownSet{}, cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestStoreKnownSetRetention(t *testing.T) {
	repo := repository.NewMemoryFingerprintRepository()
	set := NewStoreKnownSet(repo, time.Hour)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	set.now = func() time.Time { return base }

	ctx := context.Background()
	claimed, err := set.Claim(ctx, "shop", "f1")
	require.NoError(t, err)
	assert.True(t, claimed)

	set.now = func() time.Time { return base.Add(30 * time.Minute) }
	claimed, err = set.Claim(ctx, "shop", "f1")
	require.NoError(t, err)
	assert.False(t, claimed)

	set.now = func() time.Time { return base.Add(2 * time.Hour) }
	removed, err := set.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	claimed, err = set.Claim(ctx, "shop", "f1")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestRedisKnownSet(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	set := NewRedisKnownSet(client, time.Minute)
	project := "test-" + uuid.NewString()
	ctx := context.Background()

	first, err := set.Claim(ctx, project, "f1")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := set.Claim(ctx, project, "f1")
	require.NoError(t, err)
	assert.False(t, second)

	owner, err := set.Owner(ctx, project, "f1")
	require.NoError(t, err)
	assert.Empty(t, owner)

	require.NoError(t, set.Bind(ctx, project, "f1", "d-1"))
	owner, err = set.Owner(ctx, project, "f1")
	require.NoError(t, err)
	assert.Equal(t, "d-1", owner)

	require.NoError(t, set.Bind(ctx, project, "missing", "d-2"))
	owner, err = set.Owner(ctx, project, "missing")
	require.NoError(t, err)
	assert.Empty(t, owner, "binding an unclaimed fingerprint is a no-op")
}
