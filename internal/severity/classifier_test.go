package severity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/qa-tools/triage-service/internal/domain"
)

type stubAnalyzer struct {
	result Assessment
	err    error
}

func (s stubAnalyzer) Assess(context.Context, domain.FailureEvent) (Assessment, error) {
	return s.result, s.err
}

func TestClassifyByRules(t *testing.T) {
	tests := []struct {
		name  string
		event domain.FailureEvent
		want  domain.Severity
	}{
		{name: "timeout", event: domain.FailureEvent{ErrorMessage: "Connection timeout after 30s"}, want: domain.SeverityHigh},
		{name: "connection", event: domain.FailureEvent{ErrorMessage: "Connection refused"}, want: domain.SeverityHigh},
		{name: "assertion", event: domain.FailureEvent{ErrorMessage: "Assertion failed: expected 200"}, want: domain.SeverityMedium},
		{name: "assertion error type", event: domain.FailureEvent{ErrorMessage: "expected:<1> but was:<2>", StackTrace: "java.lang.AssertionError: expected:<1>\n\tat x"}, want: domain.SeverityMedium},
		{name: "null", event: domain.FailureEvent{ErrorMessage: "", StackTrace: "java.lang.NullPointerException\n\tat x"}, want: domain.SeverityMedium},
		{name: "timeout beats assertion", event: domain.FailureEvent{ErrorMessage: "assertion failed after timeout"}, want: domain.SeverityHigh},
		{name: "unmatched", event: domain.FailureEvent{ErrorMessage: "Element not visible"}, want: domain.SeverityLow},
		{name: "empty", event: domain.FailureEvent{}, want: domain.SeverityLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyByRules(tt.event)
			assert.Equal(t, tt.want, got.Severity)
			assert.NotEmpty(t, got.RootCause)
			assert.Equal(t, SourceRules, got.Source)
		})
	}
}

func TestClassifyPrefersAnalyzer(t *testing.T) {
	ev := domain.FailureEvent{ErrorMessage: "Element not visible"}
	c := NewClassifier(stubAnalyzer{result: Assessment{Severity: domain.SeverityCritical, RootCause: "checkout broken"}}, 0, zap.NewNop())

	got := c.Classify(context.Background(), ev)
	assert.Equal(t, domain.SeverityCritical, got.Severity)
	assert.Equal(t, "checkout broken", got.RootCause)
	assert.Equal(t, SourceAI, got.Source)
}

func TestClassifyFallsBackToRules(t *testing.T) {
	ev := domain.FailureEvent{ErrorMessage: "Connection timeout after 30s"}
	tests := []struct {
		name     string
		analyzer Analyzer
	}{
		{name: "no analyzer"},
		{name: "analyzer error", analyzer: stubAnalyzer{err: errors.New("rate limited")}},
		{name: "unknown level", analyzer: stubAnalyzer{result: Assessment{Severity: "Blocker"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewClassifier(tt.analyzer, 0, zap.NewNop()).Classify(context.Background(), ev)
			assert.Equal(t, domain.SeverityHigh, got.Severity)
			assert.Equal(t, SourceRules, got.Source)
		})
	}
}

func TestClassifyKeepsRuleRootCauseWhenAnalyzerOmitsIt(t *testing.T) {
	ev := domain.FailureEvent{ErrorMessage: "NullPointerException"}
	c := NewClassifier(stubAnalyzer{result: Assessment{Severity: domain.SeverityHigh}}, 0, nil)
	got := c.Classify(context.Background(), ev)
	assert.Equal(t, domain.SeverityHigh, got.Severity)
	assert.Contains(t, got.RootCause, "Null pointer")
}
