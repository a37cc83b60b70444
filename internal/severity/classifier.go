package severity

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/qa-tools/triage-service/internal/domain"
)

// Sources of an Assessment.
const (
	SourceRules = "rules"
	SourceAI    = "ai"
)

// Assessment is the severity and suggested root cause for a failure.
type Assessment struct {
	Severity  domain.Severity
	RootCause string
	Source    string
}

// Analyzer is an optional external assessment provider.
type Analyzer interface {
	Assess(ctx context.Context, event domain.FailureEvent) (Assessment, error)
}

type rule struct {
	keyword   string
	severity  domain.Severity
	rootCause string
}

// rules are evaluated in order; the first keyword found wins.
var rules = []rule{
	{keyword: "timeout", severity: domain.SeverityHigh, rootCause: "Possible network timeout or slow response. Check server performance and network connectivity."},
	{keyword: "connection", severity: domain.SeverityHigh, rootCause: "Connection issue. Verify server is running and accessible."},
	{keyword: "assertion", severity: domain.SeverityMedium, rootCause: "Assertion failed. Check expected vs actual values in the test."},
	{keyword: "null", severity: domain.SeverityMedium, rootCause: "Null pointer exception. Check for uninitialized objects or missing data."},
}

const defaultRootCause = "Review the error message and stack trace for specific issues."

// Classifier assigns a severity once per draft. The rule path is always
// available; the analyzer, when configured, overrides it on success.
type Classifier struct {
	analyzer Analyzer
	timeout  time.Duration
	logger   *zap.Logger
}

// NewClassifier builds a classifier. analyzer may be nil.
func NewClassifier(analyzer Analyzer, timeout time.Duration, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{analyzer: analyzer, timeout: timeout, logger: logger}
}

// Classify never fails: analyzer errors or unusable answers fall back to rules.
func (c *Classifier) Classify(ctx context.Context, event domain.FailureEvent) Assessment {
	fallback := ClassifyByRules(event)
	if c.analyzer == nil {
		return fallback
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	result, err := c.analyzer.Assess(ctx, event)
	if err != nil {
		c.logger.Warn("severity analysis unavailable, using rules",
			zap.String("test", event.TestIdentifier()), zap.Error(err))
		return fallback
	}
	if result.Severity.Rank() == 0 {
		c.logger.Warn("severity analysis returned unknown level, using rules",
			zap.String("test", event.TestIdentifier()), zap.String("severity", string(result.Severity)))
		return fallback
	}
	if strings.TrimSpace(result.RootCause) == "" {
		result.RootCause = fallback.RootCause
	}
	result.Source = SourceAI
	return result
}

// ClassifyByRules is the deterministic keyword classifier.
func ClassifyByRules(event domain.FailureEvent) Assessment {
	text := strings.ToLower(event.ErrorMessage + "\n" + firstLine(event.StackTrace))
	for _, r := range rules {
		if strings.Contains(text, r.keyword) {
			return Assessment{Severity: r.severity, RootCause: r.rootCause, Source: SourceRules}
		}
	}
	return Assessment{Severity: domain.SeverityLow, RootCause: defaultRootCause, Source: SourceRules}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
