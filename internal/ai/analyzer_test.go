package ai

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qa-tools/triage-service/internal/config"
	"github.com/qa-tools/triage-service/internal/domain"
	"github.com/qa-tools/triage-service/internal/severity"
)

type scriptedCompleter struct {
	replies []string
	err     error
	prompts []string
}

func (s *scriptedCompleter) Complete(_ context.Context, _, user string) (string, error) {
	s.prompts = append(s.prompts, user)
	if s.err != nil {
		return "", s.err
	}
	if len(s.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply, nil
}

var loginEvent = domain.FailureEvent{
	ProjectID:    "shop",
	TestName:     "testLogin",
	ClassName:    "com.acme.LoginTest",
	ErrorMessage: "Connection timeout after 30s",
}

func TestNewAnalyzerRequiresCredentials(t *testing.T) {
	assert.Nil(t, NewAnalyzer(config.AIConfig{Enabled: true}, zap.NewNop()))
	assert.Nil(t, NewAnalyzer(config.AIConfig{AnthropicAPIKey: "k"}, zap.NewNop()))
	assert.NotNil(t, NewAnalyzer(config.AIConfig{Enabled: true, AnthropicAPIKey: "k"}, zap.NewNop()))
}

func TestAssess(t *testing.T) {
	llm := &scriptedCompleter{replies: []string{"```json\n{\"severity\":\"critical\",\"root_cause\":\"Auth service down\"}\n```"}}
	a := NewAnalyzerWithCompleter(llm, zap.NewNop())

	got, err := a.Assess(context.Background(), loginEvent)
	require.NoError(t, err)
	assert.Equal(t, severity.Assessment{Severity: domain.SeverityCritical, RootCause: "Auth service down", Source: severity.SourceAI}, got)
	assert.Contains(t, llm.prompts[0], "com.acme.LoginTest.testLogin")
}

func TestAssessRejectsUnknownSeverity(t *testing.T) {
	a := NewAnalyzerWithCompleter(&scriptedCompleter{replies: []string{`{"severity":"Blocker"}`}}, zap.NewNop())
	_, err := a.Assess(context.Background(), loginEvent)
	assert.Error(t, err)
}

func TestFindDuplicate(t *testing.T) {
	llm := &scriptedCompleter{replies: []string{`{"duplicate":true,"draft_id":"d-7","confidence":0.92,"reason":"same timeout"}`}}
	a := NewAnalyzerWithCompleter(llm, zap.NewNop())

	match, err := a.FindDuplicate(context.Background(), loginEvent, []domain.Draft{{ID: "d-7", TestName: "testLogout", ErrorMessage: "timeout"}})
	require.NoError(t, err)
	assert.True(t, match.Duplicate)
	assert.Equal(t, "d-7", match.DraftID)
	assert.InDelta(t, 0.92, match.Confidence, 1e-9)
	assert.Contains(t, llm.prompts[0], "id=d-7")
}

func TestGroup(t *testing.T) {
	llm := &scriptedCompleter{replies: []string{`{"cluster_id":" cl-1 ","reason":"auth"}`}}
	a := NewAnalyzerWithCompleter(llm, zap.NewNop())

	decision, err := a.Group(context.Background(), domain.Draft{TestName: "t"}, []domain.Cluster{{ID: "cl-1", Name: "timeouts"}})
	require.NoError(t, err)
	assert.Equal(t, "cl-1", decision.ClusterID)

	empty, err := a.Group(context.Background(), domain.Draft{}, nil)
	require.NoError(t, err)
	assert.Empty(t, empty.ClusterID)
	assert.Len(t, llm.prompts, 1, "no clusters means no provider call")
}

func TestMalformedReplyIsAnError(t *testing.T) {
	a := NewAnalyzerWithCompleter(&scriptedCompleter{replies: []string{"I think it is high"}}, zap.NewNop())
	_, err := a.Assess(context.Background(), loginEvent)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "parsing ai response"))
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	llm := &scriptedCompleter{err: errors.New("overloaded")}
	a := NewAnalyzerWithCompleter(llm, zap.NewNop())

	for i := 0; i < 5; i++ {
		_, err := a.Assess(context.Background(), loginEvent)
		require.Error(t, err)
	}
	_, err := a.Assess(context.Background(), loginEvent)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Len(t, llm.prompts, 5, "open breaker fails fast without calling the provider")
}

func TestCircuitBreakerRecovers(t *testing.T) {
	cb := NewCircuitBreaker(2, 1, time.Minute, zap.NewNop())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
}
