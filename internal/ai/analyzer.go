package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/qa-tools/triage-service/internal/cluster"
	"github.com/qa-tools/triage-service/internal/config"
	"github.com/qa-tools/triage-service/internal/dedup"
	"github.com/qa-tools/triage-service/internal/domain"
	"github.com/qa-tools/triage-service/internal/severity"
)

// DefaultModel is used when AI_MODEL is unset.
const DefaultModel = "claude-3-5-haiku-20241022"

const (
	maxTokens      = 1024
	maxPromptTrace = 4000
)

// Completer sends one prompt and returns the text reply.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

type anthropicCompleter struct {
	client anthropic.Client
	model  string
}

// NewAnthropicCompleter builds a Completer over the Anthropic messages API.
func NewAnthropicCompleter(apiKey, model string) Completer {
	if model == "" {
		model = DefaultModel
	}
	return &anthropicCompleter{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (c *anthropicCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic api error: %w", err)
	}
	for _, block := range message.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", errors.New("no text content in anthropic response")
}

// Analyzer answers severity, duplicate and grouping questions with an LLM.
// Every method returns an error rather than guessing; callers fall back to
// their deterministic paths.
type Analyzer struct {
	llm     Completer
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewAnalyzer returns nil when AI is disabled or has no credentials.
func NewAnalyzer(cfg config.AIConfig, logger *zap.Logger) *Analyzer {
	if !cfg.Available() {
		return nil
	}
	return NewAnalyzerWithCompleter(NewAnthropicCompleter(cfg.AnthropicAPIKey, cfg.Model), logger)
}

// NewAnalyzerWithCompleter wires an analyzer over any Completer.
func NewAnalyzerWithCompleter(llm Completer, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		llm:     llm,
		breaker: NewCircuitBreaker(5, 2, 30*time.Second, logger),
		logger:  logger,
	}
}

const assessSystemPrompt = `You triage automated test failures. Reply with JSON only:
{"severity":"Critical|High|Medium|Low","root_cause":"one or two sentences"}
Critical means a core user flow is broken for everyone. Do not invent details not present in the input.`

type assessResponse struct {
	Severity  string `json:"severity"`
	RootCause string `json:"root_cause"`
}

// Assess implements severity.Analyzer.
func (a *Analyzer) Assess(ctx context.Context, event domain.FailureEvent) (severity.Assessment, error) {
	var resp assessResponse
	if err := a.ask(ctx, assessSystemPrompt, failurePrompt(event), &resp); err != nil {
		return severity.Assessment{}, err
	}
	level, ok := domain.ParseSeverity(resp.Severity)
	if !ok {
		return severity.Assessment{}, fmt.Errorf("unknown severity %q", resp.Severity)
	}
	return severity.Assessment{Severity: level, RootCause: strings.TrimSpace(resp.RootCause), Source: severity.SourceAI}, nil
}

const duplicateSystemPrompt = `You decide whether a new test failure is the same defect as one of the
listed earlier failures. Reply with JSON only:
{"duplicate":true|false,"draft_id":"id of the matching earlier failure or empty","confidence":0.0-1.0,"reason":"short"}`

type duplicateResponse struct {
	Duplicate  bool    `json:"duplicate"`
	DraftID    string  `json:"draft_id"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// FindDuplicate implements dedup.SemanticMatcher.
func (a *Analyzer) FindDuplicate(ctx context.Context, event domain.FailureEvent, candidates []domain.Draft) (dedup.SemanticMatch, error) {
	var b strings.Builder
	b.WriteString("New failure:\n")
	b.WriteString(failurePrompt(event))
	b.WriteString("\n\nEarlier failures:\n")
	for _, c := range candidates {
		fmt.Fprintf(&b, "- id=%s test=%s error=%s\n", c.ID, c.TestIdentifier(), oneLine(c.ErrorMessage, 300))
	}

	var resp duplicateResponse
	if err := a.ask(ctx, duplicateSystemPrompt, b.String(), &resp); err != nil {
		return dedup.SemanticMatch{}, err
	}
	return dedup.SemanticMatch{
		Duplicate:  resp.Duplicate,
		DraftID:    resp.DraftID,
		Confidence: resp.Confidence,
		Reason:     resp.Reason,
	}, nil
}

const groupSystemPrompt = `You group test failures that share a root cause. Given a failure and the
existing clusters, reply with JSON only:
{"cluster_id":"id of the cluster sharing its root cause, or empty for a new cluster","reason":"short"}`

type groupResponse struct {
	ClusterID string `json:"cluster_id"`
	Reason    string `json:"reason"`
}

// Group implements cluster.Grouper.
func (a *Analyzer) Group(ctx context.Context, draft domain.Draft, candidates []domain.Cluster) (cluster.Decision, error) {
	if len(candidates) == 0 {
		return cluster.Decision{}, nil
	}
	var b strings.Builder
	b.WriteString("Failure:\n")
	fmt.Fprintf(&b, "test=%s\nerror=%s\nroot cause=%s\n\nClusters:\n",
		draft.TestIdentifier(), oneLine(draft.ErrorMessage, 500), draft.RootCause)
	for _, c := range candidates {
		fmt.Fprintf(&b, "- id=%s name=%s members=%d\n", c.ID, c.Name, c.MemberCount)
	}

	var resp groupResponse
	if err := a.ask(ctx, groupSystemPrompt, b.String(), &resp); err != nil {
		return cluster.Decision{}, err
	}
	return cluster.Decision{ClusterID: strings.TrimSpace(resp.ClusterID), Reason: resp.Reason}, nil
}

func (a *Analyzer) ask(ctx context.Context, system, user string, out any) error {
	if err := a.breaker.Allow(); err != nil {
		return err
	}
	text, err := a.llm.Complete(ctx, system, user)
	if err != nil {
		a.breaker.RecordFailure()
		return err
	}
	if err := decodeJSON(text, out); err != nil {
		a.breaker.RecordFailure()
		return err
	}
	a.breaker.RecordSuccess()
	return nil
}

// decodeJSON tolerates fenced replies.
func decodeJSON(text string, out any) error {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("parsing ai response: %w (response: %s)", err, oneLine(text, 200))
	}
	return nil
}

func failurePrompt(event domain.FailureEvent) string {
	trace := event.StackTrace
	if len(trace) > maxPromptTrace {
		trace = trace[:maxPromptTrace]
	}
	return fmt.Sprintf("test=%s\nerror=%s\nstack trace:\n%s", event.TestIdentifier(), event.ErrorMessage, trace)
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > max {
		s = s[:max]
	}
	return s
}
