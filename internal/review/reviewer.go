package review

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/qa-tools/triage-service/internal/auth"
	"github.com/qa-tools/triage-service/internal/domain"
	"github.com/qa-tools/triage-service/internal/events"
	"github.com/qa-tools/triage-service/internal/lifecycle"
)

// Action ids on the Slack decision buttons.
const (
	ActionAccept  = "triage_accept"
	ActionDecline = "triage_decline"
)

// SlackPoster is the part of *slack.Client used here.
type SlackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Surface sends decision requests: it signs a decision token for the draft,
// publishes decision_requested and, when Slack is configured, posts the
// request with accept/decline links.
type Surface struct {
	tokens     *auth.TokenManager
	publicURL  string
	dispatcher events.Dispatcher
	slack      SlackPoster
	channelID  string
	logger     *zap.Logger
}

// Option configures a Surface.
type Option func(*Surface)

// WithSlack posts decision requests to channelID.
func WithSlack(poster SlackPoster, channelID string) Option {
	return func(s *Surface) {
		if poster != nil && channelID != "" {
			s.slack = poster
			s.channelID = channelID
		}
	}
}

// NewSurface builds the reviewer surface.
func NewSurface(tokens *auth.TokenManager, publicURL string, dispatcher events.Dispatcher, logger *zap.Logger, opts ...Option) *Surface {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Surface{
		tokens:     tokens,
		publicURL:  strings.TrimRight(publicURL, "/"),
		dispatcher: dispatcher,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestDecision implements approval.Reviewer.
func (s *Surface) RequestDecision(ctx context.Context, draft domain.Draft) error {
	token, _, err := s.tokens.GenerateDecisionToken(draft.ID, "")
	if err != nil {
		return fmt.Errorf("sign decision token: %w", err)
	}
	link := s.decisionURL(draft.ID, token)

	if s.dispatcher != nil {
		payload := events.DecisionRequestedPayload{
			DraftPayload: events.DraftPayload{
				TestName:  draft.TestIdentifier(),
				Summary:   draft.Summary,
				Severity:  draft.Severity,
				ClusterID: draft.ClusterIDValue(),
				RootCause: draft.RootCause,
			},
			DecisionURL: link,
		}
		if err := s.dispatcher.Publish(ctx, events.Event{
			Type:      events.EventDecisionRequested,
			ProjectID: draft.ProjectID,
			DraftID:   draft.ID,
			Actor:     lifecycle.SystemActor,
			Payload:   payload,
		}); err != nil {
			s.logger.Warn("decision_requested handler failed", zap.String("draft_id", draft.ID), zap.Error(err))
		}
	}

	if s.slack == nil {
		s.logger.Info("decision requested",
			zap.String("draft_id", draft.ID),
			zap.String("severity", string(draft.Severity)),
			zap.String("decision_url", link))
		return nil
	}
	if _, _, err := s.slack.PostMessageContext(ctx, s.channelID,
		slack.MsgOptionText(draft.Summary, false),
		slack.MsgOptionBlocks(DecisionBlocks(draft, link)...),
	); err != nil {
		return fmt.Errorf("post decision request to slack: %w", err)
	}
	return nil
}

// decisionURL points at POST /decisions/:id. Without a public URL only the
// token is useful, so the relative path is returned.
func (s *Surface) decisionURL(draftID, token string) string {
	q := url.Values{}
	q.Set("token", token)
	return fmt.Sprintf("%s/decisions/%s?%s", s.publicURL, url.PathEscape(draftID), q.Encode())
}

// DecisionBlocks renders a decision request as Slack blocks.
func DecisionBlocks(draft domain.Draft, link string) []slack.Block {
	header := slack.NewHeaderBlock(
		slack.NewTextBlockObject(slack.PlainTextType, "Review new test failure", false, false),
	)

	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n", draft.Summary)
	fmt.Fprintf(&b, "*Severity:* %s\n", draft.Severity)
	fmt.Fprintf(&b, "*Project:* %s\n", draft.ProjectID)
	if c := draft.ClusterIDValue(); c != "" {
		fmt.Fprintf(&b, "*Cluster:* %s\n", c)
	}
	if draft.RootCause != "" {
		fmt.Fprintf(&b, "*Suggested root cause:* %s\n", draft.RootCause)
	}
	if draft.ErrorMessage != "" {
		fmt.Fprintf(&b, "```%s```", firstLine(draft.ErrorMessage))
	}
	body := slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, b.String(), false, false),
		nil, nil,
	)

	accept := slack.NewButtonBlockElement(ActionAccept, draft.ID,
		slack.NewTextBlockObject(slack.PlainTextType, "Create ticket", false, false)).
		WithStyle(slack.StylePrimary)
	accept.URL = link + "&accept=true"
	decline := slack.NewButtonBlockElement(ActionDecline, draft.ID,
		slack.NewTextBlockObject(slack.PlainTextType, "Ignore", false, false)).
		WithStyle(slack.StyleDanger)
	decline.URL = link + "&accept=false"

	return []slack.Block{
		header,
		body,
		slack.NewActionBlock("triage_decision_"+draft.ID, accept, decline),
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
