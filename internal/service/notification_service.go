package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/qa-tools/triage-service/internal/config"
	"github.com/qa-tools/triage-service/internal/events"
	"github.com/qa-tools/triage-service/internal/review"
)

// NotificationService fans pipeline events out to the log, the Slack
// channel and an optional webhook.
type NotificationService struct {
	dispatcher events.Dispatcher
	logger     *zap.Logger
	cfg        config.NotificationConfig
	slack      review.SlackPoster
	http       *http.Client
}

// NewNotificationService creates the service. slackPoster may be nil.
func NewNotificationService(dispatcher events.Dispatcher, logger *zap.Logger, cfg config.NotificationConfig, slackPoster review.SlackPoster) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{
		dispatcher: dispatcher,
		logger:     logger,
		cfg:        cfg,
		slack:      slackPoster,
		http:       &http.Client{Timeout: 10 * time.Second},
	}
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventDuplicateSuppressed, n.handleDuplicateSuppressed)
	n.dispatcher.Subscribe(events.EventDraftCreated, n.handleDraftCreated)
	n.dispatcher.Subscribe(events.EventTicketCreated, n.handleTicketCreated)
	n.dispatcher.Subscribe(events.EventTicketCreateFailed, n.handleTicketCreateFailed)
	n.dispatcher.Subscribe(events.EventUnactionable, n.handleUnactionable)
	n.dispatcher.Subscribe(events.EventDraftIgnored, n.handleLifecycle)
	n.dispatcher.Subscribe(events.EventDraftReopened, n.handleLifecycle)
}

func (n *NotificationService) handleDuplicateSuppressed(ctx context.Context, event events.Event) error {
	n.logger.Info("DuplicateSuppressed", zap.String("project_id", event.ProjectID), zap.Any("payload", event.Payload))
	return n.sendWebhook(ctx, event)
}

func (n *NotificationService) handleDraftCreated(ctx context.Context, event events.Event) error {
	n.logger.Info("DraftCreated", zap.String("draft_id", event.DraftID), zap.Any("payload", event.Payload))
	return n.sendWebhook(ctx, event)
}

func (n *NotificationService) handleTicketCreated(ctx context.Context, event events.Event) error {
	n.logger.Info("TicketCreated", zap.String("draft_id", event.DraftID), zap.Any("payload", event.Payload))
	if p, ok := event.Payload.(events.TicketCreatedPayload); ok {
		n.postSlack(ctx, event, fmt.Sprintf(":white_check_mark: <%s|%s> %s (%s)",
			p.ExternalRef.URL, p.ExternalRef.Key, p.Summary, p.Severity))
	}
	return n.sendWebhook(ctx, event)
}

func (n *NotificationService) handleTicketCreateFailed(ctx context.Context, event events.Event) error {
	n.logger.Warn("TicketCreateFailed", zap.String("draft_id", event.DraftID), zap.Any("payload", event.Payload))
	if p, ok := event.Payload.(events.TicketCreateFailedPayload); ok {
		n.postSlack(ctx, event, fmt.Sprintf(":x: Could not file %s after %d attempts: %s. Draft %s stays pending.",
			p.Summary, p.Attempts, p.Error, event.DraftID))
	}
	return n.sendWebhook(ctx, event)
}

func (n *NotificationService) handleUnactionable(ctx context.Context, event events.Event) error {
	n.logger.Warn("EventUnactionable", zap.String("project_id", event.ProjectID), zap.Any("payload", event.Payload))
	return n.sendWebhook(ctx, event)
}

func (n *NotificationService) handleLifecycle(ctx context.Context, event events.Event) error {
	n.logger.Info(string(event.Type), zap.String("draft_id", event.DraftID), zap.String("actor", event.Actor))
	return n.sendWebhook(ctx, event)
}

func (n *NotificationService) postSlack(ctx context.Context, event events.Event, text string) {
	if n.slack == nil || strings.TrimSpace(n.cfg.SlackChannelID) == "" {
		return
	}
	if _, _, err := n.slack.PostMessageContext(ctx, n.cfg.SlackChannelID, slack.MsgOptionText(text, false)); err != nil {
		n.logger.Warn("slack notification failed",
			zap.String("event_type", string(event.Type)),
			zap.String("draft_id", event.DraftID),
			zap.Error(err))
	}
}

func (n *NotificationService) sendWebhook(ctx context.Context, event events.Event) error {
	if strings.TrimSpace(n.cfg.WebhookURL) == "" {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", event.Type, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %d", event.Type, resp.StatusCode)
	}
	n.logger.Debug("webhook delivered",
		zap.String("event_type", string(event.Type)),
		zap.String("draft_id", event.DraftID))
	return nil
}
