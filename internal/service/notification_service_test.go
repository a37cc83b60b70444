package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qa-tools/triage-service/internal/config"
	"github.com/qa-tools/triage-service/internal/domain"
	"github.com/qa-tools/triage-service/internal/events"
)

type fakeSlack struct {
	mu       sync.Mutex
	channels []string
}

func (f *fakeSlack) PostMessageContext(_ context.Context, channelID string, _ ...slack.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, channelID)
	return channelID, "1.0", nil
}

func TestNotificationsReachWebhookAndSlack(t *testing.T) {
	var mu sync.Mutex
	var received []events.Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e events.Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&e))
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	dispatcher := events.NewInMemoryDispatcher()
	poster := &fakeSlack{}
	svc := NewNotificationService(dispatcher, zap.NewNop(), config.NotificationConfig{
		SlackChannelID: "C42",
		WebhookURL:     server.URL,
	}, poster)
	svc.RegisterHandlers()

	ctx := context.Background()
	require.NoError(t, dispatcher.Publish(ctx, events.Event{
		Type:    events.EventTicketCreated,
		DraftID: "d-1",
		Payload: events.TicketCreatedPayload{
			Summary:     "Test failed: LoginTest.testLogin",
			Severity:    domain.SeverityHigh,
			ExternalRef: domain.ExternalIssueRef{Key: "QA-1", URL: "https://jira/browse/QA-1"},
		},
	}))
	require.NoError(t, dispatcher.Publish(ctx, events.Event{
		Type:    events.EventDuplicateSuppressed,
		Payload: events.DuplicateSuppressedPayload{TestName: "LoginTest.testLogin"},
	}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.Equal(t, events.EventTicketCreated, received[0].Type)
	assert.Equal(t, "d-1", received[0].DraftID)
	assert.Equal(t, []string{"C42"}, poster.channels)
}

func TestWebhookFailureIsReported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	dispatcher := events.NewInMemoryDispatcher()
	NewNotificationService(dispatcher, zap.NewNop(), config.NotificationConfig{WebhookURL: server.URL}, nil).RegisterHandlers()

	err := dispatcher.Publish(context.Background(), events.Event{Type: events.EventDraftCreated})
	assert.Error(t, err)
}
