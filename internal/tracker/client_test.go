package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qa-tools/triage-service/internal/config"
	"github.com/qa-tools/triage-service/internal/domain"
)

func trackerConfig(baseURL string) config.TrackerConfig {
	return config.TrackerConfig{
		BaseURL:         baseURL,
		Email:           "qa@acme.test",
		APIToken:        "secret",
		ProjectKey:      "QA",
		IssueType:       "Bug",
		DefaultPriority: "Medium",
		APIVersion:      "2",
		Labels:          []string{"test-automation", "auto-generated"},
	}
}

func sampleDraft() domain.Draft {
	cluster := "cl-abc"
	return domain.Draft{
		ID:           "d-1",
		ProjectID:    "shop",
		ModuleID:     "auth",
		TestName:     "testLogin",
		ClassName:    "com.acme.LoginTest",
		ErrorMessage: "Connection timeout after 30s",
		StackTrace:   "java.net.SocketTimeoutException\n\tat com.acme.LoginClient.post",
		Framework:    "JUnit",
		Fingerprint:  "0123456789abcdef",
		ClusterID:    &cluster,
		Severity:     domain.SeverityHigh,
		RootCause:    "Possible network timeout",
		OccurredAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestCreateIssueV2(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/2/issue", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "qa@acme.test", user)
		assert.Equal(t, "secret", pass)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"10001","key":"QA-1","self":"x"}`))
	}))
	defer srv.Close()

	c := NewClient(trackerConfig(srv.URL), zap.NewNop())
	d := sampleDraft()
	d.Summary = Summary(domain.FailureEvent{TestName: d.TestName, ClassName: d.ClassName})
	ref, err := c.CreateIssue(context.Background(), BuildIssueRequest(d, c.Defaults()))
	require.NoError(t, err)
	assert.Equal(t, domain.ExternalIssueRef{ID: "10001", Key: "QA-1", URL: srv.URL + "/browse/QA-1"}, *ref)

	fields := captured["fields"].(map[string]any)
	assert.Equal(t, "Test failed: com.acme.LoginTest.testLogin", fields["summary"])
	assert.Equal(t, "High", fields["priority"].(map[string]any)["name"])
	assert.Equal(t, "QA", fields["project"].(map[string]any)["key"])
	assert.Equal(t, []any{"test-automation", "auto-generated", "junit", "severity-high", "cl-abc"}, fields["labels"])
	description := fields["description"].(string)
	assert.Contains(t, description, "h2. Test Failure Details")
	assert.Contains(t, description, "{code:java}\nConnection timeout after 30s\n{code}")
}

func TestCreateIssueV3UsesDocumentFormat(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/3/issue", r.URL.Path)
		assert.Equal(t, "Bearer pat-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(`{"id":"2","key":"QA-2"}`))
	}))
	defer srv.Close()

	cfg := trackerConfig(srv.URL)
	cfg.APIVersion = "3"
	cfg.PAT = "pat-token"
	c := NewClient(cfg, zap.NewNop())

	_, err := c.CreateIssue(context.Background(), BuildIssueRequest(sampleDraft(), c.Defaults()))
	require.NoError(t, err)
	doc := captured["fields"].(map[string]any)["description"].(map[string]any)
	assert.Equal(t, "doc", doc["type"])
	assert.NotEmpty(t, doc["content"])
}

func TestCreateIssueClassifiesErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{name: "server error", status: http.StatusBadGateway, transient: true},
		{name: "rate limited", status: http.StatusTooManyRequests, transient: true},
		{name: "bad request", status: http.StatusBadRequest, transient: false},
		{name: "unauthorized", status: http.StatusUnauthorized, transient: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"errorMessages":["nope"]}`))
			}))
			defer srv.Close()

			c := NewClient(trackerConfig(srv.URL), zap.NewNop())
			_, err := c.CreateIssue(context.Background(), BuildIssueRequest(sampleDraft(), c.Defaults()))
			require.Error(t, err)
			assert.Equal(t, tt.transient, errors.Is(err, ErrTransient))
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.Status)
		})
	}
}

func TestCreateIssueNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(trackerConfig(url), zap.NewNop())
	_, err := c.CreateIssue(context.Background(), BuildIssueRequest(sampleDraft(), c.Defaults()))
	assert.ErrorIs(t, err, ErrTransient)
}

func TestCreateIssueRequiresConfiguration(t *testing.T) {
	c := NewClient(config.TrackerConfig{}, zap.NewNop())
	_, err := c.CreateIssue(context.Background(), IssueRequest{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestDescriptionAndPriority(t *testing.T) {
	d := sampleDraft()
	desc := Description(d)
	for _, want := range []string{"*Test:* com.acme.LoginTest.testLogin", "*Framework:* JUnit", "*Module:* auth", "h3. Stack Trace", "h3. Suggested Root Cause"} {
		assert.Contains(t, desc, want)
	}
	assert.Equal(t, "Highest", Priority(domain.SeverityCritical, "Medium"))
	assert.Equal(t, "Medium", Priority("", "Medium"))

	long := Summary(domain.FailureEvent{TestName: strings.Repeat("t", 400)})
	assert.Len(t, long, maxSummaryLen)
}
