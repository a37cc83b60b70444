package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/qa-tools/triage-service/internal/config"
	"github.com/qa-tools/triage-service/internal/domain"
)

var (
	// ErrTransient marks failures worth retrying: network errors, 429 and 5xx.
	ErrTransient = errors.New("transient tracker failure")
	// ErrNotConfigured is returned when credentials or project are missing.
	ErrNotConfigured = errors.New("issue tracker not configured")
)

// APIError is a non-success response from the tracker.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jira api status=%d body=%s", e.Status, e.Body)
}

// Client creates issues through the Jira REST API. It performs a single
// attempt per call; retry policy belongs to the caller.
type Client struct {
	cfg     config.TrackerConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient builds a Jira client from configuration.
func NewClient(cfg config.TrackerConfig, logger *zap.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// Configured reports whether CreateIssue can be attempted.
func (c *Client) Configured() bool { return c.cfg.Configured() }

// Defaults returns the configured issue fields.
func (c *Client) Defaults() Defaults {
	return Defaults{
		ProjectKey:      c.cfg.ProjectKey,
		IssueType:       c.cfg.IssueType,
		DefaultPriority: c.cfg.DefaultPriority,
		Labels:          c.cfg.Labels,
	}
}

type createResponse struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Self string `json:"self"`
}

// CreateIssue files one issue and returns its reference.
func (c *Client) CreateIssue(ctx context.Context, req IssueRequest) (*domain.ExternalIssueRef, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	fields := req.wikiFields()
	if c.apiVersion() == "3" {
		fields = req.adfFields()
	}

	var out createResponse
	if err := c.doJSON(ctx, http.MethodPost, "/issue", map[string]any{"fields": fields}, &out); err != nil {
		return nil, err
	}
	if out.Key == "" {
		return nil, errors.New("jira: create response without issue key")
	}
	c.logger.Info("jira issue created", zap.String("external_key", out.Key))
	return &domain.ExternalIssueRef{
		ID:  out.ID,
		Key: out.Key,
		URL: strings.TrimRight(c.cfg.BaseURL, "/") + "/browse/" + out.Key,
	}, nil
}

// Ping checks credentials against the current-user endpoint.
func (c *Client) Ping(ctx context.Context) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	return c.doJSON(ctx, http.MethodGet, "/myself", nil, nil)
}

func (c *Client) apiVersion() string {
	if c.cfg.APIVersion == "3" {
		return "3"
	}
	return "2"
}

func (c *Client) apiURL(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/rest/api/" + c.apiVersion() + path
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("jira rate limit wait: %w", err)
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL(path), r)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.PAT != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.PAT)
	} else {
		req.SetBasicAuth(c.cfg.Email, c.cfg.APIToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("%w: %w", ErrTransient, apiErr)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
