// Package webhook adapts the legacy automation engine: tasks are started by
// posting to a named webhook and tracked through the engine's executions
// API. Outbound calls are rate limited because the engine sheds load
// poorly.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/angeloszaimis/taskdispatch/internal/adapter"
	"github.com/angeloszaimis/taskdispatch/internal/apperr"
	"github.com/angeloszaimis/taskdispatch/internal/task"
)

var (
	_ adapter.Adapter = (*Client)(nil)
	_ adapter.Pinger  = (*Client)(nil)
)

// Execution statuses reported by the engine.
const (
	StatusNew      = "new"
	StatusWaiting  = "waiting"
	StatusRunning  = "running"
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusCrashed  = "crashed"
	StatusCanceled = "canceled"
)

const apiKeyHeader = "X-API-Key"

type triggerResponse struct {
	ExecutionID string `json:"executionId"`
}

type executionResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithRateLimit caps outbound requests per second. Zero disables the limit.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithAutomationKeys sets the payload fields that name the webhook.
func WithAutomationKeys(keys ...string) Option {
	return func(c *Client) { c.automationKeys = keys }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

type Client struct {
	baseURL        *url.URL
	apiKey         string
	http           *http.Client
	limiter        *rate.Limiter
	automationKeys []string
	logger         *slog.Logger
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, apperr.New(apperr.KindConfiguration, "webhook.new", fmt.Sprintf("invalid base url %q", baseURL))
	}

	c := &Client{
		baseURL:        u,
		http:           &http.Client{Timeout: 10 * time.Second},
		limiter:        rate.NewLimiter(rate.Limit(10), 10),
		automationKeys: []string{"automation", "webhook"},
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Submit triggers the webhook named by the payload (or the task kind) and
// returns the execution id. The payload is posted as-is.
func (c *Client) Submit(ctx context.Context, t task.Task) (string, error) {
	automation := c.automation(t)

	var out triggerResponse
	err := c.do(ctx, "webhook.submit", http.MethodPost, "/webhook/"+url.PathEscape(automation), t.Payload, &out)
	if err != nil {
		return "", err
	}
	if out.ExecutionID == "" {
		return "", apperr.New(apperr.KindBackendUnavailable, "webhook.submit", "engine returned no execution id")
	}

	c.logger.Warn("Task sent to legacy automation engine",
		slog.String("task_id", t.ID),
		slog.String("native_id", out.ExecutionID),
		slog.String("automation", automation))
	return out.ExecutionID, nil
}

func (c *Client) Poll(ctx context.Context, nativeID string) (adapter.PollResult, error) {
	var out executionResponse
	if err := c.do(ctx, "webhook.poll", http.MethodGet, "/api/v1/executions/"+url.PathEscape(nativeID), nil, &out); err != nil {
		return adapter.PollResult{}, err
	}
	return adapter.PollResult{Status: out.Status, Error: out.Error}, nil
}

// Cancel stops an execution. The engine answers 409 for executions that
// already finished.
func (c *Client) Cancel(ctx context.Context, nativeID string) (bool, error) {
	err := c.do(ctx, "webhook.cancel", http.MethodPost, "/api/v1/executions/"+url.PathEscape(nativeID)+"/stop", nil, nil)
	if apperr.Is(err, apperr.KindConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "webhook.ping", http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, payload []byte, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return adapter.Unavailable(op, err)
		}
	}

	var body io.Reader = http.NoBody
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.JoinPath(path).String(), body)
	if err != nil {
		return apperr.Wrap(apperr.KindConfiguration, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", contentType(payload))
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	return adapter.DoJSON(c.http, op, req, out)
}

func (c *Client) automation(t task.Task) string {
	var fields map[string]any
	if len(t.Payload) > 0 && json.Unmarshal(t.Payload, &fields) == nil {
		for _, key := range c.automationKeys {
			if name, ok := fields[key].(string); ok && name != "" {
				return name
			}
		}
	}
	return t.Kind
}

func contentType(payload []byte) string {
	if json.Valid(payload) {
		return "application/json"
	}
	return "application/octet-stream"
}
