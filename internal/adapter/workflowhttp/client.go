// Package workflowhttp talks to a durable workflow engine over its REST
// gateway. The engine owns retries, timers and history; this adapter only
// starts, describes and cancels executions.
package workflowhttp

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
	StatusRunning        = "RUNNING"
	StatusCompleted      = "COMPLETED"
	StatusFailed         = "FAILED"
	StatusCanceled       = "CANCELED"
	StatusTerminated     = "TERMINATED"
	StatusTimedOut       = "TIMED_OUT"
	StatusContinuedAsNew = "CONTINUED_AS_NEW"
)

const namespaceHeader = "X-Namespace"

type startRequest struct {
	WorkflowID         string          `json:"workflow_id"`
	WorkflowType       string          `json:"workflow_type"`
	Input              json.RawMessage `json:"input,omitempty"`
	Priority           int             `json:"priority,omitempty"`
	StartDelayMS       int64           `json:"start_delay_ms,omitempty"`
	ExecutionTimeoutMS int64           `json:"execution_timeout_ms,omitempty"`
	MaxAttempts        int             `json:"max_attempts,omitempty"`
}

type startResponse struct {
	RunID string `json:"run_id"`
}

type describeResponse struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
	Failure string `json:"failure,omitempty"`
}

type Option func(*Client)

func WithNamespace(ns string) Option {
	return func(c *Client) { c.namespace = ns }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithWorkflowKeys sets the payload fields that name the workflow type.
func WithWorkflowKeys(keys ...string) Option {
	return func(c *Client) { c.workflowKeys = keys }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

type Client struct {
	baseURL      *url.URL
	namespace    string
	http         *http.Client
	workflowKeys []string
	logger       *slog.Logger
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, apperr.New(apperr.KindConfiguration, "workflowhttp.new", fmt.Sprintf("invalid base url %q", baseURL))
	}

	c := &Client{
		baseURL:      u,
		namespace:    "default",
		http:         &http.Client{Timeout: 10 * time.Second},
		workflowKeys: []string{"workflowId", "workflow"},
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Submit starts a workflow execution. The task id doubles as the workflow
// id, which the engine uses to reject duplicate starts.
func (c *Client) Submit(ctx context.Context, t task.Task) (string, error) {
	body := startRequest{
		WorkflowID:         t.ID,
		WorkflowType:       c.workflowType(t),
		Input:              input(t.Payload),
		Priority:           t.Options.Priority,
		StartDelayMS:       t.Options.Delay.Milliseconds(),
		ExecutionTimeoutMS: t.Options.Timeout.Milliseconds(),
		MaxAttempts:        t.Options.Attempts,
	}

	var out startResponse
	if err := c.do(ctx, "workflowhttp.submit", http.MethodPost, "/workflows", body, &out); err != nil {
		return "", err
	}
	if out.RunID == "" {
		return "", apperr.New(apperr.KindBackendUnavailable, "workflowhttp.submit", "engine returned no run id")
	}

	c.logger.Debug("Workflow started",
		slog.String("task_id", t.ID),
		slog.String("native_id", out.RunID),
		slog.String("workflow_type", body.WorkflowType))
	return out.RunID, nil
}

func (c *Client) Poll(ctx context.Context, nativeID string) (adapter.PollResult, error) {
	var out describeResponse
	if err := c.do(ctx, "workflowhttp.poll", http.MethodGet, "/workflows/"+url.PathEscape(nativeID), nil, &out); err != nil {
		return adapter.PollResult{}, err
	}
	return adapter.PollResult{Status: out.Status, Error: out.Failure}, nil
}

// Cancel requests cancellation. The engine answers 409 when the execution
// is already closed.
func (c *Client) Cancel(ctx context.Context, nativeID string) (bool, error) {
	err := c.do(ctx, "workflowhttp.cancel", http.MethodPost, "/workflows/"+url.PathEscape(nativeID)+"/cancel", nil, nil)
	if apperr.Is(err, apperr.KindConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "workflowhttp.ping", http.MethodGet, "/health", nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return apperr.Validation(op, fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	endpoint := c.baseURL.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return apperr.Wrap(apperr.KindConfiguration, op, err)
	}
	req.Header.Set(namespaceHeader, c.namespace)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return adapter.DoJSON(c.http, op, req, out)
}

func (c *Client) workflowType(t task.Task) string {
	if len(t.Payload) == 0 {
		return t.Kind
	}
	var fields map[string]any
	if err := json.Unmarshal(t.Payload, &fields); err != nil {
		return t.Kind
	}
	for _, key := range c.workflowKeys {
		if name, ok := fields[key].(string); ok && name != "" {
			return name
		}
	}
	return t.Kind
}

// input forwards JSON payloads untouched and encodes anything else as a
// JSON string (base64 for bytes).
func input(payload []byte) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	if json.Valid(payload) {
		return payload
	}
	data, _ := json.Marshal(payload)
	return data
}
