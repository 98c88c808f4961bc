package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/angeloszaimis/taskdispatch/internal/apperr"
	"github.com/angeloszaimis/taskdispatch/internal/task"
)

// PollResult is a backend's own view of a submitted task.
type PollResult struct {
	Status string
	Error  string
}

// Adapter submits, polls and cancels tasks on one backend. Implementations
// return *apperr.Error values so callers can tell a bad request from an
// unreachable backend.
type Adapter interface {
	Submit(ctx context.Context, t task.Task) (string, error)
	Poll(ctx context.Context, nativeID string) (PollResult, error)
	// Cancel returns false when the backend reports the task already
	// finished.
	Cancel(ctx context.Context, nativeID string) (bool, error)
}

// Pinger is implemented by adapters that can report backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

const maxErrorBody = 4 << 10

// ClassifyHTTP turns a non-2xx response into a typed error.
func ClassifyHTTP(op string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	msg = fmt.Sprintf("status %d: %s", status, msg)

	switch {
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return apperr.New(apperr.KindValidation, op, msg)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return apperr.New(apperr.KindUnauthorized, op, msg)
	case status == http.StatusNotFound:
		return apperr.New(apperr.KindNotFound, op, msg)
	case status == http.StatusConflict:
		return apperr.New(apperr.KindConflict, op, msg)
	case status == http.StatusTooManyRequests, status >= 500:
		return apperr.New(apperr.KindBackendUnavailable, op, msg)
	default:
		return apperr.New(apperr.KindUnknown, op, msg)
	}
}

// CheckResponse returns nil for 2xx responses and a classified error
// otherwise. It reads at most a few KiB of the body.
func CheckResponse(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return ClassifyHTTP(op, resp.StatusCode, body)
}

// DoJSON sends req and decodes a 2xx JSON body into out, which may be nil.
// Every failure comes back classified.
func DoJSON(hc *http.Client, op string, req *http.Request, out any) error {
	resp, err := hc.Do(req)
	if err != nil {
		return Unavailable(op, err)
	}
	defer resp.Body.Close()

	if err := CheckResponse(op, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Unavailable(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// Unavailable classifies a transport error. Context errors pass through
// untouched so the breaker can tell caller cancellation apart.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperr.Unavailable(op, err)
}
