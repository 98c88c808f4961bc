package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/angeloszaimis/taskdispatch/internal/apperr"
	"github.com/angeloszaimis/taskdispatch/internal/circuitbreaker"
	"github.com/angeloszaimis/taskdispatch/internal/dispatcher"
	"github.com/angeloszaimis/taskdispatch/internal/task"
)

const maxBodyBytes = 1 << 20

// Dispatcher is the part of the dispatcher the API serves.
type Dispatcher interface {
	Schedule(ctx context.Context, t task.Task) (string, error)
	GetStatus(ctx context.Context, taskID string, opts ...dispatcher.CallOption) (task.StatusRecord, error)
	Cancel(ctx context.Context, taskID, reason string, opts ...dispatcher.CallOption) (bool, error)
	Notify(ctx context.Context, kind task.BackendKind, nativeID, nativeStatus, errMsg string) (task.StatusRecord, error)
	List(ctx context.Context, filter task.Filter) ([]task.StatusRecord, error)
	Breaker(kind task.BackendKind) (*circuitbreaker.CircuitBreaker, bool)
	Breakers() map[task.BackendKind]circuitbreaker.Snapshot
}

type TaskHandler struct {
	logger     *slog.Logger
	dispatcher Dispatcher
	mux        *http.ServeMux
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

type optionsRequest struct {
	Priority  int   `json:"priority"`
	DelayMS   int64 `json:"delay_ms"`
	TimeoutMS int64 `json:"timeout_ms"`
	Attempts  int   `json:"attempts"`
}

type scheduleRequest struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	DurabilityHint string          `json:"durability_hint"`
	Options        optionsRequest  `json:"options"`
}

type notificationRequest struct {
	NativeID string `json:"native_id"`
	Status   string `json:"status"`
	Error    string `json:"error"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type errorResponse struct {
	Error string      `json:"error"`
	Kind  apperr.Kind `json:"kind"`
}

func NewTaskHandler(logger *slog.Logger, d Dispatcher) *TaskHandler {
	h := &TaskHandler{
		logger:     logger,
		dispatcher: d,
		mux:        http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /tasks", h.schedule)
	h.mux.HandleFunc("GET /tasks", h.list)
	h.mux.HandleFunc("GET /tasks/{id}", h.status)
	h.mux.HandleFunc("DELETE /tasks/{id}", h.cancel)
	h.mux.HandleFunc("POST /notifications/{backend}", h.notify)
	h.mux.HandleFunc("GET /breakers", h.breakers)
	h.mux.HandleFunc("POST /breakers/{name}/open", h.forceBreaker(true))
	h.mux.HandleFunc("POST /breakers/{name}/close", h.forceBreaker(false))

	return h
}

func (h *TaskHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

	h.mux.ServeHTTP(wrapped, r)

	h.logger.Info("Handled request",
		slog.String("from", extractClientIP(r)),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", wrapped.statusCode),
		slog.Duration("duration", time.Since(start)))
}

func (h *TaskHandler) schedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, apperr.Validation("handler.schedule", err))
		return
	}

	t := task.Task{
		ID:             req.ID,
		Kind:           req.Kind,
		Payload:        []byte(req.Payload),
		DurabilityHint: task.DurabilityHint(req.DurabilityHint),
		Options: task.Options{
			Priority: req.Options.Priority,
			Delay:    time.Duration(req.Options.DelayMS) * time.Millisecond,
			Timeout:  time.Duration(req.Options.TimeoutMS) * time.Millisecond,
			Attempts: req.Options.Attempts,
		},
	}

	id, err := h.dispatcher.Schedule(r.Context(), t)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Location", "/tasks/"+id)
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (h *TaskHandler) list(w http.ResponseWriter, r *http.Request) {
	var filter task.Filter

	if v := r.URL.Query().Get("backend"); v != "" {
		kind, ok := task.ParseBackendKind(v)
		if !ok {
			h.writeError(w, apperr.New(apperr.KindValidation, "handler.list", "unknown backend "+v))
			return
		}
		filter.Backend = kind
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := task.Status(strings.ToLower(v))
		if !status.Valid() {
			h.writeError(w, apperr.New(apperr.KindValidation, "handler.list", "unknown status "+v))
			return
		}
		filter.Status = status
	}

	recs, err := h.dispatcher.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *TaskHandler) status(w http.ResponseWriter, r *http.Request) {
	opts, err := backendHint("handler.status", r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	rec, err := h.dispatcher.GetStatus(r.Context(), r.PathValue("id"), opts...)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *TaskHandler) cancel(w http.ResponseWriter, r *http.Request) {
	opts, err := backendHint("handler.cancel", r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	cancelled, err := h.dispatcher.Cancel(r.Context(), r.PathValue("id"), r.URL.Query().Get("reason"), opts...)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// backendHint reads the optional ?backend= query parameter.
func backendHint(op string, r *http.Request) ([]dispatcher.CallOption, error) {
	v := r.URL.Query().Get("backend")
	if v == "" {
		return nil, nil
	}
	kind, ok := task.ParseBackendKind(v)
	if !ok {
		return nil, apperr.New(apperr.KindValidation, op, "unknown backend "+v)
	}
	return []dispatcher.CallOption{dispatcher.OnBackend(kind)}, nil
}

func (h *TaskHandler) notify(w http.ResponseWriter, r *http.Request) {
	const op = "handler.notify"

	kind, ok := task.ParseBackendKind(r.PathValue("backend"))
	if !ok {
		h.writeError(w, apperr.New(apperr.KindValidation, op, "unknown backend "+r.PathValue("backend")))
		return
	}

	var req notificationRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, apperr.Validation(op, err))
		return
	}

	rec, err := h.dispatcher.Notify(r.Context(), kind, req.NativeID, req.Status, req.Error)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *TaskHandler) breakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.dispatcher.Breakers())
}

func (h *TaskHandler) forceBreaker(open bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handler.force_breaker"

		kind, ok := task.ParseBackendKind(r.PathValue("name"))
		if !ok {
			h.writeError(w, apperr.NotFound(op, "no breaker named "+r.PathValue("name")))
			return
		}
		cb, ok := h.dispatcher.Breaker(kind)
		if !ok {
			h.writeError(w, apperr.NotFound(op, "no breaker named "+r.PathValue("name")))
			return
		}

		var req reasonRequest
		if r.ContentLength != 0 {
			if err := decode(r, &req); err != nil {
				h.writeError(w, apperr.Validation(op, err))
				return
			}
		}
		if req.Reason == "" {
			req.Reason = "operator request"
		}

		if open {
			cb.ForceOpen(req.Reason)
		} else {
			cb.ForceClose(req.Reason)
		}

		h.logger.Warn("Breaker overridden",
			slog.String("breaker", cb.Name()),
			slog.Bool("open", open),
			slog.String("reason", req.Reason))

		writeJSON(w, http.StatusOK, cb.Snapshot())
	}
}

func (h *TaskHandler) writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	code := statusCode(kind)

	if e, ok := apperr.As(err); ok && e.Kind == apperr.KindCircuitOpen {
		secs := int(math.Ceil(e.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	if code >= http.StatusInternalServerError {
		h.logger.Warn("Request failed", slog.String("kind", string(kind)), slog.Any("err", err))
	}

	writeJSON(w, code, errorResponse{Error: err.Error(), Kind: kind})
}

func statusCode(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict, apperr.KindAlreadyTerminal:
		return http.StatusConflict
	case apperr.KindCircuitOpen:
		return http.StatusServiceUnavailable
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindBackendUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}
