package dispatcher

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/angeloszaimis/taskdispatch/internal/adapter"
	"github.com/angeloszaimis/taskdispatch/internal/apperr"
	"github.com/angeloszaimis/taskdispatch/internal/backoff"
	"github.com/angeloszaimis/taskdispatch/internal/circuitbreaker"
	"github.com/angeloszaimis/taskdispatch/internal/metrics"
	"github.com/angeloszaimis/taskdispatch/internal/reporting"
	"github.com/angeloszaimis/taskdispatch/internal/router"
	"github.com/angeloszaimis/taskdispatch/internal/task"
	"github.com/angeloszaimis/taskdispatch/internal/tracker"
)

const tracerName = "github.com/angeloszaimis/taskdispatch"

// Router picks the backend for a task.
type Router interface {
	Decide(t task.Task) router.Decision
}

// Backend pairs an adapter with the breaker guarding it.
type Backend struct {
	Adapter adapter.Adapter
	Breaker *circuitbreaker.CircuitBreaker
}

type Dispatcher struct {
	router   Router
	tracker  *tracker.Tracker
	backends map[task.BackendKind]Backend

	downgrade bool
	policy    backoff.Policy
	clock     clockwork.Clock
	logger    *slog.Logger
	tracer    trace.Tracer
	reporter  reporting.Reporter
	sink      metrics.Sink
}

func New(r Router, t *tracker.Tracker, backends map[task.BackendKind]Backend, opts ...Option) (*Dispatcher, error) {
	const op = "dispatcher.new"

	if r == nil || t == nil {
		return nil, apperr.New(apperr.KindConfiguration, op, "router and tracker are required")
	}
	if len(backends) == 0 {
		return nil, apperr.New(apperr.KindConfiguration, op, "at least one backend is required")
	}

	copied := make(map[task.BackendKind]Backend, len(backends))
	for kind, b := range backends {
		if !kind.Valid() {
			return nil, apperr.New(apperr.KindConfiguration, op, "unknown backend kind "+string(kind))
		}
		if b.Adapter == nil || b.Breaker == nil {
			return nil, apperr.New(apperr.KindConfiguration, op, "backend "+string(kind)+" needs an adapter and a breaker")
		}
		copied[kind] = b
	}

	d := &Dispatcher{
		router:   r,
		tracker:  t,
		backends: copied,
		policy:   backoff.DefaultPolicy(),
		clock:    clockwork.NewRealClock(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:   otel.Tracer(tracerName),
		reporter: reporting.Nop{},
		sink:     metrics.Nop{},
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := d.policy.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, op, err)
	}
	if d.downgrade {
		if _, ok := d.backends[task.BackendQueue]; !ok {
			return nil, apperr.New(apperr.KindConfiguration, op, "downgrade needs a queue backend")
		}
	}

	return d, nil
}

// Schedule submits t and returns its logical id. A missing id is generated.
func (d *Dispatcher) Schedule(ctx context.Context, t task.Task) (taskID string, err error) {
	const op = "dispatcher.schedule"

	ctx, span := d.tracer.Start(ctx, "dispatch.schedule",
		trace.WithAttributes(attribute.String("dispatch.task.kind", t.Kind)))
	tags := map[string]string{"op": "schedule"}
	defer func() { d.end(ctx, span, err, tags) }()

	if err := t.Validate(); err != nil {
		return "", apperr.Validation(op, err)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = d.clock.Now().UTC()
	}
	span.SetAttributes(attribute.String("dispatch.task.id", t.ID))
	tags["task_id"] = t.ID

	if _, err := d.tracker.Get(ctx, t.ID); err == nil {
		return "", apperr.Conflict(op, "task "+t.ID+" already scheduled")
	} else if !apperr.Is(err, apperr.KindNotFound) {
		return "", apperr.Ensure(op, err, apperr.KindBackendUnavailable)
	}

	decision := d.router.Decide(t)
	kind := decision.Backend
	tags["backend"] = kind.String()

	nativeID, attempts, err := d.submit(ctx, kind, t)
	downgraded := false
	if err != nil && d.shouldDowngrade(kind, err) {
		d.logger.Warn("Workflow engine unavailable, downgrading to queue",
			"task_id", t.ID,
			"err", err,
		)
		var more int
		nativeID, more, err = d.submit(ctx, task.BackendQueue, t)
		attempts += more
		kind = task.BackendQueue
		downgraded = true
		tags["backend"] = kind.String()
	}
	if err != nil {
		return "", err
	}

	span.SetAttributes(
		attribute.String("dispatch.backend", kind.String()),
		attribute.String("dispatch.rule", string(decision.Rule)),
		attribute.Bool("dispatch.downgraded", downgraded),
		attribute.Int("dispatch.attempts", attempts),
	)

	_, err = d.tracker.Create(ctx, task.StatusRecord{
		TaskID:     t.ID,
		Kind:       t.Kind,
		Backend:    kind,
		NativeID:   nativeID,
		Status:     task.StatusPending,
		Attempt:    attempts,
		Downgraded: downgraded,
		CreatedAt:  t.CreatedAt,
	})
	if err != nil {
		// A concurrent Schedule with the same id won the record; the job
		// we just started is not tracked by anyone.
		d.abandon(ctx, kind, nativeID)
		return "", apperr.Ensure(op, err, apperr.KindBackendUnavailable)
	}

	event := metrics.EventTaskScheduled
	if downgraded {
		event = metrics.EventTaskDowngraded
	}
	d.sink.Emit(metrics.MetricEvent{Type: event, Timestamp: d.clock.Now(), Backend: kind.String()})

	d.logger.Info("Task scheduled",
		"task_id", t.ID,
		"backend", kind,
		"native_id", nativeID,
		"rule", decision.Rule,
		"attempts", attempts,
		"downgraded", downgraded,
	)

	return t.ID, nil
}

// GetStatus refreshes the record from its backend unless it is already
// terminal, and returns it.
func (d *Dispatcher) GetStatus(ctx context.Context, taskID string, opts ...CallOption) (rec task.StatusRecord, err error) {
	const op = "dispatcher.get_status"

	ctx, span := d.tracer.Start(ctx, "dispatch.get_status",
		trace.WithAttributes(attribute.String("dispatch.task.id", taskID)))
	tags := map[string]string{"op": "get_status", "task_id": taskID}
	defer func() { d.end(ctx, span, err, tags) }()

	rec, err = d.lookup(ctx, op, taskID, opts)
	if err != nil {
		return task.StatusRecord{}, err
	}
	tags["backend"] = rec.Backend.String()
	span.SetAttributes(attribute.String("dispatch.backend", rec.Backend.String()))

	if rec.Status.IsTerminal() {
		return rec, nil
	}

	b, err := d.backend(op, rec.Backend)
	if err != nil {
		return task.StatusRecord{}, err
	}

	res, result := circuitbreaker.Call(ctx, b.Breaker, func(ctx context.Context) (adapter.PollResult, error) {
		return b.Adapter.Poll(ctx, rec.NativeID)
	}, nil)
	if result.Err != nil {
		return task.StatusRecord{}, classify(op, result.Err)
	}

	return d.apply(ctx, rec, res.Status, res.Error)
}

// Cancel asks the backend to stop the task and marks it cancelled. It
// reports false without error when the task had already finished.
func (d *Dispatcher) Cancel(ctx context.Context, taskID, reason string, opts ...CallOption) (cancelled bool, err error) {
	const op = "dispatcher.cancel"

	ctx, span := d.tracer.Start(ctx, "dispatch.cancel",
		trace.WithAttributes(attribute.String("dispatch.task.id", taskID)))
	tags := map[string]string{"op": "cancel", "task_id": taskID}
	defer func() { d.end(ctx, span, err, tags) }()

	rec, err := d.lookup(ctx, op, taskID, opts)
	if err != nil {
		return false, err
	}
	tags["backend"] = rec.Backend.String()
	span.SetAttributes(attribute.String("dispatch.backend", rec.Backend.String()))

	if rec.Status.IsTerminal() {
		return false, nil
	}

	b, err := d.backend(op, rec.Backend)
	if err != nil {
		return false, err
	}

	acked, result := circuitbreaker.Call(ctx, b.Breaker, func(ctx context.Context) (bool, error) {
		return b.Adapter.Cancel(ctx, rec.NativeID)
	}, nil)
	if result.Err != nil {
		return false, classify(op, result.Err)
	}
	if !acked {
		d.logger.Info("Backend refused cancel, task already finished there",
			"task_id", taskID,
			"backend", rec.Backend,
			"native_id", rec.NativeID,
		)
		return false, nil
	}

	if reason == "" {
		reason = "cancelled"
	}
	updated, changed, err := d.tracker.Transition(ctx, taskID, task.StatusCancelled, reason)
	if err != nil {
		return false, apperr.Ensure(op, err, apperr.KindBackendUnavailable)
	}
	if changed {
		d.statusChanged(rec, updated)
	}
	return changed, nil
}

// Notify applies a status pushed by a backend. Updates for records that
// already finished are ignored.
func (d *Dispatcher) Notify(ctx context.Context, kind task.BackendKind, nativeID, nativeStatus, errMsg string) (rec task.StatusRecord, err error) {
	const op = "dispatcher.notify"

	ctx, span := d.tracer.Start(ctx, "dispatch.notify",
		trace.WithAttributes(
			attribute.String("dispatch.backend", kind.String()),
			attribute.String("dispatch.native_id", nativeID),
		))
	tags := map[string]string{"op": "notify", "backend": kind.String()}
	defer func() { d.end(ctx, span, err, tags) }()

	if !kind.Valid() || nativeID == "" {
		return task.StatusRecord{}, apperr.New(apperr.KindValidation, op, "backend kind and native id are required")
	}

	rec, err = d.tracker.FindByNative(ctx, kind, nativeID)
	if err != nil {
		return task.StatusRecord{}, apperr.Ensure(op, err, apperr.KindBackendUnavailable)
	}
	tags["task_id"] = rec.TaskID

	if rec.Status.IsTerminal() {
		d.logger.Debug("Late notification ignored",
			"task_id", rec.TaskID,
			"backend", kind,
			"status", nativeStatus,
		)
		return rec, nil
	}

	return d.apply(ctx, rec, nativeStatus, errMsg)
}

func (d *Dispatcher) List(ctx context.Context, filter task.Filter) ([]task.StatusRecord, error) {
	recs, err := d.tracker.List(ctx, filter)
	if err != nil {
		return nil, apperr.Ensure("dispatcher.list", err, apperr.KindBackendUnavailable)
	}
	return recs, nil
}

// Breaker returns the breaker guarding kind.
func (d *Dispatcher) Breaker(kind task.BackendKind) (*circuitbreaker.CircuitBreaker, bool) {
	b, ok := d.backends[kind]
	return b.Breaker, ok
}

func (d *Dispatcher) Breakers() map[task.BackendKind]circuitbreaker.Snapshot {
	out := make(map[task.BackendKind]circuitbreaker.Snapshot, len(d.backends))
	for kind, b := range d.backends {
		out[kind] = b.Breaker.Snapshot()
	}
	return out
}

// Subscribe attaches fn to every backend's breaker. The returned func
// detaches it again.
func (d *Dispatcher) Subscribe(fn circuitbreaker.Listener) func() {
	unsubs := make([]func(), 0, len(d.backends))
	for _, b := range d.backends {
		unsubs = append(unsubs, b.Breaker.Subscribe(fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// submit runs one backend submission with retries. It returns the number
// of attempts made.
func (d *Dispatcher) submit(ctx context.Context, kind task.BackendKind, t task.Task) (string, int, error) {
	const op = "dispatcher.submit"

	b, err := d.backend(op, kind)
	if err != nil {
		return "", 0, err
	}

	policy := d.policy
	if n := b.Breaker.MaxRetries(); n > 0 {
		policy.MaxAttempts = n + 1
	}

	for attempt := 1; ; attempt++ {
		nativeID, result := circuitbreaker.Call(ctx, b.Breaker, func(ctx context.Context) (string, error) {
			return b.Adapter.Submit(ctx, t)
		}, nil)
		if result.Err == nil {
			return nativeID, attempt, nil
		}

		err := classify(op, result.Err)
		if !policy.ShouldRetry(err, attempt) {
			return "", attempt, err
		}

		delay := policy.DelayFor(err, attempt)
		d.logger.Debug("Retrying submission",
			"task_id", t.ID,
			"backend", kind,
			"attempt", attempt,
			"delay", delay,
			"err", err,
		)

		select {
		case <-ctx.Done():
			return "", attempt, classify(op, ctx.Err())
		case <-d.clock.After(delay):
		}
	}
}

func (d *Dispatcher) shouldDowngrade(kind task.BackendKind, err error) bool {
	return d.downgrade && kind == task.BackendWorkflow && apperr.KindOf(err).Retryable()
}

// apply normalizes a native status and moves the record if allowed.
func (d *Dispatcher) apply(ctx context.Context, rec task.StatusRecord, native, errMsg string) (task.StatusRecord, error) {
	const op = "dispatcher.apply"

	status, ok := Normalize(rec.Backend, native)
	if !ok {
		d.logger.Warn("Unknown native status, record left unchanged",
			"task_id", rec.TaskID,
			"backend", rec.Backend,
			"native_status", native,
		)
		return rec, nil
	}

	updated, changed, err := d.tracker.Transition(ctx, rec.TaskID, status, errMsg)
	if err != nil {
		return task.StatusRecord{}, apperr.Ensure(op, err, apperr.KindBackendUnavailable)
	}
	if changed {
		d.statusChanged(rec, updated)
	}
	return updated, nil
}

func (d *Dispatcher) statusChanged(before, after task.StatusRecord) {
	d.sink.Emit(metrics.MetricEvent{
		Type:      metrics.EventStatusChanged,
		Timestamp: d.clock.Now(),
		Backend:   after.Backend.String(),
		Status:    after.Status,
	})
	d.logger.Info("Task status changed",
		"task_id", after.TaskID,
		"backend", after.Backend,
		"from", before.Status,
		"to", after.Status,
	)
}

// abandon cancels a job nobody tracks. Failures are only logged.
func (d *Dispatcher) abandon(ctx context.Context, kind task.BackendKind, nativeID string) {
	b, ok := d.backends[kind]
	if !ok {
		return
	}
	if _, err := b.Adapter.Cancel(ctx, nativeID); err != nil {
		d.logger.Warn("Failed to cancel untracked job",
			"backend", kind,
			"native_id", nativeID,
			"err", err,
		)
	}
}

func (d *Dispatcher) lookup(ctx context.Context, op, taskID string, opts []CallOption) (task.StatusRecord, error) {
	if taskID == "" {
		return task.StatusRecord{}, apperr.New(apperr.KindValidation, op, "task id is required")
	}

	var c call
	for _, opt := range opts {
		opt(&c)
	}
	if c.backend != "" {
		if !c.backend.Valid() {
			return task.StatusRecord{}, apperr.New(apperr.KindValidation, op, "unknown backend "+c.backend.String())
		}
		if _, err := d.backend(op, c.backend); err != nil {
			return task.StatusRecord{}, err
		}
	}

	rec, err := d.tracker.Get(ctx, taskID)
	if err != nil {
		return task.StatusRecord{}, apperr.Ensure(op, err, apperr.KindBackendUnavailable)
	}
	if c.backend != "" && rec.Backend != c.backend {
		return task.StatusRecord{}, apperr.NotFound(op, "task "+taskID+" is not on "+c.backend.String())
	}
	return rec, nil
}

func (d *Dispatcher) backend(op string, kind task.BackendKind) (Backend, error) {
	b, ok := d.backends[kind]
	if !ok {
		return Backend{}, apperr.New(apperr.KindConfiguration, op, "no backend configured for "+kind.String())
	}
	return b, nil
}

func (d *Dispatcher) end(ctx context.Context, span trace.Span, err error, tags map[string]string) {
	defer span.End()

	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}

	kind := apperr.KindOf(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("dispatch.error.kind", string(kind)))

	switch kind {
	case apperr.KindValidation, apperr.KindNotFound:
	default:
		d.reporter.Capture(ctx, err, tags)
	}
}

// classify turns whatever a breaker call returned into a typed failure.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(apperr.KindTimeout, op, err)
	case errors.Is(err, context.Canceled):
		return apperr.Wrap(apperr.KindUnknown, op, err)
	default:
		return apperr.Ensure(op, err, apperr.KindBackendUnavailable)
	}
}
