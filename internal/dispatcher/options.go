package dispatcher

import (
	"log/slog"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"

	"github.com/angeloszaimis/taskdispatch/internal/backoff"
	"github.com/angeloszaimis/taskdispatch/internal/metrics"
	"github.com/angeloszaimis/taskdispatch/internal/reporting"
	"github.com/angeloszaimis/taskdispatch/internal/task"
)

type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithDowngrade lets tasks routed to the workflow engine fall back to the
// queue when the engine cannot take them.
func WithDowngrade(enabled bool) Option {
	return func(d *Dispatcher) { d.downgrade = enabled }
}

// WithRetryPolicy sets how submissions are retried. A breaker configured
// with its own max retries overrides the policy's attempt count.
func WithRetryPolicy(p backoff.Policy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

func WithClock(clock clockwork.Clock) Option {
	return func(d *Dispatcher) { d.clock = clock }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = tracer }
}

func WithReporter(r reporting.Reporter) Option {
	return func(d *Dispatcher) { d.reporter = r }
}

func WithMetrics(sink metrics.Sink) Option {
	return func(d *Dispatcher) { d.sink = sink }
}

// CallOption tunes a single GetStatus or Cancel call.
type CallOption func(*call)

type call struct {
	backend task.BackendKind
}

// OnBackend names the backend the caller expects the task on. The backend
// is resolved before the record is read, and a record held by another
// backend is reported as not found.
func OnBackend(kind task.BackendKind) CallOption {
	return func(c *call) { c.backend = kind }
}
