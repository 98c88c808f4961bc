package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/angeloszaimis/taskdispatch/internal/circuitbreaker"
	"github.com/angeloszaimis/taskdispatch/internal/task"
)

type EventType string

const (
	EventTaskScheduled       EventType = "task_scheduled"
	EventTaskDowngraded      EventType = "task_downgraded"
	EventStatusChanged       EventType = "status_changed"
	EventBreakerStateChanged EventType = "breaker_state_changed"
	EventCallRejected        EventType = "call_rejected"
	EventCallCompleted       EventType = "call_completed"
	EventHealthChanged       EventType = "health_changed"
)

type MetricEvent struct {
	Type      EventType
	Timestamp time.Time
	Backend   string
	Duration  time.Duration
	Failed    bool
	Status    task.Status
	State     string
	Healthy   bool
}

// Sink accepts metric events without blocking.
type Sink interface {
	Emit(event MetricEvent)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(MetricEvent) {}

type Collector struct {
	eventCh chan MetricEvent
	metrics *Metrics
	logger  *slog.Logger
}

var _ Sink = (*Collector)(nil)

func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	return &Collector{
		eventCh: make(chan MetricEvent, bufferSize),
		metrics: NewMetrics(),
		logger:  logger,
	}
}

func (c *Collector) EventChannel() chan<- MetricEvent {
	return c.eventCh
}

// Emit queues the event, dropping it when the buffer is full.
func (c *Collector) Emit(event MetricEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case c.eventCh <- event:
	default:
		c.metrics.recordDropped()
	}
}

// BreakerListener turns breaker events into metric events.
func (c *Collector) BreakerListener() circuitbreaker.Listener {
	return func(e circuitbreaker.Event) {
		switch e.Type {
		case circuitbreaker.EventStateChange:
			c.Emit(MetricEvent{Type: EventBreakerStateChanged, Timestamp: e.Time, Backend: e.Breaker, State: e.To.String()})
		case circuitbreaker.EventRejected:
			c.Emit(MetricEvent{Type: EventCallRejected, Timestamp: e.Time, Backend: e.Breaker})
		case circuitbreaker.EventSuccess:
			c.Emit(MetricEvent{Type: EventCallCompleted, Timestamp: e.Time, Backend: e.Breaker, Duration: e.Duration})
		case circuitbreaker.EventFailure:
			c.Emit(MetricEvent{Type: EventCallCompleted, Timestamp: e.Time, Backend: e.Breaker, Duration: e.Duration, Failed: true})
		}
	}
}

func (c *Collector) Start(ctx context.Context) {
	go c.Run(ctx)
}

// Run processes events until ctx is done, then drains what is buffered.
func (c *Collector) Run(ctx context.Context) error {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			c.drain()
			return nil
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventTaskScheduled:
		c.metrics.RecordScheduled(event.Backend, false)

	case EventTaskDowngraded:
		c.metrics.RecordScheduled(event.Backend, true)

	case EventStatusChanged:
		c.metrics.RecordStatus(event.Backend, event.Status)

	case EventBreakerStateChanged:
		c.metrics.UpdateBreakerState(event.Backend, event.State)

	case EventCallRejected:
		c.metrics.RecordRejected(event.Backend)

	case EventCallCompleted:
		c.metrics.RecordCall(event.Backend, event.Duration, event.Failed)

	case EventHealthChanged:
		c.metrics.UpdateHealthStatus(event.Backend, event.Healthy)
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot() Snapshot {
	return c.metrics.Snapshot()
}
