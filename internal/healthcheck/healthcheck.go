package healthcheck

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/angeloszaimis/taskdispatch/internal/adapter"
	"github.com/angeloszaimis/taskdispatch/internal/circuitbreaker"
	"github.com/angeloszaimis/taskdispatch/internal/metrics"
)

const defaultTimeout = 5 * time.Second

type Option func(*monitor)

func WithClock(clock clockwork.Clock) Option {
	return func(m *monitor) { m.clock = clock }
}

// WithTimeout bounds each check.
func WithTimeout(d time.Duration) Option {
	return func(m *monitor) { m.timeout = d }
}

type monitor struct {
	name    string
	pinger  adapter.Pinger
	breaker *circuitbreaker.CircuitBreaker
	logger  *slog.Logger
	sink    metrics.Sink
	clock   clockwork.Clock
	timeout time.Duration

	healthy bool
	// opened is set while the breaker is held open by this monitor.
	opened bool
}

// Monitor pings the backend once right away and then every interval until
// ctx is done. A failing check force-opens the breaker; the first check
// that succeeds again closes it, unless someone else has taken over the
// override in between.
func Monitor(
	ctx context.Context,
	name string,
	pinger adapter.Pinger,
	breaker *circuitbreaker.CircuitBreaker,
	interval time.Duration,
	logger *slog.Logger,
	sink metrics.Sink,
	opts ...Option,
) {
	m := &monitor{
		name:    name,
		pinger:  pinger,
		breaker: breaker,
		logger:  logger,
		sink:    sink,
		clock:   clockwork.NewRealClock(),
		timeout: defaultTimeout,
		healthy: true,
	}
	if m.sink == nil {
		m.sink = metrics.Nop{}
	}
	for _, opt := range opts {
		opt(m)
	}

	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	m.sink.Emit(metrics.MetricEvent{Type: metrics.EventHealthChanged, Timestamp: m.clock.Now(), Backend: name, Healthy: true})
	m.check(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Health check stopped", slog.String("backend", name))
			return

		case <-ticker.Chan():
			m.check(ctx)
		}
	}
}

func (m *monitor) check(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.pinger.Ping(checkCtx)
	if ctx.Err() != nil {
		return
	}

	healthy := err == nil
	if healthy == m.healthy {
		return
	}
	m.healthy = healthy

	m.sink.Emit(metrics.MetricEvent{
		Type:      metrics.EventHealthChanged,
		Timestamp: m.clock.Now(),
		Backend:   m.name,
		Healthy:   healthy,
	})

	if !healthy {
		m.logger.Warn("Backend is down",
			slog.String("backend", m.name),
			slog.Any("err", err))
		if m.breaker != nil && !m.breaker.Forced() {
			m.breaker.ForceOpen("health check failed: " + err.Error())
			m.opened = true
		}
		return
	}

	m.logger.Info("Backend is back up", slog.String("backend", m.name))
	if m.breaker != nil && m.opened && m.breaker.Forced() {
		m.breaker.ForceClose("health check recovered")
	}
	m.opened = false
}
