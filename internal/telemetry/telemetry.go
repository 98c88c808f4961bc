// Package telemetry exports breaker activity as OpenTelemetry metrics.
//
// Instruments:
//   - dispatch.breaker.transitions (Int64Counter): state changes, with
//     attributes breaker, from, to
//   - dispatch.breaker.rejections (Int64Counter): calls refused while open,
//     with attribute breaker
//   - dispatch.breaker.call.duration (Float64Histogram): seconds per call,
//     with attributes breaker and outcome ("success" or "failure")
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/angeloszaimis/taskdispatch/internal/circuitbreaker"
)

const meterName = "github.com/angeloszaimis/taskdispatch"

// GlobalBreakerMetrics uses the global MeterProvider.
func GlobalBreakerMetrics() (circuitbreaker.Listener, error) {
	return BreakerMetrics(otel.Meter(meterName))
}

// BreakerMetrics returns a listener recording every breaker event it is
// subscribed to.
func BreakerMetrics(meter metric.Meter) (circuitbreaker.Listener, error) {
	transitions, err := meter.Int64Counter(
		"dispatch.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	rejections, err := meter.Int64Counter(
		"dispatch.breaker.rejections",
		metric.WithDescription("Calls rejected by an open circuit breaker"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"dispatch.breaker.call.duration",
		metric.WithDescription("Duration of calls made through a circuit breaker in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	// Listeners have no context of their own.
	ctx := context.Background()

	return func(e circuitbreaker.Event) {
		breaker := attribute.String("breaker", e.Breaker)

		switch e.Type {
		case circuitbreaker.EventStateChange:
			transitions.Add(ctx, 1, metric.WithAttributes(
				breaker,
				attribute.String("from", e.From.String()),
				attribute.String("to", e.To.String()),
			))
		case circuitbreaker.EventRejected:
			rejections.Add(ctx, 1, metric.WithAttributes(breaker))
		case circuitbreaker.EventSuccess:
			duration.Record(ctx, e.Duration.Seconds(), metric.WithAttributes(breaker, attribute.String("outcome", "success")))
		case circuitbreaker.EventFailure:
			duration.Record(ctx, e.Duration.Seconds(), metric.WithAttributes(breaker, attribute.String("outcome", "failure")))
		}
	}, nil
}
