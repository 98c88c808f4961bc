// Package metrics collects dispatch metrics in process.
//
// Events flow through a buffered channel into a collector goroutine, so
// emitting never blocks a dispatch call. When the buffer is full the event
// is dropped and counted. Tracked per backend:
//   - tasks scheduled and downgraded onto it
//   - status transitions by target status
//   - calls, failures and rejections seen by its circuit breaker
//   - breaker state and health
//   - call latency with P50, P95 and P99
//
// Example usage:
//
//	collector := metrics.NewCollector(1000, logger)
//	collector.Start(ctx)
//	registry.Subscribe(collector.BreakerListener())
//
//	snapshot := collector.Snapshot()
package metrics
