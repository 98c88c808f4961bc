// Package circuitbreaker isolates calls to a failing dependency.
//
// A circuit breaker wraps each call, keeps rolling statistics since it last
// closed, and stops calling a dependency that keeps failing. It has three
// states:
//
//   - CLOSED: calls pass through and outcomes are counted
//   - OPEN: calls are rejected without touching the dependency
//   - HALF-OPEN: exactly one trial call tests whether the dependency recovered
//
// Usage:
//
//	cb, err := circuitbreaker.New("queue", 5, 30*time.Second,
//	    circuitbreaker.WithVolumeThreshold(10),
//	    circuitbreaker.WithTimeout(5*time.Second))
//	if err != nil {
//	    return err
//	}
//	id, res := circuitbreaker.Call(ctx, cb, func(ctx context.Context) (string, error) {
//	    return adapter.Submit(ctx, t)
//	}, nil)
//	if res.Err != nil {
//	    // circuit open, timeout or the adapter's own error
//	}
//
// Every state change is published to listeners registered with Subscribe.
package circuitbreaker
