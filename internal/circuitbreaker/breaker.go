package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/angeloszaimis/taskdispatch/internal/apperr"
)

// Func is the protected call.
type Func func(ctx context.Context) (any, error)

// Fallback runs instead of a rejected call, or after a failed one, and
// receives the error that triggered it.
type Fallback func(ctx context.Context, cause error) (any, error)

// Result is what Execute reports. Errors never escape as panics.
type Result struct {
	Value        any
	Err          error
	State        State
	FallbackUsed bool
	Duration     time.Duration
}

func (r Result) Success() bool { return r.Err == nil }

type permit struct {
	generation uint64
	trial      bool
}

type CircuitBreaker struct {
	mutex         sync.Mutex
	name          string
	cfg           settings
	state         State
	stats         Stats
	openedAt      time.Time
	forced        bool
	trialInFlight bool
	// generation changes on every transition; outcomes and timers that
	// belong to an older generation are discarded.
	generation uint64
	resetTimer clockwork.Timer

	listeners      []listenerEntry
	nextListenerID int
	pending        []Event
	notifyMutex    sync.Mutex

	clock  clockwork.Clock
	logger *slog.Logger
}

// New creates a closed breaker. It fails only on invalid configuration.
func New(name string, failureThreshold int, resetTimeout time.Duration, opts ...Option) (*CircuitBreaker, error) {
	cb := &CircuitBreaker{
		name:   name,
		cfg:    defaultSettings(failureThreshold, resetTimeout),
		state:  StateClosed,
		clock:  clockwork.NewRealClock(),
		logger: discardLogger(),
	}
	for _, opt := range opts {
		opt(cb)
	}

	if err := cb.cfg.validate(); err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, "circuitbreaker.new", fmt.Errorf("breaker %q: %w", name, err))
	}

	cb.logger = cb.logger.With(slog.String("breaker", name))
	return cb, nil
}

func (cb *CircuitBreaker) Name() string { return cb.name }

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.stats
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return Snapshot{Name: cb.name, State: cb.state, Forced: cb.forced, Stats: cb.stats}
}

// MaxRetries is the retry budget callers configured for this dependency.
func (cb *CircuitBreaker) MaxRetries() int { return cb.cfg.maxRetries }

// Execute runs fn under the breaker's policy.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn Func, fallback Fallback) Result {
	start := cb.clock.Now()

	if !cb.cfg.enabled {
		v, err := fn(ctx)
		return Result{Value: v, Err: err, State: StateClosed, Duration: cb.clock.Since(start)}
	}

	p, err := cb.acquire()
	cb.flush()
	if err != nil {
		return cb.runFallback(ctx, fallback, err, start)
	}

	v, err, cancelled := cb.invoke(ctx, fn)
	state := cb.complete(p, err, cancelled, cb.clock.Since(start))
	cb.flush()

	if err != nil {
		if fallback != nil && !cancelled {
			return cb.runFallback(ctx, fallback, err, start)
		}
		return Result{Err: err, State: state, Duration: cb.clock.Since(start)}
	}
	return Result{Value: v, State: state, Duration: cb.clock.Since(start)}
}

// Call is Execute with a typed result.
func Call[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error), fallback func(context.Context, error) (T, error)) (T, Result) {
	var fb Fallback
	if fallback != nil {
		fb = func(ctx context.Context, cause error) (any, error) {
			return fallback(ctx, cause)
		}
	}

	res := cb.Execute(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, fb)

	var zero T
	if res.Err != nil {
		return zero, res
	}
	v, ok := res.Value.(T)
	if !ok {
		return zero, res
	}
	return v, res
}

// ForceOpen opens the breaker until ForceClose is called.
func (cb *CircuitBreaker) ForceOpen(reason string) {
	cb.mutex.Lock()
	cb.forced = true
	cb.stopTimerLocked()
	cb.transitionLocked(StateOpen, reason, cb.clock.Now(), true)
	cb.mutex.Unlock()
	cb.flush()
}

// ForceClose closes the breaker and clears its statistics.
func (cb *CircuitBreaker) ForceClose(reason string) {
	cb.mutex.Lock()
	cb.forced = false
	cb.transitionLocked(StateClosed, reason, cb.clock.Now(), true)
	cb.mutex.Unlock()
	cb.flush()
}

// Forced reports whether the breaker is held open by ForceOpen.
func (cb *CircuitBreaker) Forced() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.forced
}

// Subscribe registers a listener and returns a function that removes it.
func (cb *CircuitBreaker) Subscribe(fn Listener) func() {
	cb.mutex.Lock()
	id := cb.subscribeLocked(fn)
	cb.mutex.Unlock()

	return func() {
		cb.mutex.Lock()
		defer cb.mutex.Unlock()
		for i, l := range cb.listeners {
			if l.id == id {
				cb.listeners = append(cb.listeners[:i:i], cb.listeners[i+1:]...)
				return
			}
		}
	}
}

func (cb *CircuitBreaker) subscribeLocked(fn Listener) int {
	cb.nextListenerID++
	cb.listeners = append(cb.listeners, listenerEntry{id: cb.nextListenerID, fn: fn})
	return cb.nextListenerID
}

// acquire decides, atomically with respect to other callers, whether a call
// may proceed. The first caller to find an expired OPEN period (or a
// HALF-OPEN breaker with no trial running) takes the trial slot.
func (cb *CircuitBreaker) acquire() (permit, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.clock.Now()

	switch cb.state {
	case StateOpen:
		if cb.forced || now.Sub(cb.openedAt) < cb.cfg.resetTimeout {
			return permit{}, cb.rejectLocked(now)
		}
		cb.transitionLocked(StateHalfOpen, "reset timeout elapsed", now, false)
		fallthrough
	case StateHalfOpen:
		if cb.trialInFlight {
			return permit{}, cb.rejectLocked(now)
		}
		cb.trialInFlight = true
		return permit{generation: cb.generation, trial: true}, nil
	default:
		return permit{generation: cb.generation}, nil
	}
}

func (cb *CircuitBreaker) rejectLocked(now time.Time) error {
	cb.stats.Rejected++

	var retryAfter time.Duration
	if cb.state == StateOpen && !cb.forced {
		retryAfter = cb.cfg.resetTimeout - now.Sub(cb.openedAt)
		if retryAfter < 0 {
			retryAfter = 0
		}
	}

	cb.queueLocked(Event{Type: EventRejected, Reason: "circuit open", Time: now})
	return apperr.CircuitOpen(cb.name, retryAfter)
}

type outcome struct {
	value any
	err   error
}

// invoke runs fn with the configured deadline. cancelled is true when the
// caller's own context ended the call, which says nothing about the
// dependency.
func (cb *CircuitBreaker) invoke(ctx context.Context, fn Func) (any, error, bool) {
	callCtx, cancel := context.WithTimeout(ctx, cb.cfg.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("circuitbreaker: call panicked: %v", r)}
			}
		}()
		v, err := fn(callCtx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		if o.err == nil {
			return o.value, nil, false
		}
		if ctx.Err() != nil {
			return nil, ctx.Err(), true
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, apperr.Timeout(cb.name, cb.cfg.timeout), false
		}
		return nil, o.err, false
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err(), true
		}
		return nil, apperr.Timeout(cb.name, cb.cfg.timeout), false
	}
}

func (cb *CircuitBreaker) complete(p permit, err error, cancelled bool, took time.Duration) State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if p.generation != cb.generation {
		return cb.state
	}
	if p.trial {
		cb.trialInFlight = false
	}
	if cancelled {
		return cb.state
	}

	now := cb.clock.Now()

	if err != nil && cb.cfg.isFailure(err) {
		cb.stats.recordFailure(now, err)
		cb.queueLocked(Event{Type: EventFailure, Time: now, Duration: took, Error: err.Error()})

		switch {
		case p.trial:
			cb.transitionLocked(StateOpen, "trial call failed", now, false)
		case cb.shouldTripLocked():
			cb.transitionLocked(StateOpen, cb.tripReasonLocked(), now, false)
		}
		return cb.state
	}

	cb.stats.recordSuccess(now)
	cb.queueLocked(Event{Type: EventSuccess, Time: now, Duration: took})
	if p.trial {
		cb.transitionLocked(StateClosed, "trial call succeeded", now, false)
	}
	return cb.state
}

func (cb *CircuitBreaker) shouldTripLocked() bool {
	s := cb.stats
	if s.TotalRequests < int64(cb.cfg.volumeThreshold) {
		return false
	}
	if s.ConsecutiveFailures >= int64(cb.cfg.failureThreshold) {
		return true
	}
	return s.ErrorRate*100 >= cb.cfg.errorPercentageThreshold
}

func (cb *CircuitBreaker) tripReasonLocked() string {
	if cb.stats.ConsecutiveFailures >= int64(cb.cfg.failureThreshold) {
		return fmt.Sprintf("failure threshold reached: %d consecutive failures", cb.stats.ConsecutiveFailures)
	}
	return fmt.Sprintf("error rate %.1f%% reached threshold %.1f%%", cb.stats.ErrorRate*100, cb.cfg.errorPercentageThreshold)
}

// transitionLocked moves the breaker to a new state. force emits the event
// even when the state does not change.
func (cb *CircuitBreaker) transitionLocked(to State, reason string, now time.Time, force bool) {
	from := cb.state
	if from == to && !force {
		return
	}

	cb.state = to
	cb.generation++
	cb.trialInFlight = false
	cb.stopTimerLocked()

	switch to {
	case StateClosed:
		cb.stats.reset()
	case StateOpen:
		cb.openedAt = now
		if !cb.forced {
			cb.armTimerLocked()
		}
	}

	cb.logger.Info("Circuit state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("reason", reason))

	cb.queueLocked(Event{Type: EventStateChange, From: from, To: to, Reason: reason, Time: now})
}

func (cb *CircuitBreaker) armTimerLocked() {
	gen := cb.generation
	cb.resetTimer = cb.clock.AfterFunc(cb.cfg.resetTimeout, func() {
		go cb.onResetTimer(gen)
	})
}

func (cb *CircuitBreaker) stopTimerLocked() {
	if cb.resetTimer != nil {
		cb.resetTimer.Stop()
		cb.resetTimer = nil
	}
}

func (cb *CircuitBreaker) onResetTimer(gen uint64) {
	cb.mutex.Lock()
	if cb.state == StateOpen && cb.generation == gen && !cb.forced {
		cb.transitionLocked(StateHalfOpen, "reset timeout elapsed", cb.clock.Now(), false)
	}
	cb.mutex.Unlock()
	cb.flush()
}

func (cb *CircuitBreaker) runFallback(ctx context.Context, fallback Fallback, cause error, start time.Time) Result {
	state := cb.State()
	if fallback == nil {
		return Result{Err: cause, State: state, Duration: cb.clock.Since(start)}
	}

	v, err := fallback(ctx, cause)
	took := cb.clock.Since(start)

	cb.mutex.Lock()
	if err != nil {
		cb.queueLocked(Event{Type: EventFallbackFailure, Time: cb.clock.Now(), Duration: took, Error: err.Error()})
	} else {
		cb.queueLocked(Event{Type: EventFallbackSuccess, Time: cb.clock.Now(), Duration: took})
	}
	cb.mutex.Unlock()
	cb.flush()

	if err != nil {
		return Result{Err: err, State: state, FallbackUsed: true, Duration: took}
	}
	return Result{Value: v, State: state, FallbackUsed: true, Duration: took}
}

func (cb *CircuitBreaker) queueLocked(e Event) {
	e.Breaker = cb.name
	if e.Type != EventStateChange {
		e.From, e.To = cb.state, cb.state
	}
	e.Stats = cb.stats
	cb.pending = append(cb.pending, e)
}

// flush delivers queued events. Events are appended under the state lock
// and drained in FIFO order under notifyMutex, so listeners see them in the
// order they happened.
func (cb *CircuitBreaker) flush() {
	cb.notifyMutex.Lock()
	defer cb.notifyMutex.Unlock()

	cb.mutex.Lock()
	events := cb.pending
	cb.pending = nil
	listeners := make([]listenerEntry, len(cb.listeners))
	copy(listeners, cb.listeners)
	cb.mutex.Unlock()

	for _, e := range events {
		for _, l := range listeners {
			l.fn(e)
		}
	}
}
