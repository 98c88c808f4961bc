package circuitbreaker

import (
	"io"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/jonboulle/clockwork"

	"github.com/angeloszaimis/taskdispatch/internal/apperr"
)

const (
	DefaultVolumeThreshold          = 1
	DefaultErrorPercentageThreshold = 50.0
	DefaultTimeout                  = 30 * time.Second
)

type settings struct {
	failureThreshold         int
	resetTimeout             time.Duration
	volumeThreshold          int
	errorPercentageThreshold float64
	timeout                  time.Duration
	maxRetries               int
	enabled                  bool
	isFailure                func(error) bool
}

func defaultSettings(threshold int, resetTimeout time.Duration) settings {
	return settings{
		failureThreshold:         threshold,
		resetTimeout:             resetTimeout,
		volumeThreshold:          DefaultVolumeThreshold,
		errorPercentageThreshold: DefaultErrorPercentageThreshold,
		timeout:                  DefaultTimeout,
		enabled:                  true,
		isFailure:                DependencyFault,
	}
}

func (s settings) validate() error {
	return validation.Errors{
		"failure_threshold": validation.Validate(s.failureThreshold, validation.Required, validation.Min(1)),
		"reset_timeout":     validation.Validate(s.resetTimeout, validation.Required, validation.Min(time.Millisecond)),
		"volume_threshold":  validation.Validate(s.volumeThreshold, validation.Required, validation.Min(1)),
		"error_percentage_threshold": validation.Validate(s.errorPercentageThreshold,
			validation.Min(0.0), validation.Max(100.0)),
		"timeout":     validation.Validate(s.timeout, validation.Required, validation.Min(time.Millisecond)),
		"max_retries": validation.Validate(s.maxRetries, validation.Min(0)),
	}.Filter()
}

type Option func(*CircuitBreaker)

// WithVolumeThreshold sets the minimum number of counted calls before the
// breaker may open.
func WithVolumeThreshold(n int) Option {
	return func(cb *CircuitBreaker) { cb.cfg.volumeThreshold = n }
}

// WithErrorPercentageThreshold sets the error rate (0-100) that opens the
// breaker once the volume threshold is met.
func WithErrorPercentageThreshold(pct float64) Option {
	return func(cb *CircuitBreaker) { cb.cfg.errorPercentageThreshold = pct }
}

// WithTimeout bounds every call made through the breaker.
func WithTimeout(d time.Duration) Option {
	return func(cb *CircuitBreaker) { cb.cfg.timeout = d }
}

// WithMaxRetries records how many times callers are expected to retry.
// The breaker itself never retries.
func WithMaxRetries(n int) Option {
	return func(cb *CircuitBreaker) { cb.cfg.maxRetries = n }
}

// WithEnabled(false) turns the breaker into a pass-through.
func WithEnabled(enabled bool) Option {
	return func(cb *CircuitBreaker) { cb.cfg.enabled = enabled }
}

// DependencyFault reports whether err says the dependency itself is
// unhealthy: it is unreachable, too slow, or failed in a way it did not
// classify. Rejections of the request (validation, auth, missing or
// conflicting resources) prove the dependency answered.
func DependencyFault(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindBackendUnavailable, apperr.KindTimeout, apperr.KindUnknown:
		return true
	default:
		return false
	}
}

// WithFailurePredicate decides which errors count against the dependency.
// Errors it rejects are treated as proof the dependency answered.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(cb *CircuitBreaker) {
		if fn != nil {
			cb.cfg.isFailure = fn
		}
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(cb *CircuitBreaker) {
		if clock != nil {
			cb.clock = clock
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(cb *CircuitBreaker) {
		if logger != nil {
			cb.logger = logger
		}
	}
}

// WithListener subscribes fn before the breaker handles its first call.
func WithListener(fn Listener) Option {
	return func(cb *CircuitBreaker) { cb.subscribeLocked(fn) }
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
