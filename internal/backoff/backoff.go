package backoff

import (
	"math"
	"math/rand/v2"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/angeloszaimis/taskdispatch/internal/apperr"
)

// NextDelay returns min(base * coefficient^(attempt-1), maxDelay). Attempt 1 is
// the first retry. Attempts below 1 are treated as 1.
func NextDelay(attempt int, base time.Duration, coefficient float64, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		return 0
	}

	d := float64(base) * math.Pow(coefficient, float64(attempt-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(math.MaxInt64) {
		return maxDelay
	}
	if maxDelay > 0 && time.Duration(d) > maxDelay {
		return maxDelay
	}
	return time.Duration(d)
}

// IsRetryable reports whether err's kind is outside nonRetryable.
func IsRetryable(err error, nonRetryable map[apperr.Kind]struct{}) bool {
	if err == nil {
		return false
	}
	_, skip := nonRetryable[apperr.KindOf(err)]
	return !skip
}

// DefaultNonRetryable lists the kinds that describe a bad request rather
// than a struggling backend. The returned map is a fresh copy.
func DefaultNonRetryable() map[apperr.Kind]struct{} {
	return map[apperr.Kind]struct{}{
		apperr.KindValidation:    {},
		apperr.KindUnauthorized:  {},
		apperr.KindConfiguration: {},
	}
}

// Policy bundles the backoff parameters used by the dispatcher.
type Policy struct {
	BaseDelay   time.Duration
	Coefficient float64
	MaxDelay    time.Duration
	// MaxAttempts counts the first try, so 1 disables retries.
	MaxAttempts  int
	NonRetryable map[apperr.Kind]struct{}
	// Jitter adds a random wait in [0, Jitter) on top of the capped delay
	// so that callers failing together do not retry together.
	Jitter time.Duration
	// Rand returns values in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// DefaultPolicy makes a single attempt. Retries are opt-in.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:    100 * time.Millisecond,
		Coefficient:  2,
		MaxDelay:     5 * time.Second,
		MaxAttempts:  1,
		NonRetryable: DefaultNonRetryable(),
	}
}

func (p Policy) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.BaseDelay, validation.Min(time.Duration(0))),
		validation.Field(&p.Coefficient, validation.Required, validation.Min(1.0)),
		validation.Field(&p.MaxDelay, validation.Min(time.Duration(0))),
		validation.Field(&p.MaxAttempts, validation.Required, validation.Min(1)),
		validation.Field(&p.Jitter, validation.Min(time.Duration(0))),
	)
}

// Delay is NextDelay plus jitter.
func (p Policy) Delay(attempt int) time.Duration {
	return NextDelay(attempt, p.BaseDelay, p.Coefficient, p.MaxDelay) + p.jitter()
}

func (p Policy) jitter() time.Duration {
	if p.Jitter <= 0 {
		return 0
	}
	random := p.Rand
	if random == nil {
		random = rand.Float64
	}
	return time.Duration(random() * float64(p.Jitter))
}

// ShouldRetry reports whether another try should follow the given attempt
// (1-based count of tries already made) that failed with err.
func (p Policy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	nonRetryable := p.NonRetryable
	if nonRetryable == nil {
		nonRetryable = DefaultNonRetryable()
	}
	return IsRetryable(err, nonRetryable)
}

// DelayFor is Delay, except that a circuit open error is not retried before
// its breaker will admit a trial call.
func (p Policy) DelayFor(err error, attempt int) time.Duration {
	d := p.Delay(attempt)
	if e, ok := apperr.As(err); ok && e.Kind == apperr.KindCircuitOpen && e.RetryAfter > d {
		return e.RetryAfter
	}
	return d
}
