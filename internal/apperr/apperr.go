package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure so callers can decide whether to retry it.
type Kind string

const (
	KindUnknown            Kind = "unknown"
	KindValidation         Kind = "validation"
	KindUnauthorized       Kind = "unauthorized"
	KindConfiguration      Kind = "configuration"
	KindBackendUnavailable Kind = "backend_unavailable"
	KindTimeout            Kind = "timeout"
	KindCircuitOpen        Kind = "circuit_open"
	KindNotFound           Kind = "not_found"
	KindAlreadyTerminal    Kind = "already_terminal"
	KindConflict           Kind = "conflict"
)

// Retryable reports whether a failure of this kind says anything about the
// dependency being temporarily unable to serve, as opposed to a problem
// with the request itself.
func (k Kind) Retryable() bool {
	switch k {
	case KindBackendUnavailable, KindTimeout, KindCircuitOpen:
		return true
	default:
		return false
	}
}

// Error is the typed failure returned across package boundaries.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error

	// RetryAfter is set on circuit open errors to the time left before the
	// breaker will admit a trial call.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, apperr.ErrNotFound)
// works for any not-found error regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil
}

// Sentinels for errors.Is comparisons.
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrUnauthorized       = &Error{Kind: KindUnauthorized}
	ErrConfiguration      = &Error{Kind: KindConfiguration}
	ErrBackendUnavailable = &Error{Kind: KindBackendUnavailable}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrCircuitOpen        = &Error{Kind: KindCircuitOpen}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrAlreadyTerminal    = &Error{Kind: KindAlreadyTerminal}
	ErrConflict           = &Error{Kind: KindConflict}
)

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op string, err error) *Error { return Wrap(KindValidation, op, err) }

func Unavailable(op string, err error) *Error { return Wrap(KindBackendUnavailable, op, err) }

func NotFound(op, message string) *Error { return New(KindNotFound, op, message) }

func Conflict(op, message string) *Error { return New(KindConflict, op, message) }

func Timeout(op string, after time.Duration) *Error {
	return New(KindTimeout, op, fmt.Sprintf("call exceeded %s", after))
}

func CircuitOpen(op string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindCircuitOpen, Op: op, Message: "circuit open", RetryAfter: retryAfter}
}

// KindOf reports the kind of the first *Error in err's chain, or
// KindUnknown when there is none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// Ensure converts any error into an *Error, keeping an existing one intact
// and classifying anything else with the fallback kind.
func Ensure(op string, err error, fallback Kind) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	return Wrap(fallback, op, err)
}
