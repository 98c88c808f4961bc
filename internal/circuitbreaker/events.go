package circuitbreaker

import "time"

type EventType string

const (
	EventStateChange     EventType = "state_change"
	EventSuccess         EventType = "success"
	EventFailure         EventType = "failure"
	EventRejected        EventType = "rejected"
	EventFallbackSuccess EventType = "fallback_success"
	EventFallbackFailure EventType = "fallback_failure"
)

// Event describes something observable that happened to a breaker. For
// state changes From and To differ (except for forced overrides); for the
// other types both hold the state at the time of the event.
type Event struct {
	Breaker  string        `json:"breaker"`
	Type     EventType     `json:"type"`
	From     State         `json:"from"`
	To       State         `json:"to"`
	Reason   string        `json:"reason,omitempty"`
	Time     time.Time     `json:"time"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
	Stats    Stats         `json:"stats"`
}

// Listener receives events in the order they happened on one breaker.
// Listeners run outside the breaker's lock but must not call Execute on the
// breaker that notified them.
type Listener func(Event)

type listenerEntry struct {
	id int
	fn Listener
}
