package circuitbreaker

import "time"

// Stats are counted since the breaker last entered CLOSED, except Rejected
// which accumulates over the breaker's lifetime.
type Stats struct {
	Failures             int64     `json:"failures"`
	Successes            int64     `json:"successes"`
	Rejected             int64     `json:"rejected"`
	ConsecutiveFailures  int64     `json:"consecutive_failures"`
	ConsecutiveSuccesses int64     `json:"consecutive_successes"`
	TotalRequests        int64     `json:"total_requests"`
	LastFailureTime      time.Time `json:"last_failure_time"`
	LastSuccessTime      time.Time `json:"last_success_time"`
	LastFailureReason    string    `json:"last_failure_reason,omitempty"`
	ErrorRate            float64   `json:"error_rate"`
}

func (s *Stats) recordSuccess(now time.Time) {
	s.Successes++
	s.ConsecutiveSuccesses++
	s.ConsecutiveFailures = 0
	s.TotalRequests++
	s.LastSuccessTime = now
	s.updateErrorRate()
}

func (s *Stats) recordFailure(now time.Time, err error) {
	s.Failures++
	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	s.TotalRequests++
	s.LastFailureTime = now
	if err != nil {
		s.LastFailureReason = err.Error()
	}
	s.updateErrorRate()
}

func (s *Stats) updateErrorRate() {
	if s.TotalRequests == 0 {
		s.ErrorRate = 0
		return
	}
	s.ErrorRate = float64(s.Failures) / float64(s.TotalRequests)
}

// reset clears everything but the lifetime rejection count.
func (s *Stats) reset() {
	*s = Stats{Rejected: s.Rejected}
}
