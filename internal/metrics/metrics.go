package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/angeloszaimis/taskdispatch/internal/task"
)

const maxLatencySamples = 1000

type Metrics struct {
	mutex      sync.RWMutex
	scheduled  map[string]int64
	downgraded map[string]int64
	calls      map[string]int64
	failures   map[string]int64
	rejected   map[string]int64
	latencies  map[string][]time.Duration
	statuses   map[string]map[task.Status]int64
	states     map[string]string
	health     map[string]bool
	dropped    int64
	startTime  time.Time
}

type Snapshot struct {
	TotalScheduled int64                     `json:"total_scheduled"`
	Dropped        int64                     `json:"dropped_events"`
	Uptime         time.Duration             `json:"uptime"`
	Backends       map[string]BackendMetrics `json:"backends"`
}

type BackendMetrics struct {
	Scheduled    int64                 `json:"scheduled"`
	Downgraded   int64                 `json:"downgraded"`
	Calls        int64                 `json:"calls"`
	Failures     int64                 `json:"failures"`
	Rejected     int64                 `json:"rejected"`
	BreakerState string                `json:"breaker_state,omitempty"`
	Healthy      bool                  `json:"healthy"`
	Statuses     map[task.Status]int64 `json:"statuses,omitempty"`
	AvgLatency   time.Duration         `json:"avg_latency"`
	P50Latency   time.Duration         `json:"p50_latency"`
	P95Latency   time.Duration         `json:"p95_latency"`
	P99Latency   time.Duration         `json:"p99_latency"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		scheduled:  make(map[string]int64),
		downgraded: make(map[string]int64),
		calls:      make(map[string]int64),
		failures:   make(map[string]int64),
		rejected:   make(map[string]int64),
		latencies:  make(map[string][]time.Duration),
		statuses:   make(map[string]map[task.Status]int64),
		states:     make(map[string]string),
		health:     make(map[string]bool),
		startTime:  time.Now(),
	}
}

func (m *Metrics) RecordScheduled(backend string, downgraded bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.scheduled[backend]++
	if downgraded {
		m.downgraded[backend]++
	}
}

func (m *Metrics) RecordCall(backend string, duration time.Duration, failed bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.calls[backend]++
	if failed {
		m.failures[backend]++
	}

	m.latencies[backend] = append(m.latencies[backend], duration)
	if len(m.latencies[backend]) > maxLatencySamples {
		m.latencies[backend] = m.latencies[backend][1:]
	}
}

func (m *Metrics) RecordRejected(backend string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.rejected[backend]++
}

func (m *Metrics) RecordStatus(backend string, status task.Status) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.statuses[backend] == nil {
		m.statuses[backend] = make(map[task.Status]int64)
	}
	m.statuses[backend][status]++
}

func (m *Metrics) UpdateBreakerState(backend, state string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.states[backend] = state
}

func (m *Metrics) UpdateHealthStatus(backend string, healthy bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.health[backend] = healthy
}

func (m *Metrics) recordDropped() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.dropped++
}

func (m *Metrics) Snapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		Dropped:  m.dropped,
		Uptime:   time.Since(m.startTime),
		Backends: make(map[string]BackendMetrics),
	}

	all := make(map[string]bool)
	for _, set := range []map[string]int64{m.scheduled, m.calls, m.rejected} {
		for backend := range set {
			all[backend] = true
		}
	}
	for backend := range m.statuses {
		all[backend] = true
	}
	for backend := range m.states {
		all[backend] = true
	}
	for backend := range m.health {
		all[backend] = true
	}

	for backend := range all {
		snap.TotalScheduled += m.scheduled[backend]

		bm := BackendMetrics{
			Scheduled:    m.scheduled[backend],
			Downgraded:   m.downgraded[backend],
			Calls:        m.calls[backend],
			Failures:     m.failures[backend],
			Rejected:     m.rejected[backend],
			BreakerState: m.states[backend],
			Healthy:      m.health[backend],
		}
		if statuses := m.statuses[backend]; len(statuses) > 0 {
			bm.Statuses = make(map[task.Status]int64, len(statuses))
			for s, n := range statuses {
				bm.Statuses[s] = n
			}
		}

		if durations := m.latencies[backend]; len(durations) > 0 {
			sorted := make([]time.Duration, len(durations))
			copy(sorted, durations)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i] < sorted[j]
			})

			bm.AvgLatency = average(sorted)
			bm.P50Latency = percentile(sorted, 0.50)
			bm.P95Latency = percentile(sorted, 0.95)
			bm.P99Latency = percentile(sorted, 0.99)
		}

		snap.Backends[backend] = bm
	}

	return snap
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
