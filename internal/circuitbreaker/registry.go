package circuitbreaker

import (
	"sort"
	"sync"
	"time"

	"github.com/angeloszaimis/taskdispatch/internal/apperr"
)

// Snapshot is a point-in-time view of one breaker.
type Snapshot struct {
	Name   string `json:"name"`
	State  State  `json:"state"`
	Forced bool   `json:"forced"`
	Stats  Stats  `json:"stats"`
}

// Registry holds one breaker per name. Breakers created through
// GetBreaker share the registry's threshold, timeout and options.
type Registry struct {
	mutex     sync.RWMutex
	breakers  map[string]*CircuitBreaker
	threshold int
	timeout   time.Duration
	opts      []Option
	listeners []Listener
}

func NewRegistry(threshold int, timeout time.Duration, opts ...Option) (*Registry, error) {
	s := defaultSettings(threshold, timeout)
	if err := s.validate(); err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, "circuitbreaker.registry", err)
	}
	return &Registry{
		breakers:  make(map[string]*CircuitBreaker),
		threshold: threshold,
		timeout:   timeout,
		opts:      opts,
	}, nil
}

func (r *Registry) GetBreaker(name string) (*CircuitBreaker, error) {
	r.mutex.RLock()
	cb, exists := r.breakers[name]
	r.mutex.RUnlock()

	if exists {
		return cb, nil
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	// Another goroutine may have created it.
	if cb, exists = r.breakers[name]; exists {
		return cb, nil
	}

	opts := append([]Option{}, r.opts...)
	for _, l := range r.listeners {
		opts = append(opts, WithListener(l))
	}

	cb, err := New(name, r.threshold, r.timeout, opts...)
	if err != nil {
		return nil, err
	}
	r.breakers[name] = cb
	return cb, nil
}

// Register adds a breaker built elsewhere, for dependencies that need their
// own thresholds.
func (r *Registry) Register(cb *CircuitBreaker) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.breakers[cb.Name()]; exists {
		return apperr.Conflict("circuitbreaker.register", "breaker "+cb.Name()+" already registered")
	}
	for _, l := range r.listeners {
		cb.Subscribe(l)
	}
	r.breakers[cb.Name()] = cb
	return nil
}

func (r *Registry) Get(name string) (*CircuitBreaker, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	cb, ok := r.breakers[name]
	return cb, ok
}

func (r *Registry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subscribe attaches fn to every breaker, current and future.
func (r *Registry) Subscribe(fn Listener) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.listeners = append(r.listeners, fn)
	for _, cb := range r.breakers {
		cb.Subscribe(fn)
	}
}

func (r *Registry) Reset() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.breakers = make(map[string]*CircuitBreaker)
}

func (r *Registry) Stats() map[string]Snapshot {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	stats := make(map[string]Snapshot, len(r.breakers))
	for name, cb := range r.breakers {
		stats[name] = cb.Snapshot()
	}
	return stats
}
