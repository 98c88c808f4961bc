// Package memory is an in-process backend. It runs nothing on its own: the
// embedding program (or a test) drives task status with SetStatus. Faults
// and latency can be injected to exercise breakers and retries.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/angeloszaimis/taskdispatch/internal/adapter"
	"github.com/angeloszaimis/taskdispatch/internal/apperr"
	"github.com/angeloszaimis/taskdispatch/internal/task"
)

var (
	_ adapter.Adapter = (*Adapter)(nil)
	_ adapter.Pinger  = (*Adapter)(nil)
)

// Native statuses. They match the dispatcher's common vocabulary.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

type job struct {
	task   task.Task
	status string
	err    string
}

// Counters reports how often each operation reached the adapter.
type Counters struct {
	Submits int
	Polls   int
	Cancels int
	Pings   int
}

type Option func(*Adapter)

func WithClock(clock clockwork.Clock) Option {
	return func(a *Adapter) { a.clock = clock }
}

// WithLatency delays every call by d, honouring context cancellation.
func WithLatency(d time.Duration) Option {
	return func(a *Adapter) { a.latency = d }
}

type Adapter struct {
	mutex    sync.Mutex
	name     string
	jobs     map[string]*job
	counters Counters
	latency  time.Duration
	clock    clockwork.Clock

	failNext int
	failErr  error
	down     error
}

func New(name string, opts ...Option) *Adapter {
	a := &Adapter{
		name:  name,
		jobs:  make(map[string]*job),
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Submit(ctx context.Context, t task.Task) (string, error) {
	if err := a.enter(ctx, func(c *Counters) { c.Submits++ }); err != nil {
		return "", err
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	id := uuid.NewString()
	a.jobs[id] = &job{task: t, status: StatusPending}
	return id, nil
}

func (a *Adapter) Poll(ctx context.Context, nativeID string) (adapter.PollResult, error) {
	if err := a.enter(ctx, func(c *Counters) { c.Polls++ }); err != nil {
		return adapter.PollResult{}, err
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	j, ok := a.jobs[nativeID]
	if !ok {
		return adapter.PollResult{}, apperr.NotFound(a.op("poll"), nativeID)
	}
	return adapter.PollResult{Status: j.status, Error: j.err}, nil
}

func (a *Adapter) Cancel(ctx context.Context, nativeID string) (bool, error) {
	if err := a.enter(ctx, func(c *Counters) { c.Cancels++ }); err != nil {
		return false, err
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	j, ok := a.jobs[nativeID]
	if !ok {
		return false, apperr.NotFound(a.op("cancel"), nativeID)
	}
	switch j.status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return false, nil
	}
	j.status = StatusCancelled
	return true, nil
}

func (a *Adapter) Ping(ctx context.Context) error {
	a.mutex.Lock()
	a.counters.Pings++
	down := a.down
	a.mutex.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return down
}

// SetStatus changes the native status of a submitted task. Any string is
// accepted so tests can feed the dispatcher unexpected vocabulary.
func (a *Adapter) SetStatus(nativeID, status, errMsg string) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	j, ok := a.jobs[nativeID]
	if !ok {
		return apperr.NotFound(a.op("set_status"), nativeID)
	}
	j.status = status
	j.err = errMsg
	return nil
}

// Task returns what was submitted under nativeID.
func (a *Adapter) Task(nativeID string) (task.Task, bool) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	j, ok := a.jobs[nativeID]
	if !ok {
		return task.Task{}, false
	}
	return j.task, true
}

func (a *Adapter) Len() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return len(a.jobs)
}

func (a *Adapter) Counters() Counters {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.counters
}

// FailNext makes the next n calls fail with err. A nil err means a backend
// unavailable error.
func (a *Adapter) FailNext(n int, err error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.failNext = n
	a.failErr = err
}

// SetDown makes every call and ping fail until SetUp is called.
func (a *Adapter) SetDown(err error) {
	if err == nil {
		err = apperr.New(apperr.KindBackendUnavailable, a.op("call"), "backend down")
	}
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.down = err
}

func (a *Adapter) SetUp() {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.down = nil
}

func (a *Adapter) enter(ctx context.Context, count func(*Counters)) error {
	a.mutex.Lock()
	count(&a.counters)
	latency := a.latency
	err := a.down
	if err == nil && a.failNext > 0 {
		a.failNext--
		err = a.failErr
		if err == nil {
			err = apperr.New(apperr.KindBackendUnavailable, a.op("call"), "injected failure")
		}
	}
	a.mutex.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.clock.After(latency):
		}
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (a *Adapter) op(name string) string {
	return a.name + "." + name
}
