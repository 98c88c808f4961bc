package tracker

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/angeloszaimis/taskdispatch/internal/apperr"
	"github.com/angeloszaimis/taskdispatch/internal/task"
)

type nativeKey struct {
	backend  task.BackendKind
	nativeID string
}

type Option func(*Tracker)

func WithClock(clock clockwork.Clock) Option {
	return func(t *Tracker) { t.clock = clock }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

type Tracker struct {
	store  Store
	clock  clockwork.Clock
	logger *slog.Logger
	locks  *keyedMutex

	indexMutex sync.RWMutex
	index      map[nativeKey]string
}

func New(store Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:  store,
		clock:  clockwork.NewRealClock(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		locks:  newKeyedMutex(),
		index:  make(map[nativeKey]string),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Create records a newly submitted task. It fails with a conflict error if
// the id is already tracked.
func (t *Tracker) Create(ctx context.Context, rec task.StatusRecord) (task.StatusRecord, error) {
	if rec.TaskID == "" {
		return task.StatusRecord{}, apperr.New(apperr.KindValidation, "tracker.create", "task id is required")
	}

	unlock := t.locks.Lock(rec.TaskID)
	defer unlock()

	now := t.clock.Now().UTC()
	if rec.Status == "" {
		rec.Status = task.StatusPending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.LastUpdated = now

	if err := t.store.Insert(ctx, rec); err != nil {
		return task.StatusRecord{}, err
	}
	t.indexRecord(rec)

	t.logger.Debug("Task tracked",
		slog.String("task_id", rec.TaskID),
		slog.String("backend", rec.Backend.String()),
		slog.String("native_id", rec.NativeID))
	return rec, nil
}

func (t *Tracker) Get(ctx context.Context, taskID string) (task.StatusRecord, error) {
	unlock := t.locks.Lock(taskID)
	defer unlock()
	return t.store.Get(ctx, taskID)
}

// Transition moves a task to a new status. Updates the lifecycle does not
// allow (late, duplicate or backwards) are ignored: the current record is
// returned with changed set to false.
func (t *Tracker) Transition(ctx context.Context, taskID string, to task.Status, errMsg string) (task.StatusRecord, bool, error) {
	unlock := t.locks.Lock(taskID)
	defer unlock()

	rec, err := t.store.Get(ctx, taskID)
	if err != nil {
		return task.StatusRecord{}, false, err
	}

	if !rec.Status.CanTransition(to) {
		if rec.Status != to {
			t.logger.Debug("Ignoring status update",
				slog.String("task_id", taskID),
				slog.String("from", string(rec.Status)),
				slog.String("to", string(to)))
		}
		return rec, false, nil
	}

	from := rec.Status
	rec.Status = to
	if errMsg != "" {
		rec.Error = errMsg
	}
	rec.LastUpdated = t.clock.Now().UTC()

	if err := t.store.Put(ctx, rec); err != nil {
		return task.StatusRecord{}, false, err
	}

	t.logger.Info("Task status changed",
		slog.String("task_id", taskID),
		slog.String("from", string(from)),
		slog.String("to", string(to)))
	return rec, true, nil
}

// FindByNative resolves a backend's own id to the task record. The index
// is rebuilt from the store on a miss so records written by other
// processes are found too.
func (t *Tracker) FindByNative(ctx context.Context, backend task.BackendKind, nativeID string) (task.StatusRecord, error) {
	key := nativeKey{backend: backend, nativeID: nativeID}

	t.indexMutex.RLock()
	taskID, ok := t.index[key]
	t.indexMutex.RUnlock()

	if !ok {
		if err := t.rebuildIndex(ctx); err != nil {
			return task.StatusRecord{}, err
		}
		t.indexMutex.RLock()
		taskID, ok = t.index[key]
		t.indexMutex.RUnlock()
	}
	if !ok {
		return task.StatusRecord{}, apperr.NotFound("tracker.find_by_native", backend.String()+" "+nativeID)
	}

	rec, err := t.Get(ctx, taskID)
	if err != nil {
		return task.StatusRecord{}, err
	}
	if rec.Backend != backend || rec.NativeID != nativeID {
		return task.StatusRecord{}, apperr.NotFound("tracker.find_by_native", backend.String()+" "+nativeID)
	}
	return rec, nil
}

// List returns matching records, oldest first.
func (t *Tracker) List(ctx context.Context, filter task.Filter) ([]task.StatusRecord, error) {
	all, err := t.store.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]task.StatusRecord, 0, len(all))
	for _, rec := range all {
		if filter.Match(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out, nil
}

func (t *Tracker) Delete(ctx context.Context, taskID string) error {
	unlock := t.locks.Lock(taskID)
	defer unlock()

	rec, err := t.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if err := t.store.Delete(ctx, taskID); err != nil {
		return err
	}

	t.indexMutex.Lock()
	delete(t.index, nativeKey{backend: rec.Backend, nativeID: rec.NativeID})
	t.indexMutex.Unlock()
	return nil
}

// Prune deletes terminal records not updated within maxAge and returns how
// many were removed.
func (t *Tracker) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	all, err := t.store.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := t.clock.Now().Add(-maxAge)
	removed := 0
	for _, rec := range all {
		if !rec.Status.IsTerminal() || rec.LastUpdated.After(cutoff) {
			continue
		}
		if err := t.Delete(ctx, rec.TaskID); err != nil && !apperr.Is(err, apperr.KindNotFound) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (t *Tracker) indexRecord(rec task.StatusRecord) {
	if rec.NativeID == "" {
		return
	}
	t.indexMutex.Lock()
	t.index[nativeKey{backend: rec.Backend, nativeID: rec.NativeID}] = rec.TaskID
	t.indexMutex.Unlock()
}

func (t *Tracker) rebuildIndex(ctx context.Context) error {
	all, err := t.store.List(ctx)
	if err != nil {
		return err
	}

	index := make(map[nativeKey]string, len(all))
	for _, rec := range all {
		if rec.NativeID != "" {
			index[nativeKey{backend: rec.Backend, nativeID: rec.NativeID}] = rec.TaskID
		}
	}

	t.indexMutex.Lock()
	t.index = index
	t.indexMutex.Unlock()
	return nil
}
