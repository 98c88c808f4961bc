package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/angeloszaimis/taskdispatch/internal/adapter"
	"github.com/angeloszaimis/taskdispatch/internal/apperr"
	"github.com/angeloszaimis/taskdispatch/internal/task"
)

var (
	_ adapter.Adapter = (*Queue)(nil)
	_ adapter.Pinger  = (*Queue)(nil)
)

const (
	StateWaiting   = "waiting"
	StateDelayed   = "delayed"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// maxWatchRetries bounds optimistic transaction retries under contention.
const maxWatchRetries = 5

// Job is a claimed unit of work handed to a worker.
type Job struct {
	NativeID string
	Task     task.Task
}

type Option func(*Queue)

func WithQueue(name string) Option {
	return func(q *Queue) { q.queue = name }
}

func WithKeyPrefix(prefix string) Option {
	return func(q *Queue) { q.prefix = prefix }
}

func WithClock(clock clockwork.Clock) Option {
	return func(q *Queue) { q.clock = clock }
}

func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// Queue implements adapter.Adapter on top of Redis. The caller owns the
// client lifecycle.
type Queue struct {
	client redis.UniversalClient
	queue  string
	prefix string
	clock  clockwork.Clock
	logger *slog.Logger
}

func New(client redis.UniversalClient, opts ...Option) *Queue {
	q := &Queue{
		client: client,
		queue:  "default",
		prefix: defaultKeyPrefix,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit stores the job and makes it visible to workers once its delay
// has passed.
func (q *Queue) Submit(ctx context.Context, t task.Task) (string, error) {
	now := q.clock.Now().UTC()
	id := uuid.NewString()

	state := StateWaiting
	runAt := now
	if t.Options.Delay > 0 {
		state = StateDelayed
		runAt = now.Add(t.Options.Delay)
	}

	fields := map[string]interface{}{
		"id":         id,
		"task_id":    t.ID,
		"kind":       t.Kind,
		"payload":    string(t.Payload),
		"priority":   strconv.Itoa(t.Options.Priority),
		"attempts":   strconv.Itoa(t.Options.Attempts),
		"timeout":    strconv.FormatInt(int64(t.Options.Timeout), 10),
		"state":      state,
		"error":      "",
		"run_at":     runAt.Format(time.RFC3339Nano),
		"created_at": now.Format(time.RFC3339Nano),
		"updated_at": now.Format(time.RFC3339Nano),
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id), fields)
	pipe.ZAdd(ctx, q.queueKey(t.Options.Priority), redis.Z{Score: float64(runAt.UnixMilli()), Member: id})
	pipe.ZAdd(ctx, q.prioritiesKey(), redis.Z{Score: float64(-t.Options.Priority), Member: strconv.Itoa(t.Options.Priority)})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", adapter.Unavailable("redisqueue.submit", fmt.Errorf("enqueue job: %w", err))
	}

	q.logger.Debug("Job enqueued", slog.String("native_id", id), slog.String("queue", q.queue), slog.String("state", state))
	return id, nil
}

func (q *Queue) Poll(ctx context.Context, nativeID string) (adapter.PollResult, error) {
	vals, err := q.client.HMGet(ctx, q.jobKey(nativeID), "state", "error", "run_at").Result()
	if err != nil {
		return adapter.PollResult{}, adapter.Unavailable("redisqueue.poll", fmt.Errorf("get job: %w", err))
	}

	state, _ := vals[0].(string)
	if state == "" {
		return adapter.PollResult{}, apperr.NotFound("redisqueue.poll", "job "+nativeID)
	}
	errMsg, _ := vals[1].(string)

	if state == StateDelayed {
		if runAt, perr := time.Parse(time.RFC3339Nano, fmt.Sprint(vals[2])); perr == nil && !q.clock.Now().Before(runAt) {
			state = StateWaiting
		}
	}
	return adapter.PollResult{Status: state, Error: errMsg}, nil
}

// Cancel marks a job cancelled and removes it from the queue. A job that
// already finished is left alone.
func (q *Queue) Cancel(ctx context.Context, nativeID string) (bool, error) {
	key := q.jobKey(nativeID)
	cancelled := false

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, "state", "priority").Result()
		if err != nil {
			return err
		}
		state, _ := vals[0].(string)
		if state == "" {
			return apperr.NotFound("redisqueue.cancel", "job "+nativeID)
		}
		priority, _ := strconv.Atoi(fmt.Sprint(vals[1]))
		if isFinished(state) {
			cancelled = false
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"state", StateCancelled,
				"updated_at", q.clock.Now().UTC().Format(time.RFC3339Nano))
			pipe.ZRem(ctx, q.queueKey(priority), nativeID)
			return nil
		})
		if err == nil {
			cancelled = true
		}
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := q.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if _, ok := apperr.As(err); ok {
			return false, err
		}
		if err != nil {
			return false, adapter.Unavailable("redisqueue.cancel", err)
		}
		return cancelled, nil
	}
	return false, apperr.New(apperr.KindBackendUnavailable, "redisqueue.cancel", "job "+nativeID+" kept changing")
}

// Claim hands the next runnable job to a worker and marks it active.
// Higher priorities go first, then earlier run times. It returns a not
// found error when nothing is runnable.
func (q *Queue) Claim(ctx context.Context) (Job, error) {
	levels, err := q.client.ZRange(ctx, q.prioritiesKey(), 0, -1).Result()
	if err != nil {
		return Job{}, adapter.Unavailable("redisqueue.claim", err)
	}

	now := q.clock.Now().UTC()
	due := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
	for _, level := range levels {
		priority, err := strconv.Atoi(level)
		if err != nil {
			continue
		}
		ids, err := q.client.ZRangeByScore(ctx, q.queueKey(priority), due).Result()
		if err != nil {
			return Job{}, adapter.Unavailable("redisqueue.claim", err)
		}
		for _, id := range ids {
			job, ok, err := q.claim(ctx, priority, id, now)
			if err != nil {
				return Job{}, adapter.Unavailable("redisqueue.claim", err)
			}
			if ok {
				return job, nil
			}
		}
	}
	return Job{}, apperr.NotFound("redisqueue.claim", "no runnable job in "+q.queue)
}

// claim moves one job to active inside a WATCH on its hash, so a
// concurrent Cancel or a second worker makes it back off. Members whose job
// is gone or no longer runnable are dropped from the queue.
func (q *Queue) claim(ctx context.Context, priority int, id string, now time.Time) (Job, bool, error) {
	key := q.jobKey(id)
	var (
		job     Job
		claimed bool
		stale   bool
	)

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if state := vals["state"]; state != StateWaiting && state != StateDelayed {
			stale = true
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, q.queueKey(priority), id)
			pipe.HSet(ctx, key,
				"state", StateActive,
				"updated_at", now.Format(time.RFC3339Nano))
			return nil
		})
		if err == nil {
			job, claimed = Job{NativeID: id, Task: mapToTask(vals)}, true
		}
		return err
	}

	err := q.client.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	if stale {
		if err := q.client.ZRem(ctx, q.queueKey(priority), id).Err(); err != nil {
			return Job{}, false, err
		}
	}
	return job, claimed, nil
}

// Finish records the outcome of an active job. A nil jobErr completes it.
func (q *Queue) Finish(ctx context.Context, nativeID string, jobErr error) error {
	state, err := q.client.HGet(ctx, q.jobKey(nativeID), "state").Result()
	if errors.Is(err, redis.Nil) {
		return apperr.NotFound("redisqueue.finish", "job "+nativeID)
	}
	if err != nil {
		return adapter.Unavailable("redisqueue.finish", err)
	}
	if isFinished(state) {
		return apperr.New(apperr.KindAlreadyTerminal, "redisqueue.finish", "job "+nativeID+" is "+state)
	}

	fields := []interface{}{"state", StateCompleted, "updated_at", q.clock.Now().UTC().Format(time.RFC3339Nano)}
	if jobErr != nil {
		fields = []interface{}{"state", StateFailed, "error", jobErr.Error(), "updated_at", q.clock.Now().UTC().Format(time.RFC3339Nano)}
	}
	if err := q.client.HSet(ctx, q.jobKey(nativeID), fields...).Err(); err != nil {
		return adapter.Unavailable("redisqueue.finish", err)
	}
	return nil
}

func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return adapter.Unavailable("redisqueue.ping", err)
	}
	return nil
}

func isFinished(state string) bool {
	return state == StateCompleted || state == StateFailed || state == StateCancelled
}

func mapToTask(m map[string]string) task.Task {
	priority, _ := strconv.Atoi(m["priority"])
	attempts, _ := strconv.Atoi(m["attempts"])
	timeout, _ := strconv.ParseInt(m["timeout"], 10, 64)
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"])

	t := task.Task{
		ID:        m["task_id"],
		Kind:      m["kind"],
		CreatedAt: createdAt,
		Options: task.Options{
			Priority: priority,
			Attempts: attempts,
			Timeout:  time.Duration(timeout),
		},
	}
	if p := m["payload"]; p != "" {
		t.Payload = []byte(p)
	}
	return t
}
