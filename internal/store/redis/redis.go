// Package redis is a tracker.Store shared by every dispatcher instance
// that points at the same Redis. Each record is a JSON string at
// {prefix}record:{id}; the set {prefix}record_ids enumerates them.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/angeloszaimis/taskdispatch/internal/apperr"
	"github.com/angeloszaimis/taskdispatch/internal/task"
	"github.com/angeloszaimis/taskdispatch/internal/tracker"
)

var _ tracker.Store = (*Store)(nil)

type Option func(*Store)

func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithTTL expires terminal records ttl after their last write. Records
// still in flight never expire.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// Store implements tracker.Store. The caller owns the client lifecycle.
type Store struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: "dispatch:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// recordKey returns {prefix}record:{id}
func (s *Store) recordKey(id string) string { return s.prefix + "record:" + id }

// idsKey is the set tracking every record id.
func (s *Store) idsKey() string { return s.prefix + "record_ids" }

func (s *Store) expiry(rec task.StatusRecord) time.Duration {
	if !rec.Status.IsTerminal() {
		return 0
	}
	return s.ttl
}

func (s *Store) Insert(ctx context.Context, rec task.StatusRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	pipe := s.client.TxPipeline()
	created := pipe.SetNX(ctx, s.recordKey(rec.TaskID), data, s.expiry(rec))
	pipe.SAdd(ctx, s.idsKey(), rec.TaskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.Unavailable("redis.insert", err)
	}
	if !created.Val() {
		return apperr.Conflict("redis.insert", "task "+rec.TaskID+" already exists")
	}
	return nil
}

func (s *Store) Get(ctx context.Context, taskID string) (task.StatusRecord, error) {
	data, err := s.client.Get(ctx, s.recordKey(taskID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return task.StatusRecord{}, apperr.NotFound("redis.get", "task "+taskID)
	}
	if err != nil {
		return task.StatusRecord{}, apperr.Unavailable("redis.get", err)
	}

	var rec task.StatusRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return task.StatusRecord{}, fmt.Errorf("decode record %s: %w", taskID, err)
	}
	return rec, nil
}

func (s *Store) Put(ctx context.Context, rec task.StatusRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.recordKey(rec.TaskID), data, s.expiry(rec))
	pipe.SAdd(ctx, s.idsKey(), rec.TaskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.Unavailable("redis.put", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, taskID string) error {
	pipe := s.client.TxPipeline()
	deleted := pipe.Del(ctx, s.recordKey(taskID))
	pipe.SRem(ctx, s.idsKey(), taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.Unavailable("redis.delete", err)
	}
	if deleted.Val() == 0 {
		return apperr.NotFound("redis.delete", "task "+taskID)
	}
	return nil
}

// List drops ids whose record has expired as it goes.
func (s *Store) List(ctx context.Context) ([]task.StatusRecord, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, apperr.Unavailable("redis.list", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, apperr.Unavailable("redis.list", err)
	}

	out := make([]task.StatusRecord, 0, len(vals))
	var stale []interface{}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var rec task.StatusRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", ids[i], err)
		}
		out = append(out, rec)
	}

	if len(stale) > 0 {
		s.client.SRem(ctx, s.idsKey(), stale...)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return apperr.Unavailable("redis.ping", err)
	}
	return nil
}
