// Package badger is a tracker.Store on an embedded BadgerDB. Records are
// JSON values under "task/{id}" keys. A background worker runs value log
// GC until the store is closed.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/angeloszaimis/taskdispatch/internal/apperr"
	"github.com/angeloszaimis/taskdispatch/internal/task"
	"github.com/angeloszaimis/taskdispatch/internal/tracker"
)

var _ tracker.Store = (*Store)(nil)

const keyPrefix = "task/"

var errClosed = apperr.New(apperr.KindBackendUnavailable, "badger", "database is closed")

type Option func(*Store)

// WithTTL expires terminal records ttl after their last write. Records
// still in flight never expire. Zero keeps everything until deleted.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

func WithGCInterval(d time.Duration) Option {
	return func(s *Store) { s.gcInterval = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

type Store struct {
	mutex      sync.RWMutex
	db         *badger.DB
	closed     bool
	ttl        time.Duration
	gcInterval time.Duration
	cancelGC   context.CancelFunc
	logger     *slog.Logger
}

// Open opens (or creates) the database at path. An empty path runs fully
// in memory.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		gcInterval: 2 * time.Minute,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}

	bopts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		bopts = bopts.WithInMemory(true)
	} else {
		bopts.ValueLogFileSize = 16 << 20
		bopts.MemTableSize = 4 << 20
		bopts.NumMemtables = 2
		bopts.NumLevelZeroTables = 2
		bopts.NumLevelZeroTablesStall = 3
		bopts.CompactL0OnClose = true
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, "badger.open", fmt.Errorf("open %q: %w", path, err))
	}
	s.db = db

	if path != "" {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancelGC = cancel
		go s.valueLogGCWorker(ctx)
	}

	s.logger.Info("Status store opened", slog.String("path", path))
	return s, nil
}

func (s *Store) valueLogGCWorker(ctx context.Context) {
	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mutex.RLock()
			if s.closed {
				s.mutex.RUnlock()
				return
			}
			err := s.db.RunValueLogGC(0.7)
			s.mutex.RUnlock()

			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
				s.logger.Warn("Value log GC failed", slog.Any("err", err))
			}
		}
	}
}

func (s *Store) Insert(_ context.Context, rec task.StatusRecord) error {
	return s.update("badger.insert", func(txn *badger.Txn) error {
		_, err := txn.Get(key(rec.TaskID))
		if err == nil {
			return apperr.Conflict("badger.insert", "task "+rec.TaskID+" already exists")
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return s.set(txn, rec)
	})
}

func (s *Store) Get(_ context.Context, taskID string) (task.StatusRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.closed {
		return task.StatusRecord{}, errClosed
	}

	var rec task.StatusRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(taskID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return task.StatusRecord{}, apperr.NotFound("badger.get", "task "+taskID)
	}
	if err != nil {
		return task.StatusRecord{}, apperr.Unavailable("badger.get", err)
	}
	return rec, nil
}

func (s *Store) Put(_ context.Context, rec task.StatusRecord) error {
	return s.update("badger.put", func(txn *badger.Txn) error {
		return s.set(txn, rec)
	})
}

func (s *Store) Delete(_ context.Context, taskID string) error {
	return s.update("badger.delete", func(txn *badger.Txn) error {
		if _, err := txn.Get(key(taskID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return apperr.NotFound("badger.delete", "task "+taskID)
			}
			return err
		}
		return txn.Delete(key(taskID))
	})
}

func (s *Store) List(_ context.Context) ([]task.StatusRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.closed {
		return nil, errClosed
	}

	var out []task.StatusRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec task.StatusRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Unavailable("badger.list", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.cancelGC != nil {
		s.cancelGC()
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	return nil
}

func (s *Store) update(op string, fn func(txn *badger.Txn) error) error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.closed {
		return errClosed
	}

	err := s.db.Update(fn)
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	return apperr.Unavailable(op, err)
}

func (s *Store) set(txn *badger.Txn, rec task.StatusRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	entry := badger.NewEntry(key(rec.TaskID), data)
	if s.ttl > 0 && rec.Status.IsTerminal() {
		entry = entry.WithTTL(s.ttl)
	}
	return txn.SetEntry(entry)
}

func key(taskID string) []byte {
	return []byte(keyPrefix + taskID)
}
