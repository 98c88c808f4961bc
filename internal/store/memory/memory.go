// Package memory is a volatile tracker.Store.
package memory

import (
	"context"
	"sync"

	"github.com/angeloszaimis/taskdispatch/internal/apperr"
	"github.com/angeloszaimis/taskdispatch/internal/task"
	"github.com/angeloszaimis/taskdispatch/internal/tracker"
)

var _ tracker.Store = (*Store)(nil)

type Store struct {
	mutex   sync.RWMutex
	records map[string]task.StatusRecord
}

func New() *Store {
	return &Store{records: make(map[string]task.StatusRecord)}
}

func (s *Store) Insert(_ context.Context, rec task.StatusRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.records[rec.TaskID]; exists {
		return apperr.Conflict("memory.insert", "task "+rec.TaskID+" already exists")
	}
	s.records[rec.TaskID] = rec
	return nil
}

func (s *Store) Get(_ context.Context, taskID string) (task.StatusRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rec, ok := s.records[taskID]
	if !ok {
		return task.StatusRecord{}, apperr.NotFound("memory.get", "task "+taskID)
	}
	return rec, nil
}

func (s *Store) Put(_ context.Context, rec task.StatusRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.records[rec.TaskID] = rec
	return nil
}

func (s *Store) Delete(_ context.Context, taskID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.records[taskID]; !ok {
		return apperr.NotFound("memory.delete", "task "+taskID)
	}
	delete(s.records, taskID)
	return nil
}

func (s *Store) List(_ context.Context) ([]task.StatusRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make([]task.StatusRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}
