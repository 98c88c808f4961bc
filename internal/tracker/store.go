package tracker

import (
	"context"

	"github.com/angeloszaimis/taskdispatch/internal/task"
)

// Store persists status records. Implementations return apperr not found
// errors for unknown ids and conflict errors from Insert when the id
// exists.
type Store interface {
	Insert(ctx context.Context, rec task.StatusRecord) error
	Get(ctx context.Context, taskID string) (task.StatusRecord, error)
	Put(ctx context.Context, rec task.StatusRecord) error
	Delete(ctx context.Context, taskID string) error
	List(ctx context.Context) ([]task.StatusRecord, error)
}
