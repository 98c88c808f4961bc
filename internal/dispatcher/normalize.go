package dispatcher

import (
	"strings"

	"github.com/angeloszaimis/taskdispatch/internal/task"
)

var nativeStatuses = map[task.BackendKind]map[string]task.Status{
	task.BackendQueue: {
		"waiting":   task.StatusPending,
		"delayed":   task.StatusPending,
		"paused":    task.StatusPending,
		"active":    task.StatusRunning,
		"completed": task.StatusCompleted,
		"failed":    task.StatusFailed,
		"cancelled": task.StatusCancelled,
	},
	task.BackendWorkflow: {
		"running":          task.StatusRunning,
		"continued_as_new": task.StatusRunning,
		"completed":        task.StatusCompleted,
		"failed":           task.StatusFailed,
		"timed_out":        task.StatusFailed,
		"canceled":         task.StatusCancelled,
		"terminated":       task.StatusCancelled,
	},
	task.BackendExternal: {
		"new":      task.StatusPending,
		"waiting":  task.StatusPending,
		"running":  task.StatusRunning,
		"success":  task.StatusCompleted,
		"error":    task.StatusFailed,
		"crashed":  task.StatusFailed,
		"canceled": task.StatusCancelled,
	},
}

// Normalize maps a backend's native status onto the common vocabulary.
// Matching ignores case, and the common names are accepted from every
// backend. ok is false for anything else.
func Normalize(kind task.BackendKind, native string) (status task.Status, ok bool) {
	s := strings.ToLower(strings.TrimSpace(native))
	if status, ok = nativeStatuses[kind][s]; ok {
		return status, true
	}
	if s == "canceled" {
		return task.StatusCancelled, true
	}
	if status = task.Status(s); status.Valid() {
		return status, true
	}
	return "", false
}
