package tracker

// LockCount exposes the number of live per-task locks to tests.
func (t *Tracker) LockCount() int { return t.locks.size() }
