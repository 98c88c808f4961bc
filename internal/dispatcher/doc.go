// Package dispatcher is the public face of the dispatch core.
//
// A Dispatcher routes each task to one backend, submits it through that
// backend's circuit breaker and records where it landed in the tracker.
// Later status and cancel calls find the backend from the tracker, so
// callers only ever hold the logical task id.
//
// When the workflow engine is unavailable and downgrade is enabled, a task
// routed there is submitted to the queue instead and the record says so.
// Only the queue submission is tracked; nothing reconciles a workflow
// start that may have partially succeeded.
package dispatcher
