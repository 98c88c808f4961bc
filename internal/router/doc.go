// Package router maps a task to the one backend that should run it.
//
// Rules are checked in a fixed order and the first match wins:
//
//  1. an explicit durability hint
//  2. a workflow identifier in the payload, or a kind configured as a workflow
//  3. a named automation in the payload, or a kind configured as external
//     (legacy; logged as deprecated)
//  4. otherwise the queue
//
// Routing depends only on the task and the configuration, so the same task
// always lands on the same backend.
package router
