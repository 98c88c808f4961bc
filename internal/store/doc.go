// Package store holds the implementations of tracker.Store: memory for
// tests and single-process runs, badger for an embedded persistent log,
// and redis for records shared between dispatcher instances.
//
// All three encode records as JSON so they can be inspected with the
// backing tool's own CLI.
package store
