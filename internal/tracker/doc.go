// Package tracker keeps the authoritative record of every scheduled task:
// which backend runs it, under which native id, and where it is in its
// lifecycle.
//
// All reads and writes of one task are serialized by a per-task lock, so a
// status transition is a single check-then-act step. Different tasks never
// contend. Persistence is delegated to a Store.
package tracker
