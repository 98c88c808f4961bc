// Package apperr defines the typed failures shared by the dispatch core.
//
// Every error that crosses the dispatcher boundary is an *Error carrying a
// Kind. Callers branch on the kind (validation, backend_unavailable,
// timeout, circuit_open, not_found, ...) rather than on messages, which is
// what lets the backoff policy decide retries deterministically.
package apperr
