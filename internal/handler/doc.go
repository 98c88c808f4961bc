// Package handler exposes the dispatcher over HTTP.
//
// Routes:
//
//	POST   /tasks                     schedule a task
//	GET    /tasks                     list records, filtered by ?backend= and ?status=
//	GET    /tasks/{id}                refresh and return one record
//	DELETE /tasks/{id}                cancel, with an optional ?reason=
//	POST   /notifications/{backend}   status pushed by a backend
//	GET    /breakers                  breaker snapshots
//	POST   /breakers/{name}/open      force a breaker open
//	POST   /breakers/{name}/close     release a forced breaker
//
// Failures are JSON bodies {"error", "kind"} with a status code derived
// from the error kind.
package handler
