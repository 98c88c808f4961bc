// Package healthcheck pings backends in the background and holds their
// circuit breakers open while a ping fails, so calls are rejected before
// they pile up against a dead dependency.
package healthcheck
