// Package backoff decides whether a failed backend call is worth another
// attempt and how long to wait before it.
//
// Everything here is a pure function of its inputs. The dispatcher consults
// the policy; circuit breakers never do.
package backoff
