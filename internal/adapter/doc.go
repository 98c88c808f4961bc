// Package adapter defines the narrow contract every execution backend
// implements, plus helpers shared by the concrete adapters in its
// subpackages.
//
// Adapters speak their backend's native vocabulary. Poll returns the raw
// native status string; translating it into the task lifecycle is the
// dispatcher's job.
package adapter
