// Package config loads the service configuration from defaults, an
// optional config.yaml and environment variables, in that order of
// precedence from lowest to highest. Environment variables use the key
// path with dots replaced by underscores, e.g. BACKENDS_QUEUE_REDIS_ADDR.
package config
