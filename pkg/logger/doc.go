// Package logger builds the process logger: JSON records in production,
// text elsewhere, every record tagged with the environment.
package logger
