// Package logger configures the application's structured logging and
// provides helpers for passing a request-scoped logger through a
// context.Context.
package logger
