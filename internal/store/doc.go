// Package store provides abstractions for data persistence: the task
// and subtask store interfaces, the DBTX database abstraction, and the
// transaction helper used by the all-or-nothing override paths.
package store
