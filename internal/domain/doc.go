// Package domain contains the core entities of the job lifecycle
// engine: tasks, their subtasks, the shared status domain, and the
// tagged-variant settings that describe generation parameters.
package domain
