// Package procmgr supervises the pool of worker processes: spawning
// them in their own process groups, stopping them with graceful
// escalation, and sizing the pool against queue backlog through a
// hysteretic autoscaler loop.
package procmgr
