// Package service implements the task aggregation and administrative
// override operations that sit above the stores: folding terminal
// subtask states into task outcomes, cancelling pending tasks, and
// force-settling stuck tasks including the queue surgery that removes
// their stale dispatch messages.
package service
