// Package worker runs the subtask execution side of the system: a
// consumer pool pops dispatch messages off the broker, drives each
// subtask through its state machine against the remote generation
// service and hands terminal results to the task aggregator.
//
// Retry is explicit. A dispatch produces an Outcome rather than
// unwinding through errors; the consumer redelivers retryable outcomes
// with a delay until the pipeline's redelivery bound is reached, while
// the persisted per-subtask retry counter enforces the absolute
// ceiling across process restarts.
package worker
