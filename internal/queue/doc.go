// Package queue implements the broker-side primitives of the engine:
// the queue client used to enqueue, pop and surgically remove work
// items, and the depth monitor the autoscaler samples.
//
// Queue keys follow the broker naming convention exactly so external
// tooling can inspect the same lists: "<prefix>:queue:<name>" for the
// immediate backlog and "<prefix>:queue:<name>.DQ" for the delayed one.
package queue
