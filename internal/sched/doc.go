// Package sched implements delayq's in-process delayed-task scheduler.
//
// # Overview
//
// Callers submit (id, action, absolute due time) jobs from any goroutine via
// Schedule, which returns a Handle usable only for cancellation. A single
// dedicated worker goroutine holds pending jobs in a min-heap keyed by
// (due time, sequence number) and executes each job exactly once at or after
// its due time. Cancel removes a still-pending job; once the worker has
// dequeued a job it can no longer be canceled.
//
// # Time
//
// The scheduler never reads the wall clock directly. All time flows through
// a Clock supplied at construction: RealClock for production and
// VirtualClock for deterministic tests, where time only moves when the test
// calls Advance. The worker sleeps on clock timers, so both clocks drive the
// dispatch loop the same way.
//
// # Ordering
//
// Among non-canceled jobs execution order is ascending due time, with the
// submission sequence number as tie-break. Two jobs sharing a due time are
// distinct heap elements; neither can shadow the other.
//
// # Shutdown
//
// The worker loop exits only when the queue is empty and the quiesce flag is
// set. There is no forced stop: an action that never returns blocks the
// worker and every later job. Actions that panic are contained at the
// dispatch boundary and reported as failed records; the worker keeps going.
package sched
