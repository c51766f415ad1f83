package sched

import "time"

// Event bus topics published by the scheduler.
const (
	TopicScheduled = "job.scheduled"
	TopicExecuted  = "job.executed"
	TopicCanceled  = "job.canceled"
	TopicFailed    = "job.failed"
	TopicDrained   = "sched.drained"
)

type Outcome string

const (
	OutcomeExecuted Outcome = "executed"
	OutcomeCanceled Outcome = "canceled"
	OutcomeFailed   Outcome = "failed"
)

// Record is the observable trace of one job reaching a terminal state.
// ExecutedAt is the clock reading the worker observed at dispatch (zero for
// canceled jobs); Lateness is ExecutedAt minus DueAt.
type Record struct {
	ID         string
	Seq        uint64
	DueAt      time.Time
	ExecutedAt time.Time
	Lateness   time.Duration
	Outcome    Outcome
	Err        string
}

// Observer receives every terminal Record synchronously on the worker
// goroutine (cancellations are reported from the canceling goroutine).
// Implementations must be fast and must not call back into the scheduler.
//
// Test drivers use this to collect expected-vs-actual timings as per-run
// local state instead of process-wide globals.
type Observer func(Record)
