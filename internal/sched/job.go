package sched

import "time"

// Action is a zero-argument unit of work. Ownership transfers to the
// scheduler at Schedule time; the scheduler invokes it at most once.
type Action func()

// job is the scheduler's internal record of one pending unit of work.
// All fields except fn's execution are guarded by the scheduler mutex
// while the job is queued.
type job struct {
	id    string
	seq   uint64 // assigned at Schedule time; total-order tie-break
	fn    Action
	dueAt time.Time

	canceled bool

	// heapIdx is the job's current position in the queue slice, maintained
	// by jobQueue.Swap so Cancel can heap.Remove in O(log n).
	heapIdx int
}

// Handle is a non-owning reference to a scheduled job, usable only to
// request cancellation. The scheduler exclusively owns the job; a Handle
// never extends its lifetime. Using a Handle after the job executed or was
// removed is safe and does nothing.
//
// The zero Handle is valid and refers to nothing.
type Handle struct {
	s   *Scheduler
	seq uint64
}

// Cancel asks the owning scheduler to cancel the referenced job.
// Equivalent to Scheduler.Cancel(h).
func (h Handle) Cancel() {
	if h.s != nil {
		h.s.Cancel(h)
	}
}
