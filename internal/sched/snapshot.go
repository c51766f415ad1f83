package sched

import "time"

// Snapshot is a point-in-time view of the scheduler for diagnostics.
type Snapshot struct {
	QueueLen   int
	NextDue    time.Time // zero when the queue is empty
	Quiesced   bool
	Terminated bool

	Scheduled uint64
	Executed  uint64
	Canceled  uint64
	Failed    uint64

	History []Record
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	ql := s.q.Len()
	var next time.Time
	if j := s.q.peekEarliest(); j != nil {
		next = j.dueAt
	}
	s.mu.Unlock()

	terminated := false
	select {
	case <-s.stopped:
		terminated = true
	default:
	}

	s.hmu.Lock()
	hist := make([]Record, len(s.history))
	copy(hist, s.history)
	s.hmu.Unlock()

	return Snapshot{
		QueueLen:   ql,
		NextDue:    next,
		Quiesced:   s.quiesced.Load(),
		Terminated: terminated,
		Scheduled:  s.scheduled.Load(),
		Executed:   s.executed.Load(),
		Canceled:   s.canceled.Load(),
		Failed:     s.failed.Load(),
		History:    hist,
	}
}
