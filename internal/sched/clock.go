package sched

import (
	"sync"
	"time"
)

// Clock supplies the scheduler's notion of time.
//
// The scheduler assumes Now() is monotonically non-decreasing; a clock that
// moves backward voids the no-premature-execution guarantee.
type Clock interface {
	Now() time.Time

	// TimerAt returns a timer that fires once the clock reaches at.
	// A deadline at or before Now() fires immediately.
	TimerAt(at time.Time) Timer

	// Advance shifts a controllable clock forward. No-op on the real clock.
	Advance(d time.Duration)
}

// Timer is the subset of time.Timer the dispatch loop needs, abstracted so
// a virtual clock can drive it.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// ---- Real clock ----

// RealClock reads the platform clock. time.Now carries Go's monotonic
// reading, so comparisons between values from the same process are safe
// against wall-clock adjustments.
type RealClock struct{}

func NewRealClock() RealClock { return RealClock{} }

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) TimerAt(at time.Time) Timer {
	return realTimer{t: time.NewTimer(time.Until(at))}
}

func (RealClock) Advance(time.Duration) {}

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

// ---- Virtual clock ----

// VirtualClock only moves when Advance is called. It starts at the real
// time of construction purely as a convenience base; wall-clock passage
// never moves it afterward.
//
// The clock has its own lock, distinct from the scheduler's, so concurrent
// readers never observe a torn update and Advance can be called from test
// code while the worker is mid-dispatch.
type VirtualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers map[uint64]*virtualTimer
	nextID uint64
}

func NewVirtualClock() *VirtualClock {
	return &VirtualClock{now: time.Now(), timers: map[uint64]*virtualTimer{}}
}

// NewVirtualClockAt is NewVirtualClock with an explicit base, for tests
// that want round-number timestamps.
func NewVirtualClockAt(base time.Time) *VirtualClock {
	return &VirtualClock{now: base, timers: map[uint64]*virtualTimer{}}
}

func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *VirtualClock) TimerAt(at time.Time) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &virtualTimer{clock: c, ch: make(chan time.Time, 1)}
	if !at.After(c.now) {
		// Already due; fire on the spot so the waiter never sleeps on a
		// deadline the clock has passed.
		t.ch <- c.now
		return t
	}
	c.nextID++
	t.id = c.nextID
	c.timers[t.id] = t
	return t
}

// Advance atomically shifts the clock forward and fires every pending
// timer. Firing all of them (not just the due ones) costs the waiters one
// spurious re-check but closes the race where a timer is registered against
// a now that Advance has just replaced.
func (c *VirtualClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	fired := make([]*virtualTimer, 0, len(c.timers))
	for id, t := range c.timers {
		fired = append(fired, t)
		delete(c.timers, id)
	}
	c.mu.Unlock()

	for _, t := range fired {
		select {
		case t.ch <- now:
		default:
		}
	}
}

type virtualTimer struct {
	clock *VirtualClock
	id    uint64
	ch    chan time.Time
}

func (t *virtualTimer) C() <-chan time.Time { return t.ch }

func (t *virtualTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.timers[t.id]; ok {
		delete(c.timers, t.id)
		return true
	}
	return false
}
