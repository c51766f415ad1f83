package sched

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"delayq/internal/eventbus"
	logx "delayq/pkg/logx"
)

// Config wires a Scheduler. Every field is optional; the zero value gives a
// real-clock scheduler with no observers.
type Config struct {
	Clock    Clock
	Logger   logx.Logger
	Bus      eventbus.Bus
	Observer Observer
	Metrics  *Metrics

	// HistorySize bounds the in-memory ring of recent records (default 256).
	HistorySize int

	// Quiesced, when non-nil, is an externally owned "no more submissions"
	// flag. The scheduler only ever reads it. After storing true the owner
	// must call Quiesce() so the worker re-evaluates; Quiesce is idempotent
	// and never clears the flag.
	Quiesced *atomic.Bool
}

// Scheduler executes jobs at their due time on one dedicated worker
// goroutine. Schedule, Cancel, Done and Snapshot may be called from any
// number of goroutines concurrently with the worker.
type Scheduler struct {
	clock   Clock
	log     logx.Logger
	bus     eventbus.Bus
	obs     Observer
	metrics *Metrics

	// mu guards the queue, the live index and the canceled flags of queued
	// jobs. It is never held while a job action runs.
	mu   sync.Mutex
	q    jobQueue
	live map[uint64]*job

	seq      atomic.Uint64
	quiesced *atomic.Bool

	// wake substitutes for a condition variable: every Schedule, every
	// effective Cancel and Quiesce() does a non-blocking send, and the
	// worker selects on it alongside the due-time timer. The 1-slot buffer
	// means a signal sent while the worker is busy is not lost.
	wake    chan struct{}
	stopped chan struct{}

	hmu         sync.Mutex
	history     []Record
	historySize int

	scheduled atomic.Uint64
	executed  atomic.Uint64
	canceled  atomic.Uint64
	failed    atomic.Uint64
}

// New starts the worker goroutine and returns the scheduler.
func New(cfg Config) *Scheduler {
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock{}
	}
	quiesced := cfg.Quiesced
	if quiesced == nil {
		quiesced = &atomic.Bool{}
	}
	historySize := cfg.HistorySize
	if historySize <= 0 {
		historySize = 256
	}

	s := &Scheduler{
		clock:       clock,
		log:         cfg.Logger.With(logx.String("comp", "sched")),
		bus:         cfg.Bus,
		obs:         cfg.Observer,
		metrics:     cfg.Metrics,
		live:        map[uint64]*job{},
		quiesced:    quiesced,
		wake:        make(chan struct{}, 1),
		stopped:     make(chan struct{}),
		historySize: historySize,
	}
	go s.run()
	return s
}

// Schedule submits a job due at the absolute time dueAt and returns its
// cancellation handle. Identifiers are opaque correlation tokens; duplicates
// are accepted and scheduled independently. Submissions are accepted even
// after Quiesce — sequencing "stop submitting" before "wait for drain" is
// the caller's responsibility.
func (s *Scheduler) Schedule(id string, fn Action, dueAt time.Time) Handle {
	j := &job{id: id, seq: s.seq.Add(1), fn: fn, dueAt: dueAt}

	s.mu.Lock()
	s.q.insert(j)
	s.live[j.seq] = j
	depth := s.q.Len()
	s.mu.Unlock()

	s.scheduled.Add(1)
	if s.metrics != nil {
		s.metrics.scheduled.Inc()
		s.metrics.queueDepth.Set(float64(depth))
	}
	s.signal()

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Topic: TopicScheduled,
			Data:  Record{ID: j.id, Seq: j.seq, DueAt: j.dueAt},
		})
	}
	if s.log.Enabled(logx.LevelTrace) {
		s.log.Trace("job scheduled",
			logx.String("job", id),
			logx.Uint64("seq", j.seq),
			logx.Time("due_at", dueAt),
			logx.Int("queue_len", depth),
		)
	}
	return Handle{s: s, seq: j.seq}
}

// Cancel removes the referenced job if it is still queued. A handle whose
// job already executed, already failed, was already canceled, or belongs to
// another scheduler is a silent no-op. Cancel never blocks on a running
// action and never affects one.
func (s *Scheduler) Cancel(h Handle) {
	if h.s != s || h.seq == 0 {
		return
	}

	s.mu.Lock()
	j, ok := s.live[h.seq]
	if !ok || j.canceled {
		s.mu.Unlock()
		return
	}
	j.canceled = true
	s.q.remove(j)
	delete(s.live, j.seq)
	depth := s.q.Len()
	s.mu.Unlock()

	s.canceled.Add(1)
	if s.metrics != nil {
		s.metrics.canceled.Inc()
		s.metrics.queueDepth.Set(float64(depth))
	}
	// The earliest job may have changed; let the worker retarget its sleep.
	s.signal()

	s.record(Record{
		ID:      j.id,
		Seq:     j.seq,
		DueAt:   j.dueAt,
		Outcome: OutcomeCanceled,
	})
	if s.log.Enabled(logx.LevelTrace) {
		s.log.Trace("job canceled",
			logx.String("job", j.id),
			logx.Uint64("seq", j.seq),
			logx.Int("queue_len", depth),
		)
	}
}

// Done reports whether the queue is empty right now. It is a point-in-time
// snapshot, not a promise that no more work will arrive.
func (s *Scheduler) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.Len() == 0
}

// Quiesce marks that no further submissions are expected and wakes the
// worker. Once the queue drains afterward the worker exits. Idempotent.
func (s *Scheduler) Quiesce() {
	s.quiesced.Store(true)
	s.signal()
}

// Wait blocks until the worker goroutine has exited (queue drained after
// Quiesce) or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return nil
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run is the dispatch loop. States: idle-waiting (empty queue), draining
// (timed wait on the earliest due time or executing due jobs), terminated
// (empty queue with the quiesce flag set).
func (s *Scheduler) run() {
	defer close(s.stopped)

	for {
		s.mu.Lock()
		// Cancel removes jobs from the queue eagerly, but a canceled head
		// is still skipped here so the invariant does not depend on it.
		for {
			j := s.q.peekEarliest()
			if j == nil || !j.canceled {
				break
			}
			s.q.popEarliest()
			delete(s.live, j.seq)
		}

		j := s.q.peekEarliest()
		if j == nil {
			quiesced := s.quiesced.Load()
			s.mu.Unlock()
			if quiesced {
				s.log.Debug("queue drained; worker exiting",
					logx.Uint64("executed", s.executed.Load()),
					logx.Uint64("canceled", s.canceled.Load()),
					logx.Uint64("failed", s.failed.Load()),
				)
				if s.bus != nil {
					s.bus.Publish(eventbus.Event{Topic: TopicDrained})
				}
				return
			}
			<-s.wake
			continue
		}

		now := s.clock.Now()
		if j.dueAt.After(now) {
			dueAt := j.dueAt
			s.mu.Unlock()
			// Timed wait: either the due time elapses on our clock or a
			// mutation (insert/cancel/quiesce) retargets the sleep.
			t := s.clock.TimerAt(dueAt)
			select {
			case <-t.C():
			case <-s.wake:
				t.Stop()
			}
			continue
		}

		// Due. Pop under the lock, run without it so a slow action cannot
		// stall producers.
		s.q.popEarliest()
		delete(s.live, j.seq)
		depth := s.q.Len()
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.queueDepth.Set(float64(depth))
		}
		s.dispatch(j, now)
	}
}

// dispatch runs one job action and records the outcome. now is the clock
// reading that made the job due; it is recorded as the execution time.
func (s *Scheduler) dispatch(j *job, now time.Time) {
	rec := Record{
		ID:         j.id,
		Seq:        j.seq,
		DueAt:      j.dueAt,
		ExecutedAt: now,
		Lateness:   now.Sub(j.dueAt),
		Outcome:    OutcomeExecuted,
	}

	if msg, stack := runAction(j.fn); msg != "" {
		rec.Outcome = OutcomeFailed
		rec.Err = msg
		s.failed.Add(1)
		if s.metrics != nil {
			s.metrics.failed.Inc()
		}
		s.log.Error("job action panicked",
			logx.String("job", j.id),
			logx.Uint64("seq", j.seq),
			logx.String("panic", msg),
			logx.Stack(stack),
		)
	} else {
		s.executed.Add(1)
		if s.metrics != nil {
			s.metrics.executed.Inc()
			s.metrics.lateness.Observe(rec.Lateness.Seconds())
		}
		if s.log.Enabled(logx.LevelTrace) {
			s.log.Trace("job executed",
				logx.String("job", j.id),
				logx.Uint64("seq", j.seq),
				logx.Duration("lateness", rec.Lateness),
			)
		}
	}

	s.record(rec)
}

// runAction contains a panicking action at the dispatch boundary. An
// unrecovered panic here would silently stop all future dispatch, so
// failures are turned into per-job records instead.
func runAction(fn Action) (panicMsg, stack string) {
	defer func() {
		if r := recover(); r != nil {
			panicMsg = fmt.Sprint(r)
			if panicMsg == "" {
				panicMsg = "panic with empty value"
			}
			stack = logx.CaptureStack()
		}
	}()
	if fn != nil {
		fn()
	}
	return "", ""
}

func (s *Scheduler) record(rec Record) {
	s.hmu.Lock()
	s.history = append(s.history, rec)
	if len(s.history) > s.historySize {
		s.history = s.history[len(s.history)-s.historySize:]
	}
	s.hmu.Unlock()

	if s.obs != nil {
		s.obs(rec)
	}
	if s.bus != nil {
		topic := TopicExecuted
		switch rec.Outcome {
		case OutcomeCanceled:
			topic = TopicCanceled
		case OutcomeFailed:
			topic = TopicFailed
		}
		s.bus.Publish(eventbus.Event{Topic: topic, Data: rec})
	}
}
