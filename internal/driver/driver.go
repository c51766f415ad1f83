// Package driver runs randomized load against a scheduler and verifies the
// timing contract: no early execution, bounded lateness, exactly-once
// dispatch, cancellation effectiveness, and due-time ordering.
package driver

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"delayq/internal/eventbus"
	"delayq/internal/history"
	"delayq/internal/sched"
	logx "delayq/pkg/logx"
)

// Config shapes one load run. Zero fields fall back to defaults; see
// withDefaults.
type Config struct {
	Jobs        int
	DelayStep   time.Duration
	DelaySteps  int
	CancelRatio float64

	// SubmitRate caps submissions per second; 0 disables pacing.
	SubmitRate int

	// Epsilon is the maximum accepted lateness under the real clock.
	Epsilon time.Duration

	VirtualClock bool
	AdvanceStep  time.Duration

	Seed int64
}

func (c Config) withDefaults() Config {
	if c.Jobs <= 0 {
		c.Jobs = 2048
	}
	if c.DelayStep <= 0 {
		c.DelayStep = 500 * time.Millisecond
	}
	if c.DelaySteps <= 0 {
		c.DelaySteps = 20
	}
	if c.CancelRatio == 0 {
		c.CancelRatio = 0.25
	}
	if c.Epsilon <= 0 {
		c.Epsilon = 25 * time.Millisecond
	}
	if c.AdvanceStep <= 0 {
		c.AdvanceStep = c.DelayStep
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return c
}

// Report is the outcome of one run.
type Report struct {
	RunID    uuid.UUID
	Seed     int64
	Planned  int
	Canceled int
	Expected int
	Executed int
	Failed   int

	MaxLateness time.Duration
	Violations  []string
	Elapsed     time.Duration
}

func (r Report) OK() bool { return len(r.Violations) == 0 }

type Driver struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	store   *history.Store
	metrics *sched.Metrics
}

// New builds a driver. bus, store and metrics may be nil.
func New(cfg Config, log logx.Logger, bus eventbus.Bus, store *history.Store, metrics *sched.Metrics) *Driver {
	return &Driver{
		cfg:     cfg.withDefaults(),
		log:     log.With(logx.String("comp", "driver")),
		bus:     bus,
		store:   store,
		metrics: metrics,
	}
}

// Run schedules cfg.Jobs jobs with random due times, cancels a random
// subset immediately, drains the scheduler and verifies the completion
// record. The comparison state is local to the run and fed by the
// scheduler's observer callback.
func (d *Driver) Run(ctx context.Context) (Report, error) {
	cfg := d.cfg
	rng := rand.New(rand.NewSource(cfg.Seed))

	var (
		clock     sched.Clock
		vclock    *sched.VirtualClock
		clockName = "real"
	)
	if cfg.VirtualClock {
		vclock = sched.NewVirtualClock()
		clock = vclock
		clockName = "virtual"
	} else {
		clock = sched.NewRealClock()
	}

	var (
		cmu     sync.Mutex
		records []sched.Record
	)
	observe := func(rec sched.Record) {
		cmu.Lock()
		records = append(records, rec)
		cmu.Unlock()
	}

	s := sched.New(sched.Config{
		Clock:    clock,
		Logger:   d.log,
		Bus:      d.bus,
		Observer: observe,
		Metrics:  d.metrics,
	})

	runID := uuid.New()
	startedAt := time.Now()
	rep := Report{RunID: runID, Seed: cfg.Seed, Planned: cfg.Jobs}

	if err := d.store.BeginRun(ctx, runID, startedAt, clockName); err != nil && !errors.Is(err, history.ErrDisabled) {
		return rep, fmt.Errorf("begin run: %w", err)
	}

	d.log.Info("run started",
		logx.String("run_id", runID.String()),
		logx.String("clock", clockName),
		logx.Int("jobs", cfg.Jobs),
		logx.Int64("seed", cfg.Seed),
	)

	var limiter *rate.Limiter
	if cfg.SubmitRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRate), cfg.SubmitRate)
	}

	clockStart := clock.Now()
	dueTimes := make(map[string]time.Time, cfg.Jobs)
	cancelRequested := make(map[string]struct{})
	var maxDelay time.Duration

	for i := 0; i < cfg.Jobs; i++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				s.Quiesce()
				return rep, err
			}
		}
		delay := time.Duration(rng.Intn(cfg.DelaySteps)) * cfg.DelayStep
		if delay > maxDelay {
			maxDelay = delay
		}
		id := strconv.Itoa(i)
		dueAt := clock.Now().Add(delay)
		h := s.Schedule(id, func() {}, dueAt)
		if rng.Float64() < cfg.CancelRatio {
			// A zero-delay job may legitimately execute before this lands;
			// verify() classifies each job by its terminal record instead of
			// trusting the request.
			s.Cancel(h)
			cancelRequested[id] = struct{}{}
		}
		dueTimes[id] = dueAt
	}

	s.Quiesce()

	if vclock != nil {
		// Step the clock past every due time; the worker drains as the
		// timers fire. One extra step covers the delay remainder.
		for advanced := time.Duration(0); advanced <= maxDelay; advanced += cfg.AdvanceStep {
			vclock.Advance(cfg.AdvanceStep)
		}
	}
	if err := s.Wait(ctx); err != nil {
		return rep, fmt.Errorf("drain: %w", err)
	}
	rep.Elapsed = time.Since(startedAt)

	// Worker exited; the record slice is quiescent now.
	cmu.Lock()
	final := records
	cmu.Unlock()

	rep.Violations = d.verify(&rep, cfg, clockStart, dueTimes, cancelRequested, final)

	for _, rec := range final {
		if err := d.store.RecordExecution(ctx, runID, rec); err != nil && !errors.Is(err, history.ErrDisabled) {
			d.log.Warn("history write failed", logx.Err(err))
			break
		}
	}
	if err := d.store.FinishRun(ctx, runID, time.Now(), rep.Planned, rep.Canceled, rep.Executed, rep.Failed, rep.OK()); err != nil && !errors.Is(err, history.ErrDisabled) {
		d.log.Warn("history finish failed", logx.Err(err))
	}

	if rep.OK() {
		d.log.Info("run verified",
			logx.String("run_id", runID.String()),
			logx.Int("executed", rep.Executed),
			logx.Int("canceled", rep.Canceled),
			logx.Duration("max_lateness", rep.MaxLateness),
			logx.Duration("elapsed", rep.Elapsed),
		)
	} else {
		d.log.Error("run failed verification",
			logx.String("run_id", runID.String()),
			logx.Int("violations", len(rep.Violations)),
			logx.String("first", rep.Violations[0]),
		)
	}
	return rep, nil
}

const maxReportedViolations = 16

// verify checks the run's terminal records against the submission plan.
// Each job is classified by its terminal record: an effective cancel emits a
// canceled record synchronously, so a cancel-requested job that instead shows
// an executed record lost the race to an already-due dispatch. Under the
// virtual clock that race cannot happen for jobs due in the future, and it is
// flagged; under the real clock the job simply counts as executed.
func (d *Driver) verify(rep *Report, cfg Config, clockStart time.Time, dueTimes map[string]time.Time, cancelRequested map[string]struct{}, records []sched.Record) []string {
	var violations []string
	add := func(format string, args ...any) {
		if len(violations) < maxReportedViolations {
			violations = append(violations, fmt.Sprintf(format, args...))
		}
	}

	canceled := make(map[string]bool, len(cancelRequested))
	for _, rec := range records {
		if rec.Outcome != sched.OutcomeCanceled {
			continue
		}
		if _, asked := cancelRequested[rec.ID]; !asked {
			add("job %s: canceled record without a cancel request", rec.ID)
		}
		if canceled[rec.ID] {
			add("job %s: canceled twice", rec.ID)
		}
		canceled[rec.ID] = true
	}
	rep.Canceled = len(canceled)
	rep.Expected = rep.Planned - rep.Canceled

	got := make(map[string]int, len(dueTimes))
	var prevDue time.Time
	for _, rec := range records {
		switch rec.Outcome {
		case sched.OutcomeCanceled:
			continue
		case sched.OutcomeFailed:
			rep.Failed++
			add("job %s: action failed: %s", rec.ID, rec.Err)
			continue
		}
		rep.Executed++
		got[rec.ID]++

		if canceled[rec.ID] {
			add("job %s: executed after effective cancellation", rec.ID)
		} else if _, asked := cancelRequested[rec.ID]; asked && cfg.VirtualClock && rec.DueAt.After(clockStart) {
			// The virtual clock never moved during submission, so a cancel of
			// a future-due job must have won.
			add("job %s: executed despite cancel before its due time", rec.ID)
		}
		if rec.Lateness < 0 {
			add("job %s: executed %s before its due time", rec.ID, -rec.Lateness)
		}
		if !cfg.VirtualClock && rec.Lateness > cfg.Epsilon {
			add("job %s: lateness %s exceeds epsilon %s", rec.ID, rec.Lateness, cfg.Epsilon)
		}
		if rec.Lateness > rep.MaxLateness {
			rep.MaxLateness = rec.Lateness
		}
		if rec.DueAt.Before(prevDue) {
			add("job %s: dispatched out of due-time order", rec.ID)
		} else {
			prevDue = rec.DueAt
		}
	}

	for id := range dueTimes {
		if canceled[id] {
			continue
		}
		switch n := got[id]; n {
		case 1:
		case 0:
			add("job %s: never executed", id)
		default:
			add("job %s: executed %d times", id, n)
		}
	}
	return violations
}
