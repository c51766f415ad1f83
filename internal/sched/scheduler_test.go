package sched

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"delayq/internal/eventbus"
)

// chanObserver funnels terminal records into a channel the test can block on.
func chanObserver(buf int) (Observer, chan Record) {
	ch := make(chan Record, buf)
	return func(r Record) { ch <- r }, ch
}

func waitRecord(t *testing.T, ch <-chan Record) Record {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a record")
		return Record{}
	}
}

func expectNoRecord(t *testing.T, ch <-chan Record, within time.Duration) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("unexpected record: %+v", r)
	case <-time.After(within):
	}
}

func waitDrained(t *testing.T, s *Scheduler) {
	t.Helper()
	s.Quiesce()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestVirtualClockScenario(t *testing.T) {
	base := time.Unix(0, 0)
	clock := NewVirtualClockAt(base)
	obs, ch := chanObserver(16)
	s := New(Config{Clock: clock, Observer: obs})

	var ranA, ranB, ranC atomic.Bool
	s.Schedule("A", func() { ranA.Store(true) }, base.Add(100*time.Millisecond))
	s.Schedule("B", func() { ranB.Store(true) }, base.Add(50*time.Millisecond))
	hC := s.Schedule("C", func() { ranC.Store(true) }, base.Add(50*time.Millisecond))
	s.Cancel(hC)

	// Cancellation is recorded synchronously from the canceling goroutine.
	rec := waitRecord(t, ch)
	if rec.ID != "C" || rec.Outcome != OutcomeCanceled {
		t.Fatalf("first record = %+v, want canceled C", rec)
	}
	if ranA.Load() || ranB.Load() || ranC.Load() {
		t.Fatal("nothing may run before the clock advances")
	}

	clock.Advance(50 * time.Millisecond)
	rec = waitRecord(t, ch)
	if rec.ID != "B" || rec.Outcome != OutcomeExecuted {
		t.Fatalf("record at +50ms = %+v, want executed B", rec)
	}
	if want := base.Add(50 * time.Millisecond); !rec.ExecutedAt.Equal(want) {
		t.Fatalf("B executed at %v, want %v", rec.ExecutedAt, want)
	}
	if ranA.Load() {
		t.Fatal("A ran before its due time")
	}
	expectNoRecord(t, ch, 30*time.Millisecond)

	clock.Advance(50 * time.Millisecond)
	rec = waitRecord(t, ch)
	if rec.ID != "A" || rec.Outcome != OutcomeExecuted {
		t.Fatalf("record at +100ms = %+v, want executed A", rec)
	}
	if want := base.Add(100 * time.Millisecond); !rec.ExecutedAt.Equal(want) {
		t.Fatalf("A executed at %v, want %v", rec.ExecutedAt, want)
	}

	waitDrained(t, s)
	if !ranA.Load() || !ranB.Load() || ranC.Load() {
		t.Fatalf("ran flags A=%v B=%v C=%v, want true/true/false",
			ranA.Load(), ranB.Load(), ranC.Load())
	}
}

func TestEqualDueTimesRunExactlyOnceEach(t *testing.T) {
	base := time.Unix(0, 0)
	clock := NewVirtualClockAt(base)
	obs, ch := chanObserver(16)
	s := New(Config{Clock: clock, Observer: obs})

	due := base.Add(10 * time.Millisecond)
	var runs sync.Map
	for _, id := range []string{"D", "E"} {
		id := id
		s.Schedule(id, func() {
			n, _ := runs.LoadOrStore(id, new(atomic.Int32))
			n.(*atomic.Int32).Add(1)
		}, due)
	}

	clock.Advance(10 * time.Millisecond)
	first := waitRecord(t, ch)
	second := waitRecord(t, ch)
	if first.ID != "D" || second.ID != "E" {
		t.Fatalf("dispatch order = %s, %s; want insertion order D, E", first.ID, second.ID)
	}
	waitDrained(t, s)

	for _, id := range []string{"D", "E"} {
		n, ok := runs.Load(id)
		if !ok || n.(*atomic.Int32).Load() != 1 {
			t.Fatalf("job %s run count wrong: %v", id, n)
		}
	}
}

func TestNoEarlyExecution(t *testing.T) {
	base := time.Unix(0, 0)
	clock := NewVirtualClockAt(base)
	obs, ch := chanObserver(4)
	s := New(Config{Clock: clock, Observer: obs})

	s.Schedule("late", func() {}, base.Add(100*time.Millisecond))
	clock.Advance(99 * time.Millisecond)
	expectNoRecord(t, ch, 50*time.Millisecond)

	clock.Advance(time.Millisecond)
	rec := waitRecord(t, ch)
	if rec.Outcome != OutcomeExecuted || rec.Lateness < 0 {
		t.Fatalf("record = %+v, want executed with non-negative lateness", rec)
	}
	waitDrained(t, s)
}

func TestCancelIsIdempotentAndStaleSafe(t *testing.T) {
	base := time.Unix(0, 0)
	clock := NewVirtualClockAt(base)
	obs, ch := chanObserver(8)
	s := New(Config{Clock: clock, Observer: obs})

	h := s.Schedule("x", func() {}, base.Add(time.Minute))
	s.Cancel(h)
	s.Cancel(h) // second cancel is a no-op
	h.Cancel()  // and via the handle helper too

	rec := waitRecord(t, ch)
	if rec.ID != "x" || rec.Outcome != OutcomeCanceled {
		t.Fatalf("record = %+v, want canceled x", rec)
	}
	expectNoRecord(t, ch, 30*time.Millisecond)

	// A handle whose job already executed is equally inert.
	h2 := s.Schedule("y", func() {}, base)
	rec = waitRecord(t, ch)
	if rec.ID != "y" || rec.Outcome != OutcomeExecuted {
		t.Fatalf("record = %+v, want executed y", rec)
	}
	s.Cancel(h2)
	expectNoRecord(t, ch, 30*time.Millisecond)

	// The zero handle refers to nothing.
	var zero Handle
	zero.Cancel()

	waitDrained(t, s)
	snap := s.Snapshot()
	if snap.Canceled != 1 || snap.Executed != 1 {
		t.Fatalf("counters canceled=%d executed=%d, want 1/1", snap.Canceled, snap.Executed)
	}
}

func TestPanicIsolation(t *testing.T) {
	base := time.Unix(0, 0)
	clock := NewVirtualClockAt(base)
	obs, ch := chanObserver(8)
	s := New(Config{Clock: clock, Observer: obs})

	var afterRan atomic.Bool
	s.Schedule("boom", func() { panic("kaput") }, base.Add(10*time.Millisecond))
	s.Schedule("after", func() { afterRan.Store(true) }, base.Add(20*time.Millisecond))

	clock.Advance(20 * time.Millisecond)
	rec := waitRecord(t, ch)
	if rec.ID != "boom" || rec.Outcome != OutcomeFailed || !strings.Contains(rec.Err, "kaput") {
		t.Fatalf("record = %+v, want failed boom with panic message", rec)
	}
	rec = waitRecord(t, ch)
	if rec.ID != "after" || rec.Outcome != OutcomeExecuted {
		t.Fatalf("record = %+v, want executed after (worker must survive the panic)", rec)
	}
	if !afterRan.Load() {
		t.Fatal("job after the panicking one did not run")
	}
	waitDrained(t, s)
}

func TestQuiesceThenDrainTerminates(t *testing.T) {
	base := time.Unix(0, 0)
	clock := NewVirtualClockAt(base)
	s := New(Config{Clock: clock})

	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		s.Schedule(strconv.Itoa(i), func() { ran.Add(1) }, base) // already due
	}
	waitDrained(t, s)

	if ran.Load() != 3 {
		t.Fatalf("ran = %d, want 3 (quiesce must drain, not discard)", ran.Load())
	}
	snap := s.Snapshot()
	if !snap.Terminated || !snap.Quiesced || snap.QueueLen != 0 {
		t.Fatalf("snapshot = %+v, want terminated, quiesced, empty", snap)
	}
	if !s.Done() {
		t.Fatal("Done() = false after drain")
	}
}

func TestWaitHonorsContext(t *testing.T) {
	base := time.Unix(0, 0)
	clock := NewVirtualClockAt(base)
	s := New(Config{Clock: clock})
	s.Schedule("far", func() {}, base.Add(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Wait = %v, want context.DeadlineExceeded", err)
	}

	clock.Advance(time.Hour)
	waitDrained(t, s)
}

func TestScheduleRetargetsEarlierDeadline(t *testing.T) {
	obs, ch := chanObserver(4)
	s := New(Config{Observer: obs}) // real clock

	now := time.Now()
	far := s.Schedule("far", func() {}, now.Add(time.Hour))
	s.Schedule("near", func() {}, now.Add(20*time.Millisecond))

	start := time.Now()
	rec := waitRecord(t, ch)
	if rec.ID != "near" {
		t.Fatalf("record = %+v, want executed near", rec)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("near job took %v; the worker did not retarget its sleep", elapsed)
	}

	s.Cancel(far)
	waitDrained(t, s)
}

func TestConcurrentProducersDispatchInDueOrder(t *testing.T) {
	obs, ch := chanObserver(256)
	s := New(Config{Observer: obs}) // real clock

	const producers = 4
	const perProducer = 25
	base := time.Now().Add(20 * time.Millisecond)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				n := p*perProducer + i
				id := strconv.Itoa(n)
				s.Schedule(id, func() {}, base.Add(time.Duration(n)*time.Millisecond))
			}
		}(p)
	}
	wg.Wait()
	waitDrained(t, s)

	const total = producers * perProducer
	seen := make(map[string]bool, total)
	var prevDue time.Time
	for i := 0; i < total; i++ {
		rec := waitRecord(t, ch)
		if rec.Outcome != OutcomeExecuted {
			t.Fatalf("record = %+v, want executed", rec)
		}
		if rec.Lateness < 0 {
			t.Fatalf("job %s ran %v early", rec.ID, -rec.Lateness)
		}
		if rec.DueAt.Before(prevDue) {
			t.Fatalf("job %s dispatched out of due order", rec.ID)
		}
		prevDue = rec.DueAt
		if seen[rec.ID] {
			t.Fatalf("job %s executed twice", rec.ID)
		}
		seen[rec.ID] = true
	}
	if len(seen) != total {
		t.Fatalf("executed %d distinct jobs, want %d", len(seen), total)
	}
}

func TestBusReceivesLifecycleEvents(t *testing.T) {
	base := time.Unix(0, 0)
	clock := NewVirtualClockAt(base)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32, TopicScheduled, TopicExecuted, TopicDrained)
	defer unsub()

	s := New(Config{Clock: clock, Bus: bus})
	s.Schedule("one", func() {}, base) // already due
	waitDrained(t, s)

	want := []string{TopicScheduled, TopicExecuted, TopicDrained}
	for _, topic := range want {
		select {
		case e := <-events:
			if e.Topic != topic {
				t.Fatalf("event topic = %s, want %s", e.Topic, topic)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", topic)
		}
	}
}

func TestHistoryRingIsBounded(t *testing.T) {
	base := time.Unix(0, 0)
	clock := NewVirtualClockAt(base)
	s := New(Config{Clock: clock, HistorySize: 8})

	for i := 0; i < 32; i++ {
		s.Schedule(strconv.Itoa(i), func() {}, base)
	}
	waitDrained(t, s)

	snap := s.Snapshot()
	if len(snap.History) != 8 {
		t.Fatalf("history len = %d, want 8", len(snap.History))
	}
	if snap.Executed != 32 {
		t.Fatalf("executed = %d, want 32", snap.Executed)
	}
	if last := snap.History[len(snap.History)-1]; last.ID != "31" {
		t.Fatalf("ring tail = %s, want the most recent job", last.ID)
	}
}
