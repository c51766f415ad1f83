package sched

import (
	"sync"
	"testing"
	"time"
)

func TestVirtualClockOnlyMovesOnAdvance(t *testing.T) {
	base := time.Unix(1000, 0)
	c := NewVirtualClockAt(base)

	if got := c.Now(); !got.Equal(base) {
		t.Fatalf("Now() = %v, want %v", got, base)
	}
	time.Sleep(10 * time.Millisecond)
	if got := c.Now(); !got.Equal(base) {
		t.Fatalf("virtual clock moved with wall time: %v", got)
	}

	c.Advance(250 * time.Millisecond)
	if got, want := c.Now(), base.Add(250*time.Millisecond); !got.Equal(want) {
		t.Fatalf("Now() after advance = %v, want %v", got, want)
	}
}

func TestVirtualClockConcurrentAdvance(t *testing.T) {
	base := time.Unix(0, 0)
	c := NewVirtualClockAt(base)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.Advance(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	if got, want := c.Now(), base.Add(400*time.Millisecond); !got.Equal(want) {
		t.Fatalf("Now() = %v, want %v (lost advance)", got, want)
	}
}

func TestVirtualTimerFiresOnAdvance(t *testing.T) {
	base := time.Unix(0, 0)
	c := NewVirtualClockAt(base)

	tm := c.TimerAt(base.Add(50 * time.Millisecond))
	select {
	case <-tm.C():
		t.Fatal("timer fired before advance")
	case <-time.After(20 * time.Millisecond):
	}

	c.Advance(50 * time.Millisecond)
	select {
	case <-tm.C():
	case <-time.After(time.Second):
		t.Fatal("timer did not fire after advance")
	}
}

func TestVirtualTimerPastDeadlineFiresImmediately(t *testing.T) {
	base := time.Unix(0, 0)
	c := NewVirtualClockAt(base)
	c.Advance(time.Second)

	tm := c.TimerAt(base.Add(time.Millisecond))
	select {
	case <-tm.C():
	case <-time.After(time.Second):
		t.Fatal("past-deadline timer did not fire")
	}
}

func TestVirtualTimerStop(t *testing.T) {
	base := time.Unix(0, 0)
	c := NewVirtualClockAt(base)

	tm := c.TimerAt(base.Add(time.Minute))
	if !tm.Stop() {
		t.Fatal("Stop() on pending timer = false, want true")
	}
	if tm.Stop() {
		t.Fatal("second Stop() = true, want false")
	}

	c.Advance(2 * time.Minute)
	select {
	case <-tm.C():
		t.Fatal("stopped timer fired")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRealClockAdvanceIsNoop(t *testing.T) {
	c := NewRealClock()
	before := c.Now()
	c.Advance(time.Hour)
	after := c.Now()
	if after.Sub(before) > time.Minute {
		t.Fatalf("real clock jumped after Advance: %v -> %v", before, after)
	}
	if after.Before(before) {
		t.Fatalf("real clock went backward: %v -> %v", before, after)
	}
}

func TestRealClockTimer(t *testing.T) {
	c := NewRealClock()
	tm := c.TimerAt(c.Now().Add(10 * time.Millisecond))
	select {
	case <-tm.C():
	case <-time.After(time.Second):
		t.Fatal("real timer did not fire")
	}
}
