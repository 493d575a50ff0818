package eventloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbocsi/hostlink/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestPostDrainOrder(t *testing.T) {
	l := New(clock.Fake(epoch))
	var order []int
	for i := 0; i < 3; i++ {
		l.Post(func() { order = append(order, i) })
	}
	l.Post(func() {
		// Callbacks posted while draining run in the same drain.
		l.Post(func() { order = append(order, 99) })
	})

	if ran := l.Drain(); ran != 5 {
		t.Errorf("Expected 5 callbacks, got %d", ran)
	}
	want := []int{0, 1, 2, 99}
	if len(order) != len(want) {
		t.Fatalf("Expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, order)
		}
	}
}

func TestPanicDoesNotStopLoop(t *testing.T) {
	l := New(clock.Fake(epoch))
	ran := false
	l.Post(func() { panic("boom") })
	l.Post(func() { ran = true })
	l.Drain()
	if !ran {
		t.Error("Expected callback after a panic to run")
	}
}

func TestTimerFiresOnLoop(t *testing.T) {
	c := clock.Fake(epoch)
	l := New(c)
	fired := 0
	l.AfterFunc(time.Second, func() { fired++ })

	c.Advance(500 * time.Millisecond)
	l.Drain()
	if fired != 0 {
		t.Fatal("Timer fired early")
	}
	c.Advance(500 * time.Millisecond)
	l.Drain()
	if fired != 1 {
		t.Fatalf("Expected timer to fire once, got %d", fired)
	}
}

func TestTimerStopAfterClockFired(t *testing.T) {
	c := clock.Fake(epoch)
	l := New(c)
	fired := false
	timer := l.AfterFunc(time.Second, func() { fired = true })

	// The clock fires and posts, but the loop has not run the callback yet.
	c.Advance(time.Second)
	if !timer.Stop() {
		t.Error("Expected Stop to report the callback as pending")
	}
	l.Drain()
	if fired {
		t.Error("Stopped timer callback ran")
	}
	if timer.Stop() {
		t.Error("Second Stop should report false")
	}
}

func TestRunAndDo(t *testing.T) {
	l := New(clock.Real())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	var counter atomic.Int32
	for i := 0; i < 10; i++ {
		l.Post(func() { counter.Add(1) })
	}
	l.Do(func() {})
	if counter.Load() != 10 {
		t.Errorf("Expected 10 callbacks before Do returned, got %d", counter.Load())
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
