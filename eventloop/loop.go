// Package eventloop runs callbacks one at a time on a single goroutine.
//
// All RPC core state is owned by one Loop. Network goroutines and timers
// never touch that state directly; they Post a callback and the loop
// runs it to completion before the next one. This gives the core the
// single-threaded cooperative model it is written against without locks
// around its tables.
package eventloop

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mbocsi/hostlink/clock"
)

type Loop struct {
	clock clock.Clock

	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

func New(c clock.Clock) *Loop {
	if c == nil {
		c = clock.Real()
	}
	return &Loop{
		clock: c,
		wake:  make(chan struct{}, 1),
	}
}

// Now returns the loop clock's current time.
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// Post queues fn to run on the loop. Safe from any goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Do runs fn on the loop and waits for it to finish. It must not be
// called from the loop goroutine, and requires Run to be active.
func (l *Loop) Do(fn func()) {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	<-done
}

// Run processes callbacks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.Drain()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Drain runs queued callbacks on the calling goroutine until the queue is
// empty and returns how many ran. Tests drive the loop with Drain instead
// of Run.
func (l *Loop) Drain() int {
	ran := 0
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return ran
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.run(fn)
		ran++
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event loop callback panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Timer is a loop-scheduled callback. Stop and the callback both run on
// the loop, so a stopped Timer never runs even if the clock already fired.
type Timer struct {
	inner   *clock.Timer
	stopped bool
	done    bool
}

// AfterFunc runs fn on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.inner = l.clock.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped || t.done {
				return
			}
			t.done = true
			fn()
		})
	})
	return t
}

// Stop cancels the timer. It reports whether the callback was still
// pending. Must be called on the loop. A nil Timer is a no-op.
func (t *Timer) Stop() bool {
	if t == nil || t.stopped || t.done {
		return false
	}
	t.stopped = true
	if t.inner != nil {
		t.inner.Stop()
	}
	return true
}
