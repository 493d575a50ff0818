// Package clock abstracts time so timers are deterministic in tests.
//
// Production code uses Real(). Tests use Fake(t0) and move time forward
// with Advance; AfterFunc callbacks run synchronously inside Advance in
// deadline order.
package clock

import "time"

// Clock is the subset of the time package the RPC core depends on.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f after d elapses. If d <= 0 f runs immediately
	// (in a new goroutine for Real, synchronously for Fake).
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a pending AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the timer from firing. It reports whether the call
// stopped the timer, false if it already fired or was stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stopFunc: timer.Stop}
}
