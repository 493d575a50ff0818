package transport

import (
	"time"

	"github.com/mbocsi/hostlink/eventloop"
	"github.com/mbocsi/hostlink/proto"
)

// PollReceiver pulls inbound calls with periodic "from" requests. At most
// one poll is outstanding: a poll that comes due while the previous one is
// still in flight is re-checked after the defer interval instead of being
// issued.
type PollReceiver struct {
	t *HTTPTransport

	started   bool
	inFlight  bool
	connected bool
	timer     *eventloop.Timer
	polls     int

	onCall    CallFunc
	onError   ErrorFunc
	nextDelay DelayFunc
}

func newPollReceiver(t *HTTPTransport) *PollReceiver {
	return &PollReceiver{t: t}
}

func (r *PollReceiver) StartReceive(onCall CallFunc, onError ErrorFunc, nextDelay DelayFunc) {
	r.started = true
	r.connected = true
	r.onCall = onCall
	r.onError = onError
	r.nextDelay = nextDelay
	r.timer = r.t.loop.AfterFunc(r.delay(), r.ping)
}

// ForceReceive brings the next poll forward to now.
func (r *PollReceiver) ForceReceive() {
	if !r.started {
		return
	}
	r.timer.Stop()
	r.timer = r.t.loop.AfterFunc(0, r.ping)
}

func (r *PollReceiver) StopReceive() {
	r.started = false
	r.timer.Stop()
	r.timer = nil
	r.onCall = nil
	r.onError = nil
	r.nextDelay = nil
}

func (r *PollReceiver) IsStarted() bool { return r.started }

func (r *PollReceiver) IsConnected() bool { return r.connected }

// Polls returns how many polls have been issued.
func (r *PollReceiver) Polls() int { return r.polls }

// InFlight reports whether a poll is awaiting its response.
func (r *PollReceiver) InFlight() bool { return r.inFlight }

func (r *PollReceiver) delay() time.Duration {
	limit := r.t.opts.MaxPoll
	d := limit
	if r.nextDelay != nil {
		d = r.nextDelay()
	}
	if d <= 0 || d > limit {
		d = limit
	}
	return d
}

func (r *PollReceiver) ping() {
	if !r.started {
		return
	}
	if r.inFlight {
		r.timer = r.t.loop.AfterFunc(r.t.opts.PollDefer, r.ping)
		return
	}
	d := r.delay()
	r.send()
	if r.started {
		r.timer = r.t.loop.AfterFunc(d, r.ping)
	}
}

// pollNow issues a poll outside the timer cadence, used to drain queued
// inbound calls promptly.
func (r *PollReceiver) pollNow() {
	if !r.started || r.inFlight {
		return
	}
	r.send()
}

func (r *PollReceiver) send() {
	r.inFlight = true
	r.polls++
	r.t.send(httpRequest{command: proto.CommandFrom}, true,
		func(resp proto.Response) {
			r.inFlight = false
			r.connected = true
			if !r.started {
				return
			}
			if resp.Method != "" {
				r.t.loop.Post(r.pollNow)
				if r.onCall != nil {
					r.onCall(resp.Method, resp.Parameters)
				}
			}
		},
		func(err error) {
			r.inFlight = false
			r.connected = false
			if !r.started {
				return
			}
			r.t.opts.Logger.Warn("Poll failed", "transport", r.t.Name(), "error", err.Error())
			onError := r.onError
			r.t.restore(err)
			if onError != nil {
				onError(err)
			}
		})
}
