package transport

import "github.com/mbocsi/hostlink/proto"

// LongWaitReceiver keeps exactly one "longpooling" request open. The host
// answers it when it has a call to deliver, and the next request goes out
// right away.
type LongWaitReceiver struct {
	t *HTTPTransport

	started   bool
	connected bool
	current   int // call id of the open request, 0 if none

	onCall  CallFunc
	onError ErrorFunc
}

func newLongWaitReceiver(t *HTTPTransport) *LongWaitReceiver {
	return &LongWaitReceiver{t: t}
}

func (r *LongWaitReceiver) StartReceive(onCall CallFunc, onError ErrorFunc, _ DelayFunc) {
	r.started = true
	// The handshake just succeeded; later only replies count.
	r.connected = true
	r.onCall = onCall
	r.onError = onError
	r.send()
}

func (r *LongWaitReceiver) ForceReceive() {}

func (r *LongWaitReceiver) StopReceive() {
	r.started = false
	r.onCall = nil
	r.onError = nil
	if r.current != 0 {
		r.t.abort(r.current)
		r.current = 0
	}
}

func (r *LongWaitReceiver) IsStarted() bool { return r.started }

func (r *LongWaitReceiver) IsConnected() bool { return r.connected }

func (r *LongWaitReceiver) send() {
	if !r.started || r.current != 0 {
		return
	}
	var id int
	id = r.t.async(httpRequest{command: proto.CommandLongWait, longWait: true},
		func(body string) {
			if r.current == id {
				r.current = 0
			}
			if !r.started {
				return
			}
			resp, err := decodeResponse(body)
			if err != nil {
				r.fail(err)
				return
			}
			r.connected = true
			r.t.loop.Post(r.send)
			if resp.Method != "" && r.onCall != nil {
				r.onCall(resp.Method, resp.Parameters)
			}
		},
		func(err error) {
			if r.current == id {
				r.current = 0
			}
			if !r.started {
				return
			}
			r.fail(err)
		})
	r.current = id
}

func (r *LongWaitReceiver) fail(err error) {
	r.connected = false
	r.t.opts.Logger.Warn("Long-wait request failed", "transport", r.t.Name(), "error", err.Error())
	onError := r.onError
	r.t.restore(err)
	if onError != nil {
		onError(err)
	}
}
