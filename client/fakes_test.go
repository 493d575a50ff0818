package client

import (
	"errors"
	"time"

	"github.com/mbocsi/hostlink/clock"
	"github.com/mbocsi/hostlink/eventloop"
	"github.com/mbocsi/hostlink/proto"
	"github.com/mbocsi/hostlink/transport"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newLoop() (*eventloop.Loop, *clock.FakeClock) {
	c := clock.Fake(epoch)
	return eventloop.New(c), c
}

func advance(c *clock.FakeClock, l *eventloop.Loop, d time.Duration) {
	c.Advance(d)
	l.Drain()
}

type sentCall struct {
	command   string
	attribute string
	data      string
	async     bool
	onResult  transport.ResultFunc
	onError   transport.ErrorFunc
}

type initCall struct {
	plugins  []string
	initData []proto.PluginInitData
	onResult transport.InitFunc
	onError  transport.ErrorFunc
}

// fakeReceiver records how the registry drives the receive loop.
type fakeReceiver struct {
	started   bool
	connected bool
	forced    int
	onCall    transport.CallFunc
	onError   transport.ErrorFunc
	nextDelay transport.DelayFunc
}

func (r *fakeReceiver) StartReceive(onCall transport.CallFunc, onError transport.ErrorFunc, nextDelay transport.DelayFunc) {
	r.started = true
	r.connected = true
	r.onCall = onCall
	r.onError = onError
	r.nextDelay = nextDelay
}
func (r *fakeReceiver) ForceReceive()     { r.forced++ }
func (r *fakeReceiver) StopReceive()      { r.started = false }
func (r *fakeReceiver) IsStarted() bool   { return r.started }
func (r *fakeReceiver) IsConnected() bool { return r.connected }

// fakeTransport is a scripted Transport. Synchronous calls are refused
// unless syncOK is set.
type fakeTransport struct {
	name     string
	startErr error
	syncOK   bool

	recv     *fakeReceiver
	calls    []sentCall
	logs     []string
	inits    []initCall
	onFatal  transport.ErrorFunc
	shutdown bool
}

func newFakeTransport(name string) *fakeTransport {
	return &fakeTransport{name: name, recv: &fakeReceiver{connected: true}}
}

func (f *fakeTransport) Name() string { return f.name }
func (f *fakeTransport) State() transport.State {
	if f.shutdown {
		return transport.Closed
	}
	return transport.Connected
}
func (f *fakeTransport) Start(onReady func(), onFatal transport.ErrorFunc) {
	f.onFatal = onFatal
	if f.startErr != nil {
		onFatal(f.startErr)
		return
	}
	onReady()
}
func (f *fakeTransport) Call(command, attribute, data string, async bool, onResult transport.ResultFunc, onError transport.ErrorFunc) bool {
	if !async && !f.syncOK {
		return false
	}
	f.calls = append(f.calls, sentCall{command, attribute, data, async, onResult, onError})
	return true
}
func (f *fakeTransport) SendLog(msg string) { f.logs = append(f.logs, msg) }
func (f *fakeTransport) InitCall(plugins []string, initData []proto.PluginInitData, onResult transport.InitFunc, onError transport.ErrorFunc) {
	f.inits = append(f.inits, initCall{plugins, initData, onResult, onError})
}
func (f *fakeTransport) Receiver() transport.Receiver { return f.recv }
func (f *fakeTransport) Shutdown()                    { f.shutdown = true }

// lastInit returns the most recent handshake request.
func (f *fakeTransport) lastInit() initCall {
	if len(f.inits) == 0 {
		return initCall{}
	}
	return f.inits[len(f.inits)-1]
}

func (f *fakeTransport) callsTo(command string) []sentCall {
	var out []sentCall
	for _, c := range f.calls {
		if c.command == command {
			out = append(out, c)
		}
	}
	return out
}

// factory hands out a fresh fakeTransport per selection round.
type factory struct {
	name    string
	built   []*fakeTransport
	failing bool
}

func (fa *factory) strategy() transport.Strategy {
	name := fa.name
	if name == "" {
		name = "fake"
	}
	return transport.Strategy{Name: name, New: func() transport.Transport {
		tr := newFakeTransport(name)
		if fa.failing {
			tr.startErr = errors.New("connection refused")
		}
		fa.built = append(fa.built, tr)
		return tr
	}}
}

func (fa *factory) last() *fakeTransport {
	if len(fa.built) == 0 {
		return nil
	}
	return fa.built[len(fa.built)-1]
}
