package transport

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/mbocsi/hostlink/clock"
	"github.com/mbocsi/hostlink/eventloop"
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

// drainUntil runs the loop on the test goroutine until cond holds.
func drainUntil(t *testing.T, l *eventloop.Loop, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		l.Drain()
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting on channel")
	}
	var zero T
	return zero
}

func requireNone[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("Unexpected value on channel: %v", v)
	case <-time.After(20 * time.Millisecond):
	}
}

// fakeDoer hands every request to the test and blocks until the test
// replies or the request is cancelled.
type fakeDoer struct {
	requests chan *fakeCall
}

type fakeCall struct {
	req   *http.Request
	body  string
	reply chan fakeReply
}

type fakeReply struct {
	status int
	body   string
	err    error
}

func newFakeDoer() *fakeDoer {
	return &fakeDoer{requests: make(chan *fakeCall, 16)}
}

func (d *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	call := &fakeCall{req: req, reply: make(chan fakeReply, 1)}
	if req.Body != nil {
		data, _ := io.ReadAll(req.Body)
		call.body = string(data)
	}
	d.requests <- call

	var r fakeReply
	select {
	case r = <-call.reply:
	case <-req.Context().Done():
		return nil, req.Context().Err()
	}
	if r.err != nil {
		return nil, r.err
	}
	return &http.Response{
		StatusCode: r.status,
		Body:       io.NopCloser(strings.NewReader(r.body)),
	}, nil
}

func (c *fakeCall) ok(body string) {
	c.reply <- fakeReply{status: http.StatusOK, body: body}
}

func (c *fakeCall) fail(err error) {
	c.reply <- fakeReply{err: err}
}

func (c *fakeCall) path() string {
	return c.req.URL.Path
}
