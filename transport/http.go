package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/mbocsi/hostlink/codec"
	"github.com/mbocsi/hostlink/eventloop"
	"github.com/mbocsi/hostlink/pending"
	"github.com/mbocsi/hostlink/proto"
)

// maxResponseSize bounds a single HTTP response body.
const maxResponseSize = 4 << 20

// HTTPTransport talks to the host with one HTTP request per call. Before
// the handshake requests go under the client signature; afterwards under
// the ajax and session ids the host assigned. The handshake also picks
// the receive mode.
type HTTPTransport struct {
	opts  Options
	loop  *eventloop.Loop
	table *pending.Table

	state     State
	path      []string
	mode      string
	receiver  Receiver
	onRestore ErrorFunc
	inflight  map[int]context.CancelFunc
}

type httpRequest struct {
	command   string
	attribute string
	data      string
	query     url.Values
	longWait  bool
}

func NewHTTPTransport(loop *eventloop.Loop, opts Options) *HTTPTransport {
	opts.setDefaults()
	return &HTTPTransport{
		opts:     opts,
		loop:     loop,
		table:    pending.New(loop, opts.CallTimeout, opts.Logger),
		path:     []string{opts.Signature},
		mode:     proto.ModePingPong,
		inflight: make(map[int]context.CancelFunc),
	}
}

func (t *HTTPTransport) Name() string { return "http" }

func (t *HTTPTransport) State() State { return t.state }

// Mode returns the receive mode chosen by the last handshake.
func (t *HTTPTransport) Mode() string { return t.mode }

// Start reports ready at once; there is no connection to open. Failures
// surface per request and through the restore hook instead of onFatal.
func (t *HTTPTransport) Start(onReady func(), _ ErrorFunc) {
	t.state = Connected
	if onReady != nil {
		onReady()
	}
}

// Call sends a command to the host. An asynchronous call with neither
// callback is a notice: nobody waits on it, so it never enters the pending
// table.
func (t *HTTPTransport) Call(command, attribute, data string, async bool, onResult ResultFunc, onError ErrorFunc) bool {
	r := httpRequest{command: command, attribute: attribute, data: data}
	if async && onResult == nil && onError == nil {
		t.notify(r)
		return true
	}
	return t.send(r, async, onResult, onError)
}

func (t *HTTPTransport) SendLog(message string) {
	t.notify(httpRequest{command: proto.CommandLog, data: message})
}

func (t *HTTPTransport) InitCall(plugins []string, initData []proto.PluginInitData, onResult InitFunc, onError ErrorFunc) {
	t.onRestore = onError

	q := url.Values{}
	q.Set("url", t.opts.PageURL)
	if len(plugins) > 0 {
		q.Set("plugins", strings.Join(plugins, "&"))
	}
	if len(initData) > 0 {
		data, err := codec.Encode(proto.InitData{Data: initData})
		if err != nil {
			onError(err)
			return
		}
		q.Set("data", data)
	}
	q.Set("isTopLevel", strconv.FormatBool(t.opts.IsTopLevel))

	t.async(httpRequest{command: proto.CommandInit, query: q}, func(body string) {
		resp, err := decodeInit(body)
		if err != nil {
			t.restore(err)
			return
		}
		t.path = []string{resp.AjaxID, resp.SessionID}
		if mode := resp.Mode(); mode != t.mode {
			t.mode = mode
			t.receiver = nil
		}
		t.opts.Logger.Debug("Handshake complete", "transport", t.Name(), "session_id", resp.SessionID, "mode", t.mode)
		onResult(resp)
	}, onError)
}

func (t *HTTPTransport) Receiver() Receiver {
	if t.receiver == nil {
		if t.mode == proto.ModeLongWait {
			t.receiver = newLongWaitReceiver(t)
		} else {
			t.receiver = newPollReceiver(t)
		}
	}
	return t.receiver
}

// Shutdown stops the receiver and fails every request still awaiting a
// reply with proto.ErrTransportClosed, cancelling its connection. Notices
// already sent are left to finish.
func (t *HTTPTransport) Shutdown() {
	if t.receiver != nil {
		t.receiver.StopReceive()
	}
	t.state = Closed
	t.table.TimeoutAll(proto.NewError(proto.ErrCodeTransportClosed, "http shut down", nil))
}

// PendingCalls returns the number of requests awaiting a response.
func (t *HTTPTransport) PendingCalls() int { return t.table.Len() }

func (t *HTTPTransport) restore(err error) {
	if t.onRestore != nil {
		t.onRestore(err)
	}
}

// send issues r and decodes the reply. A reply carrying proto.ResultRetry
// re-issues the request once; the second reply is delivered as is.
func (t *HTTPTransport) send(r httpRequest, async bool, onResult ResultFunc, onError ErrorFunc) bool {
	retried := false
	var handle func(body string)
	handle = func(body string) {
		resp, err := decodeResponse(body)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		if resp.Result == proto.ResultRetry && !retried {
			retried = true
			t.opts.Logger.Debug("Host asked to retry request", "command", r.command, "attribute", r.attribute)
			if async {
				t.async(r, handle, onError)
			} else {
				t.sync(r, handle, onError)
			}
			return
		}
		if onResult != nil {
			onResult(resp)
		}
	}

	if !async {
		return t.sync(r, handle, onError)
	}
	t.async(r, handle, onError)
	return true
}

// async issues r in the background and returns its call id, or 0 if the
// request could not be built. The request settles exactly once through
// the pending table; a long-wait request has no deadline.
func (t *HTTPTransport) async(r httpRequest, onBody pending.ResultFunc, onError ErrorFunc) int {
	ctx, cancel := context.WithCancel(context.Background())
	req, err := t.newRequest(ctx, r)
	if err != nil {
		cancel()
		if onError != nil {
			onError(err)
		}
		return 0
	}

	id := t.table.NextID()
	timeout := t.opts.CallTimeout
	if r.longWait {
		timeout = 0
	}
	t.inflight[id] = cancel
	settle := func() {
		cancel()
		delete(t.inflight, id)
	}
	t.table.RegisterWithTimeout(id, timeout,
		func(body string) {
			settle()
			if onBody != nil {
				onBody(body)
			}
		},
		func(err error) {
			settle()
			if onError != nil {
				onError(err)
			}
		})

	client := t.opts.HTTPClient
	go func() {
		body, err := do(client, req)
		t.loop.Post(func() {
			if err != nil {
				t.table.Fail(id, fmt.Errorf("request error for calling %s/%s: %w", r.command, r.attribute, err))
				return
			}
			t.table.Resolve(id, body)
		})
	}()

	t.opts.Logger.Debug("Sent HTTP request", "command", r.command, "attribute", r.attribute, "call_id", id)
	return id
}

// notify issues r in the background and drops the reply. A failure is
// only logged.
func (t *HTTPTransport) notify(r httpRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.CallTimeout)
	req, err := t.newRequest(ctx, r)
	if err != nil {
		cancel()
		t.opts.Logger.Warn("Cannot send notice", "command", r.command, "error", err.Error())
		return
	}

	client, logger := t.opts.HTTPClient, t.opts.Logger
	go func() {
		defer cancel()
		if _, err := do(client, req); err != nil {
			logger.Debug("Notice failed", "command", r.command, "attribute", r.attribute, "error", err.Error())
		}
	}()
	t.opts.Logger.Debug("Sent HTTP notice", "command", r.command, "attribute", r.attribute)
}

// sync issues r on the loop goroutine and blocks until it completes.
func (t *HTTPTransport) sync(r httpRequest, onBody pending.ResultFunc, onError ErrorFunc) bool {
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.CallTimeout)
	defer cancel()

	req, err := t.newRequest(ctx, r)
	if err == nil {
		var body string
		body, err = do(t.opts.HTTPClient, req)
		if err == nil {
			if onBody != nil {
				onBody(body)
			}
			return true
		}
	}
	if onError != nil {
		onError(fmt.Errorf("request %s exception: %w", r.command, err))
	}
	return false
}

// abort cancels an outstanding request. Its error callback still runs
// once, with the cancellation error.
func (t *HTTPTransport) abort(id int) {
	if cancel, ok := t.inflight[id]; ok {
		cancel()
	}
}

func (t *HTTPTransport) newRequest(ctx context.Context, r httpRequest) (*http.Request, error) {
	segments := slices.Clone(t.path)
	segments = append(segments, r.command)
	if r.attribute != "" {
		segments = append(segments, r.attribute)
	}
	u, err := joinPath(t.opts.BaseURL, segments...)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	for k, v := range r.query {
		q[k] = v
	}
	method := http.MethodGet
	var body io.Reader
	if r.data != "" {
		method = http.MethodPost
		body = strings.NewReader(r.data)
	} else {
		q.Set("get", "")
		q.Set("nocache", noCache())
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("cannot create request: %w", err)
	}
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if body != nil {
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	}
	return req, nil
}

func do(client Doer, req *http.Request) (string, error) {
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || len(data) == 0 {
		return "", proto.NewError(proto.ErrCodeProtocol,
			fmt.Sprintf("unexpected response: status %d, %d bytes", resp.StatusCode, len(data)), nil)
	}
	return string(data), nil
}
