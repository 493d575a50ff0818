package transport

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbocsi/hostlink/codec"
	"github.com/mbocsi/hostlink/eventloop"
	"github.com/mbocsi/hostlink/pending"
	"github.com/mbocsi/hostlink/proto"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

// SocketTransport keeps one persistent WebSocket to the host. It is its
// own Receiver: inbound "from" messages arrive on the same connection.
type SocketTransport struct {
	opts  Options
	loop  *eventloop.Loop
	table *pending.Table

	ctx    context.Context
	cancel context.CancelFunc

	state       State
	conn        *socketConn
	dialGen     uint64
	initialized bool
	deferred    []proto.Message // inbound messages that arrived before init completed
	held        []proto.Message // outbound messages queued while reconnecting
	fatalCalled bool
	onFatal     ErrorFunc

	receiving bool
	onCall    CallFunc
	onRecvErr ErrorFunc
}

// socketConn is one physical connection. The loop owns conn.out and is
// the only sender; closing it makes the writer flush and hang up.
type socketConn struct {
	ws  *websocket.Conn
	out chan []byte
}

func NewSocketTransport(loop *eventloop.Loop, opts Options) *SocketTransport {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &SocketTransport{
		opts:   opts,
		loop:   loop,
		table:  pending.New(loop, opts.CallTimeout, opts.Logger),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (t *SocketTransport) Name() string { return "websocket" }

func (t *SocketTransport) State() State { return t.state }

func (t *SocketTransport) Start(onReady func(), onFatal ErrorFunc) {
	t.onFatal = onFatal
	t.state = Connecting
	t.dial(onReady, t.fail)
}

func (t *SocketTransport) Call(command, attribute, data string, async bool, onResult ResultFunc, onError ErrorFunc) bool {
	if !async {
		return false
	}
	t.call(command, attribute, data, resultDecoder(onResult, onError), onError)
	return true
}

func (t *SocketTransport) SendLog(message string) {
	t.call(proto.CommandLog, "", message, nil, nil)
}

func (t *SocketTransport) InitCall(plugins []string, initData []proto.PluginInitData, onResult InitFunc, onError ErrorFunc) {
	if initData == nil {
		initData = []proto.PluginInitData{}
	}
	req := proto.InitRequest{
		URL:        t.opts.PageURL,
		Plugins:    plugins,
		Data:       proto.InitData{Data: initData},
		IsTopLevel: t.opts.IsTopLevel,
	}
	data, err := codec.Encode(req)
	if err != nil {
		onError(err)
		return
	}

	t.call(proto.CommandInit, "", data, func(payload string) {
		t.initialized = true
		resp, err := decodeInit(payload)
		if err != nil {
			onError(err)
			return
		}
		if resp.Shutdown != nil {
			t.opts.Logger.Info("Host answered init with shutdown; ignoring", "transport", t.Name())
			return
		}
		onResult(resp)

		deferred := t.deferred
		t.deferred = nil
		for _, msg := range deferred {
			t.process(msg)
		}
	}, onError)
}

func (t *SocketTransport) Receiver() Receiver { return t }

// Shutdown closes the connection and fails every pending call. No fatal
// notification follows.
func (t *SocketTransport) Shutdown() {
	t.fatalCalled = true
	t.cancel()
	t.teardown(proto.NewError(proto.ErrCodeTransportClosed, "websocket shut down", nil))
	t.state = Closed
}

func (t *SocketTransport) StartReceive(onCall CallFunc, onError ErrorFunc, _ DelayFunc) {
	t.receiving = true
	t.onCall = onCall
	t.onRecvErr = onError
}

// ForceReceive is a no-op: inbound calls are pushed as they arrive.
func (t *SocketTransport) ForceReceive() {}

func (t *SocketTransport) StopReceive() {
	t.receiving = false
	t.onCall = nil
	t.onRecvErr = nil
	if t.conn != nil {
		t.fatalCalled = true
		t.teardown(proto.NewError(proto.ErrCodeTransportClosed, "receive stopped", nil))
		t.state = Closed
	}
}

func (t *SocketTransport) IsStarted() bool { return t.receiving }

func (t *SocketTransport) IsConnected() bool {
	return t.state == Connected || t.state == Reconnecting
}

// PendingCalls returns the number of calls awaiting a response.
func (t *SocketTransport) PendingCalls() int { return t.table.Len() }

func (t *SocketTransport) endpoint() (string, error) {
	u, err := joinPath(t.opts.BaseURL, t.opts.Signature, "websocket")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := url.Values{}
	q.Set("url", t.opts.PageURL)
	q.Set("nocache", strconv.FormatInt(t.loop.Now().UnixMilli(), 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dial connects in the background. A dial superseded by a later dial or
// by Shutdown is discarded when it completes.
func (t *SocketTransport) dial(onOpen func(), onFail ErrorFunc) {
	addr, err := t.endpoint()
	if err != nil {
		onFail(err)
		return
	}
	t.dialGen++
	gen := t.dialGen
	dialer := t.opts.Dialer
	ctx := t.ctx

	go func() {
		ws, _, err := dialer.DialContext(ctx, addr, nil)
		t.loop.Post(func() {
			if gen != t.dialGen || ctx.Err() != nil {
				if ws != nil {
					ws.Close()
				}
				return
			}
			if err != nil {
				onFail(fmt.Errorf("failed to connect to WebSocket server: %w", err))
				return
			}
			t.attach(ws)
			if onOpen != nil {
				onOpen()
			}
		})
	}()
}

func (t *SocketTransport) attach(ws *websocket.Conn) {
	conn := &socketConn{ws: ws, out: make(chan []byte, sendBufferSize)}
	t.conn = conn
	t.state = Connected
	t.fatalCalled = false
	t.opts.Logger.Debug("WebSocket connected", "transport", t.Name(), "remote_addr", ws.RemoteAddr().String())

	go t.writeLoop(conn)
	go t.readLoop(conn)
}

// detach stops routing events from the current connection and hangs it up
// once queued writes are flushed.
func (t *SocketTransport) detach() {
	if t.conn == nil {
		return
	}
	close(t.conn.out)
	t.conn = nil
}

func (t *SocketTransport) readLoop(conn *socketConn) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			t.loop.Post(func() { t.handleClose(conn, err) })
			return
		}
		t.loop.Post(func() { t.handleMessage(conn, data) })
	}
}

func (t *SocketTransport) writeLoop(conn *socketConn) {
	for data := range conn.out {
		conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.ws.Close()
			t.loop.Post(func() { t.handleClose(conn, err) })
			for range conn.out {
			}
			return
		}
	}

	err := conn.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	if err != nil {
		t.opts.Logger.Debug("Failed to send close message", "error", err.Error())
	}
	conn.ws.Close()
}

func (t *SocketTransport) call(command, attribute, data string, onPayload pending.ResultFunc, onError ErrorFunc) {
	msg := proto.Message{Command: command, CommandAttribute: attribute, CommandData: data}
	if onPayload != nil || onError != nil {
		msg.CallID = t.table.NextID()
		t.table.Register(msg.CallID, onPayload, pending.ErrorFunc(onError))
	}

	if t.state == Reconnecting {
		t.held = append(t.held, msg)
		return
	}
	if err := t.write(msg); err != nil {
		t.opts.Logger.Warn("WebSocket call failed", "command", command, "attribute", attribute, "error", err.Error())
		if msg.CallID != 0 {
			t.table.Fail(msg.CallID, err)
		}
	}
}

func (t *SocketTransport) write(msg proto.Message) error {
	if t.conn == nil {
		return proto.ErrNotConnected
	}
	data, err := codec.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case t.conn.out <- []byte(data):
	default:
		return proto.NewError(proto.ErrCodeTransportClosed, "send buffer full", nil)
	}
	t.opts.Logger.Debug("Sent WebSocket message", "command", msg.Command, "call_id", msg.CallID, "size", len(data))
	return nil
}

func (t *SocketTransport) handleMessage(conn *socketConn, data []byte) {
	if conn != t.conn {
		return
	}
	var msg proto.Message
	if err := codec.DecodeInto(string(data), &msg); err != nil {
		t.opts.Logger.Warn("Invalid message dropped", "transport", t.Name(), "error", err.Error(), "data", string(data))
		return
	}
	t.process(msg)
}

func (t *SocketTransport) process(msg proto.Message) {
	if msg.CallID != 0 && t.table.Resolve(msg.CallID, msg.CommandData) {
		return
	}
	if !t.initialized {
		t.deferred = append(t.deferred, msg)
		return
	}

	switch msg.Command {
	case proto.CommandFrom:
		var call proto.InboundCall
		if err := codec.DecodeInto(msg.CommandData, &call); err != nil {
			t.opts.Logger.Warn("Invalid inbound call dropped", "error", err.Error())
			return
		}
		if t.onCall != nil {
			t.onCall(call.Method, call.Parameters)
		}
	case proto.CommandReconnect:
		t.reconnect(msg.CommandData)
	default:
		err := proto.NewError(proto.ErrCodeProtocol, "uncorrelated message", nil)
		t.opts.Logger.Warn("Message dropped", "error", err.Error(), "command", msg.Command, "call_id", msg.CallID)
	}
}

// reconnect replaces the physical connection. The restore message goes
// out first on the new connection, followed by anything queued meanwhile.
// Pending calls stay registered and may still be answered.
func (t *SocketTransport) reconnect(payload string) {
	t.opts.Logger.Info("Host requested reconnect", "transport", t.Name())
	t.detach()
	t.state = Reconnecting

	t.dial(func() {
		if err := t.write(proto.Message{Command: proto.CommandRestore, CommandData: payload}); err != nil {
			t.fail(err)
			return
		}
		held := t.held
		t.held = nil
		for _, msg := range held {
			if err := t.write(msg); err != nil && msg.CallID != 0 {
				t.table.Fail(msg.CallID, err)
			}
		}
	}, t.fail)
}

func (t *SocketTransport) handleClose(conn *socketConn, err error) {
	if conn != t.conn {
		return
	}
	onRecvErr := t.onRecvErr
	closed := proto.NewError(proto.ErrCodeTransportClosed, "websocket closed", err)

	normal := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	if normal {
		t.opts.Logger.Info("WebSocket closed by host", "transport", t.Name())
	} else {
		t.opts.Logger.Warn("WebSocket connection error", "transport", t.Name(), "error", err.Error())
	}
	t.teardown(closed)
	t.state = Closed

	// The receiver hears about the loss while the plugins of this session
	// are still registered; the fatal notice may start another transport.
	fatal := !normal && !t.fatalCalled
	if fatal {
		t.fatalCalled = true
	}
	if onRecvErr != nil {
		onRecvErr(closed)
	}
	if fatal && t.onFatal != nil {
		t.onFatal(closed)
	}
}

// fail tears the transport down and reports the first terminal error.
func (t *SocketTransport) fail(err error) {
	t.teardown(err)
	t.state = Closed
	if t.fatalCalled {
		return
	}
	t.fatalCalled = true
	if t.onFatal != nil {
		t.onFatal(err)
	}
}

func (t *SocketTransport) teardown(reason error) {
	t.dialGen++
	t.detach()
	t.deferred = nil
	t.held = nil
	t.table.TimeoutAll(reason)
}

func resultDecoder(onResult ResultFunc, onError ErrorFunc) pending.ResultFunc {
	if onResult == nil {
		return nil
	}
	return func(payload string) {
		resp, err := decodeResponse(payload)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onResult(resp)
	}
}
