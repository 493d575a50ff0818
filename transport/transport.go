// Package transport implements the physical channels between the client
// and the host: a persistent WebSocket and an HTTP request transport with
// ping-pong or long-wait receive modes.
//
// Every method is called on the owning eventloop.Loop. Network goroutines
// post their completions back to that loop.
package transport

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbocsi/hostlink/codec"
	"github.com/mbocsi/hostlink/proto"
)

type State int

const (
	Idle State = iota
	Connecting
	Connected
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ResultFunc receives the decoded reply to an outbound call.
type ResultFunc func(resp proto.Response)

// ErrorFunc receives call or transport failures.
type ErrorFunc func(err error)

// InitFunc receives the host's handshake reply.
type InitFunc func(resp proto.InitResponse)

// CallFunc receives an unsolicited inbound call.
type CallFunc func(method, parameters string)

// DelayFunc returns the interval until the next keep-alive poll.
type DelayFunc func() time.Duration

type Transport interface {
	Name() string
	State() State

	// Start opens the channel. onReady fires once it can carry the
	// handshake; onFatal fires at most once per connection, on a
	// terminal failure before or after readiness.
	Start(onReady func(), onFatal ErrorFunc)

	// Call sends a command. It reports whether the call was accepted;
	// transports that cannot carry synchronous calls return false when
	// async is false.
	Call(command, attribute, data string, async bool, onResult ResultFunc, onError ErrorFunc) bool

	SendLog(message string)

	// InitCall performs the handshake. onError also becomes the restore
	// hook the receiver invokes when it loses the host later.
	InitCall(plugins []string, initData []proto.PluginInitData, onResult InitFunc, onError ErrorFunc)

	Receiver() Receiver
	Shutdown()
}

type Receiver interface {
	StartReceive(onCall CallFunc, onError ErrorFunc, nextDelay DelayFunc)
	ForceReceive()
	StopReceive()
	IsStarted() bool
	IsConnected() bool
}

// Options configures both transports.
type Options struct {
	BaseURL     string // e.g. "http://127.0.0.1:8730/"
	Signature   string // path segment identifying the client build
	PageURL     string // reported to the host on connect and init
	IsTopLevel  bool
	CallTimeout time.Duration
	PollDefer   time.Duration // re-check interval while a poll is in flight
	MaxPoll     time.Duration // upper bound for the keep-alive interval
	Logger      *slog.Logger

	Dialer     *websocket.Dialer // socket transport, defaults to websocket.DefaultDialer
	HTTPClient Doer              // HTTP transport, defaults to http.DefaultClient
}

// Doer is the part of *http.Client the HTTP transport uses.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	DefaultCallTimeout = 120 * time.Second
	DefaultPollDefer   = 100 * time.Millisecond
	DefaultMaxPoll     = 2 * time.Second
)

func (o *Options) setDefaults() {
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.PollDefer <= 0 {
		o.PollDefer = DefaultPollDefer
	}
	if o.MaxPoll <= 0 {
		o.MaxPoll = DefaultMaxPoll
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	if !strings.HasSuffix(o.BaseURL, "/") {
		o.BaseURL += "/"
	}
}

// noCache returns a random hex token that defeats intermediary caches.
func noCache() string {
	return fmt.Sprintf("%x", 0x10000+rand.IntN(0x10000))
}

func joinPath(base string, segments ...string) (*url.URL, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", base, err)
	}
	return u.JoinPath(segments...), nil
}

func decodeResponse(payload string) (proto.Response, error) {
	var resp proto.Response
	if err := codec.DecodeInto(payload, &resp); err != nil {
		return proto.Response{}, proto.NewError(proto.ErrCodeProtocol, "malformed call response", err)
	}
	return resp, nil
}

func decodeInit(payload string) (proto.InitResponse, error) {
	var resp proto.InitResponse
	if err := codec.DecodeInto(payload, &resp); err != nil {
		return proto.InitResponse{}, proto.NewError(proto.ErrCodeProtocol, "malformed init response", err)
	}
	return resp, nil
}
