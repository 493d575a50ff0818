// Package host is a reference peer for the hostlink client. It speaks the
// full protocol over WebSocket and HTTP, keeps per-client sessions, and
// lets an operator push calls to connected clients.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mbocsi/hostlink/codec"
	"github.com/mbocsi/hostlink/proto"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session closed")
	ErrNotConnected    = errors.New("session has no live connection")
	ErrOutboxFull      = errors.New("session outbox full")
	ErrNotSupported    = errors.New("operation not supported for this session kind")
)

// ResultError marks a failed call in proto.Response.Result.
const ResultError = 1

// CallHandler answers a "to" call from a client. The returned string is
// the encoded reply parameters.
type CallHandler func(session SessionInfo, method, parameters string) (string, error)

type Options struct {
	Signature   string
	PollingMode string        // mode offered to HTTP clients
	LongWait    time.Duration // how long a long-wait request is held open

	// Plugins holds the settings handed to clients that ask for a plugin
	// by name, during the handshake or on "start".
	Plugins map[string]proto.PluginSettings
	OnCall  CallHandler
	Logger  *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Signature == "" {
		o.Signature = "hostlink"
	}
	if o.PollingMode == "" {
		o.PollingMode = proto.ModePingPong
	}
	if o.LongWait <= 0 {
		o.LongWait = 25 * time.Second
	}
	if o.OnCall == nil {
		o.OnCall = echo
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

func echo(_ SessionInfo, _ string, parameters string) (string, error) {
	return parameters, nil
}

type Host struct {
	opts     Options
	logger   *slog.Logger
	sessions *sessionRegistry
	server   *http.Server
}

func New(opts Options) *Host {
	opts.setDefaults()
	return &Host{opts: opts, logger: opts.Logger, sessions: newSessionRegistry()}
}

// Router returns the HTTP handler serving every client endpoint.
func (h *Host) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/"+h.opts.Signature+"/websocket", h.handleWebSocket)
	r.Get("/"+h.opts.Signature+"/init", h.handleInit)

	r.Route("/{ajaxID}/{sessionID}", func(r chi.Router) {
		r.Get("/from", h.handlePoll)
		r.Get("/"+proto.CommandLongWait, h.handleLongWait)
		r.HandleFunc("/{command}", h.handleCommand)
		r.HandleFunc("/{command}/{attribute}", h.handleCommand)
	})
	return r
}

// ListenAndServe serves the router on addr until ctx is done.
func (h *Host) ListenAndServe(ctx context.Context, addr string) error {
	h.server = &http.Server{Addr: addr, Handler: h.Router()}
	h.logger.Info("Starting host", "addr", addr, "signature", h.opts.Signature)

	errCh := make(chan error, 1)
	go func() {
		err := h.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	h.logger.Info("Shutting down host", "addr", addr)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.server.Shutdown(shutdownCtx)
}

// Sessions lists known sessions, oldest first.
func (h *Host) Sessions() []SessionInfo {
	list := h.sessions.List()
	infos := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.Info())
	}
	slices.SortFunc(infos, func(a, b SessionInfo) int { return a.Created.Compare(b.Created) })
	return infos
}

func (h *Host) Session(id string) (*Session, bool) {
	return h.sessions.Get(id)
}

// Push sends an inbound call to a client. args is encoded with the wire
// codec; nil sends no parameters.
func (h *Host) Push(sessionID, method string, args any) error {
	s, ok := h.sessions.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	call := proto.InboundCall{Method: method}
	if args != nil {
		params, err := codec.Encode(args)
		if err != nil {
			return fmt.Errorf("encode parameters: %w", err)
		}
		call.Parameters = params
	}
	if err := s.push(call); err != nil {
		return fmt.Errorf("push %s to %s: %w", method, sessionID, err)
	}
	h.logger.Debug("Pushed call", "session_id", sessionID, "method", method)
	return nil
}

// Reconnect asks a WebSocket client to replace its connection. The client
// comes back with a restore message carrying the session id.
func (h *Host) Reconnect(sessionID string) error {
	s, ok := h.sessions.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if s.kind != KindWebSocket {
		return ErrNotSupported
	}
	conn := s.connection()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.send(proto.Message{Command: proto.CommandReconnect, CommandData: s.id}); err != nil {
		return fmt.Errorf("reconnect %s: %w", sessionID, err)
	}
	s.unbind(conn)
	h.logger.Info("Requested client reconnect", "session_id", sessionID)
	return nil
}

// Forget drops a session. A WebSocket client still attached is
// disconnected.
func (h *Host) Forget(sessionID string) error {
	s, ok := h.sessions.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	h.sessions.Delete(sessionID)
	s.close()
	if conn := s.connection(); conn != nil {
		s.unbind(conn)
		conn.ws.Close()
	}
	h.logger.Info("Session forgotten", "session_id", sessionID)
	return nil
}

// open starts a session for a handshake request.
func (h *Host) open(kind string, req proto.InitRequest) (*Session, proto.InitResponse) {
	s := newSession(kind, req.URL, req.Plugins)
	h.sessions.Store(s)

	resp := proto.InitResponse{SessionID: s.id, AjaxID: s.ajaxID}
	if kind == KindHTTP {
		resp.PollingMode = h.opts.PollingMode
	}
	for _, name := range req.Plugins {
		if settings, ok := h.opts.Plugins[name]; ok {
			settings.Name = name
			resp.Plugins = append(resp.Plugins, settings)
		}
	}
	for _, data := range req.Data.Data {
		s.record(proto.CommandInit, data.Plugin+": "+data.Parameters)
	}
	h.logger.Info("Session opened", "session_id", s.id, "kind", kind, "url", req.URL, "plugins", req.Plugins)
	return s, resp
}

// handle runs a client command that is not part of the receive loop.
func (h *Host) handle(s *Session, command, attribute, data string) proto.Response {
	s.touch()
	switch command {
	case proto.CommandTo:
		params := ""
		if data != "" {
			var call proto.OutboundCall
			if err := codec.DecodeInto(data, &call); err != nil {
				h.logger.Warn("Malformed call", "session_id", s.id, "method", attribute, "error", err.Error())
				return failure(err)
			}
			params = call.Parameters
		}
		out, err := h.opts.OnCall(s.Info(), attribute, params)
		if err != nil {
			h.logger.Warn("Call failed", "session_id", s.id, "method", attribute, "error", err.Error())
			return failure(err)
		}
		return proto.Response{Parameters: out}

	case proto.CommandLog, proto.CommandLogError, proto.CommandExcept:
		s.record(command, data)
		h.logger.Debug("Client log", "session_id", s.id, "command", command, "text", data)
		return proto.Response{}

	case proto.CommandShutdown:
		s.close()
		h.logger.Info("Session shut down by client", "session_id", s.id)
		return proto.Response{}

	case proto.CommandStart:
		settings, ok := h.opts.Plugins[attribute]
		if !ok {
			return failure(fmt.Errorf("unknown plugin %q", attribute))
		}
		settings.Name = attribute
		encoded, err := codec.Encode(settings)
		if err != nil {
			return failure(err)
		}
		return proto.Response{Parameters: encoded}

	case proto.CommandStop:
		s.record(command, attribute)
		return proto.Response{}

	default:
		h.logger.Warn("Unknown command", "session_id", s.id, "command", command)
		return failure(fmt.Errorf("unknown command %q", command))
	}
}

func failure(err error) proto.Response {
	return proto.Response{Result: ResultError, Parameters: codec.MustEncode(err.Error())}
}

func encode(v any) (string, error) {
	return codec.Encode(v)
}
