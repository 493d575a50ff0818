package client

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/mbocsi/hostlink/codec"
	"github.com/mbocsi/hostlink/proto"
	"github.com/mbocsi/hostlink/transport"
)

// MethodHandler handles an inbound call. params is the decoded argument
// value, nil when the host sent none.
type MethodHandler func(params any) error

// PingFunc returns how soon the plugin wants the next keep-alive poll.
// Values outside (0, max) are ignored.
type PingFunc func(now time.Time) time.Duration

// PluginErrorFunc is told about transport-level failures.
type PluginErrorFunc func(err error)

type plugin struct {
	id      string
	onPing  PingFunc
	onError PluginErrorFunc
	methods map[string]MethodHandler
}

// Registry multiplexes inbound calls onto registered plugins. Method names
// are "<plugin>.<method>"; names without a dot are common methods the
// session handles itself. All methods run on the session loop.
type Registry struct {
	tr       transport.Transport
	receiver transport.Receiver
	maxDelay time.Duration
	now      func() time.Time
	logger   *slog.Logger

	plugins map[string]*plugin
	order   []string
	common  map[string]MethodHandler

	// onPanic is told about handlers that panicked.
	onPanic func(info proto.ExceptionInfo)
}

func NewRegistry(tr transport.Transport, maxDelay time.Duration, now func() time.Time, logger *slog.Logger) *Registry {
	if maxDelay <= 0 {
		maxDelay = transport.DefaultMaxPoll
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tr:       tr,
		receiver: tr.Receiver(),
		maxDelay: maxDelay,
		now:      now,
		logger:   logger,
		plugins:  make(map[string]*plugin),
		common:   make(map[string]MethodHandler),
	}
}

// RegisterMethod adds a handler. A dotted name needs its plugin to be
// registered first.
func (r *Registry) RegisterMethod(name string, handler MethodHandler) error {
	if handler == nil {
		return proto.NewError(proto.ErrCodeInvalidTarget, fmt.Sprintf("handler must be provided for method %q", name), nil)
	}
	pluginID, _, dotted := strings.Cut(name, ".")
	if !dotted {
		if name == "" {
			return proto.NewError(proto.ErrCodeInvalidTarget, "empty method name", nil)
		}
		if _, ok := r.common[name]; ok {
			return proto.NewError(proto.ErrCodeDuplicateMethod, fmt.Sprintf("method %q already registered", name), nil)
		}
		r.common[name] = handler
		return nil
	}

	p, ok := r.plugins[pluginID]
	if !ok {
		return proto.NewError(proto.ErrCodeInvalidTarget, fmt.Sprintf("cannot register %q: plugin %q is not active", name, pluginID), nil)
	}
	if _, ok := p.methods[name]; ok {
		return proto.NewError(proto.ErrCodeDuplicateMethod, fmt.Sprintf("method %q already registered", name), nil)
	}
	p.methods[name] = handler
	return nil
}

// RegisterPlugin activates a plugin. The first active plugin starts the
// shared receive loop.
func (r *Registry) RegisterPlugin(id string, onPing PingFunc, onError PluginErrorFunc) error {
	if id == "" || strings.Contains(id, ".") {
		return proto.NewError(proto.ErrCodeInvalidTarget, fmt.Sprintf("invalid plugin id %q", id), nil)
	}
	if _, ok := r.plugins[id]; ok {
		return proto.NewError(proto.ErrCodeDuplicatePlugin, fmt.Sprintf("plugin %q already started", id), nil)
	}
	r.plugins[id] = &plugin{id: id, onPing: onPing, onError: onError, methods: make(map[string]MethodHandler)}
	r.order = append(r.order, id)

	if !r.receiver.IsStarted() {
		r.receiver.StartReceive(r.Dispatch, r.ReportError, r.nextDelay)
	}
	return nil
}

// UnregisterPlugin removes a plugin and its methods. The last one out
// stops the receive loop.
func (r *Registry) UnregisterPlugin(id string) {
	if _, ok := r.plugins[id]; !ok {
		return
	}
	delete(r.plugins, id)
	r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
	if len(r.plugins) == 0 {
		r.receiver.StopReceive()
	}
}

func (r *Registry) UnregisterAll() {
	if len(r.plugins) == 0 {
		return
	}
	r.receiver.StopReceive()
	r.plugins = make(map[string]*plugin)
	r.order = nil
}

func (r *Registry) IsEmpty() bool { return len(r.plugins) == 0 }

func (r *Registry) IsConnected() bool { return r.receiver.IsConnected() }

func (r *Registry) ForceReceive() { r.receiver.ForceReceive() }

// Plugins returns the active plugin ids in registration order.
func (r *Registry) Plugins() []string { return slices.Clone(r.order) }

// ComputeNextDelay asks every plugin for its preferred interval and returns
// the smallest one inside (0, max), or max.
func (r *Registry) ComputeNextDelay(now time.Time) time.Duration {
	next := r.maxDelay
	for _, id := range slices.Clone(r.order) {
		p, ok := r.plugins[id]
		if !ok || p.onPing == nil {
			continue
		}
		d, err := r.ping(p, now)
		if err != nil {
			r.reportPluginError(id, err)
			continue
		}
		if d > 0 && d < next {
			next = d
		}
	}
	return next
}

func (r *Registry) nextDelay() time.Duration {
	return r.ComputeNextDelay(r.now())
}

func (r *Registry) ping(p *plugin, now time.Time) (d time.Duration, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = proto.NewError(proto.ErrCodeHandlerFault, fmt.Sprintf("UpdateDelay: %v", rec), nil)
		}
	}()
	return p.onPing(now), nil
}

// ReportError tells every plugin about a transport failure. Plugins may
// unregister themselves or others from inside the callback.
func (r *Registry) ReportError(err error) {
	for _, id := range slices.Clone(r.order) {
		r.reportPluginError(id, err)
	}
}

func (r *Registry) reportPluginError(id string, err error) {
	p, ok := r.plugins[id]
	if !ok || p.onError == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Plugin error callback panicked", "plugin", id, "panic", rec)
		}
	}()
	p.onError(err)
}

// Dispatch routes an inbound call. Unknown targets are logged and dropped;
// handler failures are reported to the host and never stop the loop.
func (r *Registry) Dispatch(name, params string) {
	r.logger.Debug("Dispatching inbound call", "method", name)

	pluginID, _, dotted := strings.Cut(name, ".")
	owner := "common"
	var handler MethodHandler
	switch {
	case dotted:
		owner = pluginID
		if p, ok := r.plugins[pluginID]; ok {
			handler = p.methods[name]
		}
	case name != "":
		handler = r.common[name]
	}
	if handler == nil {
		r.logger.Warn("No handler for inbound call", "plugin", owner, "method", name)
		r.tr.SendLog("Cannot call " + name + " for plugin " + owner)
		return
	}

	if err := r.invoke(owner, name, handler, params); err != nil {
		fault := proto.NewError(proto.ErrCodeHandlerFault, fmt.Sprintf("call %s in plugin %s", name, owner), err)
		r.logger.Warn("Handler failed", "plugin", owner, "method", name, "error", fault.Error())
		r.tr.SendLog("Call " + name + " in plugin " + owner + " error: " + err.Error())
		return
	}
	r.tr.SendLog(name + " executed.")
}

func (r *Registry) invoke(owner, name string, handler MethodHandler, params string) (err error) {
	var args any
	if params != "" {
		args, err = codec.Decode(params)
		if err != nil {
			return err
		}
	}

	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		err = fmt.Errorf("panic: %v", rec)
		if r.onPanic != nil {
			r.onPanic(proto.ExceptionInfo{
				Error:  err.Error(),
				Script: owner + ":" + name,
				Stack:  string(debug.Stack()),
			})
		}
	}()
	return handler(args)
}
