package client

import (
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/mbocsi/hostlink/codec"
	"github.com/mbocsi/hostlink/eventloop"
	"github.com/mbocsi/hostlink/proto"
	"github.com/mbocsi/hostlink/transport"
)

const ellipsis = "<...>"

// Options tunes the session. Zero values take the defaults below.
type Options struct {
	WatchdogInterval time.Duration
	DegradedAfter    int // consecutive disconnected watchdog checks before re-init
	ReinitThreshold  time.Duration
	ReinitFastDelay  time.Duration
	ReinitSlowDelay  time.Duration
	MaxPoll          time.Duration
	LogLimit         int

	// Reload handles the host's "reload" request.
	Reload func()
	Logger *slog.Logger
}

const (
	DefaultWatchdogInterval = 60 * time.Second
	DefaultReinitThreshold  = 5 * time.Second
	DefaultReinitFastDelay  = 200 * time.Millisecond
	DefaultReinitSlowDelay  = 60 * time.Second
	DefaultLogLimit         = 2048
	exceptionFieldLimit     = 1024
)

func (o *Options) setDefaults() {
	if o.WatchdogInterval <= 0 {
		o.WatchdogInterval = DefaultWatchdogInterval
	}
	if o.DegradedAfter <= 0 {
		o.DegradedAfter = 1
	}
	if o.ReinitThreshold <= 0 {
		o.ReinitThreshold = DefaultReinitThreshold
	}
	if o.ReinitFastDelay <= 0 {
		o.ReinitFastDelay = DefaultReinitFastDelay
	}
	if o.ReinitSlowDelay <= 0 {
		o.ReinitSlowDelay = DefaultReinitSlowDelay
	}
	if o.MaxPoll <= 0 {
		o.MaxPoll = transport.DefaultMaxPoll
	}
	if o.LogLimit <= 0 {
		o.LogLimit = DefaultLogLimit
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Runner is a consumer started by the host after the handshake or on a
// later "start" request.
type Runner struct {
	Name string
	Run  func(s *Session, settings any, localization map[string]string)

	Parameters        any    // sent with the handshake when non-nil
	OnConnectionError func() // called whenever initialization fails
	Stop              func(s *Session)
}

// Reply is the decoded answer to an outbound call.
type Reply struct {
	Result     int
	Parameters any
	Method     string
}

type ReplyFunc func(Reply)

// PluginAPI is the set of operations a plugin receives from
// InitializePlugin. The closures stay bound to the session instance that
// was current when they were handed out.
type PluginAPI struct {
	Activate       func(pluginID string, onPing PingFunc, onError PluginErrorFunc) error
	RegisterMethod func(name string, handler MethodHandler) error
	Call           func(method string, args any, onResult ReplyFunc, onError func(error))
	Deactivate     func(pluginID string)
	SyncCall       func(method string, args any, onResult ReplyFunc, onError func(error)) bool
}

// Session is the plugin-facing side of the channel. It selects a
// transport, performs the handshake, starts runners, and re-initializes
// when the host is lost. Methods must be called on the session loop; use
// Post or Do from other goroutines.
type Session struct {
	loop     *eventloop.Loop
	selector *transport.Selector
	opts     Options
	logger   *slog.Logger

	runners     map[string]*Runner
	runnerOrder []string

	state      State
	terminated bool
	tr         transport.Transport
	registry   *Registry
	sessionID  string
	mode       string

	watchdog     *eventloop.Timer
	missed       int
	reinit       *eventloop.Timer
	lastPostpone time.Time
}

func NewSession(loop *eventloop.Loop, selector *transport.Selector, opts Options) *Session {
	opts.setDefaults()
	return &Session{
		loop:     loop,
		selector: selector,
		opts:     opts,
		logger:   opts.Logger,
		runners:  make(map[string]*Runner),
	}
}

// AddRunner registers a runner. Runners must be added before Start; a
// runner with the same name replaces the earlier one.
func (s *Session) AddRunner(r Runner) error {
	if r.Name == "" || r.Run == nil {
		return fmt.Errorf("runner needs a name and a run function")
	}
	if _, ok := s.runners[r.Name]; !ok {
		s.runnerOrder = append(s.runnerOrder, r.Name)
	}
	s.runners[r.Name] = &r
	return nil
}

// Start schedules the first initialization. Safe from any goroutine.
func (s *Session) Start() {
	s.loop.Post(func() {
		// A failure right after start counts as a rapid repeat.
		s.lastPostpone = s.loop.Now()
		s.init()
	})
}

// Post runs fn on the session loop.
func (s *Session) Post(fn func()) { s.loop.Post(fn) }

// Do runs fn on the session loop and waits for it.
func (s *Session) Do(fn func()) { s.loop.Do(fn) }

func (s *Session) State() State { return s.state }

func (s *Session) SessionID() string { return s.sessionID }

// Mode returns the polling mode the host chose.
func (s *Session) Mode() string { return s.mode }

func (s *Session) Transport() transport.Transport { return s.tr }

func (s *Session) Registry() *Registry { return s.registry }

func (s *Session) IsConnected() bool {
	return s.registry != nil && s.registry.IsConnected()
}

func (s *Session) ForceReceive() {
	if s.registry != nil {
		s.registry.ForceReceive()
	}
}

// Close stops the session for good: plugins are unregistered, the host is
// told, and no re-initialization follows.
func (s *Session) Close() {
	s.terminated = true
	s.watchdog.Stop()
	s.watchdog = nil
	s.reinit.Stop()
	s.reinit = nil
	if s.registry != nil {
		s.stop(s.registry)
	} else if s.tr != nil {
		s.tr.Shutdown()
	}
	s.selector.Reset()
	s.fire(EventCloseRequested)
}

func (s *Session) fire(ev Event) {
	next := transition(s.state, ev)
	if next != s.state {
		s.logger.Debug("Session state changed", "from", s.state.String(), "to", next.String(), "event", ev.String())
	}
	s.state = next
}

func (s *Session) init() {
	s.reinit = nil
	if s.terminated {
		return
	}
	s.release()
	s.selector.Select(s.onTransportReady, s.onInitError(nil))
}

// release drops the current registry and transport without telling the
// host.
func (s *Session) release() {
	if s.registry != nil {
		s.registry.UnregisterAll()
		s.registry = nil
	}
	if s.tr != nil {
		s.tr.Shutdown()
		s.tr = nil
	}
}

func (s *Session) onTransportReady(tr transport.Transport) {
	if s.terminated {
		tr.Shutdown()
		return
	}
	if s.registry != nil && s.registry.tr != tr {
		s.registry.UnregisterAll()
		s.registry = nil
	}
	s.tr = tr
	s.fire(EventInitStarted)

	names := make([]string, 0, len(s.runnerOrder))
	var initData []proto.PluginInitData
	for _, name := range s.runnerOrder {
		names = append(names, name)
		runner := s.runners[name]
		if runner.Parameters == nil {
			continue
		}
		params, err := codec.Encode(runner.Parameters)
		if err != nil {
			s.logger.Warn("Cannot encode runner parameters", "plugin", name, "error", err.Error())
			continue
		}
		initData = append(initData, proto.PluginInitData{Plugin: name, Parameters: params})
	}

	tr.InitCall(names, initData, func(resp proto.InitResponse) {
		if tr != s.tr || s.terminated {
			return
		}
		s.onHandshake(tr, resp)
	}, s.onInitError(tr))
}

func (s *Session) onHandshake(tr transport.Transport, resp proto.InitResponse) {
	s.sessionID = resp.SessionID
	s.mode = resp.Mode()
	s.registry = NewRegistry(tr, s.opts.MaxPoll, s.loop.Now, s.logger)
	s.registry.onPanic = s.UnhandledException
	s.registerCommonMethods(s.registry)
	s.fire(EventHandshakeOK)
	s.logger.Info("Session initialized", "session_id", s.sessionID, "mode", s.mode, "transport", tr.Name())

	if s.watchdog == nil {
		s.watchdog = s.loop.AfterFunc(s.opts.WatchdogInterval, s.checkWatchdog)
	}

	if len(resp.Plugins) == 0 {
		s.Log("Empty plugins list received on init response")
		return
	}
	for _, settings := range resp.Plugins {
		runner, ok := s.runners[settings.Name]
		if !ok {
			continue
		}
		s.runRunner(runner, settings)
	}
}

func (s *Session) runRunner(runner *Runner, settings proto.PluginSettings) {
	value, err := settings.SettingsValue()
	if err != nil {
		s.LogError(err, runner.Name)
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			s.LogError(fmt.Errorf("runner panicked: %v", rec), runner.Name)
		}
	}()
	runner.Run(s, value, settings.LocalizationMap())
}

// onInitError returns the failure hook for a handshake on tr. It also
// serves as the restore hook receivers call when they lose the host.
func (s *Session) onInitError(tr transport.Transport) transport.ErrorFunc {
	return func(err error) {
		if s.terminated || (tr != nil && tr != s.tr) {
			return
		}
		if s.state == Active {
			s.fire(EventTransportError)
		} else {
			s.fire(EventHandshakeFailed)
		}
		if err != nil {
			s.logger.Warn("Session initialization failed", "error", err.Error())
		}
		s.postponeInit()
		for _, name := range s.runnerOrder {
			s.notifyConnectionError(s.runners[name])
		}
	}
}

func (s *Session) notifyConnectionError(runner *Runner) {
	if runner == nil || runner.OnConnectionError == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Warn("Connection error callback panicked", "plugin", runner.Name, "panic", rec)
		}
	}()
	runner.OnConnectionError()
}

// postponeInit schedules a re-initialization. Retries spaced further apart
// than the threshold from the previous one (or from Start) go out quickly;
// rapid repeats fall back to the slow delay so a dead host is not hammered.
func (s *Session) postponeInit() {
	if s.terminated {
		return
	}
	now := s.loop.Now()
	delay := s.opts.ReinitSlowDelay
	if now.Sub(s.lastPostpone) > s.opts.ReinitThreshold {
		delay = s.opts.ReinitFastDelay
	}
	s.lastPostpone = now
	s.reinit.Stop()
	s.reinit = s.loop.AfterFunc(delay, s.init)
	s.logger.Debug("Re-initialization scheduled", "delay", delay.String())
}

func (s *Session) checkWatchdog() {
	if s.terminated {
		return
	}
	s.watchdog = s.loop.AfterFunc(s.opts.WatchdogInterval, s.checkWatchdog)

	if s.state == Active && s.IsConnected() {
		s.missed = 0
		return
	}
	s.missed++
	if s.missed < s.opts.DegradedAfter {
		return
	}
	s.missed = 0
	s.fire(EventWatchdogFired)
	s.logger.Warn("Host unreachable, re-initializing", "state", s.state.String())
	s.postponeInit()
}

// InitializePlugin hands init the plugin API bound to the current session
// instance.
func (s *Session) InitializePlugin(init func(PluginAPI)) {
	reg := s.registry
	init(PluginAPI{
		Activate: func(pluginID string, onPing PingFunc, onError PluginErrorFunc) error {
			return s.activatePlugin(reg, pluginID, onPing, onError)
		},
		RegisterMethod: func(name string, handler MethodHandler) error {
			if reg == nil || reg != s.registry {
				return proto.ErrNotConnected
			}
			return reg.RegisterMethod(name, handler)
		},
		Call: func(method string, args any, onResult ReplyFunc, onError func(error)) {
			s.call(reg, method, args, true, onResult, onError)
		},
		Deactivate: func(pluginID string) {
			s.deactivatePlugin(reg, pluginID)
		},
		SyncCall: func(method string, args any, onResult ReplyFunc, onError func(error)) bool {
			return s.call(reg, method, args, false, onResult, onError)
		},
	})
}

func (s *Session) activatePlugin(reg *Registry, pluginID string, onPing PingFunc, onError PluginErrorFunc) error {
	if reg == nil || reg != s.registry {
		return proto.ErrNotConnected
	}
	s.logger.Debug("Activating plugin", "plugin", pluginID)
	return reg.RegisterPlugin(pluginID, onPing, func(err error) {
		if onError != nil {
			onError(err)
		}
		reg.UnregisterPlugin(pluginID)
		if reg.IsEmpty() {
			s.stop(reg)
		}
	})
}

func (s *Session) deactivatePlugin(reg *Registry, pluginID string) {
	if reg == nil {
		return
	}
	s.logger.Debug("Deactivating plugin", "plugin", pluginID)
	reg.UnregisterPlugin(pluginID)
	if reg.IsEmpty() {
		s.stop(reg)
	}
}

// Call sends an asynchronous call to the host. It is dropped silently
// unless the session is active and connected.
func (s *Session) Call(method string, args any, onResult ReplyFunc, onError func(error)) {
	s.call(s.registry, method, args, true, onResult, onError)
}

// SyncCall is the blocking variant of Call. It reports whether the
// transport accepted the call.
func (s *Session) SyncCall(method string, args any, onResult ReplyFunc, onError func(error)) bool {
	return s.call(s.registry, method, args, false, onResult, onError)
}

func (s *Session) call(reg *Registry, method string, args any, async bool, onResult ReplyFunc, onError func(error)) bool {
	if reg == nil || reg != s.registry || s.state != Active || !reg.IsConnected() {
		s.logger.Debug("Call dropped, session not connected", "method", method)
		return false
	}

	var data string
	if args != nil {
		params, err := codec.Encode(args)
		if err != nil {
			s.logger.Warn("Call dropped, cannot encode arguments", "method", method, "error", err.Error())
			return false
		}
		data, err = codec.Encode(proto.OutboundCall{Result: 0, Method: method, Parameters: params})
		if err != nil {
			return false
		}
	}

	if onResult == nil {
		return reg.tr.Call(proto.CommandTo, method, data, async, nil, transport.ErrorFunc(onError))
	}
	return reg.tr.Call(proto.CommandTo, method, data, async, func(resp proto.Response) {
		reply := Reply{Result: resp.Result, Method: resp.Method}
		if resp.Parameters != "" {
			params, err := codec.Decode(resp.Parameters)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
			reply.Parameters = params
		}
		onResult(reply)
	}, transport.ErrorFunc(onError))
}

// stop unregisters every plugin of reg, tells the host if it is still
// reachable, and releases the transport.
func (s *Session) stop(reg *Registry) {
	tr := reg.tr
	reg.UnregisterAll()
	if reg.IsConnected() {
		if !tr.Call(proto.CommandShutdown, "", "", false, nil, nil) {
			tr.Call(proto.CommandShutdown, "", "", true, nil, nil)
		}
	}
	tr.Shutdown()
	s.logger.Info("Session stopped", "transport", tr.Name())

	if reg == s.registry {
		s.registry = nil
		s.tr = nil
		s.fire(EventAllPluginsUnregistered)
	}
}

func (s *Session) registerCommonMethods(reg *Registry) {
	reg.RegisterMethod("reload", func(any) error {
		if s.opts.Reload == nil {
			s.logger.Info("Reload requested by host")
			return nil
		}
		s.opts.Reload()
		return nil
	})
	reg.RegisterMethod("start", func(params any) error {
		name, err := injectorName(params)
		if err != nil {
			return err
		}
		s.startRunner(reg, name)
		return nil
	})
	reg.RegisterMethod("stop", func(params any) error {
		name, err := injectorName(params)
		if err != nil {
			return err
		}
		s.stopRunner(reg, name)
		return nil
	})
}

func injectorName(params any) (string, error) {
	m, ok := params.(map[string]any)
	if ok {
		if name, ok := m["injectorName"].(string); ok && name != "" {
			return name, nil
		}
	}
	return "", proto.NewError(proto.ErrCodeProtocol, "missing injectorName", nil)
}

// startRunner asks the host for a runner's settings and runs it.
func (s *Session) startRunner(reg *Registry, name string) {
	runner := s.runners[name]
	data := ""
	if runner != nil && runner.Parameters != nil {
		params, err := codec.Encode(runner.Parameters)
		if err == nil {
			data, _ = codec.Encode(proto.PluginInitData{Plugin: name, Parameters: params})
		}
	}

	reg.tr.Call(proto.CommandStart, name, data, true, func(resp proto.Response) {
		if runner == nil || resp.Parameters == "" {
			return
		}
		var settings proto.PluginSettings
		if err := codec.DecodeInto(resp.Parameters, &settings); err != nil {
			s.LogError(err, name)
			return
		}
		s.runRunner(runner, settings)
	}, func(err error) {
		s.logger.Warn("Start runner failed", "plugin", name, "error", err.Error())
		s.notifyConnectionError(runner)
	})
}

func (s *Session) stopRunner(reg *Registry, name string) {
	runner := s.runners[name]
	reg.tr.Call(proto.CommandStop, name, "", true, func(proto.Response) {
		if runner != nil && runner.Stop != nil {
			runner.Stop(s)
		}
	}, func(err error) {
		s.logger.Warn("Stop runner failed", "plugin", name, "error", err.Error())
	})
}

// Log forwards msg to the host while connected, otherwise to the local
// logger.
func (s *Session) Log(msg string) {
	if !s.IsConnected() {
		s.logger.Info("Session log", "message", msg)
		return
	}
	s.registry.tr.SendLog(clip(msg, s.opts.LogLimit))
}

// LogError reports err on behalf of injector, "common" when empty.
func (s *Session) LogError(err error, injector string) {
	if injector == "" {
		injector = "common"
	}
	if !s.IsConnected() {
		s.logger.Warn("Session error", "plugin", injector, "error", err.Error())
		return
	}
	data, encErr := codec.Encode(proto.LogErrorPayload{Error: err.Error(), Injector: injector})
	if encErr != nil {
		return
	}
	s.registry.tr.Call(proto.CommandLogError, "", data, true, nil, nil)
}

// UnhandledException forwards a fault report with long fields clipped.
func (s *Session) UnhandledException(info proto.ExceptionInfo) {
	if !s.IsConnected() {
		s.logger.Error("Unhandled exception", "error", info.Error, "script", info.Script, "stack", info.Stack)
		return
	}
	info.Error = clip(info.Error, exceptionFieldLimit)
	info.Script = clip(info.Script, exceptionFieldLimit)
	info.Stack = clip(info.Stack, s.opts.LogLimit)
	data, err := codec.Encode(info)
	if err != nil {
		return
	}
	s.registry.tr.Call(proto.CommandExcept, "", data, true, nil, nil)
}

// clip shortens s to at most limit bytes, marking the cut with an
// ellipsis and never splitting a UTF-8 sequence.
func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - len(ellipsis)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}
