package client

import "fmt"

type State int

const (
	Uninitialized State = iota
	Initializing
	Active
	Degraded
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Active:
		return "active"
	case Degraded:
		return "degraded"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Event int

const (
	EventInitStarted Event = iota
	EventHandshakeOK
	EventHandshakeFailed
	EventTransportError
	EventWatchdogFired
	EventAllPluginsUnregistered
	EventCloseRequested
)

func (e Event) String() string {
	switch e {
	case EventInitStarted:
		return "initStarted"
	case EventHandshakeOK:
		return "handshakeOK"
	case EventHandshakeFailed:
		return "handshakeFailed"
	case EventTransportError:
		return "transportError"
	case EventWatchdogFired:
		return "watchdogFired"
	case EventAllPluginsUnregistered:
		return "allPluginsUnregistered"
	case EventCloseRequested:
		return "closeRequested"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// transition returns the session state after ev. Events that do not
// apply to the current state leave it unchanged.
func transition(s State, ev Event) State {
	switch ev {
	case EventInitStarted:
		return Initializing
	case EventHandshakeOK:
		if s == Initializing {
			return Active
		}
	case EventHandshakeFailed:
		if s == Initializing {
			return Uninitialized
		}
	case EventTransportError:
		switch s {
		case Active:
			return Degraded
		case Initializing:
			return Uninitialized
		}
	case EventWatchdogFired:
		switch s {
		case Active, Initializing, Closed:
			return Degraded
		}
	case EventAllPluginsUnregistered, EventCloseRequested:
		return Closed
	}
	return s
}
