package proto

// Command verbs carried in Message.Command.
const (
	CommandInit      = "init"
	CommandTo        = "to"
	CommandFrom      = "from"
	CommandLog       = "log"
	CommandLogError  = "logerr"
	CommandExcept    = "except"
	CommandShutdown  = "shutdown"
	CommandReconnect = "reconnect"
	CommandRestore   = "restore"
	CommandStart     = "start"
	CommandStop      = "stop"
	CommandLongWait  = "longpooling"
)

// Polling modes a host may choose during the handshake.
const (
	ModePingPong = "ping-pong"
	ModeLongWait = "long-wait"
)

// ServiceType is the mDNS service a host advertises.
const ServiceType = "_hostlink._tcp"

// ResultRetry asks the client to re-issue the same HTTP request.
const ResultRetry = -1610612735

// Message is the envelope exchanged with the host in both directions.
type Message struct {
	CallID           int    `json:"callId"`           // 0 when no response is expected
	Command          string `json:"command"`          // "init", "to", "from", "reconnect", ...
	CommandAttribute string `json:"commandAttribute"` // method name for "to"
	CommandData      string `json:"commandData"`      // encoded payload, often nested
}

// Response is the decoded reply to an outbound call.
type Response struct {
	Result     int    `json:"result"`
	Parameters string `json:"parameters,omitempty"` // encoded arguments
	Method     string `json:"method,omitempty"`
}

// OutboundCall is the commandData of a "to" message.
type OutboundCall struct {
	Result     int    `json:"result"`
	Method     string `json:"method"`
	Parameters string `json:"parameters"`
}

// InboundCall is the commandData of a "from" message.
type InboundCall struct {
	Method     string `json:"method"`
	Parameters string `json:"parameters,omitempty"`
}

// LogErrorPayload is the commandData of a "logerr" message.
type LogErrorPayload struct {
	Error    string `json:"error"`
	Injector string `json:"injector"`
}

// ExceptionInfo describes an unhandled fault reported with "except".
type ExceptionInfo struct {
	Error  string `json:"error"`
	Script string `json:"script,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
	Stack  string `json:"stack,omitempty"`
}
