package proto

import "errors"

// Error represents structured errors raised by the RPC core.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"cause,omitempty"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError builds an Error with the given code.
func NewError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Error codes
const (
	ErrCodeTransportUnavailable = "TRANSPORT_UNAVAILABLE"
	ErrCodeCallTimeout          = "CALL_TIMEOUT"
	ErrCodeProtocol             = "PROTOCOL_ERROR"
	ErrCodeHandlerFault         = "HANDLER_FAULT"
	ErrCodeDuplicateMethod      = "DUPLICATE_METHOD"
	ErrCodeDuplicatePlugin      = "DUPLICATE_PLUGIN"
	ErrCodeInvalidTarget        = "INVALID_TARGET"
	ErrCodeNotConnected         = "NOT_CONNECTED"
	ErrCodeTransportClosed      = "TRANSPORT_CLOSED"
	ErrCodeSyntax               = "SYNTAX_ERROR"
	ErrCodeCyclicStructure      = "CYCLIC_STRUCTURE"
)

// Sentinels for errors.Is.
var (
	ErrTransportUnavailable = &Error{Code: ErrCodeTransportUnavailable, Message: "no transport completed a handshake"}
	ErrCallTimeout          = &Error{Code: ErrCodeCallTimeout, Message: "call timeout"}
	ErrProtocol             = &Error{Code: ErrCodeProtocol, Message: "protocol error"}
	ErrHandlerFault         = &Error{Code: ErrCodeHandlerFault, Message: "handler fault"}
	ErrDuplicateMethod      = &Error{Code: ErrCodeDuplicateMethod, Message: "method already registered"}
	ErrDuplicatePlugin      = &Error{Code: ErrCodeDuplicatePlugin, Message: "plugin already active"}
	ErrInvalidTarget        = &Error{Code: ErrCodeInvalidTarget, Message: "no such plugin"}
	ErrNotConnected         = &Error{Code: ErrCodeNotConnected, Message: "transport is not connected"}
	ErrTransportClosed      = &Error{Code: ErrCodeTransportClosed, Message: "transport closed"}
	ErrSyntax               = &Error{Code: ErrCodeSyntax, Message: "syntax error"}
	ErrCyclicStructure      = &Error{Code: ErrCodeCyclicStructure, Message: "cyclic structure"}
)

// IsDuplicateRegistration reports whether err is one of the programming
// errors raised by double registration.
func IsDuplicateRegistration(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == ErrCodeDuplicateMethod || e.Code == ErrCodeDuplicatePlugin
}
