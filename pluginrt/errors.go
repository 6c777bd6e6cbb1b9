package pluginrt

import "fmt"

// ErrorCode mirrors the taxonomy a host expects on an ERR frame; pluginrt
// uses the identical string values so a request failing on either side of
// the pipe reports the same code.
type ErrorCode string

const (
	ErrProtocol        ErrorCode = "PROTOCOL_ERROR"
	ErrInvalidRequest  ErrorCode = "INVALID_REQUEST"
	ErrNoHandler       ErrorCode = "NO_HANDLER"
	ErrHandlerError    ErrorCode = "HANDLER_ERROR"
	ErrInvalidCapURN   ErrorCode = "INVALID_CAP_URN"
	ErrCorruptedData   ErrorCode = "CORRUPTED_DATA"
	ErrPeerInvokeUnsup ErrorCode = "peer-invoke-not-supported"
)

// handlerError wraps a code alongside a handler's own error so the request
// dispatcher can pick the ERR code without inspecting error strings.
type handlerError struct {
	code    ErrorCode
	message string
}

func (e *handlerError) Error() string { return fmt.Sprintf("%s: %s", e.code, e.message) }

// Fail builds an error a handler can return from its HandlerFunc to control
// the ERR code reported back to the caller, instead of always surfacing as
// HANDLER_ERROR.
func Fail(code ErrorCode, format string, args ...interface{}) error {
	return &handlerError{code: code, message: fmt.Sprintf(format, args...)}
}

func errorCodeOf(err error) (ErrorCode, string) {
	if he, ok := err.(*handlerError); ok {
		return he.code, he.message
	}
	return ErrHandlerError, err.Error()
}
