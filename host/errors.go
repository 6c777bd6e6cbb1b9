package host

import "fmt"

// ErrorCode is the taxonomy of failures the host reports back to a relay
// or peer caller as an ERR frame.
type ErrorCode string

const (
	ErrProtocol          ErrorCode = "PROTOCOL_ERROR"
	ErrInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrNoHandler         ErrorCode = "NO_HANDLER"
	ErrSpawnFailed       ErrorCode = "SPAWN_FAILED"
	ErrPluginDied        ErrorCode = "PLUGIN_DIED"
	ErrHandlerError      ErrorCode = "HANDLER_ERROR"
	ErrInvalidCapURN     ErrorCode = "INVALID_CAP_URN"
	ErrPeerInvokeUnsup   ErrorCode = "peer-invoke-not-supported"
)

// RouteError pairs a wire-level ErrorCode with a human-readable cause. The
// router in this package reports its own failures directly as ERR frames
// and does not return RouteError from any operation.
type RouteError struct {
	Code    ErrorCode
	Message string
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func routeErr(code ErrorCode, format string, args ...interface{}) *RouteError {
	return &RouteError{Code: code, Message: fmt.Sprintf(format, args...)}
}
