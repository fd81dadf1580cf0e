package patchbay

import "fmt"

// Status is the result of a connection operation. Zero means success; all
// failures are negative so that raw error codes from the routing service or
// the descriptor transfer can travel through unchanged.
type Status int

const (
	// StatusSuccess indicates the operation completed.
	StatusSuccess Status = 0
	// StatusFailure is the generic failure code, also used when the native
	// binding rejects the handshake.
	StatusFailure Status = -1
	// StatusVersionMismatch indicates the service speaks a different
	// protocol version than the module type expects.
	StatusVersionMismatch Status = -2
	// StatusNoSuchModule indicates an operation referenced a name the
	// service does not know.
	StatusNoSuchModule Status = -3
	// StatusNameInvalid indicates an empty or malformed module name.
	StatusNameInvalid Status = -4
	// StatusTooManyModules indicates the service's module table is full.
	StatusTooManyModules Status = -5
	// StatusChannelMismatch indicates a re-bind attempt declared channel
	// counts different from the live registration.
	StatusChannelMismatch Status = -6
)

// OK reports whether the status represents success.
func (s Status) OK() bool {
	return s == StatusSuccess
}

// String renders the status for logs and error messages.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusVersionMismatch:
		return "protocol version mismatch"
	case StatusNoSuchModule:
		return "no such module"
	case StatusNameInvalid:
		return "invalid module name"
	case StatusTooManyModules:
		return "module table full"
	case StatusChannelMismatch:
		return "channel count mismatch"
	default:
		return fmt.Sprintf("error %d", int(s))
	}
}
