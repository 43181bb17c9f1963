package connection

import "errors"

// State represents the connection state.
type State uint8

const (
	// StateDisconnected indicates no connection and no attempt in progress.
	StateDisconnected State = iota

	// StateConnecting indicates a connection attempt is in progress.
	StateConnecting

	// StateConnected indicates an active connection.
	StateConnected

	// StateConnectionLost indicates an established connection dropped.
	StateConnectionLost

	// StateClosed indicates the owner has been closed.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateConnectionLost:
		return "CONNECTION_LOST"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// StatusCode is what a dialer reports about its connection.
type StatusCode uint8

const (
	StatusConnecting StatusCode = iota
	StatusConnected
	StatusDisconnected
	StatusConnectionError
)

// String returns the status name.
func (c StatusCode) String() string {
	switch c {
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusConnectionError:
		return "CONNECTION_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Status is one entry of a dialer's status stream.
type Status struct {
	Code StatusCode

	// Err is the cause for StatusDisconnected and StatusConnectionError.
	Err error
}

// Connection errors.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrAlreadyConnected = errors.New("already connected")
	ErrNotConnected     = errors.New("not connected")
	ErrInvalidClientID  = errors.New("invalid client id")
	ErrTransport        = errors.New("transport error")
)

// TransportError reports a failed connection or subscription step.
type TransportError struct {
	// Op is the failed step (connect, reconnect, list, register, get).
	Op string

	// Device is set for per-device steps.
	Device string

	Err error
}

func (e *TransportError) Error() string {
	msg := "transport: " + e.Op
	if e.Device != "" {
		msg += " " + e.Device
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrTransport) hold for every TransportError.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// Title returns the alert title for this error.
func (e *TransportError) Title() string {
	return "Connection Error"
}
