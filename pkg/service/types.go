package service

import (
	"context"
	"errors"
	"strings"

	"github.com/shadowlink/shadowlink-go/pkg/challenge"
	"github.com/shadowlink/shadowlink-go/pkg/connection"
	"github.com/shadowlink/shadowlink-go/pkg/customauth"
	"github.com/shadowlink/shadowlink-go/pkg/directory"
	"github.com/shadowlink/shadowlink-go/pkg/shadow"
)

// Service errors.
var (
	ErrClosed           = errors.New("service closed")
	ErrNotSignedIn      = errors.New("not signed in")
	ErrAlreadySignedIn  = errors.New("already signed in")
	ErrMissingProvider  = errors.New("missing identity provider")
	ErrMissingTransport = errors.New("missing shadow transport")
)

// Transport is the shadow service connection used by the client.
// transport.Client implements it.
type Transport interface {
	connection.Dialer
	shadow.Transport
	OnShadowEvent(fn shadow.EventHandler)
	Close() error
}

// DirectoryOpener returns the device directory of a signed-in user.
type DirectoryOpener func(ctx context.Context, username string) (directory.Directory, error)

// State is the account state of a ClientService.
type State uint8

const (
	// StateSignedOut means no account is active.
	StateSignedOut State = iota

	// StateAuthenticating means a login session is running.
	StateAuthenticating

	// StateSignedIn means an identity is available.
	StateSignedIn

	// StateClosed is terminal.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateSignedOut:
		return "SIGNED_OUT"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateSignedIn:
		return "SIGNED_IN"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// EventType identifies a service event.
type EventType uint8

const (
	// EventAuthState - the login session changed state.
	EventAuthState EventType = iota

	// EventChallenge - a challenge awaits an answer.
	EventChallenge

	// EventSignedIn - the session completed.
	EventSignedIn

	// EventLoginFailed - the session failed or was cancelled.
	EventLoginFailed

	// EventSignedOut - the account was torn down.
	EventSignedOut

	// EventConnection - the shadow connection changed state.
	EventConnection

	// EventDevicesSubscribed - the paired devices were registered.
	EventDevicesSubscribed

	// EventShadow - a device shadow changed.
	EventShadow

	// EventError - a background step failed.
	EventError
)

// String returns the event type name.
func (e EventType) String() string {
	switch e {
	case EventAuthState:
		return "AUTH_STATE"
	case EventChallenge:
		return "CHALLENGE"
	case EventSignedIn:
		return "SIGNED_IN"
	case EventLoginFailed:
		return "LOGIN_FAILED"
	case EventSignedOut:
		return "SIGNED_OUT"
	case EventConnection:
		return "CONNECTION"
	case EventDevicesSubscribed:
		return "DEVICES_SUBSCRIBED"
	case EventShadow:
		return "SHADOW"
	case EventError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event represents a service event.
type Event struct {
	// Type is the event type.
	Type EventType

	// Username is the account the event belongs to.
	Username string

	// AuthState is the session state (EventAuthState).
	AuthState customauth.State

	// Challenge is the pending challenge (EventChallenge).
	Challenge *challenge.Challenge

	// Connection is the connection state (EventConnection).
	Connection connection.State

	// Devices are the subscribed devices (EventDevicesSubscribed).
	Devices []string

	// Shadow is the changed device (EventShadow).
	Shadow shadow.State

	// Error is set for EventLoginFailed and EventError. A cancelled
	// login carries customauth.ErrUserCancelled.
	Error error
}

// EventHandler handles service events.
type EventHandler func(Event)

// signUpAttributes registers the username as email address when it
// looks like one, so one-time codes have a destination.
func signUpAttributes(username string) map[string]string {
	if strings.Contains(username, "@") {
		return map[string]string{"email": username}
	}
	return nil
}
