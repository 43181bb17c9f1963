package log

import (
	"time"
)

// Event represents a trace event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID correlates events of one auth session or connection (UUID).
	SessionID string `cbor:"2,keyasint"`

	// Direction indicates message flow relative to this client.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// Username is the user the session authenticates (auth layer).
	Username string `cbor:"6,keyasint,omitempty"`

	// DeviceID is the shadow device identifier (shadow layer).
	DeviceID string `cbor:"7,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	StateChange *StateChangeEvent `cbor:"10,keyasint,omitempty"`
	Challenge   *ChallengeEvent   `cbor:"11,keyasint,omitempty"`
	Shadow      *ShadowEvent      `cbor:"12,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"13,keyasint,omitempty"`
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates a message received from a remote service.
	DirectionIn Direction = 0
	// DirectionOut indicates a message sent to a remote service.
	DirectionOut Direction = 1
	// DirectionLocal indicates a purely local transition.
	DirectionLocal Direction = 2
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	case DirectionLocal:
		return "LOCAL"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which component captured the event.
type Layer uint8

const (
	// LayerAuth is the custom authentication session.
	LayerAuth Layer = 0
	// LayerShadow is the device shadow reconciler.
	LayerShadow Layer = 1
	// LayerConnection is the notification transport connection.
	LayerConnection Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerAuth:
		return "AUTH"
	case LayerShadow:
		return "SHADOW"
	case LayerConnection:
		return "CONNECTION"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage indicates a protocol message (challenge, shadow document).
	CategoryMessage Category = 0
	// CategoryState indicates a state change.
	CategoryState Category = 1
	// CategoryError indicates an error event.
	CategoryError Category = 2
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// StateChangeEvent captures session, connection and device lifecycle events.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntitySession indicates an auth session state change.
	StateEntitySession StateEntity = 0
	// StateEntityConnection indicates a connection state change.
	StateEntityConnection StateEntity = 1
	// StateEntityDevice indicates a device shadow state change.
	StateEntityDevice StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntitySession:
		return "SESSION"
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntityDevice:
		return "DEVICE"
	default:
		return "UNKNOWN"
	}
}

// ChallengeEvent captures one challenge round. Values are never recorded.
type ChallengeEvent struct {
	// Round is the 1-based challenge round.
	Round int `cbor:"1,keyasint"`

	// Keys lists the parameter (IN) or response (OUT) keys.
	Keys []string `cbor:"2,keyasint,omitempty"`

	// Automatic is set when the session answered without user input.
	Automatic bool `cbor:"3,keyasint,omitempty"`
}

// ShadowEvent captures a shadow notification or update request.
type ShadowEvent struct {
	// Operation is the shadow operation (GET, UPDATE, DELETE).
	Operation string `cbor:"1,keyasint"`

	// Status is the notification status (ACCEPTED, DELTA, ...).
	Status string `cbor:"2,keyasint,omitempty"`

	// Size is the payload size in bytes.
	Size int `cbor:"3,keyasint"`

	// Payload is the raw JSON document (may be truncated).
	Payload []byte `cbor:"4,keyasint,omitempty"`

	// Truncated indicates if Payload was truncated.
	Truncated bool `cbor:"5,keyasint,omitempty"`

	// Applied reports whether the reconciler changed state.
	Applied bool `cbor:"6,keyasint,omitempty"`
}

// MaxPayloadCapture bounds the payload bytes stored per ShadowEvent.
const MaxPayloadCapture = 4096

// NewShadowEvent builds a ShadowEvent, truncating large payloads.
func NewShadowEvent(operation, status string, payload []byte) *ShadowEvent {
	ev := &ShadowEvent{
		Operation: operation,
		Status:    status,
		Size:      len(payload),
	}
	if len(payload) > MaxPayloadCapture {
		ev.Payload = append([]byte(nil), payload[:MaxPayloadCapture]...)
		ev.Truncated = true
	} else {
		ev.Payload = append([]byte(nil), payload...)
	}
	return ev
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Kind is the error taxonomy name (e.g. MalformedPayload).
	Kind string `cbor:"3,keyasint,omitempty"`

	// Context describes what operation was being performed.
	Context string `cbor:"4,keyasint,omitempty"`
}
