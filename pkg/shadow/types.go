package shadow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Shadow errors.
var (
	ErrMalformedPayload = errors.New("malformed shadow payload")
	ErrInvalidTopic     = errors.New("invalid shadow topic")
	ErrInvalidDevice    = errors.New("invalid device id")
	ErrInvalidValue     = errors.New("invalid temperature value")
)

// Operation is a shadow operation.
type Operation uint8

const (
	OpGet Operation = iota
	OpUpdate
	OpDelete
)

// String returns the topic segment for the operation.
func (o Operation) String() string {
	switch o {
	case OpGet:
		return "get"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ParseOperation parses a topic segment.
func ParseOperation(s string) (Operation, error) {
	switch s {
	case "get":
		return OpGet, nil
	case "update":
		return OpUpdate, nil
	case "delete":
		return OpDelete, nil
	default:
		return 0, fmt.Errorf("%w: unknown operation %q", ErrInvalidTopic, s)
	}
}

// Status is the outcome carried by a shadow notification.
type Status uint8

const (
	StatusAccepted Status = iota
	StatusRejected
	StatusDelta
	StatusDocuments

	// StatusForeignUpdate marks an accepted response to another client's
	// request. It carries state like StatusAccepted.
	StatusForeignUpdate

	// StatusTimeout is raised locally when a request got no response.
	StatusTimeout
)

// String returns the status name. Accepted, rejected, delta and documents
// are also topic segments.
func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	case StatusDelta:
		return "delta"
	case StatusDocuments:
		return "documents"
	case StatusForeignUpdate:
		return "foreign-update"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ParseStatus parses a topic segment.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "accepted":
		return StatusAccepted, nil
	case "rejected":
		return StatusRejected, nil
	case "delta":
		return StatusDelta, nil
	case "documents":
		return StatusDocuments, nil
	default:
		return 0, fmt.Errorf("%w: unknown status %q", ErrInvalidTopic, s)
	}
}

// Source records which kind of event last changed a State.
type Source uint8

const (
	SourceNone Source = iota
	SourceGet
	SourceUpdate
	SourceDelta
	SourceDocuments

	// SourceLocal marks an optimistic local edit not yet confirmed.
	SourceLocal
)

var sourceNames = map[Source]string{
	SourceNone:      "NONE",
	SourceGet:       "GET",
	SourceUpdate:    "UPDATE",
	SourceDelta:     "DELTA",
	SourceDocuments: "DOCUMENTS",
	SourceLocal:     "LOCAL",
}

// String returns the source name.
func (s Source) String() string {
	if name, ok := sourceNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// MarshalText implements encoding.TextMarshaler.
func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Source) UnmarshalText(b []byte) error {
	for src, name := range sourceNames {
		if name == string(b) {
			*s = src
			return nil
		}
	}
	return fmt.Errorf("unknown shadow source %q", b)
}

// State is the reconciled view of one device shadow.
type State struct {
	DeviceID            string    `json:"device_id"`
	DesiredTemp         float64   `json:"desired_temp"`
	ReportedTemp        *float64  `json:"reported_temp,omitempty"`
	LastUpdateSource    Source    `json:"last_update_source"`
	LastUpdateTimestamp time.Time `json:"last_update_timestamp"`

	// Version is the shadow document version, 0 when unknown.
	Version int64 `json:"version,omitempty"`
}

// Reported returns the reported temperature, if known.
func (s State) Reported() (float64, bool) {
	if s.ReportedTemp == nil {
		return 0, false
	}
	return *s.ReportedTemp, true
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := s
	if s.ReportedTemp != nil {
		v := *s.ReportedTemp
		out.ReportedTemp = &v
	}
	return out
}

// RegisterOptions controls which notifications a registration receives.
type RegisterOptions struct {
	// Delta subscribes to update/delta.
	Delta bool

	// Documents subscribes to update/documents.
	Documents bool

	// Timeout bounds how long get/update requests wait for a response
	// before a StatusTimeout event is raised. Zero disables timeouts.
	Timeout time.Duration
}

// DefaultRegisterOptions returns the options used by the connection supervisor.
func DefaultRegisterOptions() RegisterOptions {
	return RegisterOptions{
		Delta:     true,
		Documents: true,
		Timeout:   10 * time.Second,
	}
}

// Updater sends desired-state updates upstream.
type Updater interface {
	UpdateShadow(ctx context.Context, deviceID string, payload []byte) error
}

// Transport is the shadow service connection.
type Transport interface {
	Updater

	// RegisterShadow subscribes to the notifications of one device.
	RegisterShadow(ctx context.Context, deviceID string, opts RegisterOptions) error

	// GetShadow requests the full document. The response arrives as a
	// get/accepted or get/rejected event.
	GetShadow(ctx context.Context, deviceID, clientToken string) error
}

// EventHandler receives shadow notifications. Reconciler.OnShadowEvent
// has this signature.
type EventHandler func(deviceID string, op Operation, status Status, payload []byte)
