package transport

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope actions.
const (
	ActionPublish     = "publish"
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// ErrInvalidEnvelope is returned for frames that do not decode.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope is one WebSocket text frame.
//
//	{"action":"publish","topic":"$aws/things/t1/shadow/get","clientToken":"...","payload":{...}}
//
// Subscribe frames carry the thing name in Topic.
type Envelope struct {
	Action      string          `json:"action,omitempty"`
	Topic       string          `json:"topic"`
	ClientToken string          `json:"clientToken,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals e.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a frame. An empty action means publish.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if e.Action == "" {
		e.Action = ActionPublish
	}
	switch e.Action {
	case ActionPublish, ActionSubscribe, ActionUnsubscribe:
	default:
		return Envelope{}, fmt.Errorf("%w: action %q", ErrInvalidEnvelope, e.Action)
	}
	if e.Topic == "" {
		return Envelope{}, fmt.Errorf("%w: missing topic", ErrInvalidEnvelope)
	}
	return e, nil
}

// errorPayload is the body of a rejected response.
type errorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
