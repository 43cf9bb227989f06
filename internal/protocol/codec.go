package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alejoacosta74/busrelay/internal/events"
)

// Codec errors
var (
	// ErrEncode is returned when an envelope cannot be serialized.
	ErrEncode = errors.New("failed to encode envelope")
	// ErrDecode is returned when a frame is not a well-formed envelope.
	ErrDecode = errors.New("failed to decode envelope")
	// ErrInvalidEvent is returned when the envelope is well formed but the
	// event it carries is not.
	ErrInvalidEvent = errors.New("invalid event in envelope")
)

// EventError reports an envelope whose event failed to decode. CorrelationID
// is recovered on a best-effort basis so that the ERROR reply can carry it.
type EventError struct {
	Type          MessageType
	CorrelationID string
	Err           error
}

func (e *EventError) Error() string {
	return fmt.Sprintf("%s: %v", e.Type, e.Err)
}

func (e *EventError) Unwrap() []error {
	return []error{ErrInvalidEvent, e.Err}
}

// rawEnvelope defers event decoding so a bad event can be told apart from a
// bad frame.
type rawEnvelope struct {
	Type  MessageType     `json:"message_type"`
	Kind  events.Kind     `json:"event_kind,omitempty"`
	Event json.RawMessage `json:"event,omitempty"`
	Error *ErrorBody      `json:"error,omitempty"`
}

// Encode validates and serializes an envelope.
func Encode(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, errors.Join(ErrEncode, err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Join(ErrEncode, err)
	}
	return data, nil
}

// Decode parses one frame. Structural problems wrap ErrDecode; an event that
// does not decode yields an *EventError wrapping ErrInvalidEvent, together with
// the partially decoded envelope (Type set, Event nil).
func Decode(data []byte) (Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, errors.Join(ErrDecode, err)
	}

	hasEvent := len(raw.Event) > 0 && !bytes.Equal(bytes.TrimSpace(raw.Event), []byte("null"))
	shape := Envelope{Type: raw.Type, Kind: raw.Kind, Error: raw.Error}
	if hasEvent {
		shape.Event = &events.Event{}
	}
	if err := shape.Validate(); err != nil {
		return Envelope{}, errors.Join(ErrDecode, err)
	}
	if !hasEvent {
		return shape, nil
	}

	var ev events.Event
	if err := json.Unmarshal(raw.Event, &ev); err != nil {
		return Envelope{Type: raw.Type}, &EventError{
			Type:          raw.Type,
			CorrelationID: peekCorrelationID(raw.Event),
			Err:           err,
		}
	}
	shape.Event = &ev
	return shape, nil
}

func peekCorrelationID(data []byte) string {
	var head struct {
		CorrelationID string `json:"correlation_id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return ""
	}
	return head.CorrelationID
}
