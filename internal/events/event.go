package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnknownKind is returned when an event names a kind outside both namespaces.
	ErrUnknownKind = errors.New("unknown event kind")
	// ErrInvalidEvent is returned when an event is structurally unusable.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrHandlerPanic wraps a panic recovered from a handler.
	ErrHandlerPanic = errors.New("event handler panicked")
)

// Event is an immutable, tagged record. Payload always holds a value (never a
// pointer) of the payload type registered for Kind.
//
// On the wire an event is a single flat JSON object:
//
//	{"kind":"task.created","timestamp":"...","correlation_id":"...","task_id":"t1","title":"..."}
type Event struct {
	Kind          Kind
	Timestamp     time.Time
	CorrelationID string
	Payload       Payload
}

// Option customizes an event built by New.
type Option func(*Event)

// WithCorrelationID threads ev into the causal chain identified by id.
func WithCorrelationID(id string) Option {
	return func(e *Event) {
		e.CorrelationID = id
	}
}

// WithTimestamp overrides the creation time. Mostly useful in tests.
func WithTimestamp(ts time.Time) Option {
	return func(e *Event) {
		e.Timestamp = ts
	}
}

// New builds an event for payload, stamped with the current UTC time.
// A nil payload yields an event without a kind, which Validate rejects and
// Publish delivers to nobody.
func New(payload Payload, opts ...Option) Event {
	payload = derefPayload(payload)
	e := Event{
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	if payload != nil {
		e.Kind = payload.Kind()
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// NewCorrelationID returns a fresh correlation identifier.
func NewCorrelationID() string {
	return uuid.NewString()
}

// Namespace is a shorthand for e.Kind.Namespace.
func (e Event) Namespace() (Namespace, bool) {
	return e.Kind.Namespace()
}

// Validate checks that the event is well formed: known kind, a timestamp and
// a payload matching the kind.
func (e Event) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: %s has no timestamp", ErrInvalidEvent, e.Kind)
	}
	if e.Payload == nil {
		return fmt.Errorf("%w: %s has no payload", ErrInvalidEvent, e.Kind)
	}
	if e.Payload.Kind() != e.Kind {
		return fmt.Errorf("%w: payload %T does not belong to %s", ErrInvalidEvent, e.Payload, e.Kind)
	}
	return nil
}

type eventHeader struct {
	Kind          Kind      `json:"kind"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// MarshalJSON flattens the header and payload fields into one object.
func (e Event) MarshalJSON() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	head, err := json.Marshal(eventHeader{
		Kind:          e.Kind,
		Timestamp:     e.Timestamp,
		CorrelationID: e.CorrelationID,
	})
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Kind, err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("%w: %s payload is not a JSON object", ErrInvalidEvent, e.Kind)
	}
	if len(body) == 2 {
		return head, nil
	}
	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

// UnmarshalJSON decodes a flat event object, selecting the payload type by kind.
func (e *Event) UnmarshalJSON(data []byte) error {
	var head eventHeader
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	factory, ok := payloadFactories[head.Kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, head.Kind)
	}
	p := factory()
	if err := json.Unmarshal(data, p); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidEvent, head.Kind, err)
	}
	decoded := Event{
		Kind:          head.Kind,
		Timestamp:     head.Timestamp,
		CorrelationID: head.CorrelationID,
		Payload:       derefPayload(p),
	}
	if err := decoded.Validate(); err != nil {
		return err
	}
	*e = decoded
	return nil
}

// derefPayload stores payloads by value so that type switches on
// Event.Payload see the same type regardless of how the event was built.
func derefPayload(p Payload) Payload {
	v := reflect.ValueOf(p)
	if v.Kind() == reflect.Pointer && v.IsNil() {
		return nil
	}
	if v.Kind() == reflect.Pointer {
		if inner, ok := v.Elem().Interface().(Payload); ok {
			return inner
		}
	}
	return p
}
