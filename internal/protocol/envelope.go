// Package protocol defines the relay wire envelope.
//
// Every frame is one JSON object discriminated by "message_type":
//
//	{"message_type":"SUBSCRIBE","event_kind":"task.updated"}
//	{"message_type":"UNSUBSCRIBE","event_kind":"task.updated"}
//	{"message_type":"SUBSCRIBED","event_kind":"task.updated"}
//	{"message_type":"UNSUBSCRIBED","event_kind":"task.updated"}
//	{"message_type":"ERROR","error":{"code":"PARSE_ERROR","message":"...","correlation_id":"..."}}
//	{"message_type":"CLIENT_EVENT","event":{"kind":"ping","timestamp":"..."}}
//	{"message_type":"SERVER_EVENT","event":{"kind":"pong","timestamp":"..."}}
//
// Exactly one of event_kind, error and event is populated, as selected by the
// message type.
package protocol

import (
	"fmt"

	"github.com/alejoacosta74/busrelay/internal/events"
)

// MessageType is the envelope discriminator.
type MessageType string

const (
	TypeSubscribe    MessageType = "SUBSCRIBE"
	TypeUnsubscribe  MessageType = "UNSUBSCRIBE"
	TypeSubscribed   MessageType = "SUBSCRIBED"
	TypeUnsubscribed MessageType = "UNSUBSCRIBED"
	TypeError        MessageType = "ERROR"
	TypeClientEvent  MessageType = "CLIENT_EVENT"
	TypeServerEvent  MessageType = "SERVER_EVENT"
)

// ErrorCode classifies an ERROR envelope.
type ErrorCode string

const (
	CodeParseError         ErrorCode = "PARSE_ERROR"
	CodeInvalidEvent       ErrorCode = "INVALID_EVENT"
	CodeUnknownKind        ErrorCode = "UNKNOWN_KIND"
	CodeUnsupportedMessage ErrorCode = "UNSUPPORTED_MESSAGE"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
)

// ErrorBody is the payload of an ERROR envelope.
type ErrorBody struct {
	Code          ErrorCode `json:"code"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func (e *ErrorBody) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Envelope is one relay message. Build envelopes with the constructors below
// so that only the field matching Type is set.
type Envelope struct {
	Type  MessageType   `json:"message_type"`
	Kind  events.Kind   `json:"event_kind,omitempty"`
	Event *events.Event `json:"event,omitempty"`
	Error *ErrorBody    `json:"error,omitempty"`
}

// Subscribe asks the server to forward events of kind.
func Subscribe(kind events.Kind) Envelope {
	return Envelope{Type: TypeSubscribe, Kind: kind}
}

// Unsubscribe asks the server to stop forwarding events of kind.
func Unsubscribe(kind events.Kind) Envelope {
	return Envelope{Type: TypeUnsubscribe, Kind: kind}
}

// Subscribed acknowledges a SUBSCRIBE.
func Subscribed(kind events.Kind) Envelope {
	return Envelope{Type: TypeSubscribed, Kind: kind}
}

// Unsubscribed acknowledges an UNSUBSCRIBE.
func Unsubscribed(kind events.Kind) Envelope {
	return Envelope{Type: TypeUnsubscribed, Kind: kind}
}

// Error reports a problem with a frame the peer sent.
func Error(code ErrorCode, message, correlationID string) Envelope {
	return Envelope{Type: TypeError, Error: &ErrorBody{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
	}}
}

// ClientEvent wraps an event originating in the UI process.
func ClientEvent(ev events.Event) Envelope {
	return Envelope{Type: TypeClientEvent, Event: &ev}
}

// ServerEvent wraps an event originating in the workspace process.
func ServerEvent(ev events.Event) Envelope {
	return Envelope{Type: TypeServerEvent, Event: &ev}
}

// Validate checks that exactly the field selected by Type is populated.
func (e Envelope) Validate() error {
	hasKind, hasEvent, hasError := e.Kind != "", e.Event != nil, e.Error != nil
	switch e.Type {
	case TypeSubscribe, TypeUnsubscribe, TypeSubscribed, TypeUnsubscribed:
		if !hasKind || hasEvent || hasError {
			return fmt.Errorf("%s requires event_kind only", e.Type)
		}
	case TypeError:
		if !hasError || hasKind || hasEvent {
			return fmt.Errorf("%s requires error only", e.Type)
		}
		if e.Error.Code == "" {
			return fmt.Errorf("%s requires an error code", e.Type)
		}
	case TypeClientEvent, TypeServerEvent:
		if !hasEvent || hasKind || hasError {
			return fmt.Errorf("%s requires event only", e.Type)
		}
	case "":
		return fmt.Errorf("missing message_type")
	default:
		return fmt.Errorf("unknown message_type %q", e.Type)
	}
	return nil
}
