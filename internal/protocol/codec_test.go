package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/alejoacosta74/busrelay/internal/events"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestEncode(t *testing.T) {
	ping := events.New(events.Ping{Nonce: "n"}, events.WithTimestamp(testTime), events.WithCorrelationID("c1"))

	tests := []struct {
		name     string
		envelope Envelope
		want     string
	}{
		{
			name:     "subscribe",
			envelope: Subscribe(events.KindTaskUpdated),
			want:     `{"message_type":"SUBSCRIBE","event_kind":"task.updated"}`,
		},
		{
			name:     "unsubscribed",
			envelope: Unsubscribed(events.KindTaskUpdated),
			want:     `{"message_type":"UNSUBSCRIBED","event_kind":"task.updated"}`,
		},
		{
			name:     "error with correlation id",
			envelope: Error(CodeInvalidEvent, "not a client event", "c9"),
			want:     `{"message_type":"ERROR","error":{"code":"INVALID_EVENT","message":"not a client event","correlation_id":"c9"}}`,
		},
		{
			name:     "client event",
			envelope: ClientEvent(ping),
			want:     `{"message_type":"CLIENT_EVENT","event":{"kind":"ping","timestamp":"2024-05-01T12:00:00Z","correlation_id":"c1","nonce":"n"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.envelope)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))

			decoded, err := Decode(data)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.envelope, decoded); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncode_RejectsMixedShapes(t *testing.T) {
	ev := events.New(events.Ping{}, events.WithTimestamp(testTime))
	bad := []Envelope{
		{Type: TypeSubscribe},
		{Type: TypeClientEvent},
		{Type: TypeError, Error: &ErrorBody{Code: CodeParseError}, Event: &ev},
		{Type: TypeServerEvent, Event: &ev, Kind: events.KindPong},
		{Type: "BOGUS", Kind: events.KindPing},
	}
	for _, env := range bad {
		_, err := Encode(env)
		assert.ErrorIs(t, err, ErrEncode, "envelope %+v", env)
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantErr     error
		wantCorrID  string
		wantMsgType MessageType
	}{
		{name: "not json", input: `hello`, wantErr: ErrDecode},
		{name: "missing message type", input: `{"event_kind":"ping"}`, wantErr: ErrDecode},
		{name: "unknown message type", input: `{"message_type":"HELLO"}`, wantErr: ErrDecode},
		{name: "subscribe without kind", input: `{"message_type":"SUBSCRIBE"}`, wantErr: ErrDecode},
		{name: "event and error together", input: `{"message_type":"ERROR","error":{"code":"X","message":""},"event":{"kind":"ping"}}`, wantErr: ErrDecode},
		{name: "null event", input: `{"message_type":"CLIENT_EVENT","event":null}`, wantErr: ErrDecode},
		{
			name:        "unknown event kind",
			input:       `{"message_type":"CLIENT_EVENT","event":{"kind":"Foo","timestamp":"2024-05-01T12:00:00Z","correlation_id":"c7"}}`,
			wantErr:     events.ErrUnknownKind,
			wantCorrID:  "c7",
			wantMsgType: TypeClientEvent,
		},
		{
			name:        "event missing timestamp",
			input:       `{"message_type":"SERVER_EVENT","event":{"kind":"pong"}}`,
			wantErr:     ErrInvalidEvent,
			wantMsgType: TypeServerEvent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Decode([]byte(tt.input))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			var evErr *EventError
			if errors.As(err, &evErr) {
				assert.ErrorIs(t, err, ErrInvalidEvent)
				assert.Equal(t, tt.wantCorrID, evErr.CorrelationID)
				assert.Equal(t, tt.wantMsgType, env.Type)
			} else {
				assert.Empty(t, tt.wantMsgType, "expected an *EventError")
			}
		})
	}
}
