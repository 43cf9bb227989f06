package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alejoacosta74/busrelay/internal/events"
	"github.com/alejoacosta74/busrelay/internal/events/mocks"
	"github.com/alejoacosta74/busrelay/internal/protocol"
	"github.com/golang/mock/gomock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveConnection wraps the server side of one socket in a Connection backed
// by pub and returns the peer end together with the Connection.
func serveConnection(t *testing.T, pub events.Publisher, cfg connConfig) (*websocket.Conn, *Connection) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	connCh := make(chan *Connection, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := newConnection("test-conn", ws, pub, cfg)
		connCh <- c
		c.Serve(context.Background())
	}))
	t.Cleanup(srv.Close)

	peer := dialPeer(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	select {
	case c := <-connCh:
		t.Cleanup(func() { c.Close() })
		return peer, c
	case <-time.After(frameTimeout):
		t.Fatal("connection was not established")
		return nil, nil
	}
}

// eventMatcher matches events by kind and correlation id.
type eventMatcher struct {
	kind          events.Kind
	correlationID string
}

func (m eventMatcher) Matches(x interface{}) bool {
	ev, ok := x.(events.Event)
	return ok && ev.Kind == m.kind && ev.CorrelationID == m.correlationID
}

func (m eventMatcher) String() string {
	return fmt.Sprintf("event %s with correlation id %q", m.kind, m.correlationID)
}

func TestConnection_SubscriptionMessages(t *testing.T) {
	ctrl := gomock.NewController(t)
	peer, conn := serveConnection(t, mocks.NewMockPublisher(ctrl), connConfig{})

	writeEnvelope(t, peer, protocol.Subscribe(events.KindTaskUpdated))
	ack := readEnvelope(t, peer)
	assert.Equal(t, protocol.Subscribed(events.KindTaskUpdated), ack)
	assert.True(t, conn.Subscribed(events.KindTaskUpdated))
	assert.Equal(t, []events.Kind{events.KindTaskUpdated}, conn.Subscriptions())

	writeEnvelope(t, peer, protocol.Unsubscribe(events.KindTaskUpdated))
	ack = readEnvelope(t, peer)
	assert.Equal(t, protocol.Unsubscribed(events.KindTaskUpdated), ack)
	assert.False(t, conn.Subscribed(events.KindTaskUpdated))
	assert.Empty(t, conn.Subscriptions())
}

func TestConnection_Errors(t *testing.T) {
	ts := "2024-05-01T12:00:00Z"

	tests := []struct {
		name       string
		frame      string
		wantCode   protocol.ErrorCode
		wantCorrID string
	}{
		{
			name:     "malformed json",
			frame:    `{"message_type":`,
			wantCode: protocol.CodeParseError,
		},
		{
			name:     "unknown message type",
			frame:    `{"message_type":"HELLO"}`,
			wantCode: protocol.CodeParseError,
		},
		{
			name:     "subscribe to unknown kind",
			frame:    `{"message_type":"SUBSCRIBE","event_kind":"Foo"}`,
			wantCode: protocol.CodeUnknownKind,
		},
		{
			name:       "client event of unknown kind",
			frame:      `{"message_type":"CLIENT_EVENT","event":{"kind":"Foo","timestamp":"` + ts + `","correlation_id":"c-foo"}}`,
			wantCode:   protocol.CodeInvalidEvent,
			wantCorrID: "c-foo",
		},
		{
			name:       "client event carrying a server kind",
			frame:      `{"message_type":"CLIENT_EVENT","event":{"kind":"task.created","timestamp":"` + ts + `","correlation_id":"c-srv","task_id":"t1"}}`,
			wantCode:   protocol.CodeInvalidEvent,
			wantCorrID: "c-srv",
		},
		{
			name:     "server event from a peer",
			frame:    `{"message_type":"SERVER_EVENT","event":{"kind":"pong","timestamp":"` + ts + `"}}`,
			wantCode: protocol.CodeUnsupportedMessage,
		},
		{
			name:     "acknowledgement from a peer",
			frame:    `{"message_type":"SUBSCRIBED","event_kind":"pong"}`,
			wantCode: protocol.CodeUnsupportedMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			// no Publish expectation: none of these frames may reach the bus
			pub := mocks.NewMockPublisher(ctrl)
			peer, conn := serveConnection(t, pub, connConfig{})

			writeRaw(t, peer, tt.frame)
			reply := readEnvelope(t, peer)
			require.Equal(t, protocol.TypeError, reply.Type)
			assert.Equal(t, tt.wantCode, reply.Error.Code)
			assert.Equal(t, tt.wantCorrID, reply.Error.CorrelationID)
			assert.NotEmpty(t, reply.Error.Message)

			// the connection survives a bad frame
			assert.False(t, conn.IsClosed())
			subscribePeer(t, peer, protocol.Subscribe(events.KindPong))
		})
	}
}

func TestConnection_ClientEventPublished(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := mocks.NewMockPublisher(ctrl)

	published := make(chan events.Event, 1)
	pub.EXPECT().
		Publish(gomock.Any(), eventMatcher{kind: events.KindChatSend, correlationID: "c1"}).
		DoAndReturn(func(_ context.Context, ev events.Event) error {
			published <- ev
			return nil
		}).
		Times(1)

	peer, _ := serveConnection(t, pub, connConfig{})
	ev := events.New(events.ChatSend{ChatID: "chat-1", Message: "hi"}, events.WithCorrelationID("c1"))
	writeEnvelope(t, peer, protocol.ClientEvent(ev))

	select {
	case got := <-published:
		assert.Equal(t, events.ChatSend{ChatID: "chat-1", Message: "hi"}, got.Payload)
		assert.True(t, ev.Timestamp.Equal(got.Timestamp))
	case <-time.After(frameTimeout):
		t.Fatal("client event was not published")
	}
}

func TestConnection_PublishFailureKeepsConnection(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := mocks.NewMockPublisher(ctrl)
	pub.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(fmt.Errorf("handler failed")).Times(1)

	peer, conn := serveConnection(t, pub, connConfig{})
	writeEnvelope(t, peer, protocol.ClientEvent(events.New(events.Ping{})))
	subscribePeer(t, peer, protocol.Subscribe(events.KindPong))
	assert.False(t, conn.IsClosed())
}

func TestConnection_RateLimit(t *testing.T) {
	ctrl := gomock.NewController(t)
	peer, _ := serveConnection(t, mocks.NewMockPublisher(ctrl), connConfig{
		rateLimit: 0.001,
		rateBurst: 1,
	})

	writeEnvelope(t, peer, protocol.Subscribe(events.KindPong))
	writeEnvelope(t, peer, protocol.Subscribe(events.KindNotice))

	first := readEnvelope(t, peer)
	assert.Equal(t, protocol.Subscribed(events.KindPong), first)

	second := readEnvelope(t, peer)
	require.Equal(t, protocol.TypeError, second.Type)
	assert.Equal(t, protocol.CodeRateLimited, second.Error.Code)
}

func TestConnection_SendEvent(t *testing.T) {
	ctrl := gomock.NewController(t)
	peer, conn := serveConnection(t, mocks.NewMockPublisher(ctrl), connConfig{})

	ev := events.New(events.Notice{Level: "info", Message: "hello"}, events.WithCorrelationID("n1"))
	require.NoError(t, conn.SendEvent(ev))

	got := readEnvelope(t, peer)
	require.Equal(t, protocol.TypeServerEvent, got.Type)
	assert.Equal(t, ev.Kind, got.Event.Kind)
	assert.Equal(t, ev.CorrelationID, got.Event.CorrelationID)
	assert.Equal(t, ev.Payload, got.Event.Payload)
}

func TestConnection_Close(t *testing.T) {
	ctrl := gomock.NewController(t)
	peer, conn := serveConnection(t, mocks.NewMockPublisher(ctrl), connConfig{})

	var calls atomic.Int32
	conn.OnClose(func(c *Connection) {
		assert.Same(t, conn, c)
		calls.Add(1)
	})

	require.NoError(t, conn.Close())
	conn.Close()

	select {
	case <-conn.Done():
	case <-time.After(frameTimeout):
		t.Fatal("connection did not close")
	}
	assert.Equal(t, int32(1), calls.Load())

	// late registrations run immediately
	conn.OnClose(func(*Connection) { calls.Add(1) })
	assert.Equal(t, int32(2), calls.Load())

	assert.ErrorIs(t, conn.SendEvent(events.New(events.Pong{})), ErrConnectionClosed)

	// the peer sees the close frame
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(frameTimeout)))
	_, _, err := peer.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestConnection_PeerDisconnect(t *testing.T) {
	ctrl := gomock.NewController(t)
	peer, conn := serveConnection(t, mocks.NewMockPublisher(ctrl), connConfig{})

	closed := make(chan struct{})
	conn.OnClose(func(*Connection) { close(closed) })

	peer.Close()
	select {
	case <-closed:
	case <-time.After(frameTimeout):
		t.Fatal("close callback did not run after the peer went away")
	}
}
