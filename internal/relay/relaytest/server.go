// Package relaytest provides a scripted relay server for exercising relay
// clients in tests.
package relaytest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alejoacosta74/busrelay/internal/protocol"
	"github.com/gorilla/websocket"
)

// MessageHandler answers one decoded envelope. Returning nil sends nothing.
type MessageHandler func(protocol.Envelope) *protocol.Envelope

// MockRelayServer records what clients send and lets a test push frames back
// to them, drop their sockets or refuse new ones.
type MockRelayServer struct {
	Server *httptest.Server
	// URL is the ws:// address clients dial
	URL string

	mu          sync.Mutex
	connections []*websocket.Conn
	received    []protocol.Envelope
	rawReceived [][]byte
	queries     []string
	handlers    map[protocol.MessageType]MessageHandler
	upgrader    websocket.Upgrader
	rejecting   bool
	dials       atomic.Int32
	accepted    atomic.Int32
	// writeMu serializes writes; a test may Send while a handler replies
	writeMu sync.Mutex
}

// NewMockRelayServer starts a server that acknowledges SUBSCRIBE and
// UNSUBSCRIBE the way a relay server does.
func NewMockRelayServer() *MockRelayServer {
	m := &MockRelayServer{
		handlers: make(map[protocol.MessageType]MessageHandler),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	m.handlers[protocol.TypeSubscribe] = func(env protocol.Envelope) *protocol.Envelope {
		ack := protocol.Subscribed(env.Kind)
		return &ack
	}
	m.handlers[protocol.TypeUnsubscribe] = func(env protocol.Envelope) *protocol.Envelope {
		ack := protocol.Unsubscribed(env.Kind)
		return &ack
	}

	m.Server = httptest.NewServer(http.HandlerFunc(m.handleWebSocket))
	m.URL = "ws" + strings.TrimPrefix(m.Server.URL, "http")
	return m
}

func (m *MockRelayServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	m.dials.Add(1)

	m.mu.Lock()
	rejecting := m.rejecting
	m.queries = append(m.queries, r.URL.RawQuery)
	m.mu.Unlock()
	if rejecting {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m.mu.Lock()
	m.connections = append(m.connections, conn)
	m.mu.Unlock()
	m.accepted.Add(1)

	go m.readMessages(conn)
}

func (m *MockRelayServer) readMessages(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Decode(data)

		m.mu.Lock()
		m.rawReceived = append(m.rawReceived, data)
		if err == nil {
			m.received = append(m.received, env)
		}
		handler := m.handlers[env.Type]
		m.mu.Unlock()

		if err != nil || handler == nil {
			continue
		}
		if reply := handler(env); reply != nil {
			if err := m.write(conn, *reply); err != nil {
				return
			}
		}
	}
}

func (m *MockRelayServer) write(conn *websocket.Conn, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return m.writeRaw(conn, data)
}

func (m *MockRelayServer) writeRaw(conn *websocket.Conn, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// RegisterHandler replaces the reply logic for one message type.
func (m *MockRelayServer) RegisterHandler(messageType protocol.MessageType, handler MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[messageType] = handler
}

// Send writes env to every connected client.
func (m *MockRelayServer) Send(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return m.SendRaw(data)
}

// SendRaw writes data as-is to every connected client.
func (m *MockRelayServer) SendRaw(data []byte) error {
	m.mu.Lock()
	conns := append([]*websocket.Conn(nil), m.connections...)
	m.mu.Unlock()
	for _, conn := range conns {
		if err := m.writeRaw(conn, data); err != nil {
			return err
		}
	}
	return nil
}

// Received returns the well-formed envelopes received so far.
func (m *MockRelayServer) Received() []protocol.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.Envelope(nil), m.received...)
}

// RawReceived returns every frame received so far, including malformed ones.
func (m *MockRelayServer) RawReceived() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.rawReceived...)
}

// ReceivedOfType returns the received envelopes of one message type.
func (m *MockRelayServer) ReceivedOfType(t protocol.MessageType) []protocol.Envelope {
	var out []protocol.Envelope
	for _, env := range m.Received() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

// Queries returns the raw query string of every upgrade request.
func (m *MockRelayServer) Queries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.queries...)
}

// Dials returns how many upgrade requests reached the server.
func (m *MockRelayServer) Dials() int {
	return int(m.dials.Load())
}

// ConnectionCount returns the number of sockets currently held open.
func (m *MockRelayServer) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connections)
}

// Accepted returns the number of sockets accepted since the server started.
func (m *MockRelayServer) Accepted() int {
	return int(m.accepted.Load())
}

// WaitForConnections blocks until n sockets in total were accepted or timeout
// passes.
func (m *MockRelayServer) WaitForConnections(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.Accepted() >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// SetRejecting makes the server refuse (true) or accept (false) new upgrades.
func (m *MockRelayServer) SetRejecting(rejecting bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejecting = rejecting
}

// DropConnections closes every client socket without a close handshake.
func (m *MockRelayServer) DropConnections() {
	m.mu.Lock()
	conns := m.connections
	m.connections = nil
	m.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

// Close shuts down the server and closes all connections.
func (m *MockRelayServer) Close() {
	m.DropConnections()
	m.Server.Close()
}
