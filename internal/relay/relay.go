// Package relay mirrors one process's event bus onto another's over a
// WebSocket connection.
//
// The workspace process runs a Server: it accepts UI connections, publishes
// their CLIENT_EVENTs on its bus and forwards local events to every peer that
// subscribed to the event's kind. The UI process runs a Client: it forwards
// every local client-namespace event as a CLIENT_EVENT and re-publishes the
// SERVER_EVENTs it receives. Delivery is at most once in both directions;
// events sent while a socket is not open are logged and dropped.
package relay

import (
	"errors"
	"time"

	"github.com/alejoacosta74/busrelay/internal/events"
)

var (
	// ErrConnectionClosed is returned when sending on a closed connection.
	ErrConnectionClosed = errors.New("relay connection closed")
	// ErrNotConnected is returned when the client has no open socket.
	ErrNotConnected = errors.New("relay client not connected")
	// ErrServerStopped is returned when starting a server that was stopped.
	ErrServerStopped = errors.New("relay server stopped")
)

// Bus is the part of the event bus the relay needs on either side.
type Bus interface {
	events.Publisher
	events.Subscriber
}

// SubscribeAllParam is the dial query parameter asking the server to
// pre-subscribe the new connection to every server kind.
const SubscribeAllParam = "subscribe"

const (
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 1 << 20
)
