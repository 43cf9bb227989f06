package relay

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alejoacosta74/busrelay/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const frameTimeout = 2 * time.Second

// startServer starts a relay server on a free loopback port and stops it
// when the test ends.
func startServer(t *testing.T, bus Bus, opts ...ServerOption) *Server {
	t.Helper()
	srv := NewServer("127.0.0.1:0", bus, opts...)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv
}

func dialPeer(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func writeEnvelope(t *testing.T, ws *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	data, err := protocol.Encode(env)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func writeRaw(t *testing.T, ws *websocket.Conn, data string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(data)))
}

func readEnvelope(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(frameTimeout)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err, "frame: %s", data)
	return env
}

// expectNoFrame fails if ws receives anything within d. The connection is
// unusable afterwards.
func expectNoFrame(t *testing.T, ws *websocket.Conn, d time.Duration) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(d)))
	_, data, err := ws.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected frame: %s", data)
	}
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	require.True(t, netErr.Timeout(), "expected a read timeout, got %v", err)
}

// subscribePeer sends SUBSCRIBE and waits for the acknowledgement.
func subscribePeer(t *testing.T, ws *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	writeEnvelope(t, ws, env)
	ack := readEnvelope(t, ws)
	require.Equal(t, protocol.TypeSubscribed, ack.Type)
	require.Equal(t, env.Kind, ack.Kind)
}

// fakeClock replaces time.AfterFunc in reconnect tests. Timers only fire when
// the test calls Fire.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped
	t.stopped = true
	return active
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, delay: d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Delays returns the delay of every timer scheduled so far.
func (c *fakeClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.timers))
	for i, t := range c.timers {
		out[i] = t.delay
	}
	return out
}

func (c *fakeClock) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Stopped reports whether timer i was cancelled.
func (c *fakeClock) Stopped(i int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers[i].stopped
}

// Fire runs the callback of timer i, whether or not it was stopped.
func (c *fakeClock) Fire(i int) {
	c.mu.Lock()
	fn := c.timers[i].fn
	c.mu.Unlock()
	fn()
}

// FireLast runs the most recently scheduled callback.
func (c *fakeClock) FireLast() {
	c.Fire(c.Len() - 1)
}
