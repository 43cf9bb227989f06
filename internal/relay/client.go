package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/alejoacosta74/busrelay/internal/events"
	"github.com/alejoacosta74/busrelay/internal/logger"
	"github.com/alejoacosta74/busrelay/internal/metrics"
	"github.com/alejoacosta74/busrelay/internal/protocol"
	"github.com/gorilla/websocket"
)

// State is the client connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Client is the UI side of the relay. While connected it forwards every
// local client-namespace event to the server and re-publishes the server
// events it receives. A lost connection is retried with exponential backoff.
type Client struct {
	url          string
	bus          Bus
	dialer       *websocket.Dialer
	maxAttempts  int
	baseDelay    time.Duration
	writeTimeout time.Duration
	subscribeAll bool
	after        afterFunc
	baseCtx      context.Context

	mu    sync.Mutex
	state State
	conn  *websocket.Conn
	// gen identifies the current connect attempt; a dial that completes
	// after a newer attempt started is discarded
	gen uint64
	// busSub forwards local client events while connected
	busSub *events.Subscription
	// remote holds the kinds requested through Subscribe, replayed after
	// every reconnect
	remote map[events.Kind]struct{}

	attempt          int
	timer            timer
	timerSeq         uint64
	exhausted        bool
	manualDisconnect bool

	writeMu sync.Mutex
	metrics *metrics.Recorder
	logger  *logger.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithMaxAttempts sets how many reconnects are scheduled before giving up.
func WithMaxAttempts(n int) ClientOption {
	return func(c *Client) {
		c.maxAttempts = n
	}
}

// WithBaseDelay sets the delay before the first reconnect. Each further
// attempt doubles it.
func WithBaseDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.baseDelay = d
	}
}

// WithSubscribeAll asks the server to forward every server kind from the
// moment the connection opens.
func WithSubscribeAll(enabled bool) ClientOption {
	return func(c *Client) {
		c.subscribeAll = enabled
	}
}

// WithHandshakeTimeout bounds the WebSocket opening handshake.
func WithHandshakeTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.dialer.HandshakeTimeout = d
	}
}

// WithClientWriteTimeout bounds every frame written to the server.
func WithClientWriteTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = d
	}
}

// WithClientMetrics records frame and reconnect metrics on rec.
func WithClientMetrics(rec *metrics.Recorder) ClientOption {
	return func(c *Client) {
		c.metrics = rec
	}
}

// NewClient creates a client for the relay server at rawURL. It does not dial
// until Connect.
func NewClient(rawURL string, bus Bus, opts ...ClientOption) *Client {
	c := &Client{
		url: rawURL,
		bus: bus,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		maxAttempts:  5,
		baseDelay:    time.Second,
		writeTimeout: defaultWriteTimeout,
		subscribeAll: true,
		after:        realAfterFunc,
		baseCtx:      context.Background(),
		remote:       make(map[events.Kind]struct{}),
		logger: logger.WithFields(logger.Fields{
			"component": "relay_client",
			"url":       rawURL,
		}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the client has an open socket.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Connect dials the server. It is a no-op while a connection is open or being
// opened, so racing calls produce a single socket. A failed dial schedules a
// reconnect and returns the dial error. Calling Connect after the reconnect
// attempts were exhausted starts over from the first delay.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected || c.conn != nil {
		c.mu.Unlock()
		c.logger.Debug("Connect ignored, already connecting or connected")
		return nil
	}
	c.manualDisconnect = false
	if c.exhausted {
		c.exhausted = false
		c.attempt = 0
	}
	c.stopTimerLocked()
	gen := c.beginConnectLocked()
	c.mu.Unlock()

	return c.dial(ctx, gen)
}

// beginConnectLocked moves to Connecting and returns the attempt generation.
// c.mu must be held.
func (c *Client) beginConnectLocked() uint64 {
	c.state = StateConnecting
	c.gen++
	return c.gen
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", err
	}
	if c.subscribeAll {
		q := u.Query()
		q.Set(SubscribeAllParam, "all")
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) dial(ctx context.Context, gen uint64) error {
	target, err := c.dialURL()
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return fmt.Errorf("invalid relay url %q: %w", c.url, err)
	}

	c.logger.Debug("Dialing relay server")
	ws, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		c.mu.Lock()
		if c.gen == gen && c.state == StateConnecting {
			c.state = StateDisconnected
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		c.mu.Unlock()
		c.logger.Debug("Discarding superseded connection")
		ws.Close()
		return nil
	}
	c.state = StateConnected
	c.conn = ws
	c.attempt = 0
	c.exhausted = false
	c.stopTimerLocked()
	// re-established on every connect, never carried over
	c.busSub = c.bus.SubscribeToAll(events.NamespaceClient, c.forward)
	kinds := c.remoteKindsLocked()
	c.mu.Unlock()

	c.logger.Info("Connected to relay server")
	for _, k := range kinds {
		if err := c.write(ws, protocol.Subscribe(k)); err != nil {
			c.logger.WithField("kind", k).Warnf("Failed to restore subscription: %v", err)
		}
	}

	go c.readLoop(ws)
	return nil
}

// Disconnect closes the socket and cancels any pending reconnect. No further
// reconnects happen until the next Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manualDisconnect = true
	c.stopTimerLocked()
	ws := c.conn
	sub := c.busSub
	c.conn = nil
	c.busSub = nil
	c.state = StateDisconnected
	c.gen++
	c.mu.Unlock()

	sub.Unsubscribe()
	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		ws.Close()
		c.logger.Info("Disconnected from relay server")
	}
}

// Subscribe asks the server to forward events of kind. The request is
// remembered and replayed on every reconnect; while disconnected it is only
// remembered.
func (c *Client) Subscribe(kind events.Kind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", events.ErrUnknownKind, kind)
	}
	c.mu.Lock()
	c.remote[kind] = struct{}{}
	c.mu.Unlock()

	err := c.sendEnvelope(protocol.Subscribe(kind))
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Unsubscribe withdraws a previous Subscribe.
func (c *Client) Unsubscribe(kind events.Kind) error {
	c.mu.Lock()
	delete(c.remote, kind)
	c.mu.Unlock()

	err := c.sendEnvelope(protocol.Unsubscribe(kind))
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (c *Client) remoteKindsLocked() []events.Kind {
	kinds := make([]events.Kind, 0, len(c.remote))
	for k := range c.remote {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// forward is the bus handler for local client events. A send failure is
// logged and the event dropped; it is not reported as a handler failure.
func (c *Client) forward(_ context.Context, ev events.Event) error {
	if err := c.sendEnvelope(protocol.ClientEvent(ev)); err != nil {
		c.logger.WithFields(logger.Fields{
			"kind":  ev.Kind,
			"error": err,
		}).Warn("Dropping client event")
	}
	return nil
}

func (c *Client) sendEnvelope(env protocol.Envelope) error {
	c.mu.Lock()
	ws := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || ws == nil {
		c.metrics.Dropped(metrics.ReasonClosed)
		return ErrNotConnected
	}
	if err := c.write(ws, env); err != nil {
		c.metrics.Dropped(metrics.ReasonWriteFailed)
		return err
	}
	return nil
}

func (c *Client) write(ws *websocket.Conn, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	c.metrics.Frame(metrics.DirectionOut, string(env.Type))
	return nil
}

func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleClose(ws, err)
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		c.metrics.Dropped(metrics.ReasonNotServer)
		c.logger.Warnf("Discarding frame from server: %v", err)
		return
	}
	c.metrics.Frame(metrics.DirectionIn, string(env.Type))

	switch env.Type {
	case protocol.TypeServerEvent:
		ev := *env.Event
		if !ev.Kind.In(events.NamespaceServer) {
			c.metrics.Dropped(metrics.ReasonNotServer)
			c.logger.WithField("kind", ev.Kind).Warn("Discarding server event outside the server namespace")
			return
		}
		if err := c.bus.Publish(c.baseCtx, ev); err != nil {
			c.logger.WithFields(logger.Fields{
				"kind":  ev.Kind,
				"error": err,
			}).Warn("Publishing server event failed")
		}
	case protocol.TypeError:
		c.logger.WithFields(logger.Fields{
			"code":           env.Error.Code,
			"correlation_id": env.Error.CorrelationID,
		}).Warnf("Server reported error: %s", env.Error.Message)
	case protocol.TypeSubscribed, protocol.TypeUnsubscribed:
		c.logger.WithField("kind", env.Kind).Debugf("Server acknowledged %s", env.Type)
	default:
		c.logger.WithField("message_type", env.Type).Warn("Unexpected message from server")
	}
}

// handleClose runs when the read loop of ws stops. A socket that is no longer
// the current one (replaced or closed by Disconnect) is ignored.
func (c *Client) handleClose(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != ws {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	c.busSub.Unsubscribe()
	c.busSub = nil
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	ws.Close()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Info("Relay server closed the connection")
	} else {
		c.logger.Warnf("Connection lost: %v", err)
	}
}
