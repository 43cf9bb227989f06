package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alejoacosta74/busrelay/internal/events"
	"github.com/alejoacosta74/busrelay/internal/logger"
	"github.com/alejoacosta74/busrelay/internal/metrics"
	"github.com/alejoacosta74/busrelay/internal/protocol"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// connConfig carries the per-connection settings a Server hands to each
// Connection it creates.
type connConfig struct {
	writeTimeout time.Duration
	readLimit    int64
	rateLimit    rate.Limit
	rateBurst    int
	metrics      *metrics.Recorder
}

// Connection is the server side of one peer. It decodes the peer's frames,
// publishes its client events on the local bus, tracks the kinds the peer
// subscribed to and encodes local events back out as SERVER_EVENTs.
type Connection struct {
	id  string
	ws  *websocket.Conn
	bus events.Publisher

	mu            sync.RWMutex
	subscriptions map[events.Kind]struct{}
	closed        bool
	onClose       []func(*Connection)

	// gorilla/websocket supports one concurrent writer
	writeMu      sync.Mutex
	writeTimeout time.Duration

	limiter   *rate.Limiter
	closeOnce sync.Once
	done      chan struct{}
	metrics   *metrics.Recorder
	logger    *logger.Logger
}

func newConnection(id string, ws *websocket.Conn, bus events.Publisher, cfg connConfig) *Connection {
	c := &Connection{
		id:            id,
		ws:            ws,
		bus:           bus,
		subscriptions: make(map[events.Kind]struct{}),
		writeTimeout:  cfg.writeTimeout,
		done:          make(chan struct{}),
		metrics:       cfg.metrics,
		logger: logger.WithFields(logger.Fields{
			"component":     "relay_connection",
			"connection_id": id,
		}),
	}
	if c.writeTimeout <= 0 {
		c.writeTimeout = defaultWriteTimeout
	}
	if cfg.rateLimit > 0 {
		burst := cfg.rateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(cfg.rateLimit, burst)
	}
	if cfg.readLimit > 0 {
		ws.SetReadLimit(cfg.readLimit)
	}
	return c
}

// ID returns the identifier the server assigned to this connection.
func (c *Connection) ID() string {
	return c.id
}

// Subscribed reports whether the peer asked for events of kind.
func (c *Connection) Subscribed(kind events.Kind) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[kind]
	return ok
}

// Subscriptions returns the peer's subscribed kinds, sorted.
func (c *Connection) Subscriptions() []events.Kind {
	c.mu.RLock()
	kinds := make([]events.Kind, 0, len(c.subscriptions))
	for k := range c.subscriptions {
		kinds = append(kinds, k)
	}
	c.mu.RUnlock()
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (c *Connection) subscribe(kinds ...events.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range kinds {
		c.subscriptions[k] = struct{}{}
	}
}

func (c *Connection) unsubscribe(kind events.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, kind)
}

// OnClose registers fn to run once the socket closes. Callbacks registered
// after the connection closed run immediately.
func (c *Connection) OnClose(fn func(*Connection)) {
	c.mu.Lock()
	if !c.closed {
		c.onClose = append(c.onClose, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn(c)
}

// Done is closed once the connection has closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// IsClosed reports whether the connection has closed.
func (c *Connection) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// SendEvent encodes ev as a SERVER_EVENT and writes it to the peer. Sending
// on a closed connection drops the event and returns ErrConnectionClosed.
func (c *Connection) SendEvent(ev events.Event) error {
	if c.IsClosed() {
		c.logger.WithField("kind", ev.Kind).Debug("Connection closed, dropping event")
		c.metrics.Dropped(metrics.ReasonClosed)
		return ErrConnectionClosed
	}
	if err := c.send(protocol.ServerEvent(ev)); err != nil {
		if errors.Is(err, ErrConnectionClosed) {
			c.metrics.Dropped(metrics.ReasonClosed)
		} else {
			c.metrics.Dropped(metrics.ReasonWriteFailed)
		}
		return fmt.Errorf("send %s: %w", ev.Kind, err)
	}
	return nil
}

// Serve runs the read loop until the peer disconnects, a read fails or ctx
// is cancelled. The connection is closed when Serve returns.
func (c *Connection) Serve(ctx context.Context) {
	c.logger.Debug("Starting read loop")
	stop := context.AfterFunc(ctx, func() {
		c.Close()
	})
	defer func() {
		stop()
		c.Close()
		c.logger.Debug("Read loop finished")
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.IsClosed() {
				c.logger.Warnf("Unexpected read error: %v", err)
			} else {
				c.logger.Tracef("Read loop stopped: %v", err)
			}
			return
		}
		c.handleFrame(ctx, data)
	}
}

func (c *Connection) handleFrame(ctx context.Context, data []byte) {
	c.logger.Tracef("Received frame: %s", string(data))

	if c.limiter != nil && !c.limiter.Allow() {
		c.metrics.Dropped(metrics.ReasonRateLimited)
		c.replyError(protocol.CodeRateLimited, "rate limit exceeded, frame dropped", "")
		return
	}

	env, err := protocol.Decode(data)
	if err != nil {
		var evErr *protocol.EventError
		if errors.As(err, &evErr) {
			c.metrics.Frame(metrics.DirectionIn, string(evErr.Type))
			c.replyError(protocol.CodeInvalidEvent, evErr.Error(), evErr.CorrelationID)
			return
		}
		c.replyError(protocol.CodeParseError, err.Error(), "")
		return
	}
	c.metrics.Frame(metrics.DirectionIn, string(env.Type))

	switch env.Type {
	case protocol.TypeSubscribe:
		// kinds of either namespace are accepted: a peer watching the
		// server's own pings receives them as SERVER_EVENTs
		if !env.Kind.Valid() {
			c.replyError(protocol.CodeUnknownKind, fmt.Sprintf("unknown event kind %q", env.Kind), "")
			return
		}
		c.subscribe(env.Kind)
		c.logger.WithField("kind", env.Kind).Debug("Peer subscribed")
		c.reply(protocol.Subscribed(env.Kind))

	case protocol.TypeUnsubscribe:
		c.unsubscribe(env.Kind)
		c.logger.WithField("kind", env.Kind).Debug("Peer unsubscribed")
		c.reply(protocol.Unsubscribed(env.Kind))

	case protocol.TypeClientEvent:
		ev := *env.Event
		if !ev.Kind.In(events.NamespaceClient) {
			c.replyError(protocol.CodeInvalidEvent,
				fmt.Sprintf("%s is not a client event kind", ev.Kind), ev.CorrelationID)
			return
		}
		if err := c.bus.Publish(ctx, ev); err != nil {
			c.logger.WithFields(logger.Fields{
				"kind":  ev.Kind,
				"error": err,
			}).Warn("Publishing client event failed")
		}

	default:
		c.replyError(protocol.CodeUnsupportedMessage,
			fmt.Sprintf("%s is not accepted from clients", env.Type), "")
	}
}

func (c *Connection) reply(env protocol.Envelope) {
	if err := c.send(env); err != nil {
		c.logger.WithField("message_type", env.Type).Warnf("Failed to reply: %v", err)
	}
}

func (c *Connection) replyError(code protocol.ErrorCode, message, correlationID string) {
	c.logger.WithFields(logger.Fields{
		"code":           code,
		"correlation_id": correlationID,
	}).Debugf("Rejecting frame: %s", message)
	c.metrics.ProtocolError(string(code))
	c.reply(protocol.Error(code, message, correlationID))
}

func (c *Connection) send(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.IsClosed() {
		return ErrConnectionClosed
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	c.metrics.Frame(metrics.DirectionOut, string(env.Type))
	return nil
}

// Close sends a close frame, closes the socket and runs the OnClose
// callbacks. It is safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		callbacks := c.onClose
		c.onClose = nil
		c.mu.Unlock()

		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.ws.Close()
		close(c.done)
		c.logger.Debug("Connection closed")

		for _, fn := range callbacks {
			fn(c)
		}
	})
	return err
}
