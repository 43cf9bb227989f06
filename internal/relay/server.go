package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/alejoacosta74/busrelay/internal/events"
	"github.com/alejoacosta74/busrelay/internal/logger"
	"github.com/alejoacosta74/busrelay/internal/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Server accepts relay connections and fans local bus events out to the
// peers subscribed to each event's kind.
type Server struct {
	addr     string
	path     string
	bus      Bus
	cfg      connConfig
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	conns    map[string]*Connection
	subs     []*events.Subscription
	http     *http.Server
	listener net.Listener
	started  bool
	stopped  bool

	// ctx is cancelled by Stop and bounds every connection's read loop
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics *metrics.Recorder
	logger  *logger.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithPath sets the HTTP path the WebSocket endpoint is served on.
func WithPath(path string) ServerOption {
	return func(s *Server) {
		s.path = path
	}
}

// WithWriteTimeout bounds every frame written to a peer.
func WithWriteTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.cfg.writeTimeout = d
	}
}

// WithReadLimit caps the size of a single inbound frame.
func WithReadLimit(n int64) ServerOption {
	return func(s *Server) {
		s.cfg.readLimit = n
	}
}

// WithRateLimit limits each peer to perSecond inbound frames with the given
// burst. A non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) ServerOption {
	return func(s *Server) {
		s.cfg.rateLimit = rate.Limit(perSecond)
		s.cfg.rateBurst = burst
	}
}

// WithServerMetrics records connection and frame metrics on rec.
func WithServerMetrics(rec *metrics.Recorder) ServerOption {
	return func(s *Server) {
		s.metrics = rec
		s.cfg.metrics = rec
	}
}

// WithCheckOrigin overrides the upgrader's origin check. By default every
// origin is accepted.
func WithCheckOrigin(fn func(r *http.Request) bool) ServerOption {
	return func(s *Server) {
		s.upgrader.CheckOrigin = fn
	}
}

// NewServer creates a relay server for bus. It does not listen until Start.
func NewServer(addr string, bus Bus, opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:  addr,
		path:  "/ws",
		bus:   bus,
		conns: make(map[string]*Connection),
		cfg: connConfig{
			writeTimeout: defaultWriteTimeout,
			readLimit:    defaultReadLimit,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		ctx:    ctx,
		cancel: cancel,
		logger: logger.WithField("component", "relay_server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start listens on the configured address, subscribes the broadcast
// dispatcher to every kind of both namespaces and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrServerStopped
	}
	if s.started {
		return fmt.Errorf("relay server already started on %s", s.listener.Addr())
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.Handle(s.path, s)
	mux.HandleFunc("/healthz", s.handleHealth)
	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.subs = []*events.Subscription{
		s.bus.SubscribeToAll(events.NamespaceClient, s.broadcast),
		s.bus.SubscribeToAll(events.NamespaceServer, s.broadcast),
	}
	s.started = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("HTTP server failed: %v", err)
		}
	}()

	s.logger.Infof("Relay server listening on %s%s", ln.Addr(), s.path)
	return nil
}

// Stop drops the bus subscription, closes every connection and shuts the
// listener down. Calling Stop more than once is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	subs := s.subs
	s.subs = nil
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	httpServer := s.http
	s.mu.Unlock()

	s.logger.Debug("Stopping relay server")
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	for _, c := range conns {
		c.Close()
	}
	s.cancel()

	var err error
	if httpServer != nil {
		if shutdownErr := httpServer.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("shutdown relay server: %w", shutdownErr)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("Relay server stopped")
	case <-ctx.Done():
		s.logger.Warn("Shutdown timeout reached, connections still draining")
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Addr returns the listening address once started, or the configured one.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// URL returns the ws:// URL peers dial.
func (s *Server) URL() string {
	return "ws://" + s.Addr() + s.path
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Connections returns a snapshot of the open connections.
func (s *Server) Connections() []*Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

// ServeHTTP upgrades the request to a WebSocket and serves it as a relay
// connection. A "subscribe=all" query pre-subscribes the peer to every
// server kind.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		http.Error(w, ErrServerStopped.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		s.logger.Warnf("WebSocket upgrade failed: %v", err)
		return
	}

	conn := newConnection(uuid.NewString(), ws, s.bus, s.cfg)
	if r.URL.Query().Get(SubscribeAllParam) == "all" {
		conn.subscribe(events.Kinds(events.NamespaceServer)...)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[conn.ID()] = conn
	s.wg.Add(1)
	s.mu.Unlock()

	conn.OnClose(s.evict)
	s.metrics.ConnectionOpened()
	s.logger.WithFields(logger.Fields{
		"connection_id": conn.ID(),
		"remote_addr":   r.RemoteAddr,
	}).Info("Peer connected")

	go func() {
		defer s.wg.Done()
		conn.Serve(s.ctx)
	}()
}

func (s *Server) evict(c *Connection) {
	s.mu.Lock()
	_, ok := s.conns[c.ID()]
	delete(s.conns, c.ID())
	s.mu.Unlock()
	if ok {
		s.metrics.ConnectionClosed()
		s.logger.WithField("connection_id", c.ID()).Info("Peer disconnected")
	}
}

// broadcast is the single bus handler for every kind. It writes ev only to
// the connections subscribed to its kind; a failed write evicts that
// connection and delivery continues with the rest.
func (s *Server) broadcast(_ context.Context, ev events.Event) error {
	s.mu.RLock()
	targets := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		if c.Subscribed(ev.Kind) {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		if err := c.SendEvent(ev); err != nil {
			if !errors.Is(err, ErrConnectionClosed) {
				s.logger.WithFields(logger.Fields{
					"connection_id": c.ID(),
					"kind":          ev.Kind,
					"error":         err,
				}).Warn("Write failed, evicting connection")
			}
			c.Close()
		}
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","connections":%d}`, s.ConnectionCount())
}
