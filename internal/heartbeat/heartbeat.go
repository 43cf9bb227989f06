// Package heartbeat layers a ping/pong round trip on top of the event bus.
// The Responder runs next to the relay server and answers every ping with a
// pong carrying the same correlation id; the Pinger runs in the UI process
// and measures how long the answer takes to come back through the relay.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alejoacosta74/busrelay/internal/events"
	"github.com/alejoacosta74/busrelay/internal/logger"
)

// ErrTimeout is returned when no pong arrives before the context expires.
var ErrTimeout = errors.New("heartbeat timed out")

// Bus is the bus surface both sides need.
type Bus interface {
	events.Publisher
	events.Subscriber
}

// Responder answers pings published on the bus.
type Responder struct {
	bus    Bus
	sub    *events.Subscription
	logger *logger.Logger
}

// NewResponder creates a responder for bus. It does nothing until Start.
func NewResponder(bus Bus) *Responder {
	return &Responder{
		bus:    bus,
		logger: logger.WithField("component", "heartbeat_responder"),
	}
}

// Start subscribes to pings.
func (r *Responder) Start() {
	r.sub = r.bus.Subscribe(events.KindPing, r.handlePing)
	r.logger.Debug("Answering pings")
}

// Stop unsubscribes. It is safe to call before Start or more than once.
func (r *Responder) Stop() {
	r.sub.Unsubscribe()
}

func (r *Responder) handlePing(ctx context.Context, ev events.Event) error {
	ping, ok := ev.Payload.(events.Ping)
	if !ok {
		return fmt.Errorf("unexpected ping payload %T", ev.Payload)
	}
	r.logger.WithFields(logger.Fields{
		"correlation_id": ev.CorrelationID,
		"nonce":          ping.Nonce,
	}).Trace("Received ping, sending pong")

	pong := events.New(events.Pong{Nonce: ping.Nonce}, events.WithCorrelationID(ev.CorrelationID))
	return r.bus.Publish(ctx, pong)
}

// Pinger sends pings and waits for the matching pong.
type Pinger struct {
	bus Bus

	mu      sync.Mutex
	waiters map[string]chan events.Event
	sub     *events.Subscription

	logger *logger.Logger
}

// NewPinger creates a pinger for bus and subscribes it to pongs.
func NewPinger(bus Bus) *Pinger {
	p := &Pinger{
		bus:     bus,
		waiters: make(map[string]chan events.Event),
		logger:  logger.WithField("component", "heartbeat_pinger"),
	}
	p.sub = bus.Subscribe(events.KindPong, p.handlePong)
	return p
}

// Close unsubscribes the pinger from pongs.
func (p *Pinger) Close() {
	p.sub.Unsubscribe()
}

// Ping publishes a ping with a fresh correlation id and blocks until the pong
// with the same id arrives or ctx is done. It returns the round-trip time.
func (p *Pinger) Ping(ctx context.Context) (time.Duration, error) {
	id := events.NewCorrelationID()
	reply := make(chan events.Event, 1)

	p.mu.Lock()
	p.waiters[id] = reply
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.waiters, id)
		p.mu.Unlock()
	}()

	start := time.Now()
	ping := events.New(events.Ping{Nonce: id}, events.WithCorrelationID(id))
	if err := p.bus.Publish(ctx, ping); err != nil {
		return 0, fmt.Errorf("publish ping: %w", err)
	}

	select {
	case <-reply:
		rtt := time.Since(start)
		p.logger.WithFields(logger.Fields{
			"correlation_id": id,
			"rtt":            rtt,
		}).Debug("Received pong")
		return rtt, nil
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

func (p *Pinger) handlePong(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	reply, ok := p.waiters[ev.CorrelationID]
	p.mu.Unlock()
	if !ok {
		p.logger.WithField("correlation_id", ev.CorrelationID).Trace("Ignoring unsolicited pong")
		return nil
	}
	select {
	case reply <- ev:
	default:
	}
	return nil
}
