package events

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/alejoacosta74/busrelay/internal/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Handler processes one event. A returned error (or a panic) is isolated to
// this handler: sibling handlers for the same event still run.
type Handler func(ctx context.Context, ev Event) error

// registration is one handler bound to one kind.
type registration struct {
	id      uint64
	handler Handler
}

// Bus is an in-process publish/subscribe dispatcher. One Bus is created per
// process and handed to every collaborator; there is no package-level default.
type Bus struct {
	// handlers maps each kind to its registrations in registration order.
	// A kind with no registrations is removed from the map.
	handlers map[Kind][]registration

	// mu protects handlers. It is never held while a handler runs, so
	// handlers may subscribe or unsubscribe from inside Publish.
	mu sync.RWMutex

	nextID atomic.Uint64

	// strict surfaces the first handler failure to the publisher
	strict bool

	tracer trace.Tracer
	logger *logger.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithStrict makes Publish return the first handler failure once every
// handler has been attempted.
func WithStrict(strict bool) BusOption {
	return func(b *Bus) {
		b.strict = strict
	}
}

// WithLogger overrides the bus logger.
func WithLogger(l *logger.Logger) BusOption {
	return func(b *Bus) {
		b.logger = l
	}
}

// tracerName is the instrumentation scope of the publish spans.
const tracerName = "github.com/alejoacosta74/busrelay/internal/events"

// WithTracing enables or disables publish spans. Enabled by default; spans go
// to the global tracer provider installed by the telemetry package.
func WithTracing(enabled bool) BusOption {
	return func(b *Bus) {
		if enabled {
			b.tracer = otel.Tracer(tracerName)
		} else {
			b.tracer = nil
		}
	}
}

// WithTracerProvider records publish spans on tp instead of the global
// provider.
func WithTracerProvider(tp trace.TracerProvider) BusOption {
	return func(b *Bus) {
		b.tracer = tp.Tracer(tracerName)
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		handlers: make(map[Kind][]registration),
		tracer:   otel.Tracer(tracerName),
		logger:   logger.WithField("component", "bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h for kind and returns the capability that removes
// exactly this registration.
//
// Usage example:
//
//	sub := bus.Subscribe(events.KindTaskCreated, onTaskCreated)
//	defer sub.Unsubscribe()
func (b *Bus) Subscribe(kind Kind, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{bus: b}
	sub.entries = append(sub.entries, b.addLocked(kind, h))
	return sub
}

// SubscribeToAll registers h against every kind of ns in one step. The
// returned subscription removes all of those registrations in one step.
func (b *Bus) SubscribeToAll(ns Namespace, h Handler) *Subscription {
	kinds := Kinds(ns)

	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{bus: b, entries: make([]subscriptionEntry, 0, len(kinds))}
	for _, kind := range kinds {
		sub.entries = append(sub.entries, b.addLocked(kind, h))
	}
	return sub
}

func (b *Bus) addLocked(kind Kind, h Handler) subscriptionEntry {
	id := b.nextID.Add(1)
	b.handlers[kind] = append(b.handlers[kind], registration{id: id, handler: h})
	return subscriptionEntry{kind: kind, id: id}
}

// Unsubscribe removes every registration held by sub. It is safe to call more
// than once and with a nil subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.Unsubscribe()
}

func (b *Bus) removeLocked(kind Kind, id uint64) {
	regs, ok := b.handlers[kind]
	if !ok {
		return
	}
	for i, r := range regs {
		if r.id != id {
			continue
		}
		// copy so that snapshots taken by in-flight Publish calls stay intact
		next := make([]registration, 0, len(regs)-1)
		next = append(next, regs[:i]...)
		next = append(next, regs[i+1:]...)
		if len(next) == 0 {
			delete(b.handlers, kind)
		} else {
			b.handlers[kind] = next
		}
		return
	}
}

// UnsubscribeAll drops every handler registered for kind.
func (b *Bus) UnsubscribeAll(kind Kind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, kind)
}

// HasHandlers reports whether at least one handler is registered for kind.
func (b *Bus) HasHandlers(kind Kind) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.handlers[kind]
	return ok
}

// HandlerCount returns the number of handlers registered for kind.
func (b *Bus) HandlerCount(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[kind])
}

// Clear drops every registration. Outstanding Subscriptions become no-ops.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[Kind][]registration)
}

// Publish dispatches ev to every handler currently registered for ev.Kind, in
// registration order, and waits for all of them.
//
// Publishing a kind nobody listens to is not an error and does no work.
// A failing or panicking handler is logged and does not stop its siblings.
// In strict mode the first failure is returned after all handlers ran;
// otherwise Publish returns nil.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	regs := b.handlers[ev.Kind]
	b.mu.RUnlock()

	if len(regs) == 0 {
		return nil
	}

	if b.tracer != nil {
		var span trace.Span
		ctx, span = b.tracer.Start(ctx, "bus.publish",
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(
				attribute.String("event.kind", string(ev.Kind)),
				attribute.String("event.correlation_id", ev.CorrelationID),
				attribute.Int("bus.handlers", len(regs)),
			))
		defer span.End()
	}

	var first error
	for _, r := range regs {
		if err := b.call(ctx, r.handler, ev); err != nil {
			b.logger.WithFields(logger.Fields{
				"kind":           ev.Kind,
				"correlation_id": ev.CorrelationID,
			}).WithError(err).Warn("Event handler failed")
			if first == nil {
				first = err
			}
		}
	}

	if b.strict && first != nil {
		return fmt.Errorf("publish %s: %w", ev.Kind, first)
	}
	return nil
}

// call runs one handler, converting a panic into an error.
func (b *Bus) call(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Debugf("Recovered handler panic for %s:\n%s", ev.Kind, debug.Stack())
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h(ctx, ev)
}

// subscriptionEntry identifies one registration.
type subscriptionEntry struct {
	kind Kind
	id   uint64
}

// Subscription is the capability returned by Subscribe and SubscribeToAll.
type Subscription struct {
	bus     *Bus
	entries []subscriptionEntry
	once    sync.Once
}

// Unsubscribe removes the registrations held by s. Calls after the first are
// no-ops.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		for _, e := range s.entries {
			s.bus.removeLocked(e.kind, e.id)
		}
	})
}

// Kinds lists the kinds covered by s.
func (s *Subscription) Kinds() []Kind {
	out := make([]Kind, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.kind
	}
	return out
}

var (
	_ Publisher  = (*Bus)(nil)
	_ Subscriber = (*Bus)(nil)
)
