package events

import "context"

// Publisher is the narrow surface collaborators and the relay depend on.
type Publisher interface {
	// Publish dispatches ev to every handler registered for ev.Kind
	Publish(ctx context.Context, ev Event) error
}

// Subscriber is the registration half of the bus.
type Subscriber interface {
	// Subscribe registers h for kind
	Subscribe(kind Kind, h Handler) *Subscription
	// SubscribeToAll registers h for every kind of ns
	SubscribeToAll(ns Namespace, h Handler) *Subscription
}
