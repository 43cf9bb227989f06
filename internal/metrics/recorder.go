package metrics

import (
	"context"
	"time"

	"github.com/alejoacosta74/busrelay/internal/events"
	"github.com/alejoacosta74/busrelay/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "busrelay"

// Frame directions
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Drop reasons
const (
	ReasonClosed      = "connection_closed"
	ReasonWriteFailed = "write_failed"
	ReasonRateLimited = "rate_limited"
	ReasonNotServer   = "not_server_event"
)

// Recorder handles the collection and recording of bus and relay metrics.
// A nil *Recorder is valid and records nothing, so components can take one
// unconditionally.
type Recorder struct {
	busMetrics struct {
		eventsPublished *prometheus.CounterVec
	}
	relayMetrics struct {
		connections     prometheus.Gauge
		frames          *prometheus.CounterVec
		dropped         *prometheus.CounterVec
		protocolErrors  *prometheus.CounterVec
		reconnects      prometheus.Counter
		reconnectDelays prometheus.Histogram
	}

	logger *logger.Logger
}

// NewRecorder registers the busrelay collectors with reg. Passing nil uses
// prometheus.DefaultRegisterer.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	r := &Recorder{
		logger: logger.WithField("component", "metrics_recorder"),
	}

	r.busMetrics.eventsPublished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_total",
			Help:      "Number of events published on the local bus by kind",
		},
		[]string{"kind", "namespace"},
	)

	r.relayMetrics.connections = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "connections",
		Help:      "Number of open relay connections",
	})

	r.relayMetrics.frames = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Number of relay frames by direction and message type",
		},
		[]string{"direction", "message_type"},
	)

	r.relayMetrics.dropped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "dropped_total",
			Help:      "Number of events the relay dropped by reason",
		},
		[]string{"reason"},
	)

	r.relayMetrics.protocolErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "protocol_errors_total",
			Help:      "Number of ERROR envelopes sent to peers by code",
		},
		[]string{"code"},
	)

	r.relayMetrics.reconnects = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "reconnect_attempts_total",
		Help:      "Total number of scheduled reconnection attempts",
	})

	r.relayMetrics.reconnectDelays = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "reconnect_delay_seconds",
		Help:      "Delay before each scheduled reconnection attempt",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to 64s
	})

	r.logger.Debug("Metrics recorder initialized")
	return r
}

// Watch counts every event published on bus until the returned subscriptions
// are cancelled.
func (r *Recorder) Watch(bus events.Subscriber) []*events.Subscription {
	if r == nil {
		return nil
	}
	count := func(_ context.Context, ev events.Event) error {
		ns, _ := ev.Namespace()
		r.busMetrics.eventsPublished.WithLabelValues(ev.Kind.String(), ns.String()).Inc()
		return nil
	}
	subs := []*events.Subscription{
		bus.SubscribeToAll(events.NamespaceClient, count),
		bus.SubscribeToAll(events.NamespaceServer, count),
	}
	r.logger.Debug("Watching bus events")
	return subs
}

func (r *Recorder) ConnectionOpened() {
	if r == nil {
		return
	}
	r.relayMetrics.connections.Inc()
}

func (r *Recorder) ConnectionClosed() {
	if r == nil {
		return
	}
	r.relayMetrics.connections.Dec()
}

// Frame counts one relay frame. direction is DirectionIn or DirectionOut.
func (r *Recorder) Frame(direction, messageType string) {
	if r == nil {
		return
	}
	r.relayMetrics.frames.WithLabelValues(direction, messageType).Inc()
}

func (r *Recorder) Dropped(reason string) {
	if r == nil {
		return
	}
	r.relayMetrics.dropped.WithLabelValues(reason).Inc()
}

func (r *Recorder) ProtocolError(code string) {
	if r == nil {
		return
	}
	r.relayMetrics.protocolErrors.WithLabelValues(code).Inc()
}

// ReconnectScheduled records one reconnection attempt and its backoff delay.
func (r *Recorder) ReconnectScheduled(delay time.Duration) {
	if r == nil {
		return
	}
	r.relayMetrics.reconnects.Inc()
	r.relayMetrics.reconnectDelays.Observe(delay.Seconds())
}
