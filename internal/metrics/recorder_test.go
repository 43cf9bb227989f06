package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alejoacosta74/busrelay/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_Watch(t *testing.T) {
	registry := prometheus.NewRegistry()
	rec := NewRecorder(registry)
	bus := events.NewBus()

	subs := rec.Watch(bus)
	require.Len(t, subs, 2)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, events.New(events.Ping{})))
	require.NoError(t, bus.Publish(ctx, events.New(events.Ping{})))
	require.NoError(t, bus.Publish(ctx, events.New(events.TaskCreated{TaskID: "t1"})))

	assert.Equal(t, 2.0, testutil.ToFloat64(rec.busMetrics.eventsPublished.WithLabelValues("ping", "client")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.busMetrics.eventsPublished.WithLabelValues("task.created", "server")))

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	assert.False(t, bus.HasHandlers(events.KindPing))

	require.NoError(t, bus.Publish(ctx, events.New(events.Ping{})))
	assert.Equal(t, 2.0, testutil.ToFloat64(rec.busMetrics.eventsPublished.WithLabelValues("ping", "client")))
}

func TestRecorder_Relay(t *testing.T) {
	registry := prometheus.NewRegistry()
	rec := NewRecorder(registry)

	rec.ConnectionOpened()
	rec.ConnectionOpened()
	rec.ConnectionClosed()
	rec.Frame(DirectionIn, "SUBSCRIBE")
	rec.Frame(DirectionOut, "SERVER_EVENT")
	rec.Frame(DirectionOut, "SERVER_EVENT")
	rec.Dropped(ReasonClosed)
	rec.ProtocolError("UNKNOWN_KIND")
	rec.ReconnectScheduled(time.Second)
	rec.ReconnectScheduled(2 * time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(rec.relayMetrics.connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.relayMetrics.frames.WithLabelValues(DirectionIn, "SUBSCRIBE")))
	assert.Equal(t, 2.0, testutil.ToFloat64(rec.relayMetrics.frames.WithLabelValues(DirectionOut, "SERVER_EVENT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.relayMetrics.dropped.WithLabelValues(ReasonClosed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.relayMetrics.protocolErrors.WithLabelValues("UNKNOWN_KIND")))
	assert.Equal(t, 2.0, testutil.ToFloat64(rec.relayMetrics.reconnects))

	expected := `
# HELP busrelay_relay_reconnect_attempts_total Total number of scheduled reconnection attempts
# TYPE busrelay_relay_reconnect_attempts_total counter
busrelay_relay_reconnect_attempts_total 2
`
	err := testutil.GatherAndCompare(registry, strings.NewReader(expected), "busrelay_relay_reconnect_attempts_total")
	assert.NoError(t, err)
}

func TestRecorder_Nil(t *testing.T) {
	var rec *Recorder
	assert.NotPanics(t, func() {
		rec.ConnectionOpened()
		rec.ConnectionClosed()
		rec.Frame(DirectionIn, "ERROR")
		rec.Dropped(ReasonWriteFailed)
		rec.ProtocolError("PARSE_ERROR")
		rec.ReconnectScheduled(time.Second)
		assert.Nil(t, rec.Watch(events.NewBus()))
	})
}
