package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/alejoacosta74/busrelay/internal/events"
	"github.com/alejoacosta74/busrelay/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponder_AnswersPing(t *testing.T) {
	bus := events.NewBus(events.WithStrict(true))
	r := NewResponder(bus)
	r.Start()
	defer r.Stop()

	pongs := make(chan events.Event, 1)
	bus.Subscribe(events.KindPong, func(_ context.Context, ev events.Event) error {
		pongs <- ev
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), events.New(events.Ping{Nonce: "abc"}, events.WithCorrelationID("c1"))))

	select {
	case pong := <-pongs:
		assert.Equal(t, "c1", pong.CorrelationID)
		assert.Equal(t, events.Pong{Nonce: "abc"}, pong.Payload)
	default:
		t.Fatal("no pong published")
	}

	r.Stop()
	r.Stop()
	assert.False(t, bus.HasHandlers(events.KindPing))
}

func TestPinger_LocalRoundTrip(t *testing.T) {
	bus := events.NewBus()
	r := NewResponder(bus)
	r.Start()
	defer r.Stop()

	p := NewPinger(bus)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rtt, err := p.Ping(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rtt, time.Duration(0))
}

func TestPinger_Timeout(t *testing.T) {
	bus := events.NewBus()
	p := NewPinger(bus)
	defer p.Close()

	// an unrelated pong must not satisfy the ping
	bus.Subscribe(events.KindPing, func(ctx context.Context, ev events.Event) error {
		return bus.Publish(ctx, events.New(events.Pong{}, events.WithCorrelationID("someone-else")))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Ping(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestPinger_ThroughRelay(t *testing.T) {
	serverBus := events.NewBus()
	responder := NewResponder(serverBus)
	responder.Start()
	defer responder.Stop()

	srv := relay.NewServer("127.0.0.1:0", serverBus)
	require.NoError(t, srv.Start())
	defer srv.Stop(context.Background())

	clientBus := events.NewBus()
	client := relay.NewClient(srv.URL(), clientBus)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Disconnect()
	require.Eventually(t, func() bool { return srv.ConnectionCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	p := NewPinger(clientBus)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rtt, err := p.Ping(ctx)
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
}
