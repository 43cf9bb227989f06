package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/alejoacosta74/busrelay/internal/events"
	"github.com/alejoacosta74/busrelay/internal/logger"
	"github.com/alejoacosta74/busrelay/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// handleSignals listens for OS signals to cancel the context
func handleSignals(ctx context.Context, cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Infof("Received %s, shutting down", sig)
		cancel()
	case <-ctx.Done():
	}
}

func newBus() *events.Bus {
	return events.NewBus(events.WithStrict(cfg.Bus.Strict))
}

// startMetrics wires a recorder to bus and, when enabled, serves it until ctx
// is done. The returned recorder is nil when metrics are disabled.
func startMetrics(ctx context.Context, bus *events.Bus) *metrics.Recorder {
	if !cfg.Metrics.Enabled {
		return nil
	}
	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg)
	rec.Watch(bus)

	srv := metrics.NewServer(cfg.Metrics.Addr, reg)
	go func() {
		if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorf("Metrics server failed: %v", err)
		}
	}()
	return rec
}
