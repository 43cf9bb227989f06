package cmd

import (
	"context"
	"time"

	"github.com/alejoacosta74/busrelay/internal/heartbeat"
	"github.com/alejoacosta74/busrelay/internal/logger"
	"github.com/alejoacosta74/busrelay/internal/relay"
	"github.com/alejoacosta74/busrelay/internal/system"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const shutdownTimeout = 5 * time.Second

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	Long: `Run a relay server that exposes the local event bus to WebSocket peers.
Pings from peers are answered with pongs.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", ":8765", "address the relay listens on")
	serveCmd.Flags().Bool("metrics", false, "expose prometheus metrics")
	serveCmd.Flags().String("metrics-addr", ":9090", "address of the metrics server")
	serveCmd.Flags().Float64("rate-limit", 0, "inbound frames per second per peer, 0 disables")
	viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	viper.BindPFlag("metrics.enabled", serveCmd.Flags().Lookup("metrics"))
	viper.BindPFlag("metrics.addr", serveCmd.Flags().Lookup("metrics-addr"))
	serveCmd.Flags().Duration("stats-interval", 0, "log runtime stats at this interval, 0 disables")
	viper.BindPFlag("server.rate_limit", serveCmd.Flags().Lookup("rate-limit"))
	viper.BindPFlag("system.stats_interval", serveCmd.Flags().Lookup("stats-interval"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go handleSignals(ctx, cancel)

	bus := newBus()
	rec := startMetrics(ctx, bus)

	responder := heartbeat.NewResponder(bus)
	responder.Start()
	defer responder.Stop()

	opts := []relay.ServerOption{
		relay.WithPath(cfg.Server.Path),
		relay.WithWriteTimeout(cfg.Server.WriteTimeout),
		relay.WithReadLimit(cfg.Server.ReadLimit),
		relay.WithServerMetrics(rec),
	}
	if cfg.Server.RateLimit > 0 {
		opts = append(opts, relay.WithRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst))
	}

	srv := relay.NewServer(cfg.Server.Addr, bus, opts...)
	if err := srv.Start(); err != nil {
		return err
	}
	logger.Infof("Relay listening on %s", srv.URL())

	stats := system.NewStatsReporter(cfg.System.StatsInterval, srv.ConnectionCount)
	go stats.Start(ctx)

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil {
		return err
	}
	logger.Info("Relay server shutdown")
	return nil
}
