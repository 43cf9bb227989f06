package cmd

import (
	"context"
	"os"
	"time"

	"github.com/alejoacosta74/busrelay/internal/console"
	"github.com/alejoacosta74/busrelay/internal/logger"
	"github.com/alejoacosta74/busrelay/internal/relay"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// connectCmd represents the connect command
var connectCmd = &cobra.Command{
	Use:   "connect [url]",
	Short: "Connect to a relay server and print its events",
	Long: `Connect to a relay server, mirror its events onto the local bus and print
every server event to stdout. The url defaults to client.url.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConnect,
}

func init() {
	rootCmd.AddCommand(connectCmd)
	connectCmd.Flags().Int("max-attempts", 5, "reconnect attempts before giving up")
	connectCmd.Flags().Duration("base-delay", time.Second, "delay before the first reconnect attempt")
	viper.BindPFlag("client.max_attempts", connectCmd.Flags().Lookup("max-attempts"))
	viper.BindPFlag("client.base_delay", connectCmd.Flags().Lookup("base-delay"))
}

// newClient builds a relay client from the loaded configuration.
func newClient(args []string, bus relay.Bus, opts ...relay.ClientOption) *relay.Client {
	url := cfg.Client.URL
	if len(args) > 0 {
		url = args[0]
	}
	opts = append([]relay.ClientOption{
		relay.WithMaxAttempts(cfg.Client.MaxAttempts),
		relay.WithBaseDelay(cfg.Client.BaseDelay),
		relay.WithHandshakeTimeout(cfg.Client.HandshakeTimeout),
		relay.WithSubscribeAll(cfg.Client.SubscribeAll),
	}, opts...)
	return relay.NewClient(url, bus, opts...)
}

func runConnect(cmd *cobra.Command, args []string) error {
	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go handleSignals(ctx, cancel)

	bus := newBus()
	rec := startMetrics(ctx, bus)

	printer := console.NewPrinter(bus, os.Stdout)
	printer.Start()
	defer printer.Stop()

	client := newClient(args, bus, relay.WithClientMetrics(rec))
	if err := client.Connect(ctx); err != nil {
		// the client keeps retrying in the background
		logger.Warnf("Initial connection failed: %v", err)
	}
	defer client.Disconnect()

	<-ctx.Done()
	logger.Infof("Client shutdown after %d events", printer.Count())
	return nil
}
