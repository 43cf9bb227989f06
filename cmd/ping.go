package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/alejoacosta74/busrelay/internal/heartbeat"
	"github.com/spf13/cobra"
)

var (
	pingCount    int
	pingInterval time.Duration
	pingTimeout  time.Duration
)

// pingCmd represents the ping command
var pingCmd = &cobra.Command{
	Use:   "ping [url]",
	Short: "Measure the round trip to a relay server",
	Long: `Publish ping events through a relay client and print how long the matching
pong takes to come back.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVarP(&pingCount, "count", "c", 3, "number of pings to send")
	pingCmd.Flags().DurationVar(&pingInterval, "interval", time.Second, "wait between pings")
	pingCmd.Flags().DurationVar(&pingTimeout, "timeout", 5*time.Second, "wait for each pong")
}

func runPing(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go handleSignals(ctx, cancel)

	bus := newBus()
	client := newClient(args, bus)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Disconnect()

	pinger := heartbeat.NewPinger(bus)
	defer pinger.Close()

	out := cmd.OutOrStdout()
	for i := 0; i < pingCount; i++ {
		if i > 0 {
			select {
			case <-time.After(pingInterval):
			case <-ctx.Done():
				return nil
			}
		}
		pingCtx, pingCancel := context.WithTimeout(ctx, pingTimeout)
		rtt, err := pinger.Ping(pingCtx)
		pingCancel()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "pong %d: %s\n", i+1, rtt)
	}
	return nil
}
