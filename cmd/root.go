package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/alejoacosta74/busrelay/internal/config"
	"github.com/alejoacosta74/busrelay/internal/logger"
	"github.com/alejoacosta74/busrelay/internal/system"
	"github.com/alejoacosta74/busrelay/internal/telemetry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	cfg     *config.Config

	stopProfiling = func() {}
	tracing       *telemetry.Provider
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "busrelay",
	Short: "Mirror an in-process event bus to another process over WebSocket",
	Long: `busrelay runs a relay server that exposes the local event bus to WebSocket
peers, or a relay client that connects to one and mirrors its events.`,
	SilenceUsage:       true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	config.SetDefaults(viper.GetViper())

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.busrelay.yaml)")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	flags.String("cpuprofile", "", "write cpu profile to file")
	flags.String("memprofile", "", "write memory profile to file")
	flags.Bool("tracing", false, "export bus publish spans over OTLP")
	flags.String("tracing-endpoint", "localhost:4317", "OTLP collector endpoint")

	viper.BindPFlag("log.level", flags.Lookup("log-level"))
	viper.BindPFlag("log.format", flags.Lookup("log-format"))
	viper.BindPFlag("profile.cpu", flags.Lookup("cpuprofile"))
	viper.BindPFlag("profile.mem", flags.Lookup("memprofile"))
	viper.BindPFlag("tracing.enabled", flags.Lookup("tracing"))
	viper.BindPFlag("tracing.endpoint", flags.Lookup("tracing-endpoint"))
}

// setup reads the configuration and prepares logging, runtime settings and
// profiling before any subcommand runs.
func setup(cmd *cobra.Command, _ []string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	if err := config.ReadFile(viper.GetViper(), cfgFile, home); err != nil {
		return err
	}
	if cfg, err = config.Load(viper.GetViper()); err != nil {
		return err
	}

	if err := logger.SetLevel(cfg.Log.Level); err != nil {
		return err
	}
	if err := logger.SetFormat(cfg.Log.Format); err != nil {
		return err
	}
	if used := viper.ConfigFileUsed(); used != "" {
		logger.Debugf("Using config file: %s", used)
	}

	system.DefaultSettings().
		WithMaxProcs(cfg.System.MaxProcs).
		WithGCPercent(cfg.System.GCPercent).
		WithMemoryLimit(cfg.System.MemoryLimit).
		Apply()

	tracing, err = telemetry.NewProvider(cmd.Context(), telemetry.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		Exporter:     cfg.Tracing.Exporter,
		Endpoint:     cfg.Tracing.Endpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("set up tracing: %w", err)
	}

	stop, err := system.StartProfiling(cfg.Profile.CPU)
	if err != nil {
		return fmt.Errorf("start cpu profile: %w", err)
	}
	stopProfiling = stop
	return nil
}

func teardown(_ *cobra.Command, _ []string) error {
	stopProfiling()
	if err := tracing.Shutdown(context.Background()); err != nil {
		logger.Warnf("Flushing traces failed: %v", err)
	}
	if cfg != nil && cfg.Profile.Mem != "" {
		if err := system.WriteMemProfile(cfg.Profile.Mem); err != nil {
			return fmt.Errorf("write memory profile: %w", err)
		}
	}
	return nil
}
