// Package config loads busrelay settings from flags, environment variables
// (prefixed BUSRELAY_) and an optional YAML config file through viper.
package config

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. BUSRELAY_SERVER_ADDR.
const EnvPrefix = "BUSRELAY"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all configuration for the application.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Bus     BusConfig     `mapstructure:"bus"`
	Server  ServerConfig  `mapstructure:"server"`
	Client  ClientConfig  `mapstructure:"client"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	System  SystemConfig  `mapstructure:"system"`
	Profile ProfileConfig `mapstructure:"profile"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type BusConfig struct {
	// Strict makes Publish report the first handler failure
	Strict bool `mapstructure:"strict"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	Path         string        `mapstructure:"path"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	// RateLimit is inbound frames per second per peer; 0 disables it
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

type ClientConfig struct {
	URL              string        `mapstructure:"url"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	SubscribeAll     bool          `mapstructure:"subscribe_all"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type SystemConfig struct {
	MaxProcs    int `mapstructure:"maxprocs"`
	GCPercent   int `mapstructure:"gcpercent"`
	MemoryLimit int `mapstructure:"memorylimit"`
	// StatsInterval logs runtime stats periodically; 0 disables it
	StatsInterval time.Duration `mapstructure:"stats_interval"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ServiceName  string  `mapstructure:"service_name"`
	Exporter     string  `mapstructure:"exporter"`
	Endpoint     string  `mapstructure:"endpoint"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

type ProfileConfig struct {
	CPU string `mapstructure:"cpu"`
	Mem string `mapstructure:"mem"`
}

// SetDefaults registers the default value of every key on v and enables the
// BUSRELAY_ environment overrides.
func SetDefaults(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("bus.strict", false)

	v.SetDefault("server.addr", ":8765")
	v.SetDefault("server.path", "/ws")
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.read_limit", 1<<20)
	v.SetDefault("server.rate_limit", 0)
	v.SetDefault("server.rate_burst", 20)

	v.SetDefault("client.url", "ws://localhost:8765/ws")
	v.SetDefault("client.max_attempts", 5)
	v.SetDefault("client.base_delay", time.Second)
	v.SetDefault("client.handshake_timeout", 10*time.Second)
	v.SetDefault("client.subscribe_all", true)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("system.maxprocs", 0)
	v.SetDefault("system.gcpercent", 0)
	v.SetDefault("system.memorylimit", 0)
	v.SetDefault("system.stats_interval", 0)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "busrelay")
	v.SetDefault("tracing.exporter", "grpc")
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.sampling_rate", 1.0)

	v.SetDefault("profile.cpu", "")
	v.SetDefault("profile.mem", "")
}

// ReadFile reads path into v. An empty path looks for .busrelay.yaml in the
// home directory and treats a missing file as no file.
func ReadFile(v *viper.Viper, path, home string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(home)
		v.SetConfigType("yaml")
		v.SetConfigName(".busrelay")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	check(c.Server.Addr != "", "server.addr is required")
	check(strings.HasPrefix(c.Server.Path, "/"), "server.path must start with /, got %q", c.Server.Path)
	check(c.Server.WriteTimeout > 0, "server.write_timeout must be positive")
	check(c.Server.ReadLimit > 0, "server.read_limit must be positive")
	check(c.Server.RateLimit >= 0, "server.rate_limit must not be negative")
	check(c.Server.RateLimit == 0 || c.Server.RateBurst > 0, "server.rate_burst must be positive when rate limiting")
	check(c.Client.MaxAttempts >= 0, "client.max_attempts must not be negative")
	check(c.Client.BaseDelay > 0, "client.base_delay must be positive")
	check(backoffFits(c.Client.BaseDelay, c.Client.MaxAttempts),
		"client.base_delay doubled over client.max_attempts overflows, got %s and %d",
		c.Client.BaseDelay, c.Client.MaxAttempts)
	check(c.Client.HandshakeTimeout > 0, "client.handshake_timeout must be positive")
	if u, err := url.Parse(c.Client.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("client.url must be a ws:// or wss:// url, got %q", c.Client.URL))
	}
	check(c.System.StatsInterval >= 0, "system.stats_interval must not be negative")
	if c.Tracing.Enabled {
		check(c.Tracing.Exporter == "grpc" || c.Tracing.Exporter == "http",
			"tracing.exporter must be grpc or http, got %q", c.Tracing.Exporter)
		check(c.Tracing.Endpoint != "", "tracing.endpoint is required when tracing is enabled")
	}
	check(c.Tracing.SamplingRate >= 0 && c.Tracing.SamplingRate <= 1,
		"tracing.sampling_rate must be between 0 and 1")
	check(!c.Metrics.Enabled || c.Metrics.Addr != "", "metrics.addr is required when metrics are enabled")

	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}

// backoffFits reports whether the last reconnect delay, base × 2^(attempts-1),
// fits in a time.Duration.
func backoffFits(base time.Duration, attempts int) bool {
	if attempts <= 1 || base <= 0 {
		return true
	}
	shift := attempts - 1
	return shift < 63 && base <= time.Duration(math.MaxInt64)>>uint(shift)
}
