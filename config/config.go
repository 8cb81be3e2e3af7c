// Package config loads and validates the application configuration.
//
// Configuration is YAML on disk with environment variable overrides for
// deployment-specific values. Defaults are chosen so a config file with
// nothing but a channel list produces a working pipeline.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/michaelhil/euroscope2mcp/capture"
	"github.com/michaelhil/euroscope2mcp/errors"
	"github.com/michaelhil/euroscope2mcp/sink/filesink"
	"github.com/michaelhil/euroscope2mcp/sink/natssink"
	"github.com/michaelhil/euroscope2mcp/sink/wssink"
)

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `json:"level"  yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
}

// DecoderConfig controls protocol decoder construction.
type DecoderConfig struct {
	Default   string `json:"default"    yaml:"default"`
	Summaries bool   `json:"summaries"  yaml:"summaries"`
	Options   string `json:"options"    yaml:"options"`
	PluginDir string `json:"plugin_dir" yaml:"plugin_dir"`
}

// SinkConfig enables and configures the built-in sinks. A sink is
// constructed only when its Enabled flag is set.
type SinkConfig struct {
	File struct {
		Enabled         bool `json:"enabled" yaml:"enabled"`
		filesink.Config `    json:",inline" yaml:",inline"`
	} `json:"file" yaml:"file"`
	NATS struct {
		Enabled         bool `json:"enabled" yaml:"enabled"`
		natssink.Config `    json:",inline" yaml:",inline"`
	} `json:"nats" yaml:"nats"`
	WebSocket struct {
		Enabled       bool `json:"enabled" yaml:"enabled"`
		wssink.Config `    json:",inline" yaml:",inline"`
	} `json:"websocket" yaml:"websocket"`
}

// Config is the complete application configuration.
type Config struct {
	Channels []capture.ChannelConfig `json:"channels" yaml:"channels"`
	Decoder  DecoderConfig           `json:"decoder"  yaml:"decoder"`
	Sinks    SinkConfig              `json:"sinks"    yaml:"sinks"`
	Logging  LoggingConfig           `json:"logging"  yaml:"logging"`
	Metrics  MetricsConfig           `json:"metrics"  yaml:"metrics"`

	// StatsAddress serves the JSON pipeline statistics endpoint.
	StatsAddress string `json:"stats_address" yaml:"stats_address"`

	// StopTimeout bounds graceful shutdown of each component.
	StopTimeout time.Duration `json:"stop_timeout" yaml:"stop_timeout"`
}

// Default returns the configuration used when a field is absent from
// the file.
func Default() Config {
	cfg := Config{
		Decoder: DecoderConfig{
			Default:   "fsd",
			Summaries: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
		},
		StatsAddress: ":8080",
		StopTimeout:  10 * time.Second,
	}
	cfg.Sinks.File.Config = filesink.DefaultConfig()
	cfg.Sinks.NATS.Config = natssink.DefaultConfig()
	cfg.Sinks.WebSocket.Config = wssink.DefaultConfig()
	return cfg
}

// Load reads a YAML configuration file, applies defaults and
// environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.WrapFatal(err, "Config", "Load", "read config file")
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.WrapInvalid(err, "Config", "Load", "parse YAML")
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides layers environment variables over file values.
// Only deployment-facing knobs are overridable.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("E2M_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("E2M_METRICS_ADDRESS"); v != "" {
		c.Metrics.Address = v
	}
	if v := os.Getenv("E2M_STATS_ADDRESS"); v != "" {
		c.StatsAddress = v
	}
	if v := os.Getenv("E2M_NATS_URL"); v != "" {
		c.Sinks.NATS.URL = v
	}
	if v := os.Getenv("E2M_METRICS_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Metrics.Enabled = enabled
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if len(c.Channels) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"at least one channel is required")
	}

	seen := make(map[int]bool, len(c.Channels))
	for i, ch := range c.Channels {
		if ch.ID <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("channel %d: id must be positive", i))
		}
		if seen[ch.ID] {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("duplicate channel id %d", ch.ID))
		}
		seen[ch.ID] = true

		switch ch.Source {
		case "", "udp":
		case "exec":
			if len(ch.Command) == 0 {
				return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
					fmt.Sprintf("channel %d: exec source requires command", ch.ID))
			}
		default:
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("channel %d: unknown source %q", ch.ID, ch.Source))
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("unknown log level %q", c.Logging.Level))
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("unknown log format %q", c.Logging.Format))
	}

	if c.Sinks.File.Enabled {
		if err := c.Sinks.File.Validate(); err != nil {
			return err
		}
	}
	if c.Sinks.NATS.Enabled {
		if err := c.Sinks.NATS.Validate(); err != nil {
			return err
		}
	}
	if c.Sinks.WebSocket.Enabled {
		if err := c.Sinks.WebSocket.Validate(); err != nil {
			return err
		}
	}

	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}

	return nil
}
