// Package config loads and validates the bridge configuration file. A
// missing file yields the defaults; a present file overlays them. Validation
// runs before any network or serial I/O so a bad deployment fails at startup,
// not mid-session.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/ljchang/hyperstudy-bridge-sub001/errors"
)

// DeviceConfig declares one device instance. Settings are passed verbatim to
// the driver's Configure.
type DeviceConfig struct {
	Type     string          `json:"type"`
	Enabled  bool            `json:"enabled"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

// NATSConfig configures the optional messaging bus connection.
type NATSConfig struct {
	URL           string `json:"url,omitempty"`
	Name          string `json:"name,omitempty"`
	TimeoutMs     int    `json:"timeout_ms,omitempty"`
	ReconnectWait int    `json:"reconnect_wait_ms,omitempty"`
}

// Config is the complete bridge configuration.
type Config struct {
	ListenAddr       string                  `json:"listen_addr"`
	Path             string                  `json:"path"`
	MetricsAddr      string                  `json:"metrics_addr,omitempty"`
	CommandTimeoutMs int                     `json:"command_timeout_ms,omitempty"`
	LogLevel         string                  `json:"log_level,omitempty"`
	NATS             NATSConfig              `json:"nats,omitempty"`
	Devices          map[string]DeviceConfig `json:"devices,omitempty"`
}

// deviceTypes are the driver kinds the factory can build.
var deviceTypes = map[string]struct{}{
	"ttl": {}, "kernel": {}, "pupil": {}, "biopac": {}, "lsl": {}, "mock": {},
}

var logLevels = map[string]struct{}{
	"debug": {}, "info": {}, "warn": {}, "error": {},
}

// Default returns the default configuration: loopback bridge, no metrics
// endpoint, no bus, no devices.
func Default() Config {
	return Config{
		ListenAddr:       "127.0.0.1:9000",
		Path:             "/ws",
		CommandTimeoutMs: 10000,
		LogLevel:         "info",
		Devices:          make(map[string]DeviceConfig),
	}
}

// Load reads path, overlays it onto the defaults, applies environment
// overrides, and validates. An empty path returns the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapFatal(
				fmt.Errorf("%w: %v", errors.ErrMissingConfig, err), "Config", "Load", "read "+path)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, errors.WrapFatal(
				fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Config", "Load", "parse "+path)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides file values from the environment. Deployment scripts
// set these instead of templating the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("BRIDGE_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("BRIDGE_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("BRIDGE_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("BRIDGE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks the configuration without touching the network.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: listen_addr %q: %v", errors.ErrInvalidConfig, c.ListenAddr, err),
			"Config", "Validate", "address check")
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return errors.WrapInvalid(
				fmt.Errorf("%w: metrics_addr %q: %v", errors.ErrInvalidConfig, c.MetricsAddr, err),
				"Config", "Validate", "address check")
		}
	}
	if c.Path == "" || c.Path[0] != '/' {
		return errors.WrapInvalid(
			fmt.Errorf("%w: path %q", errors.ErrInvalidConfig, c.Path), "Config", "Validate", "path check")
	}
	if c.CommandTimeoutMs < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: negative command_timeout_ms", errors.ErrInvalidConfig), "Config", "Validate", "timeout check")
	}
	if c.LogLevel != "" {
		if _, ok := logLevels[c.LogLevel]; !ok {
			return errors.WrapInvalid(
				fmt.Errorf("%w: log_level %q", errors.ErrInvalidConfig, c.LogLevel), "Config", "Validate", "level check")
		}
	}

	for id, dev := range c.Devices {
		if id == "" {
			return errors.WrapInvalid(
				fmt.Errorf("%w: empty device id", errors.ErrInvalidConfig), "Config", "Validate", "device check")
		}
		if _, ok := deviceTypes[dev.Type]; !ok {
			return errors.WrapInvalid(
				fmt.Errorf("%w: device %q has unknown type %q", errors.ErrInvalidConfig, id, dev.Type),
				"Config", "Validate", "device check")
		}
		if dev.Type == "lsl" && dev.Enabled && c.NATS.URL == "" {
			return errors.WrapInvalid(
				fmt.Errorf("%w: device %q requires nats.url", errors.ErrInvalidConfig, id),
				"Config", "Validate", "device check")
		}
	}
	return nil
}

// CommandTimeout returns the configured command deadline.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMs) * time.Millisecond
}
