// Package config loads and validates the proxy's YAML configuration,
// applies defaults, and supports hot reload both on SIGHUP and, as an
// operator convenience, on a filesystem change to the config file.
package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// UpstreamConfig is one entry of the upstreams list.
type UpstreamConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// TimeoutsConfig mirrors TimeoutPolicy's four fields, in milliseconds.
type TimeoutsConfig struct {
	ConnectMS int `yaml:"connect_ms"`
	ReadMS    int `yaml:"read_ms"`
	WriteMS   int `yaml:"write_ms"`
	TotalMS   int `yaml:"total_ms"`
}

// LimitsConfig mirrors ConnectionLimits.
type LimitsConfig struct {
	MaxClientConns      int `yaml:"max_client_conns"`
	MaxConnsPerUpstream int `yaml:"max_conns_per_upstream"`
}

// LoggingConfig configures the logger's verbosity.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config is the root, fully-decoded and defaulted configuration. The
// circuit breaker is deliberately not a field here: its tuning is not one
// of the recognized keys, matching the reference, where circuit_breaker.py's
// CircuitBreakerConfig dataclass default is always used verbatim — see
// breaker.DefaultConfig.
type Config struct {
	Listen        string           `yaml:"listen"`
	MetricsListen string           `yaml:"metrics_listen"`
	Upstreams     []UpstreamConfig `yaml:"upstreams"`
	Timeouts      TimeoutsConfig   `yaml:"timeouts"`
	Limits        LimitsConfig     `yaml:"limits"`
	Logging       LoggingConfig    `yaml:"logging"`
}

var validLevels = map[string]bool{"debug": true, "info": true, "warning": true, "error": true}

// Default returns the built-in default configuration, matching spec.md §6.
func Default() Config {
	return Config{
		Listen:        "127.0.0.1:8080",
		MetricsListen: "127.0.0.1:8081",
		Upstreams:     []UpstreamConfig{{Host: "127.0.0.1", Port: 9001}},
		Timeouts:      TimeoutsConfig{ConnectMS: 1000, ReadMS: 15000, WriteMS: 15000, TotalMS: 30000},
		Limits:        LimitsConfig{MaxClientConns: 1000, MaxConnsPerUpstream: 100},
		Logging:       LoggingConfig{Level: "info"},
	}
}

// Load reads and validates the YAML file at path, applying defaults for
// any field not present in the file. Unknown keys are rejected. A missing
// file is not an error: it yields the built-in defaults, matching the
// teacher's Load's fallback-on-missing behaviour.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}

	return &cfg, nil
}

// Validate checks field-level invariants beyond what YAML decoding alone
// enforces: logging level must be one of the four accepted names, at least
// one upstream must be configured once the file has been decoded (an
// empty YAML upstreams list still gets the default loopback entry applied
// by the zero-value check below), and listen addresses must be well
// formed host:port pairs.
func (c *Config) Validate() error {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level %q is not one of debug|info|warning|error", c.Logging.Level)
	}

	if len(c.Upstreams) == 0 {
		c.Upstreams = Default().Upstreams
	}
	for _, u := range c.Upstreams {
		if u.Port < 1 || u.Port > 65535 {
			return fmt.Errorf("upstream %s:%d has invalid port", u.Host, u.Port)
		}
	}

	if _, _, err := splitHostPort(c.Listen); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if _, _, err := splitHostPort(c.MetricsListen); err != nil {
		return fmt.Errorf("metrics_listen: %w", err)
	}

	if c.Limits.MaxClientConns <= 0 || c.Limits.MaxConnsPerUpstream <= 0 {
		return fmt.Errorf("limits must be positive")
	}

	return nil
}

// splitHostPort parses "host:port", defaulting an empty host to
// 127.0.0.1, matching the reference's _parse_listen.
func splitHostPort(addr string) (string, int, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", 0, fmt.Errorf("empty address")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	if host == "" {
		host = "127.0.0.1"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}
