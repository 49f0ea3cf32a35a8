// Package config loads the service configuration.
//
// The file format is YAML; JSON files parse too since JSON is a subset.
// Field names follow the plugin config the host hands over at load time.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"geyserfeed/internal/selector"
)

const (
	DefaultBindAddress      = "0.0.0.0:10000"
	DefaultChannelCapacity  = 1024
	DefaultSubscriberBuffer = 256
	DefaultHeartbeat        = 5 * time.Second
	DefaultRedisChannel     = "geyser:updates"
	DefaultRedisControl     = "geyser:selector"
	DefaultRateRPS          = 5
	DefaultRateBurst        = 10
)

type Config struct {
	BindAddress string `yaml:"bind_address"`
	// AccountsSelector is the initial selector. Absent means every account.
	AccountsSelector *selector.Config `yaml:"accounts_selector"`
	Service          ServiceConfig    `yaml:"service_config"`
	// ZstdCompression is the older switch; Compression wins when both are set.
	ZstdCompression bool              `yaml:"zstd_compression"`
	Compression     string            `yaml:"compression"`
	Prometheus      *PrometheusConfig `yaml:"prometheus"`
	DatabaseURL     string            `yaml:"database_url"`
	Redis           RedisConfig       `yaml:"redis"`
	RateLimit       RateLimitConfig   `yaml:"rate_limit"`
	// SelectorSecret enables HMAC signing of HTTP selector updates.
	SelectorSecret string `yaml:"selector_secret"`
}

type ServiceConfig struct {
	// ChannelCapacity is the bus window. broadcast_buffer_size is accepted
	// as an alias.
	ChannelCapacity     int           `yaml:"channel_capacity"`
	BroadcastBufferSize int           `yaml:"broadcast_buffer_size"`
	SubscriberBuffer    int           `yaml:"subscriber_buffer_size"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
}

type PrometheusConfig struct {
	Address string `yaml:"address"`
}

type RedisConfig struct {
	URL            string `yaml:"url"`
	Channel        string `yaml:"channel"`
	ControlChannel string `yaml:"control_channel"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// ValidationError holds all validation failures for a config.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: %s", strings.Join(e.Errors, "; "))
}

// LoadFile reads, parses, and validates a config file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes data, applies environment overrides and defaults, and
// validates the result. Unknown fields are errors.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default is the config used when no file is given.
func Default() (*Config, error) { return Parse(nil) }

func (c *Config) applyEnv() error {
	c.BindAddress = envOr("GEYSER_BIND_ADDRESS", c.BindAddress)
	c.DatabaseURL = envOr("DATABASE_URL", c.DatabaseURL)
	c.Redis.URL = envOr("REDIS_URL", c.Redis.URL)
	c.Compression = envOr("GEYSER_COMPRESSION", c.Compression)
	c.SelectorSecret = envOr("GEYSER_SELECTOR_SECRET", c.SelectorSecret)
	if v := os.Getenv("RATE_RPS"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RATE_RPS: %w", err)
		}
		c.RateLimit.RPS = rps
	}
	if v := os.Getenv("RATE_BURST"); v != "" {
		burst, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RATE_BURST: %w", err)
		}
		c.RateLimit.Burst = burst
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.BindAddress == "" {
		c.BindAddress = DefaultBindAddress
	}
	if c.Service.ChannelCapacity == 0 {
		c.Service.ChannelCapacity = c.Service.BroadcastBufferSize
	}
	if c.Service.ChannelCapacity == 0 {
		c.Service.ChannelCapacity = DefaultChannelCapacity
	}
	if c.Service.SubscriberBuffer == 0 {
		c.Service.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if c.Service.HeartbeatInterval == 0 {
		c.Service.HeartbeatInterval = DefaultHeartbeat
	}
	if c.Compression == "" && c.ZstdCompression {
		c.Compression = "zstd"
	}
	if c.Compression == "" {
		c.Compression = "none"
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = DefaultRedisChannel
	}
	if c.Redis.ControlChannel == "" {
		c.Redis.ControlChannel = DefaultRedisControl
	}
	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = DefaultRateRPS
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = DefaultRateBurst
	}
}

// Validate checks a config with defaults applied.
func (c *Config) Validate() error {
	var errs []string
	s := c.Service
	if s.BroadcastBufferSize != 0 && s.BroadcastBufferSize != s.ChannelCapacity {
		errs = append(errs, "service_config: channel_capacity and broadcast_buffer_size disagree")
	}
	if s.ChannelCapacity < 1 {
		errs = append(errs, fmt.Sprintf("service_config.channel_capacity: must be at least 1, got %d", s.ChannelCapacity))
	}
	if s.SubscriberBuffer < 1 {
		errs = append(errs, fmt.Sprintf("service_config.subscriber_buffer_size: must be at least 1, got %d", s.SubscriberBuffer))
	}
	if s.HeartbeatInterval < 0 {
		errs = append(errs, "service_config.heartbeat_interval: must not be negative")
	}
	switch c.Compression {
	case "none", "zstd", "lz4":
	default:
		errs = append(errs, fmt.Sprintf("compression: invalid value %q (must be none, zstd or lz4)", c.Compression))
	}
	if c.AccountsSelector != nil {
		if _, err := selector.FromConfig(*c.AccountsSelector); err != nil {
			errs = append(errs, fmt.Sprintf("accounts_selector: %v", err))
		}
	}
	if c.Prometheus != nil && c.Prometheus.Address == "" {
		errs = append(errs, "prometheus.address: required when prometheus is set")
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, "rate_limit: rps and burst must not be negative")
	}
	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// Selector builds the initial selector.
func (c *Config) Selector() (*selector.Selector, error) {
	if c.AccountsSelector == nil {
		return selector.All(), nil
	}
	return selector.FromConfig(*c.AccountsSelector)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
