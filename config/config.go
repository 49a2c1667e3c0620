// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/absmach/oilmq/broker/webhook"
	"github.com/absmach/oilmq/persistence"
	"github.com/absmach/oilmq/ratelimit"
	"gopkg.in/yaml.v3"
)

// Push channel modes.
const (
	PushModeAccept = "accept"
	PushModeDial   = "dial"
)

// Cache store types.
const (
	CacheMemory = "memory"
	CacheFile   = "file"
	CacheBadger = "badger"
)

// Config holds all configuration for the broker.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	RateLimit   ratelimit.Config  `yaml:"rate_limit"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Cache       CacheConfig       `yaml:"cache"`
	Broker      BrokerConfig      `yaml:"broker"`
	Webhook     webhook.Config    `yaml:"webhook"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig holds listener configuration.
type ServerConfig struct {
	Request         RequestConfig `yaml:"request"`
	Push            PushConfig    `yaml:"push"`
	Health          HealthConfig  `yaml:"health"`
	Otel            OtelConfig    `yaml:"otel"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxFrameSize    int           `yaml:"max_frame_size"` // Largest object payload in bytes
}

// RequestConfig holds the request channel listener settings.
type RequestConfig struct {
	Addr           string        `yaml:"addr"`
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`  // Poll interval while waiting for the next opcode
	FrameTimeout   time.Duration `yaml:"frame_timeout"` // Bound on reading a payload and writing its reply
	NoDelay        bool          `yaml:"no_delay"`
}

// PushConfig holds push channel settings.
type PushConfig struct {
	Mode            string        `yaml:"mode"`            // "accept" or "dial"
	Addr            string        `yaml:"addr"`            // Push listener address in accept mode
	AdvertisedAddr  string        `yaml:"advertised_addr"` // Address announced to clients, Addr when empty
	MaxConnections  int           `yaml:"max_connections"` // Push listener connection limit in accept mode
	NoDelay         bool          `yaml:"no_delay"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	AckTimeout      time.Duration `yaml:"ack_timeout"`
	HandshakeWait   time.Duration `yaml:"handshake_wait"`
	QueueSize       int           `yaml:"queue_size"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerReset    time.Duration `yaml:"breaker_reset"`
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// OtelConfig holds OpenTelemetry settings.
type OtelConfig struct {
	Enabled         bool    `yaml:"enabled"` // Enables metrics export
	Endpoint        string  `yaml:"endpoint"`
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// PersistenceConfig holds message log settings.
type PersistenceConfig struct {
	DataDir     string `yaml:"data_dir"`
	TxPoolSize  int    `yaml:"tx_pool_size"`
	Compression string `yaml:"compression"` // none, s2, zstd
	SyncWrites  bool   `yaml:"sync_writes"`
}

// CacheConfig holds message cache settings.
type CacheConfig struct {
	Type        string `yaml:"type"` // memory, file, badger
	Dir         string `yaml:"dir"`
	MaxResident int    `yaml:"max_resident"` // Bodies kept in memory, 0 keeps everything
}

// BrokerConfig holds delivery settings.
type BrokerConfig struct {
	MaxReceiveWait     time.Duration `yaml:"max_receive_wait"`
	RedeliveryInterval time.Duration `yaml:"redelivery_interval"`
	Prefetch           int           `yaml:"prefetch"` // Unacknowledged pushes per subscription
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Request: RequestConfig{
				Addr:           ":8090",
				MaxConnections: 10000,
				IdleTimeout:    time.Second,
				FrameTimeout:   30 * time.Second,
				NoDelay:        true,
			},
			Push: PushConfig{
				Mode:            PushModeAccept,
				Addr:            ":8091",
				MaxConnections:  10000,
				NoDelay:         true,
				DialTimeout:     5 * time.Second,
				AckTimeout:      30 * time.Second,
				HandshakeWait:   10 * time.Second,
				QueueSize:       1024,
				BreakerFailures: 5,
				BreakerReset:    30 * time.Second,
			},
			Health: HealthConfig{
				Enabled: true,
				Addr:    ":8081",
			},
			Otel: OtelConfig{
				Enabled:         false,
				Endpoint:        "localhost:4317",
				ServiceName:     "oilmq",
				ServiceVersion:  "1.0.0",
				TracesEnabled:   false,
				TraceSampleRate: 0.1,
			},
			ShutdownTimeout: 30 * time.Second,
			MaxFrameSize:    4 << 20,
		},
		RateLimit: ratelimit.DefaultConfig(),
		Persistence: PersistenceConfig{
			DataDir:     "/tmp/oilmq/data",
			TxPoolSize:  32,
			Compression: "none",
			SyncWrites:  true,
		},
		Cache: CacheConfig{
			Type:        CacheFile,
			Dir:         "/tmp/oilmq/cache",
			MaxResident: 10000,
		},
		Broker: BrokerConfig{
			MaxReceiveWait:     30 * time.Second,
			RedeliveryInterval: time.Second,
			Prefetch:           100,
		},
		Webhook: webhook.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Request.Addr == "" {
		return fmt.Errorf("server.request.addr cannot be empty")
	}
	if c.Server.Request.MaxConnections < 0 {
		return fmt.Errorf("server.request.max_connections cannot be negative")
	}
	if c.Server.Request.IdleTimeout <= 0 {
		return fmt.Errorf("server.request.idle_timeout must be positive")
	}
	if c.Server.Request.FrameTimeout <= 0 {
		return fmt.Errorf("server.request.frame_timeout must be positive")
	}
	if c.Server.MaxFrameSize < 1024 {
		return fmt.Errorf("server.max_frame_size must be at least 1KB")
	}

	switch c.Server.Push.Mode {
	case PushModeAccept:
		if c.Server.Push.Addr == "" {
			return fmt.Errorf("server.push.addr required in accept mode")
		}
	case PushModeDial:
	default:
		return fmt.Errorf("server.push.mode must be one of: accept, dial")
	}
	if c.Server.Push.MaxConnections < 0 {
		return fmt.Errorf("server.push.max_connections cannot be negative")
	}
	if c.Server.Push.AckTimeout <= 0 {
		return fmt.Errorf("server.push.ack_timeout must be positive")
	}
	if c.Server.Push.DialTimeout <= 0 {
		return fmt.Errorf("server.push.dial_timeout must be positive")
	}
	if c.Server.Push.QueueSize < 1 {
		return fmt.Errorf("server.push.queue_size must be at least 1")
	}

	if c.Server.Health.Enabled && c.Server.Health.Addr == "" {
		return fmt.Errorf("server.health.addr required when health is enabled")
	}

	if c.Server.Otel.Enabled || c.Server.Otel.TracesEnabled {
		if c.Server.Otel.ServiceName == "" {
			return fmt.Errorf("server.otel.service_name cannot be empty when otel is enabled")
		}
		if c.Server.Otel.Endpoint == "" {
			return fmt.Errorf("server.otel.endpoint cannot be empty when otel is enabled")
		}
		if c.Server.Otel.TraceSampleRate < 0.0 || c.Server.Otel.TraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	if c.Persistence.DataDir == "" {
		return fmt.Errorf("persistence.data_dir cannot be empty")
	}
	if c.Persistence.TxPoolSize < 0 {
		return fmt.Errorf("persistence.tx_pool_size cannot be negative")
	}
	if _, err := persistence.ParseCompression(c.Persistence.Compression); err != nil {
		return fmt.Errorf("persistence.compression: %w", err)
	}

	validCache := map[string]bool{CacheMemory: true, CacheFile: true, CacheBadger: true}
	if !validCache[c.Cache.Type] {
		return fmt.Errorf("cache.type must be one of: memory, file, badger")
	}
	if c.Cache.Type != CacheMemory && c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir required when type is %s", c.Cache.Type)
	}
	if c.Cache.MaxResident < 0 {
		return fmt.Errorf("cache.max_resident cannot be negative")
	}
	if c.Cache.Type != CacheMemory {
		overlap, err := nested(c.Cache.Dir, c.Persistence.DataDir)
		if err != nil {
			return fmt.Errorf("cache.dir: %w", err)
		}
		if overlap {
			return fmt.Errorf("cache.dir %q and persistence.data_dir %q must not contain one another",
				c.Cache.Dir, c.Persistence.DataDir)
		}
	}

	if c.Broker.MaxReceiveWait <= 0 {
		return fmt.Errorf("broker.max_receive_wait must be positive")
	}
	if c.Broker.RedeliveryInterval < 10*time.Millisecond {
		return fmt.Errorf("broker.redelivery_interval must be at least 10ms")
	}
	if c.Broker.Prefetch < 1 {
		return fmt.Errorf("broker.prefetch must be at least 1")
	}

	if c.Webhook.Enabled {
		if len(c.Webhook.Endpoints) == 0 {
			return fmt.Errorf("webhook.endpoints required when webhook is enabled")
		}
		for i, ep := range c.Webhook.Endpoints {
			if ep.URL == "" {
				return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
			}
		}
		if c.Webhook.DropPolicy != "oldest" && c.Webhook.DropPolicy != "newest" {
			return fmt.Errorf("webhook.drop_policy must be one of: oldest, newest")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	return nil
}

// PushAdvertisedAddr returns the push address announced to clients.
func (c *Config) PushAdvertisedAddr() string {
	if c.Server.Push.AdvertisedAddr != "" {
		return c.Server.Push.AdvertisedAddr
	}
	return c.Server.Push.Addr
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// nested reports whether a and b are the same directory or one lies
// inside the other.
func nested(a, b string) (bool, error) {
	absA, err := filepath.Abs(a)
	if err != nil {
		return false, err
	}
	absB, err := filepath.Abs(b)
	if err != nil {
		return false, err
	}
	return within(absA, absB) || within(absB, absA), nil
}

func within(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
