// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook posts broker events to HTTP endpoints.
package webhook

import (
	"context"
	"time"

	"github.com/absmach/oilmq/broker/events"
)

// Notifier sends webhook notifications asynchronously.
type Notifier interface {
	// Notify queues ev for every matching endpoint without blocking.
	Notify(ctx context.Context, ev events.Event) error

	// Close stops the workers, giving queued events until the shutdown
	// timeout to go out.
	Close() error
}

// Sender delivers one encoded payload to url.
type Sender interface {
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}

// Config holds webhook settings.
type Config struct {
	Enabled         bool             `yaml:"enabled"`
	QueueSize       int              `yaml:"queue_size"`
	DropPolicy      string           `yaml:"drop_policy"` // "oldest" or "newest"
	Workers         int              `yaml:"workers"`
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout"`
	Defaults        DefaultsConfig   `yaml:"defaults"`
	Endpoints       []EndpointConfig `yaml:"endpoints"`
}

// DefaultsConfig applies to endpoints that do not override it.
type DefaultsConfig struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig controls exponential backoff between attempts.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig stops calling an endpoint after repeated failures.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// EndpointConfig describes one receiver.
type EndpointConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	// Events limits the endpoint to these event types. Empty means all.
	Events []string `yaml:"events"`
	// Destinations limits destination scoped events to names matching one
	// of these path.Match patterns. Empty means all.
	Destinations []string          `yaml:"destinations"`
	Headers      map[string]string `yaml:"headers"`
	Timeout      time.Duration     `yaml:"timeout"`
	Retry        *RetryConfig      `yaml:"retry,omitempty"`
}

// DefaultConfig returns webhooks disabled with sensible delivery settings.
func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		QueueSize:       10000,
		DropPolicy:      "oldest",
		Workers:         5,
		ShutdownTimeout: 30 * time.Second,
		Defaults: DefaultsConfig{
			Timeout: 5 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: time.Second,
				MaxInterval:     30 * time.Second,
				Multiplier:      2.0,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     60 * time.Second,
			},
		},
	}
}
