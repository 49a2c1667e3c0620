// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistence

import "log/slog"

// Config holds the persistence manager settings.
type Config struct {
	// TxPoolSize bounds the number of idle transaction objects kept for reuse.
	TxPoolSize int
	// Compression applies to message files written from now on. Files are
	// self-describing, so existing files stay readable after a change.
	Compression Compression
	// SyncWrites fsyncs message files, transaction records and directories.
	SyncWrites bool
	Logger     *slog.Logger
}

// DefaultConfig returns the default persistence settings.
func DefaultConfig() Config {
	return Config{
		TxPoolSize:  32,
		Compression: CompressionNone,
		SyncWrites:  true,
		Logger:      slog.Default(),
	}
}

// Option is a function that configures the manager.
type Option func(*Config)

// WithTxPoolSize sets the transaction pool size.
func WithTxPoolSize(size int) Option {
	return func(c *Config) {
		c.TxPoolSize = size
	}
}

// WithCompression sets the message file compression.
func WithCompression(ct Compression) Option {
	return func(c *Config) {
		c.Compression = ct
	}
}

// WithSyncWrites enables or disables fsync on writes.
func WithSyncWrites(enabled bool) Option {
	return func(c *Config) {
		c.SyncWrites = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// Apply applies options to a configuration.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}
