// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"log/slog"
	"time"

	"github.com/absmach/oilmq/message"
)

// Default values.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultMaxFrameSize   = 4 << 20
	DefaultPushListen     = "127.0.0.1:0"
)

// PushMode selects which side opens the push socket.
type PushMode string

const (
	// PushAccept opens the push socket to the address announced by the broker.
	PushAccept PushMode = "accept"
	// PushDial listens locally and lets the broker dial in.
	PushDial PushMode = "dial"
	// PushNone uses RECEIVE only.
	PushNone PushMode = "none"
)

// Options configures the client.
type Options struct {
	// Connection
	Server         string        // Broker request address (host:port)
	ClientID       string        // Client id (empty for a broker generated one)
	ConnectTimeout time.Duration // Timeout for dialing and the connection handshake
	RequestTimeout time.Duration // Default timeout for a request without a deadline
	WriteTimeout   time.Duration // Timeout for writing one frame
	MaxFrameSize   int           // Largest object accepted from the broker

	// Push channel
	PushMode   PushMode // How the push socket is established
	PushListen string   // Local listen address in dial mode
	PushAddr   string   // Overrides the push address announced by the broker

	// Callbacks
	OnDelivery       func(message.Delivery) error // Called for every pushed message; an error rejects the batch
	OnPong           func(serverTime time.Time)   // Called for PONG frames
	OnClose          func()                       // Called when the broker closes the push channel
	OnConnectionLost func(error)                  // Called when the request connection fails

	Logger *slog.Logger
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		Server:         "localhost:8090",
		ConnectTimeout: DefaultConnectTimeout,
		RequestTimeout: DefaultRequestTimeout,
		WriteTimeout:   DefaultWriteTimeout,
		MaxFrameSize:   DefaultMaxFrameSize,
		PushMode:       PushAccept,
		PushListen:     DefaultPushListen,
	}
}

// SetServer sets the broker address.
func (o *Options) SetServer(addr string) *Options {
	o.Server = addr
	return o
}

// SetClientID sets the client id.
func (o *Options) SetClientID(id string) *Options {
	o.ClientID = id
	return o
}

// SetPushMode sets how the push channel is opened.
func (o *Options) SetPushMode(mode PushMode) *Options {
	o.PushMode = mode
	return o
}

// SetPushListen sets the local push listener address used in dial mode.
func (o *Options) SetPushListen(addr string) *Options {
	o.PushListen = addr
	return o
}

// SetPushAddr overrides the push address announced by the broker.
func (o *Options) SetPushAddr(addr string) *Options {
	o.PushAddr = addr
	return o
}

// SetRequestTimeout sets the default request timeout.
func (o *Options) SetRequestTimeout(d time.Duration) *Options {
	o.RequestTimeout = d
	return o
}

// SetOnDelivery sets the delivery handler.
func (o *Options) SetOnDelivery(fn func(message.Delivery) error) *Options {
	o.OnDelivery = fn
	return o
}

// SetOnPong sets the pong handler.
func (o *Options) SetOnPong(fn func(time.Time)) *Options {
	o.OnPong = fn
	return o
}

// SetOnClose sets the handler called when the broker closes the push channel.
func (o *Options) SetOnClose(fn func()) *Options {
	o.OnClose = fn
	return o
}

// SetOnConnectionLost sets the connection lost handler.
func (o *Options) SetOnConnectionLost(fn func(error)) *Options {
	o.OnConnectionLost = fn
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// Validate checks the options and fills in defaults.
func (o *Options) Validate() error {
	if o.Server == "" {
		return ErrNoServer
	}
	switch o.PushMode {
	case "":
		o.PushMode = PushAccept
	case PushAccept, PushDial, PushNone:
	default:
		return ErrInvalidPushMode
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	if o.PushListen == "" {
		o.PushListen = DefaultPushListen
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}
