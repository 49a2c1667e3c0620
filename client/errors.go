// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "errors"

// Client errors.
var (
	// Configuration errors.
	ErrNoServer        = errors.New("no server configured")
	ErrInvalidPushMode = errors.New("invalid push mode (must be accept or dial)")

	// Connection errors.
	ErrNotConnected     = errors.New("client not connected")
	ErrAlreadyConnected = errors.New("client already connected")
	ErrConnectFailed    = errors.New("connection failed")

	// Operation errors.
	ErrTimeout        = errors.New("operation timed out")
	ErrConnectionLost = errors.New("connection lost")
	ErrClientClosed   = errors.New("client has been closed")

	// Protocol errors.
	ErrUnexpectedFrame = errors.New("unexpected push frame")
)
