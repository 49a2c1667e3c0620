// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"errors"

	"github.com/absmach/oilmq/codec"
)

// Application errors. They are reported to clients as EXCEPTION replies and
// recognized again on the client side through errors.Is.
var (
	ErrDestinationNotFound  = errors.New("destination not found")
	ErrDestinationExists    = errors.New("destination already exists")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrSubscriptionExists   = errors.New("subscription already exists")
	ErrMessageNotFound      = errors.New("message not found")
	ErrClientIDInUse        = errors.New("client id already in use")
	ErrNotConnected         = errors.New("connection token not set")
	ErrPushUnavailable      = errors.New("push channel not available")
	ErrRateLimited          = errors.New("rate limit exceeded")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrNotPermitted         = errors.New("operation not permitted")
	ErrShuttingDown         = errors.New("broker is shutting down")
)

func init() {
	codec.RegisterError("destination_not_found", ErrDestinationNotFound)
	codec.RegisterError("destination_exists", ErrDestinationExists)
	codec.RegisterError("subscription_not_found", ErrSubscriptionNotFound)
	codec.RegisterError("subscription_exists", ErrSubscriptionExists)
	codec.RegisterError("message_not_found", ErrMessageNotFound)
	codec.RegisterError("client_id_in_use", ErrClientIDInUse)
	codec.RegisterError("not_connected", ErrNotConnected)
	codec.RegisterError("push_unavailable", ErrPushUnavailable)
	codec.RegisterError("rate_limited", ErrRateLimited)
	codec.RegisterError("invalid_argument", ErrInvalidArgument)
	codec.RegisterError("not_permitted", ErrNotPermitted)
	codec.RegisterError("shutting_down", ErrShuttingDown)
}
