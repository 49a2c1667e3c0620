// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cache keeps message bodies in memory and swaps them out to a
// secondary store when the resident set grows too large.
package cache

import (
	"errors"
	"strconv"

	"github.com/absmach/oilmq/message"
)

// ErrNotFound is returned when a key is not present in a store.
var ErrNotFound = errors.New("message not found in cache store")

// Store is the secondary storage for swapped out messages. Messages are
// saved, loaded and removed as whole objects under Key(id). The store is
// never used for recovery.
type Store interface {
	Save(id int64, msg *message.Message) error
	Load(id int64) (*message.Message, error)
	Remove(id int64) error
	Close() error
}

// KeyPrefix starts every store key.
const KeyPrefix = "Message-"

// Key returns the store key of message id.
func Key(id int64) string {
	return KeyPrefix + strconv.FormatInt(id, 10)
}
