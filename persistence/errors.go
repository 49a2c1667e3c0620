// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"errors"

	"github.com/absmach/oilmq/codec"
)

var (
	// ErrPersistence wraps every I/O failure of a persistence operation.
	ErrPersistence = errors.New("persistence failure")

	ErrClosed        = errors.New("persistence manager closed")
	ErrUnknownTx     = errors.New("unknown or completed transaction")
	ErrLogNotFound   = errors.New("no log for destination")
	ErrInvalidName   = errors.New("invalid encoded destination name")
	ErrCorruptFile   = errors.New("corrupt message file")
	ErrNotStored     = errors.New("message is not stored")
	ErrAlreadyStored = errors.New("message is already stored")
)

func init() {
	codec.RegisterError("persistence", ErrPersistence)
}
