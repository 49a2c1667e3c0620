// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"errors"
	"fmt"
	"sync"
)

// Protocol errors are fatal to the connection that produced them.
var (
	ErrProtocol        = errors.New("protocol error")
	ErrUnknownOpcode   = fmt.Errorf("%w: unknown opcode", ErrProtocol)
	ErrUnknownStatus   = fmt.Errorf("%w: unknown reply status", ErrProtocol)
	ErrFrameTooLarge   = fmt.Errorf("%w: frame too large", ErrProtocol)
	ErrMalformedObject = fmt.Errorf("%w: malformed object payload", ErrProtocol)
)

// CodeInternal is used for errors that have no registered code.
const CodeInternal = "internal"

// RemoteError is the error value carried by an EXCEPTION reply.
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Message
}

// Is matches the sentinel registered for the error's code, so callers can
// use errors.Is on both sides of the connection.
func (e *RemoteError) Is(target error) bool {
	registry.RLock()
	sentinel, ok := registry.byCode[e.Code]
	registry.RUnlock()
	return ok && sentinel == target
}

type errorEntry struct {
	code     string
	sentinel error
}

var registry = struct {
	sync.RWMutex
	byCode  map[string]error
	entries []errorEntry
}{
	byCode: make(map[string]error),
}

// RegisterError binds a stable wire code to a sentinel error.
// Packages owning application errors register them from init.
func RegisterError(code string, sentinel error) {
	registry.Lock()
	defer registry.Unlock()
	if _, ok := registry.byCode[code]; ok {
		panic(fmt.Sprintf("codec: error code %q registered twice", code))
	}
	registry.byCode[code] = sentinel
	registry.entries = append(registry.entries, errorEntry{code: code, sentinel: sentinel})
}

// ErrorCode returns the wire code of the first registered sentinel err matches.
// Registration order decides between overlapping sentinels.
func ErrorCode(err error) string {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Code
	}

	registry.RLock()
	defer registry.RUnlock()
	for _, e := range registry.entries {
		if errors.Is(err, e.sentinel) {
			return e.code
		}
	}
	return CodeInternal
}

// NewRemoteError converts err into the value written in an EXCEPTION reply.
func NewRemoteError(err error) *RemoteError {
	return &RemoteError{
		Code:    ErrorCode(err),
		Message: err.Error(),
	}
}
