// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/absmach/oilmq/internal/bufpool"
)

// WriteFrame assembles a frame in a pooled buffer and hands it to w in a
// single Write. Nothing is written if build fails.
func WriteFrame(w io.Writer, build func(buf *bytes.Buffer) error) error {
	buf := bufpool.Get()
	defer bufpool.Put(buf)

	if err := build(buf); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// WriteRequest writes an opcode followed by the payload produced by body.
// body may be nil for parameterless requests.
func WriteRequest(w io.Writer, op Opcode, body func(buf *bytes.Buffer) error) error {
	return WriteFrame(w, func(buf *bytes.Buffer) error {
		buf.WriteByte(byte(op))
		if body == nil {
			return nil
		}
		return body(buf)
	})
}

// WriteOK writes a parameterless success reply.
func WriteOK(w io.Writer) error {
	_, err := w.Write([]byte{byte(StatusOK)})
	return err
}

// WriteObject writes a success reply carrying v.
func WriteObject(w io.Writer, v any) error {
	return WriteFrame(w, func(buf *bytes.Buffer) error {
		buf.WriteByte(byte(StatusOKObject))
		return EncodeObject(buf, v)
	})
}

// WriteException writes an exception reply carrying err.
func WriteException(w io.Writer, err error) error {
	return WriteFrame(w, func(buf *bytes.Buffer) error {
		buf.WriteByte(byte(StatusException))
		return EncodeObject(buf, NewRemoteError(err))
	})
}

// ReadOpcode reads the opcode byte of the next request.
// The opcode is returned even when it is unknown so callers can log it.
func ReadOpcode(r io.Reader) (Opcode, error) {
	b, err := DecodeByte(r)
	if err != nil {
		return 0, err
	}
	op := Opcode(b)
	if !op.Known() {
		return op, fmt.Errorf("%w: %d", ErrUnknownOpcode, b)
	}
	return op, nil
}

// ReadStatus reads the status byte of the next reply.
func ReadStatus(r io.Reader) (Status, error) {
	b, err := DecodeByte(r)
	if err != nil {
		return 0, err
	}
	s := Status(b)
	if !s.Valid() {
		return s, fmt.Errorf("%w: %d", ErrUnknownStatus, b)
	}
	return s, nil
}

// ReadReply reads a full reply. On OK_OBJECT the result is decoded into
// result, which may be nil to discard it. On EXCEPTION the returned error
// is the *RemoteError sent by the peer; transport and protocol failures are
// returned as-is and leave the stream unusable.
func ReadReply(r io.Reader, maxSize int, result any) (remote error, err error) {
	status, err := ReadStatus(r)
	if err != nil {
		return nil, err
	}

	switch status {
	case StatusOK:
		return nil, nil
	case StatusOKObject:
		if result == nil {
			var discard any
			return nil, DecodeObject(r, maxSize, &discard)
		}
		return nil, DecodeObject(r, maxSize, result)
	default:
		var re RemoteError
		if err := DecodeObject(r, maxSize, &re); err != nil {
			return nil, err
		}
		return &re, nil
	}
}
