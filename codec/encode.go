// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"fmt"
	"io"
	"math"
)

func EncodeByte(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

func EncodeBool(w io.Writer, v bool) error {
	if v {
		return EncodeByte(w, 1)
	}
	return EncodeByte(w, 0)
}

func EncodeUint16(w io.Writer, n uint16) error {
	_, err := w.Write([]byte{byte(n >> 8), byte(n)})
	return err
}

func EncodeUint32(w io.Writer, n uint32) error {
	_, err := w.Write([]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)})
	return err
}

func EncodeInt32(w io.Writer, n int32) error {
	return EncodeUint32(w, uint32(n))
}

func EncodeInt64(w io.Writer, n int64) error {
	var num [8]byte
	v := uint64(n)
	for i := 7; i >= 0; i-- {
		num[i] = byte(v)
		v >>= 8
	}
	_, err := w.Write(num[:])
	return err
}

func EncodeBytes(w io.Writer, b []byte) error {
	if len(b) > math.MaxUint16 {
		return fmt.Errorf("%w: field of %d bytes exceeds %d", ErrFrameTooLarge, len(b), math.MaxUint16)
	}
	if err := EncodeUint16(w, uint16(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func EncodeString(w io.Writer, s string) error {
	return EncodeBytes(w, []byte(s))
}

// EncodeObject writes v as a length-prefixed JSON document.
func EncodeObject(w io.Writer, v any) error {
	data, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal object: %w", err)
	}
	if uint64(len(data)) > math.MaxUint32 {
		return fmt.Errorf("%w: object of %d bytes", ErrFrameTooLarge, len(data))
	}
	if err := EncodeUint32(w, uint32(len(data))); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
