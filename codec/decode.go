// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"fmt"
	"io"
)

func DecodeByte(r io.Reader) (byte, error) {
	var b [1]byte
	_, err := io.ReadFull(r, b[:])
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func DecodeBool(r io.Reader) (bool, error) {
	b, err := DecodeByte(r)
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: invalid bool value %d", ErrProtocol, b)
	}
}

func DecodeUint16(r io.Reader) (uint16, error) {
	var num [2]byte
	_, err := io.ReadFull(r, num[:])
	if err != nil {
		return 0, err
	}

	return uint16(num[1]) | uint16(num[0])<<8, nil
}

func DecodeUint32(r io.Reader) (uint32, error) {
	var num [4]byte
	_, err := io.ReadFull(r, num[:])
	if err != nil {
		return 0, err
	}

	return uint32(num[3]) | uint32(num[2])<<8 | uint32(num[1])<<16 | uint32(num[0])<<24, nil
}

func DecodeInt32(r io.Reader) (int32, error) {
	n, err := DecodeUint32(r)
	return int32(n), err
}

func DecodeInt64(r io.Reader) (int64, error) {
	var num [8]byte
	_, err := io.ReadFull(r, num[:])
	if err != nil {
		return 0, err
	}

	var v uint64
	for _, b := range num {
		v = v<<8 | uint64(b)
	}
	return int64(v), nil
}

func DecodeBytes(r io.Reader) ([]byte, error) {
	fieldLength, err := DecodeUint16(r)
	if err != nil {
		return nil, err
	}
	field := make([]byte, fieldLength)
	_, err = io.ReadFull(r, field)
	if err != nil {
		return nil, err
	}

	return field, nil
}

func DecodeString(r io.Reader) (string, error) {
	buf, err := DecodeBytes(r)
	return string(buf), err
}

// DecodeObject reads a length-prefixed JSON document into v.
// A length above maxSize or a document that does not decode into v is a
// protocol error; short reads are returned as I/O errors.
func DecodeObject(r io.Reader, maxSize int, v any) error {
	size, err := DecodeUint32(r)
	if err != nil {
		return err
	}
	if maxSize > 0 && int64(size) > int64(maxSize) {
		return fmt.Errorf("%w: object of %d bytes exceeds limit of %d", ErrFrameTooLarge, size, maxSize)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}

	if err := Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedObject, err)
	}
	return nil
}
