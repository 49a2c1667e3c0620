// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"fmt"
	"strconv"
	"strings"
)

// EncodeName maps a destination name to a file-system safe directory name.
// Letters, digits, '-', '_' and '.' are kept; every other UTF-8 byte is
// written as '%' followed by its three digit decimal value. Names made only
// of dots are fully escaped so they never resolve to "." or "..".
func EncodeName(name string) string {
	escapeAll := strings.Trim(name, ".") == ""

	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !escapeAll && isSafe(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%03d", c)
	}
	return b.String()
}

// DecodeName reverses EncodeName. Only canonical encodings are accepted,
// so two different directory names never decode to the same destination.
func DecodeName(encoded string) (string, error) {
	if encoded == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidName)
	}

	var b strings.Builder
	b.Grow(len(encoded))
	for i := 0; i < len(encoded); i++ {
		c := encoded[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+4 > len(encoded) || !isDigits(encoded[i+1:i+4]) {
			return "", fmt.Errorf("%w: bad escape in %q", ErrInvalidName, encoded)
		}
		n, _ := strconv.Atoi(encoded[i+1 : i+4])
		if n > 255 {
			return "", fmt.Errorf("%w: bad escape in %q", ErrInvalidName, encoded)
		}
		b.WriteByte(byte(n))
		i += 3
	}

	name := b.String()
	if EncodeName(name) != encoded {
		return "", fmt.Errorf("%w: %q is not a canonical encoding", ErrInvalidName, encoded)
	}
	return name, nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isSafe(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '_', c == '.':
		return true
	default:
		return false
	}
}
