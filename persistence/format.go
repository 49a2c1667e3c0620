// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/absmach/oilmq/codec"
	"github.com/absmach/oilmq/message"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compression selects how message files are compressed.
type Compression byte

const (
	CompressionNone Compression = 0
	CompressionS2   Compression = 1
	CompressionZstd Compression = 2
)

// ParseCompression maps a configuration value to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "s2":
		return CompressionS2, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", s)
	}
}

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionS2:
		return "s2"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("Compression(%d)", byte(c))
	}
}

// Message file layout:
//
//	magic(1) compression(1) crc32c(4) payload
//
// The checksum covers the stored (possibly compressed) payload. The payload
// is the message encoded the same way it travels on the wire.
const (
	fileMagic      = 0xA7
	fileHeaderSize = 6
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd encoder: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd decoder: " + err.Error())
	}
}

func encodeMessage(msg *message.Message, ct Compression) ([]byte, error) {
	raw, err := codec.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message %d: %w", msg.ID, err)
	}

	var payload []byte
	switch ct {
	case CompressionS2:
		payload = s2.Encode(nil, raw)
	case CompressionZstd:
		payload = zstdEncoder.EncodeAll(raw, nil)
	default:
		payload = raw
	}

	data := make([]byte, fileHeaderSize+len(payload))
	data[0] = fileMagic
	data[1] = byte(ct)
	binary.BigEndian.PutUint32(data[2:6], crc32.Checksum(payload, crcTable))
	copy(data[fileHeaderSize:], payload)
	return data, nil
}

func decodeMessage(data []byte) (*message.Message, error) {
	if len(data) < fileHeaderSize || data[0] != fileMagic {
		return nil, ErrCorruptFile
	}

	payload := data[fileHeaderSize:]
	if crc32.Checksum(payload, crcTable) != binary.BigEndian.Uint32(data[2:6]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptFile)
	}

	var raw []byte
	var err error
	switch Compression(data[1]) {
	case CompressionNone:
		raw = payload
	case CompressionS2:
		raw, err = s2.Decode(nil, payload)
	case CompressionZstd:
		raw, err = zstdDecoder.DecodeAll(payload, nil)
	default:
		return nil, fmt.Errorf("%w: unknown compression %d", ErrCorruptFile, data[1])
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}

	var msg message.Message
	if err := codec.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	return &msg, nil
}
