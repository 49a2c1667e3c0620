// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/absmach/oilmq/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTestNotFound = errors.New("test thing not found")

func init() {
	codec.RegisterError("test_not_found", errTestNotFound)
}

func TestEncodeDecodePrimitives(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, codec.EncodeByte(&buf, 0x42))
	require.NoError(t, codec.EncodeBool(&buf, true))
	require.NoError(t, codec.EncodeInt32(&buf, -7))
	require.NoError(t, codec.EncodeInt64(&buf, -1<<40))
	require.NoError(t, codec.EncodeString(&buf, "Hello 世界"))

	b, err := codec.DecodeByte(&buf)
	require.NoError(t, err)
	assert.Equal(t, byte(0x42), b)

	v, err := codec.DecodeBool(&buf)
	require.NoError(t, err)
	assert.True(t, v)

	i32, err := codec.DecodeInt32(&buf)
	require.NoError(t, err)
	assert.Equal(t, int32(-7), i32)

	i64, err := codec.DecodeInt64(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(-1<<40), i64)

	s, err := codec.DecodeString(&buf)
	require.NoError(t, err)
	assert.Equal(t, "Hello 世界", s)

	_, err = codec.DecodeByte(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeBoolRejectsGarbage(t *testing.T) {
	_, err := codec.DecodeBool(bytes.NewReader([]byte{7}))
	assert.ErrorIs(t, err, codec.ErrProtocol)
}

func TestEncodeBytesTooLong(t *testing.T) {
	var buf bytes.Buffer
	err := codec.EncodeBytes(&buf, make([]byte, 1<<16))
	assert.ErrorIs(t, err, codec.ErrFrameTooLarge)
}

func TestObjectRoundTrip(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	var buf bytes.Buffer
	require.NoError(t, codec.EncodeObject(&buf, payload{Name: "Q1", Count: 3}))

	var out payload
	require.NoError(t, codec.DecodeObject(&buf, 1024, &out))
	assert.Equal(t, payload{Name: "Q1", Count: 3}, out)
}

func TestDecodeObjectErrors(t *testing.T) {
	cases := []struct {
		desc string
		data []byte
		max  int
		err  error
	}{
		{
			desc: "malformed json",
			data: append([]byte{0, 0, 0, 3}, []byte("{x:")...),
			max:  1024,
			err:  codec.ErrMalformedObject,
		},
		{
			desc: "object over limit",
			data: append([]byte{0, 0, 0, 9}, []byte(`{"a":"b"}`)...),
			max:  4,
			err:  codec.ErrFrameTooLarge,
		},
		{
			desc: "truncated object",
			data: append([]byte{0, 0, 0, 20}, []byte(`{"a"`)...),
			max:  1024,
			err:  io.ErrUnexpectedEOF,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			var v map[string]string
			err := codec.DecodeObject(bytes.NewReader(tc.data), tc.max, &v)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestMalformedObjectIsProtocolError(t *testing.T) {
	var v struct{ A int }
	data := append([]byte{0, 0, 0, 9}, []byte(`{"A":"x"}`)...)
	err := codec.DecodeObject(bytes.NewReader(data), 0, &v)
	assert.ErrorIs(t, err, codec.ErrProtocol)
}

func TestReadOpcode(t *testing.T) {
	op, err := codec.ReadOpcode(bytes.NewReader([]byte{byte(codec.OpPing)}))
	require.NoError(t, err)
	assert.Equal(t, codec.OpPing, op)
	assert.Equal(t, "PING", op.String())

	op, err = codec.ReadOpcode(bytes.NewReader([]byte{99}))
	assert.ErrorIs(t, err, codec.ErrUnknownOpcode)
	assert.ErrorIs(t, err, codec.ErrProtocol)
	assert.Equal(t, codec.Opcode(99), op)
}

func TestReplies(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, codec.WriteOK(&buf))
	require.NoError(t, codec.WriteObject(&buf, "ID:1"))
	require.NoError(t, codec.WriteException(&buf, errTestNotFound))

	remote, err := codec.ReadReply(&buf, 1024, nil)
	require.NoError(t, err)
	assert.NoError(t, remote)

	var id string
	remote, err = codec.ReadReply(&buf, 1024, &id)
	require.NoError(t, err)
	assert.NoError(t, remote)
	assert.Equal(t, "ID:1", id)

	remote, err = codec.ReadReply(&buf, 1024, nil)
	require.NoError(t, err)
	require.Error(t, remote)
	assert.ErrorIs(t, remote, errTestNotFound)

	var re *codec.RemoteError
	require.True(t, errors.As(remote, &re))
	assert.Equal(t, "test_not_found", re.Code)
	assert.Equal(t, errTestNotFound.Error(), re.Message)
}

func TestReadStatusUnknown(t *testing.T) {
	_, err := codec.ReadReply(bytes.NewReader([]byte{9}), 0, nil)
	assert.ErrorIs(t, err, codec.ErrUnknownStatus)
}

func TestErrorCodeUnregistered(t *testing.T) {
	assert.Equal(t, codec.CodeInternal, codec.ErrorCode(errors.New("boom")))

	wrapped := errors.Join(errors.New("context"), errTestNotFound)
	assert.Equal(t, "test_not_found", codec.ErrorCode(wrapped))

	remote := &codec.RemoteError{Code: "custom", Message: "m"}
	assert.Equal(t, "custom", codec.ErrorCode(remote))
}

func TestWriteRequest(t *testing.T) {
	var buf bytes.Buffer
	err := codec.WriteRequest(&buf, codec.OpCheckID, func(b *bytes.Buffer) error {
		return codec.EncodeString(b, "ID:7")
	})
	require.NoError(t, err)

	op, err := codec.ReadOpcode(&buf)
	require.NoError(t, err)
	assert.Equal(t, codec.OpCheckID, op)

	id, err := codec.DecodeString(&buf)
	require.NoError(t, err)
	assert.Equal(t, "ID:7", id)
}

func TestWriteFrameBuildFailureWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	boom := errors.New("boom")
	err := codec.WriteRequest(&buf, codec.OpPing, func(*bytes.Buffer) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, buf.Len())
}
