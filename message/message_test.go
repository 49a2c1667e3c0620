// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"testing"
	"time"

	"github.com/absmach/oilmq/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDestinationValidate(t *testing.T) {
	assert.NoError(t, Queue("Q1").Validate())
	assert.NoError(t, Topic("T1").Validate())
	assert.ErrorIs(t, Queue("").Validate(), ErrInvalidArgument)
	assert.ErrorIs(t, Destination{Name: "x", Kind: "fanout"}.Validate(), ErrInvalidArgument)
	assert.Equal(t, "queue://Q1", Queue("Q1").String())
}

func TestMessageClone(t *testing.T) {
	rt := Queue("replies")
	m := &Message{
		ID:          1,
		Destination: Queue("Q1"),
		ReplyTo:     &rt,
		Properties:  map[string]string{"k": "v"},
		Body:        []byte("body"),
	}

	cp := m.Clone()
	cp.Properties["k"] = "changed"
	cp.Body[0] = 'B'
	cp.ReplyTo.Name = "other"

	assert.Equal(t, "v", m.Properties["k"])
	assert.Equal(t, []byte("body"), m.Body)
	assert.Equal(t, "replies", m.ReplyTo.Name)
	assert.Nil(t, (*Message)(nil).Clone())
}

func TestMessageExpired(t *testing.T) {
	now := time.Now()
	m := &Message{}
	assert.False(t, m.Expired(now))

	m.Expiration = now.Add(-time.Second)
	assert.True(t, m.Expired(now))

	m.Expiration = now.Add(time.Second)
	assert.False(t, m.Expired(now))
}

func TestReferenceStored(t *testing.T) {
	ref := NewReference(&Message{ID: 42, Destination: Queue("Q1"), Persistent: true})
	assert.Equal(t, int64(42), ref.ID)
	assert.False(t, ref.Stored())

	ref.SetStored("/data/Q1/42")
	assert.True(t, ref.Stored())
	assert.Equal(t, "/data/Q1/42", ref.PersistData())

	ref.SetStored("")
	assert.False(t, ref.Stored())
}

func TestApplicationErrorsAreRegistered(t *testing.T) {
	remote := codec.NewRemoteError(ErrDestinationNotFound)
	assert.Equal(t, "destination_not_found", remote.Code)
	assert.ErrorIs(t, remote, ErrDestinationNotFound)
	assert.NotErrorIs(t, remote, ErrSubscriptionNotFound)
}

func TestMessageWireRoundTrip(t *testing.T) {
	in := &Message{
		ID:          100,
		Destination: Queue("Q1"),
		Persistent:  true,
		Timestamp:   time.Unix(1700000000, 0).UTC(),
		Properties:  map[string]string{"type": "order"},
		Body:        []byte{0, 1, 2, 255},
	}

	data, err := codec.Marshal(in)
	require.NoError(t, err)

	var out Message
	require.NoError(t, codec.Unmarshal(data, &out))
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Body, out.Body)
	assert.True(t, in.Timestamp.Equal(out.Timestamp))
	assert.Equal(t, in.Properties, out.Properties)
}
