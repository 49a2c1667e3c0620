// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cache_test

import (
	"errors"
	"testing"

	"github.com/absmach/oilmq/cache"
	"github.com/absmach/oilmq/cache/memory"
	"github.com/absmach/oilmq/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMessage(id int64) *message.Message {
	return &message.Message{ID: id, Destination: message.Queue("q"), Body: []byte{byte(id)}}
}

func TestMessageCache_EvictsOldest(t *testing.T) {
	store := memory.New()
	c, err := cache.NewMessageCache(store, 2, nil)
	require.NoError(t, err)

	r1 := c.Add(newMessage(1))
	r2 := c.Add(newMessage(2))
	assert.Equal(t, 0, store.Len())

	c.Add(newMessage(3))
	assert.Equal(t, 1, store.Len())

	st := c.Stats()
	assert.Equal(t, 3, st.Messages)
	assert.Equal(t, 2, st.Resident)
	assert.Equal(t, 1, st.Swapped)

	msg, err := c.Get(r1)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, msg.Body)
	assert.Equal(t, uint64(1), c.Stats().Loads)

	// Loading 1 pushed out 2, the least recently used body.
	msg, err = c.Get(r2)
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, msg.Body)
	assert.Equal(t, uint64(2), c.Stats().Loads)
}

func TestMessageCache_EvictAndRemove(t *testing.T) {
	store := memory.New()
	c, err := cache.NewMessageCache(store, 0, nil)
	require.NoError(t, err)

	ref := c.Add(newMessage(7))
	require.NoError(t, c.Evict(ref))
	require.NoError(t, c.Evict(ref))
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, 1, c.Stats().Swapped)

	msg, err := c.Get(ref)
	require.NoError(t, err)
	assert.Equal(t, int64(7), msg.ID)

	require.NoError(t, c.Remove(ref))
	assert.Equal(t, 0, store.Len())

	_, err = c.Get(ref)
	assert.ErrorIs(t, err, message.ErrMessageNotFound)
	assert.ErrorIs(t, c.Evict(ref), message.ErrMessageNotFound)
	assert.NoError(t, c.Remove(ref))
}

type failingStore struct {
	*memory.Store
}

func (failingStore) Save(int64, *message.Message) error {
	return errors.New("disk full")
}

func TestMessageCache_SwapFailureKeepsBody(t *testing.T) {
	c, err := cache.NewMessageCache(failingStore{memory.New()}, 1, nil)
	require.NoError(t, err)

	r1 := c.Add(newMessage(1))
	c.Add(newMessage(2))
	assert.Equal(t, uint64(1), c.Stats().SwapFails)

	msg, err := c.Get(r1)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, msg.Body)

	assert.Error(t, c.Evict(r1))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "Message-42", cache.Key(42))
}
