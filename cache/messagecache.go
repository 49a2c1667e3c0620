// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/absmach/oilmq/message"
	"github.com/hashicorp/golang-lru/simplelru"
)

// Stats is a snapshot of cache counters.
type Stats struct {
	Messages  int    `json:"messages"`
	Resident  int    `json:"resident"`
	Swapped   int    `json:"swapped"`
	Hits      uint64 `json:"hits"`
	Loads     uint64 `json:"loads"`
	SwapOuts  uint64 `json:"swap_outs"`
	SwapFails uint64 `json:"swap_failures"`
}

type entry struct {
	ref     *message.Reference
	msg     *message.Message // nil while swapped out
	swapped bool             // a copy exists in the store
}

// MessageCache owns the bodies of every message known to the broker and
// hands out References to them. At most maxResident bodies are kept in
// memory; the least recently used ones are saved to the store.
type MessageCache struct {
	store  Store
	logger *slog.Logger

	mu       sync.Mutex
	entries  map[int64]*entry
	resident *simplelru.LRU
	stats    Stats
}

// NewMessageCache creates a cache backed by store. A maxResident of zero
// or less keeps every body in memory.
func NewMessageCache(store Store, maxResident int, logger *slog.Logger) (*MessageCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxResident <= 0 {
		maxResident = math.MaxInt32
	}

	c := &MessageCache{
		store:   store,
		logger:  logger,
		entries: make(map[int64]*entry),
	}
	lru, err := simplelru.NewLRU(maxResident, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create resident set: %w", err)
	}
	c.resident = lru
	return c, nil
}

// onEvict runs with c.mu held, from calls into c.resident.
func (c *MessageCache) onEvict(key, value any) {
	e := value.(*entry)
	if c.entries[e.ref.ID] != e || e.msg == nil {
		return
	}
	if err := c.swapOut(e); err != nil {
		c.stats.SwapFails++
		c.logger.Warn("failed to swap out message body",
			slog.Int64("id", e.ref.ID),
			slog.String("error", err.Error()))
	}
}

func (c *MessageCache) swapOut(e *entry) error {
	if !e.swapped {
		if err := c.store.Save(e.ref.ID, e.msg); err != nil {
			return err
		}
		e.swapped = true
	}
	e.msg = nil
	c.stats.SwapOuts++
	return nil
}

// Add registers msg and returns its reference.
func (c *MessageCache) Add(msg *message.Message) *message.Reference {
	ref := message.NewReference(msg)
	e := &entry{ref: ref, msg: msg}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[msg.ID]; ok {
		c.drop(old)
	}
	c.entries[msg.ID] = e
	c.resident.Add(msg.ID, e)
	return ref
}

// Get returns the message of ref, loading it from the store if needed.
func (c *MessageCache) Get(ref *message.Reference) (*message.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[ref.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", message.ErrMessageNotFound, ref.ID)
	}
	if e.msg != nil {
		c.stats.Hits++
		if _, ok := c.resident.Get(ref.ID); !ok {
			c.resident.Add(ref.ID, e)
		}
		return e.msg, nil
	}

	msg, err := c.store.Load(ref.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load message %d: %w", ref.ID, err)
	}
	c.stats.Loads++
	e.msg = msg
	c.resident.Add(ref.ID, e)
	return msg, nil
}

// Evict swaps the body of ref out to the store.
func (c *MessageCache) Evict(ref *message.Reference) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[ref.ID]
	if !ok {
		return fmt.Errorf("%w: %d", message.ErrMessageNotFound, ref.ID)
	}
	if e.msg == nil {
		return nil
	}
	if err := c.swapOut(e); err != nil {
		return err
	}
	c.resident.Remove(ref.ID)
	return nil
}

// Remove forgets ref and deletes any stored copy.
func (c *MessageCache) Remove(ref *message.Reference) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[ref.ID]
	if !ok {
		return nil
	}
	return c.drop(e)
}

func (c *MessageCache) drop(e *entry) error {
	delete(c.entries, e.ref.ID)
	c.resident.Remove(e.ref.ID)
	if e.swapped {
		return c.store.Remove(e.ref.ID)
	}
	return nil
}

// Stats returns a snapshot of the cache counters.
func (c *MessageCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.stats
	st.Messages = len(c.entries)
	for _, e := range c.entries {
		if e.msg != nil {
			st.Resident++
		} else {
			st.Swapped++
		}
	}
	return st
}

// Close closes the store.
func (c *MessageCache) Close() error {
	return c.store.Close()
}
