// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sync"

	"github.com/absmach/oilmq/cache"
	"github.com/absmach/oilmq/message"
)

var _ cache.Store = (*Store)(nil)

// Store is an in-memory implementation of cache.Store.
type Store struct {
	mu   sync.RWMutex
	data map[string]*message.Message
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		data: make(map[string]*message.Message),
	}
}

// Save stores a copy of msg.
func (s *Store) Save(id int64, msg *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[cache.Key(id)] = msg.Clone()
	return nil
}

// Load returns a copy of the message saved under id.
func (s *Store) Load(id int64) (*message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.data[cache.Key(id)]
	if !ok {
		return nil, cache.ErrNotFound
	}
	return msg.Clone(), nil
}

// Remove deletes the message saved under id.
func (s *Store) Remove(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, cache.Key(id))
	return nil
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
