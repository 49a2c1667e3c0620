// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger implements cache.Store on BadgerDB.
package badger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/oilmq/cache"
	"github.com/absmach/oilmq/codec"
	"github.com/absmach/oilmq/message"
	"github.com/dgraph-io/badger/v4"
)

var _ cache.Store = (*Store)(nil)

// Store keeps swapped out messages in BadgerDB under cache.Key(id).
type Store struct {
	db *badger.DB

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir        string        // Directory for BadgerDB data
	InMemory   bool          // Keep everything in memory, Dir is ignored
	GCInterval time.Duration // Value log GC period, 5m when zero
}

// New opens the database and drops keys left by a previous run.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.EncryptionKey = nil
	opts.EncryptionKeyRotationDuration = 0
	// Swapped bodies are rebuilt from the persistence logs after a crash.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger cache store: %w", err)
	}
	if err := db.DropPrefix([]byte(cache.KeyPrefix)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to clear badger cache store: %w", err)
	}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	s := &Store{
		db:       db,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	go s.runGC(interval)

	return s, nil
}

// Save stores msg under its key.
func (s *Store) Save(id int64, msg *message.Message) error {
	data, err := codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message %d: %w", id, err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(cache.Key(id)), data)
	})
}

// Load retrieves the message saved under id.
func (s *Store) Load(id int64) (*message.Message, error) {
	var msg *message.Message

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(cache.Key(id)))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return cache.ErrNotFound
			}
			return err
		}

		return item.Value(func(val []byte) error {
			msg = &message.Message{}
			return codec.Unmarshal(val, msg)
		})
	})
	if err != nil {
		return nil, err
	}

	return msg, nil
}

// Remove deletes the message saved under id.
func (s *Store) Remove(id int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(cache.Key(id)))
	})
}

// Close stops the GC loop and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// An error here only means nothing was collected.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}
