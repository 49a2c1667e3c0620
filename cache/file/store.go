// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package file implements cache.Store with one file per message.
package file

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/absmach/oilmq/cache"
	"github.com/absmach/oilmq/codec"
	"github.com/absmach/oilmq/message"
)

var _ cache.Store = (*Store)(nil)

// Store saves each message as <dir>/Message-<id>.
type Store struct {
	dir string
}

// New creates the store directory if needed. Message files left by a
// previous run are removed, since swapped bodies do not outlive the
// process. Anything else in dir is left alone.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", dir, err)
	}
	stale, err := filepath.Glob(filepath.Join(dir, cache.KeyPrefix+"*"))
	if err != nil {
		return nil, fmt.Errorf("failed to list cache directory %s: %w", dir, err)
	}
	for _, path := range stale {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to clear cache file %s: %w", path, err)
		}
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id int64) string {
	return filepath.Join(s.dir, cache.Key(id))
}

// Save writes msg, replacing any previous content.
func (s *Store) Save(id int64, msg *message.Message) error {
	data, err := codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message %d: %w", id, err)
	}

	path := s.path(id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}

// Load reads the message saved under id.
func (s *Store) Load(id int64) (*message.Message, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, cache.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read message %d: %w", id, err)
	}

	var msg message.Message
	if err := codec.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message %d: %w", id, err)
	}
	return &msg, nil
}

// Remove deletes the file of message id. A missing file is not an error.
func (s *Store) Remove(id int64) error {
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete message %d: %w", id, err)
	}
	return nil
}

// Close is a no-op; files are cleared on the next New.
func (s *Store) Close() error {
	return nil
}
