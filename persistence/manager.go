// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/absmach/oilmq/message"
)

// Cache registers restored messages with the broker's message cache.
type Cache interface {
	Add(msg *message.Message) *message.Reference
}

// Destination is a broker destination that can take back its persistent
// messages after a restart.
type Destination interface {
	Descriptor() message.Destination
	RestoreMessage(ref *message.Reference)
}

// Stats is a snapshot of the manager state.
type Stats struct {
	OpenLogs     int   `json:"open_logs"`
	PendingLogs  int   `json:"pending_logs"`
	ActiveTxs    int   `json:"active_txs"`
	IdleTxs      int   `json:"idle_txs"`
	NextTxID     int64 `json:"next_tx_id"`
	MaxMessageID int64 `json:"max_message_id"`
}

// Manager owns the destination logs and the persistent transactions.
//
// Layout of the data directory:
//   - <tx-id>                 record of an open transaction
//   - <encoded-destination>/  MessageLog of one destination
type Manager struct {
	dir    string
	cfg    Config
	cache  Cache
	logger *slog.Logger

	mu       sync.RWMutex
	logs     map[string]*MessageLog
	restored map[string][]*message.Reference

	active   sync.Map // int64 -> *txInfo
	nActive  atomic.Int64
	nextTxID atomic.Int64
	pool     *txPool

	recovery RecoveryResult
	closed   atomic.Bool
}

// New opens the data directory and runs recovery. Restored messages are
// registered with cache and held until their destination is restored.
func New(dataDir string, cache Cache, opts ...Option) (*Manager, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create data directory %s: %w", ErrPersistence, dataDir, err)
	}

	m := &Manager{
		dir:      dataDir,
		cfg:      cfg,
		cache:    cache,
		logger:   cfg.Logger,
		logs:     make(map[string]*MessageLog),
		restored: make(map[string][]*message.Reference),
		pool:     newTxPool(cfg.TxPoolSize),
	}

	res, err := m.recover()
	if err != nil {
		return nil, fmt.Errorf("%w: recovery failed: %w", ErrPersistence, err)
	}
	m.recovery = res
	m.nextTxID.Store(res.NextTxID)

	m.logger.Info("persistence recovered",
		slog.String("dir", dataDir),
		slog.Int("destinations", len(res.Destinations)),
		slog.Int("restored", res.Restored),
		slog.Int("committed", res.Committed),
		slog.Int("rolled_back", res.RolledBack),
		slog.Int("discarded", res.Discarded),
		slog.Int("corrupted", res.Corrupted),
		slog.Int64("next_tx", res.NextTxID))

	return m, nil
}

// Recovery returns the result of the startup recovery pass.
func (m *Manager) Recovery() RecoveryResult {
	return m.recovery
}

// MaxMessageID returns the highest message id found on disk at startup.
func (m *Manager) MaxMessageID() int64 {
	return m.recovery.MaxMessageID
}

// RestoreDestination opens the log of dest and hands it every message
// restored for it, in ascending id order. Topics are not persisted.
func (m *Manager) RestoreDestination(dest Destination) error {
	if m.closed.Load() {
		return ErrClosed
	}
	d := dest.Descriptor()
	if d.Kind == message.KindTopic {
		return nil
	}

	m.mu.Lock()
	log, ok := m.logs[d.Name]
	if !ok {
		var err error
		log, err = OpenMessageLog(filepath.Join(m.dir, EncodeName(d.Name)), m.cfg.Compression, m.cfg.SyncWrites)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		m.logs[d.Name] = log
	}
	refs := m.restored[d.Name]
	delete(m.restored, d.Name)
	m.mu.Unlock()

	slices.SortFunc(refs, func(a, b *message.Reference) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	for _, ref := range refs {
		ref.Destination = d
		dest.RestoreMessage(ref)
	}
	if len(refs) > 0 {
		m.logger.Debug("destination restored",
			slog.String("destination", d.Name),
			slog.Int("messages", len(refs)))
	}
	return nil
}

// CloseDestination stops tracking the log of dest. Its files are kept.
func (m *Manager) CloseDestination(dest message.Destination) {
	m.mu.Lock()
	delete(m.logs, dest.Name)
	m.mu.Unlock()
}

// DestroyDestination deletes the log of dest and every message in it.
func (m *Manager) DestroyDestination(dest message.Destination) error {
	m.mu.Lock()
	log, ok := m.logs[dest.Name]
	delete(m.logs, dest.Name)
	delete(m.restored, dest.Name)
	m.mu.Unlock()

	if !ok {
		log = &MessageLog{dir: filepath.Join(m.dir, EncodeName(dest.Name))}
	}
	if err := log.Destroy(); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

func (m *Manager) log(name string) (*MessageLog, error) {
	m.mu.RLock()
	log, ok := m.logs[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLogNotFound, name)
	}
	return log, nil
}

// lockTx returns the locked bookkeeping of an active tx. The caller
// unlocks it. An info completed and pooled between the lookup and the lock
// no longer carries tx's id and is rejected.
func (m *Manager) lockTx(tx *Tx) (*txInfo, error) {
	v, ok := m.active.Load(tx.id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTx, tx.id)
	}
	info := v.(*txInfo)
	info.mu.Lock()
	if info.id != tx.id {
		info.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrUnknownTx, tx.id)
	}
	return info, nil
}

// Add stores msg. Without a transaction the file is final on return;
// otherwise it becomes final when tx commits.
func (m *Manager) Add(msg *message.Message, ref *message.Reference, tx *Tx) error {
	if m.closed.Load() {
		return ErrClosed
	}
	log, err := m.log(ref.Destination.Name)
	if err != nil {
		return err
	}

	if tx == nil {
		if err := log.Add(msg, ref, 0); err != nil {
			return fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		return nil
	}

	info, err := m.lockTx(tx)
	if err != nil {
		return err
	}
	defer info.mu.Unlock()

	if err := log.Add(msg, ref, tx.id); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	info.tasks = append(info.tasks, task{kind: taskAdd, log: log, ref: ref})
	return nil
}

// Update rewrites a stored message, e.g. to record redelivery.
func (m *Manager) Update(msg *message.Message, ref *message.Reference) error {
	if m.closed.Load() {
		return ErrClosed
	}
	log, err := m.log(ref.Destination.Name)
	if err != nil {
		return err
	}
	if err := log.Update(msg, ref); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

// Remove deletes a stored message. Under a transaction the id is written
// to the transaction record before the file is renamed.
func (m *Manager) Remove(ref *message.Reference, tx *Tx) error {
	if m.closed.Load() {
		return ErrClosed
	}
	log, err := m.log(ref.Destination.Name)
	if err != nil {
		return err
	}

	if tx == nil {
		if err := log.Remove(ref, 0); err != nil {
			return fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		return nil
	}

	info, err := m.lockTx(tx)
	if err != nil {
		return err
	}
	defer info.mu.Unlock()

	if err := info.logRemove(ref.ID); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if err := log.Remove(ref, tx.id); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	info.tasks = append(info.tasks, task{kind: taskRemove, log: log, ref: ref})
	return nil
}

// CreatePersistentTx starts a transaction and creates its record.
func (m *Manager) CreatePersistentTx() (*Tx, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	id := m.nextTxID.Add(1) - 1
	info := m.pool.get()
	if err := info.open(id, filepath.Join(m.dir, strconv.FormatInt(id, 10)), m.cfg.SyncWrites); err != nil {
		m.pool.put(info)
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	m.active.Store(id, info)
	m.nActive.Add(1)
	return &Tx{id: id}, nil
}

// CommitPersistentTx makes every operation of tx permanent.
func (m *Manager) CommitPersistentTx(tx *Tx) error {
	return m.complete(tx, markerCommit, task.commit)
}

// RollbackPersistentTx undoes every operation of tx.
func (m *Manager) RollbackPersistentTx(tx *Tx) error {
	return m.complete(tx, markerRollback, task.rollback)
}

func (m *Manager) complete(tx *Tx, marker string, replay func(task, int64) error) error {
	if tx == nil {
		return ErrUnknownTx
	}
	v, ok := m.active.LoadAndDelete(tx.id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTx, tx.id)
	}
	info := v.(*txInfo)

	info.mu.Lock()
	defer info.mu.Unlock()

	if err := info.writeLine(marker); err != nil {
		m.active.Store(tx.id, info)
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	m.nActive.Add(-1)

	var errs []error
	for _, t := range info.tasks {
		if err := replay(t, tx.id); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		// The record keeps its marker, so the next recovery finishes the job.
		info.reset()
		m.logger.Error("transaction replay failed",
			slog.Int64("tx", tx.id),
			slog.String("marker", marker),
			slog.String("error", errors.Join(errs...).Error()))
		return fmt.Errorf("%w: tx %d: %w", ErrPersistence, tx.id, errors.Join(errs...))
	}

	if err := info.finish(); err != nil {
		info.reset()
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	m.pool.put(info)
	return nil
}

// Stats returns a snapshot of the manager state.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	open, pending := len(m.logs), len(m.restored)
	m.mu.RUnlock()

	return Stats{
		OpenLogs:     open,
		PendingLogs:  pending,
		ActiveTxs:    int(m.nActive.Load()),
		IdleTxs:      m.pool.idle(),
		NextTxID:     m.nextTxID.Load(),
		MaxMessageID: m.recovery.MaxMessageID,
	}
}

// Close releases open transaction records. Transactions still open are
// rolled back by the next recovery.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.active.Range(func(k, v any) bool {
		info := v.(*txInfo)
		info.mu.Lock()
		info.reset()
		info.mu.Unlock()
		m.active.Delete(k)
		return true
	})
	m.nActive.Store(0)
	return nil
}
