// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/absmach/oilmq/message"
)

// RecoveryResult summarizes the startup recovery pass.
type RecoveryResult struct {
	// Destinations lists the destinations that have restored messages
	// waiting for RestoreDestination.
	Destinations []string
	Restored     int
	Committed    int
	RolledBack   int
	Discarded    int
	Corrupted    int
	NextTxID     int64
	MaxMessageID int64
}

// txOutcome is the recovery decision for one transaction record.
type txOutcome struct {
	committed bool
	removed   map[int64]bool
}

type pendingKey struct {
	txID int64
	id   int64
}

type scannedLog struct {
	name string
	log  *MessageLog
	scan *scanResult
}

type restoredMessage struct {
	msg  *message.Message
	path string
}

// recover resolves every transaction left on disk and buffers the surviving
// messages of each destination. The whole data directory is read once to
// build an index of committed and transactional files; each record is then
// decided against that index.
func (m *Manager) recover() (RecoveryResult, error) {
	var res RecoveryResult

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return res, fmt.Errorf("failed to list data directory %s: %w", m.dir, err)
	}

	var (
		records  []*txRecord
		logs     []scannedLog
		maxTx    int64
		maxMsgID int64
	)
	committedIDs := make(map[int64]bool)
	pending := make(map[pendingKey]bool)

	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() {
			txID, err := strconv.ParseInt(name, 10, 64)
			if err != nil || txID <= 0 {
				m.logger.Warn("ignoring unknown file in data directory", slog.String("file", name))
				continue
			}
			rec, err := readTxRecord(filepath.Join(m.dir, name), txID)
			if err != nil {
				return res, err
			}
			records = append(records, rec)
			maxTx = max(maxTx, txID)
			continue
		}

		dest, err := DecodeName(name)
		if err != nil {
			m.logger.Warn("ignoring directory with invalid destination name",
				slog.String("dir", name),
				slog.String("error", err.Error()))
			continue
		}
		log := &MessageLog{dir: filepath.Join(m.dir, name), compression: m.cfg.Compression, sync: m.cfg.SyncWrites}
		scan, err := log.scan()
		if err != nil {
			return res, err
		}
		for _, f := range scan.files {
			maxMsgID = max(maxMsgID, f.id)
			if f.txID == 0 {
				committedIDs[f.id] = true
				continue
			}
			maxTx = max(maxTx, f.txID)
			pending[pendingKey{txID: f.txID, id: f.id}] = true
		}
		logs = append(logs, scannedLog{name: dest, log: log, scan: scan})
	}

	outcomes := make(map[int64]*txOutcome, len(records))
	for _, rec := range records {
		out := decide(rec, committedIDs, pending)
		outcomes[rec.id] = out
		if out.committed {
			res.Committed++
		} else {
			res.RolledBack++
		}
		m.logger.Debug("recovered transaction",
			slog.Int64("tx", rec.id),
			slog.Bool("committed", out.committed),
			slog.String("marker", rec.marker),
			slog.Int("removed", len(rec.removed)))
	}

	for _, sl := range logs {
		var msgs []restoredMessage
		stats, err := sl.log.restore(sl.scan, outcomes, func(msg *message.Message, path string) {
			msgs = append(msgs, restoredMessage{msg: msg, path: path})
		})
		if err != nil {
			return res, err
		}
		res.Discarded += stats.discarded
		res.Corrupted += stats.corrupted

		if temporary(msgs) {
			if err := sl.log.Destroy(); err != nil {
				return res, err
			}
			res.Discarded += len(msgs)
			m.logger.Info("deleted log of temporary destination", slog.String("destination", sl.name))
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		refs := make([]*message.Reference, 0, len(msgs))
		for _, rm := range msgs {
			ref := m.cache.Add(rm.msg)
			ref.SetStored(rm.path)
			refs = append(refs, ref)
		}
		m.restored[sl.name] = append(m.restored[sl.name], refs...)
		res.Destinations = append(res.Destinations, sl.name)
		res.Restored += len(refs)
	}

	for _, rec := range records {
		if err := removeFile(filepath.Join(m.dir, strconv.FormatInt(rec.id, 10))); err != nil {
			return res, err
		}
	}
	if m.cfg.SyncWrites {
		_ = syncDir(m.dir)
	}

	res.NextTxID = maxTx + 1
	res.MaxMessageID = maxMsgID
	return res, nil
}

// decide resolves a transaction record. A marker is authoritative. Without
// one the transaction never started to commit, unless a message it removed
// is gone from every log, in which case it is treated as committed.
func decide(rec *txRecord, committedIDs map[int64]bool, pending map[pendingKey]bool) *txOutcome {
	out := &txOutcome{removed: make(map[int64]bool, len(rec.removed))}
	for _, id := range rec.removed {
		out.removed[id] = true
	}

	switch rec.marker {
	case markerCommit:
		out.committed = true
		return out
	case markerRollback:
		return out
	}

	for _, id := range rec.removed {
		if !pending[pendingKey{txID: rec.id, id: id}] && !committedIDs[id] {
			out.committed = true
			break
		}
	}
	return out
}

func temporary(msgs []restoredMessage) bool {
	for _, rm := range msgs {
		if rm.msg.Destination.Temporary {
			return true
		}
	}
	return false
}
