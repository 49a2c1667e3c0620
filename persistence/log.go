// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/absmach/oilmq/message"
)

const (
	tmpSuffix     = ".tmp"
	corruptSuffix = ".corrupt"
)

// MessageLog stores the messages of one destination, one file per message.
//
// File names:
//   - <message-id>          committed message
//   - <message-id>.<tx-id>  message added or removed under an open transaction
//   - *.tmp                 partially written file, discarded on restore
//   - *.corrupt             file that failed to decode, kept for inspection
type MessageLog struct {
	dir         string
	compression Compression
	sync        bool
}

// OpenMessageLog opens (creating if needed) the log stored in dir.
func OpenMessageLog(dir string, compression Compression, sync bool) (*MessageLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	return &MessageLog{dir: dir, compression: compression, sync: sync}, nil
}

// Dir returns the directory holding the log.
func (l *MessageLog) Dir() string {
	return l.dir
}

func (l *MessageLog) path(id, txID int64) string {
	name := strconv.FormatInt(id, 10)
	if txID != 0 {
		name += "." + strconv.FormatInt(txID, 10)
	}
	return filepath.Join(l.dir, name)
}

// Add writes msg to the log. With a non-zero txID the file carries the
// transaction suffix until FinishAdd or UndoAdd.
func (l *MessageLog) Add(msg *message.Message, ref *message.Reference, txID int64) error {
	if ref.Stored() {
		return fmt.Errorf("%w: message %d", ErrAlreadyStored, ref.ID)
	}

	data, err := encodeMessage(msg, l.compression)
	if err != nil {
		return err
	}

	path := l.path(ref.ID, txID)
	if err := writeFile(path, data, l.sync); err != nil {
		return err
	}
	l.syncDir()
	ref.SetStored(path)
	return nil
}

// FinishAdd makes a transactional add permanent.
func (l *MessageLog) FinishAdd(ref *message.Reference, txID int64) error {
	final := l.path(ref.ID, 0)
	if err := renameFile(l.path(ref.ID, txID), final); err != nil {
		return err
	}
	l.syncDir()
	ref.SetStored(final)
	return nil
}

// UndoAdd discards a transactional add.
func (l *MessageLog) UndoAdd(ref *message.Reference, txID int64) error {
	if err := removeFile(l.path(ref.ID, txID)); err != nil {
		return err
	}
	l.syncDir()
	ref.SetStored("")
	return nil
}

// Update rewrites a committed message in place.
func (l *MessageLog) Update(msg *message.Message, ref *message.Reference) error {
	if !ref.Stored() {
		return fmt.Errorf("%w: message %d", ErrNotStored, ref.ID)
	}

	data, err := encodeMessage(msg, l.compression)
	if err != nil {
		return err
	}
	return writeFile(ref.PersistData(), data, l.sync)
}

// Remove deletes a committed message. With a non-zero txID the file is only
// marked with the transaction suffix until FinishRemove or UndoRemove.
func (l *MessageLog) Remove(ref *message.Reference, txID int64) error {
	if !ref.Stored() {
		return fmt.Errorf("%w: message %d", ErrNotStored, ref.ID)
	}

	if txID == 0 {
		if err := removeFile(l.path(ref.ID, 0)); err != nil {
			return err
		}
		l.syncDir()
		ref.SetStored("")
		return nil
	}

	pending := l.path(ref.ID, txID)
	if err := renameFile(l.path(ref.ID, 0), pending); err != nil {
		return err
	}
	l.syncDir()
	ref.SetStored(pending)
	return nil
}

// FinishRemove makes a transactional remove permanent.
func (l *MessageLog) FinishRemove(ref *message.Reference, txID int64) error {
	if err := removeFile(l.path(ref.ID, txID)); err != nil {
		return err
	}
	l.syncDir()
	ref.SetStored("")
	return nil
}

// UndoRemove restores a message whose transactional remove was rolled back.
func (l *MessageLog) UndoRemove(ref *message.Reference, txID int64) error {
	final := l.path(ref.ID, 0)
	if err := renameFile(l.path(ref.ID, txID), final); err != nil {
		return err
	}
	l.syncDir()
	ref.SetStored(final)
	return nil
}

// Read loads the message stored for ref.
func (l *MessageLog) Read(ref *message.Reference) (*message.Message, error) {
	if !ref.Stored() {
		return nil, fmt.Errorf("%w: message %d", ErrNotStored, ref.ID)
	}
	return readMessageFile(ref.PersistData())
}

// Destroy deletes the log directory and every message in it.
func (l *MessageLog) Destroy() error {
	if err := os.RemoveAll(l.dir); err != nil {
		return fmt.Errorf("failed to delete log %s: %w", l.dir, err)
	}
	return nil
}

func (l *MessageLog) syncDir() {
	if l.sync {
		_ = syncDir(l.dir)
	}
}

func readMessageFile(path string) (*message.Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return decodeMessage(data)
}

// logFile is one parsed directory entry of a MessageLog.
type logFile struct {
	name string
	id   int64
	txID int64 // zero for committed files
}

// scanResult is the content of a log directory at recovery time.
type scanResult struct {
	files []logFile
	temps []string
	junk  []string
}

func (l *MessageLog) scan() (*scanResult, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list log %s: %w", l.dir, err)
	}

	res := &scanResult{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			res.junk = append(res.junk, name)
			continue
		}
		if strings.HasSuffix(name, tmpSuffix) {
			res.temps = append(res.temps, name)
			continue
		}
		f, ok := parseLogFileName(name)
		if !ok {
			res.junk = append(res.junk, name)
			continue
		}
		res.files = append(res.files, f)
	}
	return res, nil
}

func parseLogFileName(name string) (logFile, bool) {
	idPart, txPart, hasTx := strings.Cut(name, ".")

	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		return logFile{}, false
	}
	f := logFile{name: name, id: id}
	if !hasTx {
		return f, true
	}

	txID, err := strconv.ParseInt(txPart, 10, 64)
	if err != nil || txID <= 0 {
		return logFile{}, false
	}
	f.txID = txID
	return f, true
}

// restoreStats counts what a restore pass did to one log.
type restoreStats struct {
	restored  int
	discarded int
	corrupted int
}

// restore resolves every file found by scan against the transaction
// outcomes and hands each surviving message to fn.
//
//   - a committed file is restored unconditionally
//   - a transactional file of a rolled back tx is deleted when it was an
//     add, and renamed back when the tx record lists it as removed
//   - a transactional file of a committed tx is deleted when it was a
//     remove, and finalized when it was an add
//   - a transactional file with no transaction record is finalized
func (l *MessageLog) restore(scan *scanResult, outcomes map[int64]*txOutcome, fn func(msg *message.Message, path string)) (restoreStats, error) {
	var stats restoreStats

	for _, name := range scan.temps {
		if err := removeFile(filepath.Join(l.dir, name)); err != nil {
			return stats, err
		}
	}

	for _, f := range scan.files {
		path := filepath.Join(l.dir, f.name)

		if f.txID != 0 {
			out := outcomes[f.txID]
			removed := out != nil && out.removed[f.id]
			keep := out == nil || out.committed != removed
			if !keep {
				if err := removeFile(path); err != nil {
					return stats, err
				}
				stats.discarded++
				continue
			}

			final := l.path(f.id, 0)
			if exists(final) {
				// Both forms present: the committed file wins.
				if err := removeFile(path); err != nil {
					return stats, err
				}
				stats.discarded++
				continue
			}
			if err := renameFile(path, final); err != nil {
				return stats, err
			}
			path = final
		}

		msg, err := readMessageFile(path)
		if err != nil {
			stats.corrupted++
			if rerr := renameFile(path, path+corruptSuffix); rerr != nil {
				return stats, rerr
			}
			continue
		}
		msg.ID = f.id
		fn(msg, path)
		stats.restored++
	}

	l.syncDir()
	return stats, nil
}
