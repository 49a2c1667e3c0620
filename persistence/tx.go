// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/absmach/oilmq/message"
)

// Tx identifies a persistent transaction. The zero value is not valid; a
// nil *Tx means "no transaction".
type Tx struct {
	id int64
}

// ID returns the transaction id.
func (t *Tx) ID() int64 {
	return t.id
}

func (t *Tx) String() string {
	return strconv.FormatInt(t.id, 10)
}

type taskKind uint8

const (
	taskAdd taskKind = iota + 1
	taskRemove
)

func (k taskKind) String() string {
	switch k {
	case taskAdd:
		return "add"
	case taskRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// task is one pending log operation of a transaction.
type task struct {
	kind taskKind
	log  *MessageLog
	ref  *message.Reference
}

func (t task) commit(txID int64) error {
	switch t.kind {
	case taskAdd:
		return t.log.FinishAdd(t.ref, txID)
	case taskRemove:
		return t.log.FinishRemove(t.ref, txID)
	default:
		return fmt.Errorf("unknown task kind %d", t.kind)
	}
}

func (t task) rollback(txID int64) error {
	switch t.kind {
	case taskAdd:
		return t.log.UndoAdd(t.ref, txID)
	case taskRemove:
		return t.log.UndoRemove(t.ref, txID)
	default:
		return fmt.Errorf("unknown task kind %d", t.kind)
	}
}

// Transaction record markers. A record ending in a marker has already been
// decided; the marker is written before any task is replayed.
const (
	markerCommit   = "C"
	markerRollback = "R"
)

// txInfo is the bookkeeping of one open transaction: its pending tasks and
// its record file listing the ids removed under it.
type txInfo struct {
	mu     sync.Mutex
	id     int64
	tasks  []task
	path   string
	record *os.File
	sync   bool
}

func (t *txInfo) open(id int64, path string, sync bool) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create transaction record %s: %w", path, err)
	}
	if sync {
		if err := f.Sync(); err != nil {
			f.Close()
			removeFile(path)
			return fmt.Errorf("failed to sync transaction record %s: %w", path, err)
		}
	}

	t.id = id
	t.path = path
	t.record = f
	t.sync = sync
	return nil
}

func (t *txInfo) writeLine(line string) error {
	if _, err := t.record.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("failed to write transaction record %s: %w", t.path, err)
	}
	if t.sync {
		if err := t.record.Sync(); err != nil {
			return fmt.Errorf("failed to sync transaction record %s: %w", t.path, err)
		}
	}
	return nil
}

func (t *txInfo) logRemove(id int64) error {
	return t.writeLine(strconv.FormatInt(id, 10))
}

// finish closes and deletes the record once every task has been replayed.
func (t *txInfo) finish() error {
	if err := t.record.Close(); err != nil {
		return fmt.Errorf("failed to close transaction record %s: %w", t.path, err)
	}
	t.record = nil
	return removeFile(t.path)
}

func (t *txInfo) reset() {
	if t.record != nil {
		t.record.Close()
	}
	clear(t.tasks)
	t.tasks = t.tasks[:0]
	t.id = 0
	t.path = ""
	t.record = nil
	t.sync = false
}

// txRecord is the parsed content of a transaction record file.
type txRecord struct {
	id      int64
	removed []int64
	marker  string
}

func readTxRecord(path string, id int64) (*txRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read transaction record %s: %w", path, err)
	}

	rec := &txRecord{id: id}
	sc := bufio.NewScanner(bytes.NewReader(data))
	complete := bytes.Count(data, []byte{'\n'})
	for i := 0; i < complete && sc.Scan(); i++ {
		line := sc.Text()
		switch line {
		case markerCommit, markerRollback:
			rec.marker = line
			continue
		case "":
			continue
		}
		msgID, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad line %q in transaction record %s", ErrCorruptFile, line, path)
		}
		rec.removed = append(rec.removed, msgID)
	}
	return rec, nil
}

// txPool reuses transaction bookkeeping objects. At most size idle objects
// are retained.
type txPool struct {
	mu   sync.Mutex
	free []*txInfo
	size int
}

func newTxPool(size int) *txPool {
	if size < 0 {
		size = 0
	}
	return &txPool{free: make([]*txInfo, 0, size), size: size}
}

func (p *txPool) get() *txInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.free)
	if n == 0 {
		return &txInfo{}
	}
	t := p.free[n-1]
	p.free[n-1] = nil
	p.free = p.free[:n-1]
	return t
}

func (p *txPool) put(t *txInfo) {
	t.reset()

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) < p.size {
		p.free = append(p.free, t)
	}
}

func (p *txPool) idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
