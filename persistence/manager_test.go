// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/absmach/oilmq/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCache struct {
	added []*message.Message
}

func (c *testCache) Add(msg *message.Message) *message.Reference {
	c.added = append(c.added, msg)
	return message.NewReference(msg)
}

type testDestination struct {
	desc message.Destination
	refs []*message.Reference
}

func newTestDestination(name string) *testDestination {
	return &testDestination{desc: message.Queue(name)}
}

func (d *testDestination) Descriptor() message.Destination { return d.desc }

func (d *testDestination) RestoreMessage(ref *message.Reference) {
	d.refs = append(d.refs, ref)
}

func (d *testDestination) ids() []int64 {
	ids := make([]int64, 0, len(d.refs))
	for _, r := range d.refs {
		ids = append(ids, r.ID)
	}
	return ids
}

func openManager(t *testing.T, dir string) *Manager {
	t.Helper()
	m, err := New(dir, &testCache{}, WithSyncWrites(false), WithTxPoolSize(4))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

// restart simulates a crash: the manager is dropped without committing
// and a new one recovers the same directory.
func restart(t *testing.T, dir string, names ...string) (*Manager, map[string]*testDestination) {
	t.Helper()
	m := openManager(t, dir)
	dests := make(map[string]*testDestination, len(names))
	for _, n := range names {
		d := newTestDestination(n)
		require.NoError(t, m.RestoreDestination(d))
		dests[n] = d
	}
	return m, dests
}

func addMessage(t *testing.T, m *Manager, id int64, dest string, tx *Tx) *message.Reference {
	t.Helper()
	msg := testMessage(id, dest)
	ref := message.NewReference(msg)
	require.NoError(t, m.Add(msg, ref, tx))
	return ref
}

func TestManager_NonTransactional(t *testing.T) {
	dir := t.TempDir()
	m, _ := restart(t, dir, "Q1")

	addMessage(t, m, 1, "Q1", nil)
	r2 := addMessage(t, m, 2, "Q1", nil)
	require.NoError(t, m.Remove(r2, nil))

	_, dests := restart(t, dir, "Q1")
	assert.Equal(t, []int64{1}, dests["Q1"].ids())
}

func TestManager_AddWithoutLog(t *testing.T) {
	m := openManager(t, t.TempDir())
	msg := testMessage(1, "nowhere")
	err := m.Add(msg, message.NewReference(msg), nil)
	assert.ErrorIs(t, err, ErrLogNotFound)
}

func TestManager_UncommittedAddNotRestored(t *testing.T) {
	dir := t.TempDir()
	m, _ := restart(t, dir, "Q1")

	t1, err := m.CreatePersistentTx()
	require.NoError(t, err)
	addMessage(t, m, 100, "Q1", t1)

	m2, dests := restart(t, dir, "Q1")
	assert.Empty(t, dests["Q1"].ids())
	assert.Equal(t, 1, m2.Recovery().RolledBack)
	assert.Equal(t, []string{}, txRecordFiles(t, dir))
}

func TestManager_CommittedAddRestored(t *testing.T) {
	dir := t.TempDir()
	m, _ := restart(t, dir, "Q1")

	t1, err := m.CreatePersistentTx()
	require.NoError(t, err)
	addMessage(t, m, 100, "Q1", t1)
	require.NoError(t, m.CommitPersistentTx(t1))

	_, dests := restart(t, dir, "Q1")
	assert.Equal(t, []int64{100}, dests["Q1"].ids())
}

func TestManager_RollbackAtomicity(t *testing.T) {
	dir := t.TempDir()
	m, _ := restart(t, dir, "Q1")

	rb := addMessage(t, m, 2, "Q1", nil)

	tx, err := m.CreatePersistentTx()
	require.NoError(t, err)
	addMessage(t, m, 1, "Q1", tx)
	require.NoError(t, m.Remove(rb, tx))
	require.NoError(t, m.RollbackPersistentTx(tx))

	_, dests := restart(t, dir, "Q1")
	assert.Equal(t, []int64{2}, dests["Q1"].ids())
}

func TestManager_RollbackAtomicityAfterCrash(t *testing.T) {
	dir := t.TempDir()
	m, _ := restart(t, dir, "Q1")

	rb := addMessage(t, m, 2, "Q1", nil)

	tx, err := m.CreatePersistentTx()
	require.NoError(t, err)
	addMessage(t, m, 1, "Q1", tx)
	require.NoError(t, m.Remove(rb, tx))

	_, dests := restart(t, dir, "Q1")
	assert.Equal(t, []int64{2}, dests["Q1"].ids())
}

func TestManager_CommitDurability(t *testing.T) {
	dir := t.TempDir()
	m, _ := restart(t, dir, "Q1")

	rb := addMessage(t, m, 2, "Q1", nil)

	tx, err := m.CreatePersistentTx()
	require.NoError(t, err)
	addMessage(t, m, 1, "Q1", tx)
	require.NoError(t, m.Remove(rb, tx))
	require.NoError(t, m.CommitPersistentTx(tx))

	_, dests := restart(t, dir, "Q1")
	assert.Equal(t, []int64{1}, dests["Q1"].ids())
}

func TestManager_CrashDuringCommit(t *testing.T) {
	dir := t.TempDir()
	qdir := filepath.Join(dir, "Q1")
	require.NoError(t, os.MkdirAll(qdir, 0o755))

	writeMessageFile(t, qdir, "1.7", 1)
	writeMessageFile(t, qdir, "2.7", 2)
	writeMessageFile(t, qdir, "3", 3)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "7"), []byte("2\nC\n"), 0o644))

	m, dests := restart(t, dir, "Q1")
	assert.Equal(t, []int64{1, 3}, dests["Q1"].ids())
	assert.Equal(t, 1, m.Recovery().Committed)
	assert.NoFileExists(t, filepath.Join(dir, "7"))
}

func TestManager_CrashDuringRollback(t *testing.T) {
	dir := t.TempDir()
	qdir := filepath.Join(dir, "Q1")
	require.NoError(t, os.MkdirAll(qdir, 0o755))

	writeMessageFile(t, qdir, "1.7", 1)
	writeMessageFile(t, qdir, "2.7", 2)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "7"), []byte("2\nR\n"), 0o644))

	_, dests := restart(t, dir, "Q1")
	assert.Equal(t, []int64{2}, dests["Q1"].ids())
}

func TestManager_UndecidedWithMissingRemove(t *testing.T) {
	dir := t.TempDir()
	qdir := filepath.Join(dir, "Q1")
	require.NoError(t, os.MkdirAll(qdir, 0o755))

	// Message 2 was removed under tx 7 and is gone everywhere, so the
	// commit had already progressed.
	writeMessageFile(t, qdir, "1.7", 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "7"), []byte("2\n"), 0o644))

	m, dests := restart(t, dir, "Q1")
	assert.Equal(t, []int64{1}, dests["Q1"].ids())
	assert.Equal(t, 1, m.Recovery().Committed)
}

func TestManager_OrphanTransactionalFileFinalized(t *testing.T) {
	dir := t.TempDir()
	qdir := filepath.Join(dir, "Q1")
	require.NoError(t, os.MkdirAll(qdir, 0o755))
	writeMessageFile(t, qdir, "4.9", 4)

	m, dests := restart(t, dir, "Q1")
	assert.Equal(t, []int64{4}, dests["Q1"].ids())
	assert.Equal(t, int64(10), m.Recovery().NextTxID)
	assert.FileExists(t, filepath.Join(qdir, "4"))
}

func TestManager_TempAndCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	qdir := filepath.Join(dir, "Q1")
	require.NoError(t, os.MkdirAll(qdir, 0o755))
	writeMessageFile(t, qdir, "1", 1)
	require.NoError(t, os.WriteFile(filepath.Join(qdir, "2.tmp"), []byte("partial"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(qdir, "3"), []byte("garbage"), 0o644))

	m, dests := restart(t, dir, "Q1")
	assert.Equal(t, []int64{1}, dests["Q1"].ids())
	assert.Equal(t, 1, m.Recovery().Corrupted)
	assert.NoFileExists(t, filepath.Join(qdir, "2.tmp"))
	assert.FileExists(t, filepath.Join(qdir, "3.corrupt"))
}

func TestManager_RecoveryIdempotent(t *testing.T) {
	dir := t.TempDir()
	m, _ := restart(t, dir, "Q1", "Q2")

	addMessage(t, m, 1, "Q1", nil)
	rb := addMessage(t, m, 2, "Q2", nil)
	tx, err := m.CreatePersistentTx()
	require.NoError(t, err)
	addMessage(t, m, 3, "Q1", tx)
	require.NoError(t, m.Remove(rb, tx))

	_, first := restart(t, dir, "Q1", "Q2")
	_, second := restart(t, dir, "Q1", "Q2")
	for _, n := range []string{"Q1", "Q2"} {
		assert.Equal(t, first[n].ids(), second[n].ids(), n)
	}
	assert.Equal(t, []int64{1}, second["Q1"].ids())
	assert.Equal(t, []int64{2}, second["Q2"].ids())
}

func TestManager_RestoreOrder(t *testing.T) {
	dir := t.TempDir()
	m, _ := restart(t, dir, "Q1")
	for _, id := range []int64{30, 4, 12, 100, 7} {
		addMessage(t, m, id, "Q1", nil)
	}

	m2, dests := restart(t, dir, "Q1")
	assert.Equal(t, []int64{4, 7, 12, 30, 100}, dests["Q1"].ids())
	assert.Equal(t, int64(100), m2.MaxMessageID())
}

func TestManager_EncodedDestinationNames(t *testing.T) {
	dir := t.TempDir()
	m, _ := restart(t, dir, "a/b", "a%047b")
	addMessage(t, m, 1, "a/b", nil)
	addMessage(t, m, 2, "a%047b", nil)

	assert.DirExists(t, filepath.Join(dir, "a%047b"))
	assert.DirExists(t, filepath.Join(dir, "a%037047b"))

	_, dests := restart(t, dir, "a/b", "a%047b")
	assert.Equal(t, []int64{1}, dests["a/b"].ids())
	assert.Equal(t, []int64{2}, dests["a%047b"].ids())
}

func TestManager_TemporaryDestinationDiscarded(t *testing.T) {
	dir := t.TempDir()
	m, _ := restart(t, dir, "tmp-1")

	msg := testMessage(1, "tmp-1")
	msg.Destination.Temporary = true
	ref := message.NewReference(msg)
	require.NoError(t, m.Add(msg, ref, nil))

	m2, dests := restart(t, dir, "tmp-1")
	assert.Empty(t, dests["tmp-1"].ids())
	assert.Empty(t, m2.Recovery().Destinations)
}

func TestManager_TransactionIDs(t *testing.T) {
	dir := t.TempDir()
	m := openManager(t, dir)

	t1, err := m.CreatePersistentTx()
	require.NoError(t, err)
	t2, err := m.CreatePersistentTx()
	require.NoError(t, err)
	assert.Less(t, t1.ID(), t2.ID())

	require.NoError(t, m.CommitPersistentTx(t1))
	assert.ErrorIs(t, m.CommitPersistentTx(t1), ErrUnknownTx)
	assert.ErrorIs(t, m.RollbackPersistentTx(t1), ErrUnknownTx)
	assert.ErrorIs(t, m.CommitPersistentTx(nil), ErrUnknownTx)

	m2 := openManager(t, dir)
	assert.Greater(t, m2.Recovery().NextTxID, t2.ID())

	t3, err := m2.CreatePersistentTx()
	require.NoError(t, err)
	assert.Greater(t, t3.ID(), t2.ID())
}

func TestManager_PoolReuse(t *testing.T) {
	m := openManager(t, t.TempDir())
	for i := 0; i < 10; i++ {
		tx, err := m.CreatePersistentTx()
		require.NoError(t, err)
		require.NoError(t, m.CommitPersistentTx(tx))
	}
	st := m.Stats()
	assert.Equal(t, 1, st.IdleTxs)
	assert.Zero(t, st.ActiveTxs)
}

func TestManager_StaleTxInfoRejected(t *testing.T) {
	m, _ := restart(t, t.TempDir(), "Q1")

	tx, err := m.CreatePersistentTx()
	require.NoError(t, err)
	v, ok := m.active.Load(tx.id)
	require.True(t, ok)
	ref := addMessage(t, m, 1, "Q1", nil)
	require.NoError(t, m.CommitPersistentTx(tx))

	// A caller that looked the info up before the commit pooled it.
	m.active.Store(tx.id, v)
	defer m.active.Delete(tx.id)

	assert.ErrorIs(t, m.Remove(ref, tx), ErrUnknownTx)
	msg := testMessage(2, "Q1")
	assert.ErrorIs(t, m.Add(msg, message.NewReference(msg), tx), ErrUnknownTx)
	assert.Empty(t, v.(*txInfo).tasks)
}

func TestManager_AddRacesCommit(t *testing.T) {
	dir := t.TempDir()
	m, _ := restart(t, dir, "Q1")

	tx, err := m.CreatePersistentTx()
	require.NoError(t, err)

	const n = 16
	results := make(chan error, n)
	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			msg := testMessage(id, "Q1")
			results <- m.Add(msg, message.NewReference(msg), tx)
		}(int64(i))
	}
	require.NoError(t, m.CommitPersistentTx(tx))
	wg.Wait()
	close(results)

	accepted := 0
	for err := range results {
		if err == nil {
			accepted++
			continue
		}
		assert.ErrorIs(t, err, ErrUnknownTx)
	}

	_, dests := restart(t, dir, "Q1")
	assert.Len(t, dests["Q1"].ids(), accepted)
}

func TestManager_Update(t *testing.T) {
	dir := t.TempDir()
	m, _ := restart(t, dir, "Q1")

	msg := testMessage(5, "Q1")
	ref := message.NewReference(msg)
	require.NoError(t, m.Add(msg, ref, nil))
	msg.Redelivered = true
	require.NoError(t, m.Update(msg, ref))

	cache := &testCache{}
	m2, err := New(dir, cache, WithSyncWrites(false))
	require.NoError(t, err)
	defer m2.Close()
	require.Len(t, cache.added, 1)
	assert.True(t, cache.added[0].Redelivered)
}

func TestManager_DestroyDestination(t *testing.T) {
	dir := t.TempDir()
	m, _ := restart(t, dir, "Q1")
	addMessage(t, m, 1, "Q1", nil)

	require.NoError(t, m.DestroyDestination(message.Queue("Q1")))
	assert.NoDirExists(t, filepath.Join(dir, "Q1"))

	msg := testMessage(2, "Q1")
	assert.ErrorIs(t, m.Add(msg, message.NewReference(msg), nil), ErrLogNotFound)
}

func TestManager_Closed(t *testing.T) {
	m := openManager(t, t.TempDir())
	require.NoError(t, m.Close())

	_, err := m.CreatePersistentTx()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.RestoreDestination(newTestDestination("Q1")), ErrClosed)
}

func TestNew_DataDirNotCreatable(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	_, err := New(filepath.Join(file, "data"), &testCache{})
	assert.ErrorIs(t, err, ErrPersistence)
}

func writeMessageFile(t *testing.T, dir, name string, id int64) {
	t.Helper()
	data, err := encodeMessage(testMessage(id, filepath.Base(dir)), CompressionNone)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
}

// txRecordFiles lists the transaction records left in dir.
func txRecordFiles(t *testing.T, dir string) []string {
	t.Helper()
	out := []string{}
	for _, n := range fileNames(t, dir) {
		if _, err := strconv.ParseInt(n, 10, 64); err == nil {
			if fi, err := os.Stat(filepath.Join(dir, n)); err == nil && !fi.IsDir() {
				out = append(out, n)
			}
		}
	}
	return out
}
