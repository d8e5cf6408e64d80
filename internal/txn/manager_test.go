package txn_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relforge/relforge/internal/storage/buffer"
	"github.com/relforge/relforge/internal/storage/clog"
	"github.com/relforge/relforge/internal/storage/heap"
	"github.com/relforge/relforge/internal/storage/page"
	"github.com/relforge/relforge/internal/storage/rowstore"
	"github.com/relforge/relforge/internal/storage/wal"
	"github.com/relforge/relforge/internal/txn"
)

func newStack(t *testing.T) (*buffer.Pool, *clog.Log, *txn.Manager) {
	t.Helper()
	dir := t.TempDir()
	disk, err := page.Open(filepath.Join(dir, "data.db"), page.DefaultSize)
	require.NoError(t, err)
	w, err := wal.Open(filepath.Join(dir, "wal"), 1000)
	require.NoError(t, err)
	cl, err := clog.Open(filepath.Join(dir, "clog.db"))
	require.NoError(t, err)
	pool := buffer.New(disk, w, buffer.Config{})
	locks := txn.NewLockManager()
	txns := txn.NewManager(w, cl, locks, pool, 1)
	return pool, cl, txns
}

func TestBeginAssignsIncreasingIDs(t *testing.T) {
	_, _, txns := newStack(t)
	id1, _, err := txns.Begin()
	require.NoError(t, err)
	id2, _, err := txns.Begin()
	require.NoError(t, err)
	require.Less(t, id1, id2)
}

func TestBeginSnapshotSeesConcurrentActiveTxns(t *testing.T) {
	_, _, txns := newStack(t)
	id1, _, err := txns.Begin()
	require.NoError(t, err)
	_, snap2, err := txns.Begin()
	require.NoError(t, err)
	require.True(t, snap2.IsActive(id1))
	require.Equal(t, 2, txns.ActiveCount())
}

func TestCommitMarksCLOGCommittedAndRemovesFromATT(t *testing.T) {
	_, cl, txns := newStack(t)
	id, _, err := txns.Begin()
	require.NoError(t, err)
	require.NoError(t, txns.Commit(id))

	status, err := cl.Get(id)
	require.NoError(t, err)
	require.Equal(t, clog.StatusCommitted, status)
	require.Equal(t, 0, txns.ActiveCount())
}

func TestRollbackUndoesInsertAndMarksCLOGAborted(t *testing.T) {
	pool, cl, txns := newStack(t)
	id, _, err := txns.Begin()
	require.NoError(t, err)

	rid, _, err := rowstore.Insert(pool, txns, id, 1, page.NoNext, []byte("0123456789012345"))
	require.NoError(t, err)

	require.NoError(t, txns.Rollback(id))

	status, err := cl.Get(id)
	require.NoError(t, err)
	require.Equal(t, clog.StatusAborted, status)

	buf, err := pool.FetchPage(rid.PageID)
	require.NoError(t, err)
	hp := heap.Wrap(buf)
	_, ok := hp.GetTuple(rid.Slot)
	require.False(t, ok, "rollback must physically delete the inserted tuple")
	pool.Unpin(rid.PageID)
}

func TestRollbackUndoesDeleteByRestoringXmax(t *testing.T) {
	pool, _, txns := newStack(t)
	insID, _, err := txns.Begin()
	require.NoError(t, err)
	rid, _, err := rowstore.Insert(pool, txns, insID, 1, page.NoNext, []byte("0123456789012345"))
	require.NoError(t, err)
	require.NoError(t, txns.Commit(insID))

	delID, _, err := txns.Begin()
	require.NoError(t, err)
	_, err = txns.LogDelete(delID, rid, delID, 0)
	require.NoError(t, err)
	buf, err := pool.FetchPage(rid.PageID)
	require.NoError(t, err)
	hp := heap.Wrap(buf)
	require.NoError(t, hp.SetTupleXmax(rid.Slot, delID))
	pool.Unpin(rid.PageID)

	require.NoError(t, txns.Rollback(delID))

	buf, err = pool.FetchPage(rid.PageID)
	require.NoError(t, err)
	hp = heap.Wrap(buf)
	got, ok := hp.GetTuple(rid.Slot)
	require.True(t, ok)
	require.Equal(t, uint64(0), heap.Xmax(got))
	pool.Unpin(rid.PageID)
}

func TestDisconnectRollbackIsNoOpWhenNotActive(t *testing.T) {
	_, _, txns := newStack(t)
	require.NoError(t, txns.DisconnectRollback(12345))
}

func TestDisconnectRollbackRollsBackActiveTxn(t *testing.T) {
	_, cl, txns := newStack(t)
	id, _, err := txns.Begin()
	require.NoError(t, err)
	require.NoError(t, txns.DisconnectRollback(id))
	status, err := cl.Get(id)
	require.NoError(t, err)
	require.Equal(t, clog.StatusAborted, status)
}

func TestSnapshotATTReflectsActiveTransactions(t *testing.T) {
	_, _, txns := newStack(t)
	id1, _, err := txns.Begin()
	require.NoError(t, err)
	id2, _, err := txns.Begin()
	require.NoError(t, err)

	att := txns.SnapshotATT()
	require.Contains(t, att, id1)
	require.Contains(t, att, id2)
}

func TestOldestActiveBeginLSNTracksEarliestOpenTxn(t *testing.T) {
	_, _, txns := newStack(t)
	_, _, err := txns.Begin()
	require.NoError(t, err)
	before := txns.OldestActiveBeginLSN()
	require.Greater(t, before, page.LSN(0))
}

func TestNextTxnIDAdvancesAfterBegin(t *testing.T) {
	_, _, txns := newStack(t)
	require.Equal(t, uint64(1), txns.NextTxnID())
	_, _, err := txns.Begin()
	require.NoError(t, err)
	require.Equal(t, uint64(2), txns.NextTxnID())
}
