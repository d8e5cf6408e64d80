package rowstore_test

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

func newStack(t *testing.T) (*buffer.Pool, *txn.Manager) {
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
	return pool, txns
}

func TestInsertIntoEmptyChainAllocatesFirstPage(t *testing.T) {
	pool, txns := newStack(t)
	txnID, _, err := txns.Begin()
	require.NoError(t, err)

	rid, firstPage, err := rowstore.Insert(pool, txns, txnID, 99, page.NoNext, []byte("0123456789012345"))
	require.NoError(t, err)
	require.NotEqual(t, page.NoNext, firstPage)

	buf, err := pool.FetchPage(rid.PageID)
	require.NoError(t, err)
	hp := heap.Wrap(buf)
	got, ok := hp.GetTuple(rid.Slot)
	require.True(t, ok)
	require.Equal(t, "0123456789012345", string(got))
	pool.Unpin(rid.PageID)
}

func TestInsertChainsANewPageWhenFull(t *testing.T) {
	pool, txns := newStack(t)
	txnID, _, err := txns.Begin()
	require.NoError(t, err)

	firstPage := page.NoNext
	big := make([]byte, 200)
	var lastPage page.ID
	for i := 0; i < 40; i++ {
		rid, fp, err := rowstore.Insert(pool, txns, txnID, 1, firstPage, big)
		require.NoError(t, err)
		firstPage = fp
		lastPage = rid.PageID
	}
	require.NotEqual(t, firstPage, lastPage, "enough 200-byte tuples must overflow the first page")
}
