package tablescan_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relforge/relforge/internal/storage/buffer"
	"github.com/relforge/relforge/internal/storage/clog"
	"github.com/relforge/relforge/internal/storage/heap"
	"github.com/relforge/relforge/internal/storage/page"
	"github.com/relforge/relforge/internal/storage/rowstore"
	"github.com/relforge/relforge/internal/storage/tablescan"
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

func TestWalkVisitsEveryLiveTupleAcrossTheChain(t *testing.T) {
	pool, txns := newStack(t)
	txnID, _, err := txns.Begin()
	require.NoError(t, err)

	firstPage := page.NoNext
	big := make([]byte, 200)
	want := 0
	for i := 0; i < 40; i++ {
		_, fp, err := rowstore.Insert(pool, txns, txnID, 1, firstPage, big)
		require.NoError(t, err)
		firstPage = fp
		want++
	}

	count := 0
	err = tablescan.Walk(pool, firstPage, func(rid heap.RID, tuple []byte) (bool, error) {
		count++
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, want, count)
}

func TestWalkStopsEarlyWhenVisitReturnsFalse(t *testing.T) {
	pool, txns := newStack(t)
	txnID, _, err := txns.Begin()
	require.NoError(t, err)

	firstPage := page.NoNext
	for i := 0; i < 5; i++ {
		_, fp, err := rowstore.Insert(pool, txns, txnID, 1, firstPage, []byte("row"))
		require.NoError(t, err)
		firstPage = fp
	}

	count := 0
	err = tablescan.Walk(pool, firstPage, func(rid heap.RID, tuple []byte) (bool, error) {
		count++
		return count < 2, nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestWalkOnEmptyChainVisitsNothing(t *testing.T) {
	pool, _ := newStack(t)
	count := 0
	err := tablescan.Walk(pool, page.NoNext, func(rid heap.RID, tuple []byte) (bool, error) {
		count++
		return true, nil
	})
	require.NoError(t, err)
	require.Zero(t, count)
}
