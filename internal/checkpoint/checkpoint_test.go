package checkpoint_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relforge/relforge/internal/checkpoint"
	"github.com/relforge/relforge/internal/storage/buffer"
	"github.com/relforge/relforge/internal/storage/clog"
	"github.com/relforge/relforge/internal/storage/page"
	"github.com/relforge/relforge/internal/storage/wal"
	"github.com/relforge/relforge/internal/txn"
)

func newStack(t *testing.T) (string, *wal.Manager, *clog.Log, *buffer.Pool, *txn.Manager) {
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
	return dir, w, cl, pool, txns
}

func TestReadMetaOnFreshDirReturnsZero(t *testing.T) {
	dir := t.TempDir()
	m, err := checkpoint.ReadMeta(dir)
	require.NoError(t, err)
	require.Equal(t, checkpoint.Meta{}, m)
}

func TestRunWritesRecoverableMeta(t *testing.T) {
	dir, w, cl, pool, txns := newStack(t)

	txnID, _, err := txns.Begin()
	require.NoError(t, err)

	chk := checkpoint.New(dir, w, cl, txns, pool)
	require.NoError(t, chk.Run())

	m, err := checkpoint.ReadMeta(dir)
	require.NoError(t, err)
	require.NotZero(t, m.CheckpointLSN)
	require.Equal(t, txns.NextTxnID(), m.NextTxnID)

	require.NoError(t, txns.Commit(txnID))
}

func TestRunTwiceAdvancesCheckpointLSN(t *testing.T) {
	dir, w, cl, pool, txns := newStack(t)
	chk := checkpoint.New(dir, w, cl, txns, pool)

	require.NoError(t, chk.Run())
	first, err := checkpoint.ReadMeta(dir)
	require.NoError(t, err)

	txnID, _, err := txns.Begin()
	require.NoError(t, err)
	require.NoError(t, txns.Commit(txnID))

	require.NoError(t, chk.Run())
	second, err := checkpoint.ReadMeta(dir)
	require.NoError(t, err)

	require.Greater(t, second.CheckpointLSN, first.CheckpointLSN)
}

func TestRunWithPruneEnabledWritesMeta(t *testing.T) {
	dir, w, cl, pool, txns := newStack(t)
	chk := checkpoint.New(dir, w, cl, txns, pool)
	chk.Prune = true

	for i := 0; i < 5; i++ {
		id, _, err := txns.Begin()
		require.NoError(t, err)
		require.NoError(t, txns.Commit(id))
	}
	require.NoError(t, chk.Run())

	m, err := checkpoint.ReadMeta(dir)
	require.NoError(t, err)
	require.NotZero(t, m.CheckpointLSN)
}
