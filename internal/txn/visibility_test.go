package txn_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relforge/relforge/internal/storage/clog"
	"github.com/relforge/relforge/internal/txn"
)

type fakeCLOG map[uint64]clog.Status

func (f fakeCLOG) Get(txid uint64) (clog.Status, error) { return f[txid], nil }

func TestVisibleOwnUncommittedInsert(t *testing.T) {
	s := txn.Snapshot{Self: 5, Xmin: 5, Xmax: 5, ActiveTxns: map[uint64]bool{}}
	ok, err := txn.Visible(5, 0, s, fakeCLOG{})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestInvisibleWhenInsertedByLaterTxn(t *testing.T) {
	s := txn.Snapshot{Self: 5, Xmin: 3, Xmax: 5, ActiveTxns: map[uint64]bool{}}
	ok, err := txn.Visible(7, 0, s, fakeCLOG{7: clog.StatusCommitted})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInvisibleWhenInserterStillActive(t *testing.T) {
	s := txn.Snapshot{Self: 5, Xmin: 2, Xmax: 5, ActiveTxns: map[uint64]bool{2: true}}
	ok, err := txn.Visible(2, 0, s, fakeCLOG{})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInvisibleWhenInserterAborted(t *testing.T) {
	s := txn.Snapshot{Self: 5, Xmin: 2, Xmax: 5, ActiveTxns: map[uint64]bool{}}
	ok, err := txn.Visible(2, 0, s, fakeCLOG{2: clog.StatusAborted})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVisibleWhenCommittedAndNotDeleted(t *testing.T) {
	s := txn.Snapshot{Self: 5, Xmin: 2, Xmax: 5, ActiveTxns: map[uint64]bool{}}
	ok, err := txn.Visible(2, 0, s, fakeCLOG{2: clog.StatusCommitted})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestInvisibleWhenDeletedBySelf(t *testing.T) {
	s := txn.Snapshot{Self: 5, Xmin: 2, Xmax: 5, ActiveTxns: map[uint64]bool{}}
	ok, err := txn.Visible(2, 5, s, fakeCLOG{2: clog.StatusCommitted})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVisibleWhenDeletedByLaterTxn(t *testing.T) {
	s := txn.Snapshot{Self: 5, Xmin: 2, Xmax: 5, ActiveTxns: map[uint64]bool{}}
	ok, err := txn.Visible(2, 9, s, fakeCLOG{2: clog.StatusCommitted})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVisibleWhenDeletedByStillActiveTxn(t *testing.T) {
	s := txn.Snapshot{Self: 5, Xmin: 2, Xmax: 5, ActiveTxns: map[uint64]bool{3: true}}
	ok, err := txn.Visible(2, 3, s, fakeCLOG{2: clog.StatusCommitted})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestInvisibleWhenDeletedByCommittedEarlierTxn(t *testing.T) {
	s := txn.Snapshot{Self: 5, Xmin: 2, Xmax: 5, ActiveTxns: map[uint64]bool{}}
	ok, err := txn.Visible(2, 3, s, fakeCLOG{2: clog.StatusCommitted, 3: clog.StatusCommitted})
	require.NoError(t, err)
	require.False(t, ok)
}
