package clog_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relforge/relforge/internal/storage/clog"
)

func TestGetOnUnsetTxnIsInProgress(t *testing.T) {
	dir := t.TempDir()
	l, err := clog.Open(filepath.Join(dir, "clog.db"))
	require.NoError(t, err)
	defer l.Close()

	status, err := l.Get(1234)
	require.NoError(t, err)
	require.Equal(t, clog.StatusInProgress, status)
}

func TestSetThenGetRoundTrips(t *testing.T) {
	dir := t.TempDir()
	l, err := clog.Open(filepath.Join(dir, "clog.db"))
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Set(1, clog.StatusCommitted))
	require.NoError(t, l.Set(2, clog.StatusAborted))

	s1, err := l.Get(1)
	require.NoError(t, err)
	require.Equal(t, clog.StatusCommitted, s1)

	s2, err := l.Get(2)
	require.NoError(t, err)
	require.Equal(t, clog.StatusAborted, s2)
}

func TestStatusPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clog.db")
	l, err := clog.Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Set(99, clog.StatusCommitted))
	require.NoError(t, l.Close())

	reopened, err := clog.Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	status, err := reopened.Get(99)
	require.NoError(t, err)
	require.Equal(t, clog.StatusCommitted, status)
}

func TestManyTransactionsAcrossMultiplePages(t *testing.T) {
	dir := t.TempDir()
	l, err := clog.Open(filepath.Join(dir, "clog.db"))
	require.NoError(t, err)
	defer l.Close()

	// 4096-byte pages at 2 bits/txn pack 16384 transactions per page;
	// txids up to 50000 span four pages, so this exercises fetches across
	// several frames (still within the frame pool, so nothing is evicted).
	for txid := uint64(1); txid < 50000; txid += 3301 {
		status := clog.StatusCommitted
		if txid%2 == 0 {
			status = clog.StatusAborted
		}
		require.NoError(t, l.Set(txid, status))
	}
	for txid := uint64(1); txid < 50000; txid += 3301 {
		want := clog.StatusCommitted
		if txid%2 == 0 {
			want = clog.StatusAborted
		}
		got, err := l.Get(txid)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}
