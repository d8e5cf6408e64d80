// Package testutil assembles the full storage/transaction/catalog stack
// against a temp directory, for use by other packages' tests. Building it
// is identical across the sql, executor, session, and wire tests, so it lives
// here once rather than being copied into every _test.go file.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/relforge/relforge/internal/catalog"
	"github.com/relforge/relforge/internal/storage/buffer"
	"github.com/relforge/relforge/internal/storage/clog"
	"github.com/relforge/relforge/internal/storage/page"
	"github.com/relforge/relforge/internal/storage/tuple"
	"github.com/relforge/relforge/internal/storage/wal"
	"github.com/relforge/relforge/internal/txn"
)

// Harness is a fully bootstrapped, in-temp-dir database ready for
// transactions to run against.
type Harness struct {
	Disk    *page.Manager
	WAL     *wal.Manager
	CLog    *clog.Log
	Pool    *buffer.Pool
	Locks   *txn.LockManager
	Txns    *txn.Manager
	Catalog *catalog.Catalog
}

// New builds a Harness rooted at t.TempDir() and bootstraps a fresh
// catalog. The bootstrap transaction (SystemTxnID) is committed before
// returning, so every system row is ordinarily visible and recovery never
// finds it dangling in the active transaction table.
func New(t *testing.T) *Harness {
	t.Helper()
	dir := t.TempDir()

	disk, err := page.Open(filepath.Join(dir, "data.db"), page.DefaultSize)
	if err != nil {
		t.Fatalf("open page manager: %v", err)
	}
	w, err := wal.Open(filepath.Join(dir, "wal"), 1000)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	cl, err := clog.Open(filepath.Join(dir, "clog.db"))
	if err != nil {
		t.Fatalf("open clog: %v", err)
	}
	pool := buffer.New(disk, w, buffer.Config{})
	locks := txn.NewLockManager()
	txns := txn.NewManager(w, cl, locks, pool, 1)

	bootstrapID, _, err := txns.Begin()
	if err != nil {
		t.Fatalf("begin bootstrap txn: %v", err)
	}
	if bootstrapID != catalog.SystemTxnID {
		t.Fatalf("expected bootstrap txn id %d, got %d", catalog.SystemTxnID, bootstrapID)
	}
	cat, err := catalog.Bootstrap(pool, txns, cl)
	if err != nil {
		t.Fatalf("bootstrap catalog: %v", err)
	}
	if err := txns.Commit(bootstrapID); err != nil {
		t.Fatalf("commit bootstrap txn: %v", err)
	}

	return &Harness{Disk: disk, WAL: w, CLog: cl, Pool: pool, Locks: locks, Txns: txns, Catalog: cat}
}

// CreateTable begins and commits its own transaction around
// catalog.CreateTable, for tests that just need a table to exist.
func (h *Harness) CreateTable(t *testing.T, name string, cols []tuple.Column) catalog.Table {
	t.Helper()
	txnID, _, err := h.Txns.Begin()
	if err != nil {
		t.Fatalf("begin create-table txn: %v", err)
	}
	tbl, err := h.Catalog.CreateTable(h.Txns, txnID, name, cols)
	if err != nil {
		t.Fatalf("create table %q: %v", name, err)
	}
	if err := h.Txns.Commit(txnID); err != nil {
		t.Fatalf("commit create-table txn: %v", err)
	}
	return tbl
}
