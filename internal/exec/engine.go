package exec

import (
	"github.com/relforge/relforge/internal/catalog"
	"github.com/relforge/relforge/internal/storage/btree"
	"github.com/relforge/relforge/internal/storage/heap"
	"github.com/relforge/relforge/internal/storage/page"
	"github.com/relforge/relforge/internal/storage/tablescan"
	"github.com/relforge/relforge/internal/sql"
	"github.com/relforge/relforge/internal/storage/tuple"
	"github.com/relforge/relforge/internal/txn"
)

// WAL is the subset of txn.Manager the executor writes through; it is the
// union of rowstore.WAL plus LogDelete, since Update/Delete need the
// logical-delete record rowstore itself never issues.
type WAL interface {
	LogInsert(txnID uint64, rid heap.RID, data []byte) (page.LSN, error)
	LogDelete(txnID uint64, rid heap.RID, newXmax uint64, oldXmax uint64) (page.LSN, error)
	LogAllocatePage(txnID uint64, pageID page.ID, tableID uint64, prevPageID page.ID) (page.LSN, error)
}

// Engine holds everything a statement's execution needs: a page pool to
// read/write through, the WAL to log against, a lock manager to serialize
// concurrent writers, and the catalog to resolve indexes. internal/session
// builds one Engine per open database and reuses it across connections.
type Engine struct {
	Pool  PagePool
	Txns  WAL
	Locks *txn.LockManager
	Cat   *catalog.Catalog
	CLog  txn.CLOGReader
}

func NewEngine(pool PagePool, w WAL, locks *txn.LockManager, cat *catalog.Catalog, clog txn.CLOGReader) *Engine {
	return &Engine{Pool: pool, Txns: w, Locks: locks, Cat: cat, CLog: clog}
}

func (e *Engine) openIndex(idx catalog.Index) *btree.Tree {
	return btree.Open(e.Pool, idx.RootPage)
}

func indexKeyFor(idx catalog.Index, values []tuple.Value) btree.IndexKey {
	key := make([]tuple.Value, len(idx.ColumnIDs))
	for i, col := range idx.ColumnIDs {
		key[i] = values[col]
	}
	return btree.IndexKey{Values: key}
}

// insertIndexEntries adds rid under every index defined on table, keyed by
// the tuple's just-written values. The executor never removes index entries
// (see DESIGN.md): superseded entries are left in place and filtered out by
// the MVCC visibility recheck IndexScan always performs on fetch.
func (e *Engine) insertIndexEntries(table catalog.Table, values []tuple.Value, rid heap.RID) error {
	idxs, err := e.Cat.LookupIndexesForTable(table.ID)
	if err != nil {
		return err
	}
	for _, idx := range idxs {
		tree := e.openIndex(idx)
		if err := tree.Insert(indexKeyFor(idx, values), rid); err != nil {
			return err
		}
	}
	return nil
}

// targetRow is a write operator's internal view of a candidate tuple: its
// RID, its current (pre-mutation) xmax, and its decoded values. Unlike the
// read-path Row, it always carries xmax, which Update/Delete need to pass
// to LogDelete as oldXmax for undo.
type targetRow struct {
	RID    heap.RID
	Xmax   uint64
	Values []tuple.Value
}

// collectTargetRows eagerly walks table's chain, evaluating where (nil
// means "all rows") against the running statement's own snapshot, so a
// write never observes a row version it itself produced earlier in the
// same statement (spec.md §4.9).
func collectTargetRows(pool PagePool, table catalog.Table, snapshot txn.Snapshot, clog txn.CLOGReader, where sql.BoundExpr, rte []sql.RangeTableEntry) ([]targetRow, error) {
	ctx := newEvalCtx(rte)
	var out []targetRow
	err := tablescan.Walk(pool, table.FirstPage, func(rid heap.RID, data []byte) (bool, error) {
		xmin, xmax, values, err := tuple.Decode(data, table.Columns)
		if err != nil {
			return false, err
		}
		visible, err := txn.Visible(xmin, xmax, snapshot, clog)
		if err != nil {
			return false, err
		}
		if !visible {
			return true, nil
		}
		if where != nil {
			v, err := evalExpr(ctx, where, Row{Vals: values})
			if err != nil {
				return false, err
			}
			if !truthy(v) {
				return true, nil
			}
		}
		out = append(out, targetRow{RID: rid, Xmax: xmax, Values: values})
		return true, nil
	})
	return out, err
}
