package exec

import (
	"github.com/relforge/relforge/internal/storage/heap"
	"github.com/relforge/relforge/internal/storage/rowstore"
	"github.com/relforge/relforge/internal/sql"
	"github.com/relforge/relforge/internal/storage/tuple"
	"github.com/relforge/relforge/internal/txn"
)

// Insert appends one new tuple version into ins.Table's page chain, owned
// by txnID with no xmax yet, and adds it to every index on the table. A
// fresh insert is never visible to any other snapshot until commit, so
// unlike Update/Delete it takes no row lock.
func (e *Engine) Insert(txnID uint64, ins *sql.BoundInsert) error {
	data, err := tuple.Encode(txnID, 0, ins.Table.Columns, ins.Values)
	if err != nil {
		return err
	}
	rid, _, err := rowstore.Insert(e.Pool, e.Txns, txnID, ins.Table.ID, ins.Table.FirstPage, data)
	if err != nil {
		return err
	}
	return e.insertIndexEntries(ins.Table, ins.Values, rid)
}

// Update performs spec.md §4.9's logical update: for every currently
// visible row matching Where, logically delete the old version (set
// xmax) and insert a new version carrying the SET expressions, indexing
// the new version under every index on the table.
func (e *Engine) Update(txnID uint64, snapshot txn.Snapshot, upd *sql.BoundUpdate) (int, error) {
	table := upd.Range[0].Table
	targets, err := collectTargetRows(e.Pool, table, snapshot, e.CLog, upd.Where, upd.Range)
	if err != nil {
		return 0, err
	}
	ctx := newEvalCtx(upd.Range)
	for _, t := range targets {
		if err := e.Locks.Acquire(txnID, t.RID, txn.Exclusive); err != nil {
			return 0, err
		}
		if err := e.logicalDelete(txnID, t); err != nil {
			return 0, err
		}

		newValues := append([]tuple.Value{}, t.Values...)
		for _, set := range upd.Sets {
			v, err := evalExpr(ctx, set.Expr, Row{Vals: t.Values})
			if err != nil {
				return 0, err
			}
			newValues[set.Col] = v
		}
		data, err := tuple.Encode(txnID, 0, table.Columns, newValues)
		if err != nil {
			return 0, err
		}
		rid, _, err := rowstore.Insert(e.Pool, e.Txns, txnID, table.ID, table.FirstPage, data)
		if err != nil {
			return 0, err
		}
		if err := e.insertIndexEntries(table, newValues, rid); err != nil {
			return 0, err
		}
	}
	return len(targets), nil
}

// Delete logically deletes (sets xmax) every currently visible row
// matching Where. The table's indexes are left untouched: their stale
// entries are filtered out by IndexScan's own visibility recheck.
func (e *Engine) Delete(txnID uint64, snapshot txn.Snapshot, del *sql.BoundDelete) (int, error) {
	table := del.Range[0].Table
	targets, err := collectTargetRows(e.Pool, table, snapshot, e.CLog, del.Where, del.Range)
	if err != nil {
		return 0, err
	}
	for _, t := range targets {
		if err := e.Locks.Acquire(txnID, t.RID, txn.Exclusive); err != nil {
			return 0, err
		}
		if err := e.logicalDelete(txnID, t); err != nil {
			return 0, err
		}
	}
	return len(targets), nil
}

// logicalDelete writes the WAL Delete record before applying the matching
// physical xmax update to the page, then marks it dirty under the new LSN
// (spec.md §4.2's write-ahead rule: log before the page it describes).
func (e *Engine) logicalDelete(txnID uint64, t targetRow) error {
	lsn, err := e.Txns.LogDelete(txnID, t.RID, txnID, t.Xmax)
	if err != nil {
		return err
	}
	buf, err := e.Pool.FetchPage(t.RID.PageID)
	if err != nil {
		return err
	}
	hp := heap.Wrap(buf)
	if err := hp.SetTupleXmax(t.RID.Slot, txnID); err != nil {
		e.Pool.Unpin(t.RID.PageID)
		return err
	}
	hp.SetPageLSN(lsn)
	e.Pool.MarkDirty(t.RID.PageID, lsn)
	e.Pool.Unpin(t.RID.PageID)
	return nil
}
