package exec

import (
	"github.com/relforge/relforge/internal/catalog"
	"github.com/relforge/relforge/internal/storage/btree"
	"github.com/relforge/relforge/internal/storage/heap"
	"github.com/relforge/relforge/internal/storage/tablescan"
	"github.com/relforge/relforge/internal/sql"
	"github.com/relforge/relforge/internal/storage/tuple"
)

// CreateTable allocates a head page for the new table (via the catalog,
// which WAL-logs the AllocatePage itself) and records it plus one
// pg_attribute row per column.
func (e *Engine) CreateTable(txnID uint64, ct *sql.BoundCreateTable) (catalog.Table, error) {
	return e.Cat.CreateTable(e.Txns, txnID, ct.Name, ct.Columns)
}

// CreateIndex builds a fresh B-tree over every tuple currently in the
// table's chain, irrespective of MVCC visibility, so the index stays
// recoverable to the same point as the heap (spec.md §4.9), then records
// it in pg_index.
func (e *Engine) CreateIndex(txnID uint64, ci *sql.BoundCreateIndex) (catalog.Index, error) {
	tree, err := btree.Create(e.Pool)
	if err != nil {
		return catalog.Index{}, err
	}
	err = tablescan.Walk(e.Pool, ci.Table.FirstPage, func(rid heap.RID, data []byte) (bool, error) {
		_, _, values, err := tuple.Decode(data, ci.Table.Columns)
		if err != nil {
			return false, err
		}
		key := make([]tuple.Value, len(ci.ColumnOrdinals))
		for i, col := range ci.ColumnOrdinals {
			key[i] = values[col]
		}
		return true, tree.Insert(btree.IndexKey{Values: key}, rid)
	})
	if err != nil {
		return catalog.Index{}, err
	}
	return e.Cat.CreateIndex(e.Txns, txnID, ci.Name, ci.Table.ID, ci.ColumnOrdinals, tree.Root())
}
