package exec

import (
	"github.com/relforge/relforge/internal/catalog"
	"github.com/relforge/relforge/internal/storage/btree"
	"github.com/relforge/relforge/internal/storage/heap"
	"github.com/relforge/relforge/internal/storage/tablescan"
	"github.com/relforge/relforge/internal/storage/tuple"
	"github.com/relforge/relforge/internal/txn"
)

// SeqScan walks a table's whole heap page chain, emitting one Row per live
// tuple that passes MVCC visibility under the running statement's
// snapshot (spec.md §4.9).
type SeqScan struct {
	pages    PagePool
	table    catalog.Table
	snapshot txn.Snapshot
	clog     txn.CLOGReader

	rows []Row
	pos  int
}

func NewSeqScan(pages PagePool, table catalog.Table, snapshot txn.Snapshot, clog txn.CLOGReader) *SeqScan {
	return &SeqScan{pages: pages, table: table, snapshot: snapshot, clog: clog}
}

// Open (re-)materialises every currently visible row. Re-opening re-walks
// the chain from scratch, which is what a nested loop join's "reopen the
// right child per left tuple" requires.
func (s *SeqScan) Open() error {
	s.rows = s.rows[:0]
	s.pos = 0
	var walkErr error
	err := tablescan.Walk(s.pages, s.table.FirstPage, func(rid heap.RID, data []byte) (bool, error) {
		xmin, xmax, values, err := tuple.Decode(data, s.table.Columns)
		if err != nil {
			return false, err
		}
		visible, err := txn.Visible(xmin, xmax, s.snapshot, s.clog)
		if err != nil {
			return false, err
		}
		if visible {
			s.rows = append(s.rows, Row{Vals: values, RID: rid})
		}
		return true, nil
	})
	if err != nil {
		walkErr = err
	}
	return walkErr
}

func (s *SeqScan) Next() (Row, bool, error) {
	if s.pos >= len(s.rows) {
		return Row{}, false, nil
	}
	r := s.rows[s.pos]
	s.pos++
	return r, true, nil
}

func (s *SeqScan) Close() error { return nil }

// IndexScan range-scans a single-column index for a predicate-derived
// bound, fetching each candidate RID from the heap and re-checking MVCC
// visibility (the index itself carries every version, visible or not).
type IndexScan struct {
	pages    PagePool
	table    catalog.Table
	tree     *btree.Tree
	low      tuple.Value
	high     tuple.Value
	hasLow   bool
	hasHigh  bool
	snapshot txn.Snapshot
	clog     txn.CLOGReader

	rows []Row
	pos  int
}

func NewIndexScan(pages PagePool, table catalog.Table, tree *btree.Tree, low, high tuple.Value, hasLow, hasHigh bool, snapshot txn.Snapshot, clog txn.CLOGReader) *IndexScan {
	return &IndexScan{pages: pages, table: table, tree: tree, low: low, high: high, hasLow: hasLow, hasHigh: hasHigh, snapshot: snapshot, clog: clog}
}

func (s *IndexScan) Open() error {
	s.rows = s.rows[:0]
	s.pos = 0
	var lowKey, highKey []byte
	if s.hasLow {
		lowKey = btree.IndexKey{Values: []tuple.Value{s.low}}.Encode()
	}
	if s.hasHigh {
		highKey = btree.IndexKey{Values: []tuple.Value{s.high}}.Encode()
	}
	return s.tree.RangeScan(lowKey, highKey, func(_ btree.IndexKey, rid heap.RID) (bool, error) {
		buf, err := s.pages.FetchPage(rid.PageID)
		if err != nil {
			return false, err
		}
		hp := heap.Wrap(buf)
		data, ok := hp.GetTuple(rid.Slot)
		if !ok {
			s.pages.Unpin(rid.PageID)
			return true, nil
		}
		xmin, xmax, values, err := tuple.Decode(data, s.table.Columns)
		s.pages.Unpin(rid.PageID)
		if err != nil {
			return false, err
		}
		visible, err := txn.Visible(xmin, xmax, s.snapshot, s.clog)
		if err != nil {
			return false, err
		}
		if visible {
			s.rows = append(s.rows, Row{Vals: values, RID: rid})
		}
		return true, nil
	})
}

func (s *IndexScan) Next() (Row, bool, error) {
	if s.pos >= len(s.rows) {
		return Row{}, false, nil
	}
	r := s.rows[s.pos]
	s.pos++
	return r, true, nil
}

func (s *IndexScan) Close() error { return nil }
