package exec

import (
	"github.com/relforge/relforge/internal/catalog"
	"github.com/relforge/relforge/internal/storage/btree"
	"github.com/relforge/relforge/internal/sql"
	"github.com/relforge/relforge/internal/storage/tuple"
	"github.com/relforge/relforge/internal/txn"
)

// ScanStep records which access method the planner picked for one
// range-table entry, for internal/session's EXPLAIN support (SPEC_FULL.md
// §4.13, supplemented from original_source/'s day17/day18 planner notes).
type ScanStep struct {
	Table    string
	Strategy string // "SeqScan" or "IndexScan"
	Index    string // set only when Strategy is "IndexScan"
}

// BuildSelect turns a fully bound SELECT into an operator tree plus the
// scan strategy chosen per table, evaluated under snapshot.
func (e *Engine) BuildSelect(snapshot txn.Snapshot, bsel *sql.BoundSelect) (Operator, []ScanStep, error) {
	steps := make([]ScanStep, len(bsel.Range))
	base, err := e.buildRangeScan(0, bsel, snapshot, steps)
	if err != nil {
		return nil, nil, err
	}
	for _, j := range bsel.Joins {
		right, err := e.buildRangeScan(j.RTE, bsel, snapshot, steps)
		if err != nil {
			return nil, nil, err
		}
		base = NewNestedLoopJoin(base, right, j.Type, j.On, bsel.Range, j.RTE)
	}
	if bsel.Where != nil {
		base = NewFilter(base, bsel.Where, bsel.Range)
	}
	if bsel.HasAggregates {
		base = NewAggregate(base, bsel.GroupBy, bsel.Projs, bsel.Having, bsel.Range)
	} else {
		base = NewProjection(base, bsel.Projs, bsel.Range)
	}
	return base, steps, nil
}

// buildRangeScan picks IndexScan only for the query's base table (rteIdx
// 0) in a join-free SELECT, and only against a single-column index with a
// top-level WHERE equality on that column; every other case falls back to
// SeqScan. Composite indexes are never chosen here — see DESIGN.md.
func (e *Engine) buildRangeScan(rteIdx int, bsel *sql.BoundSelect, snapshot txn.Snapshot, steps []ScanStep) (Operator, error) {
	rte := bsel.Range[rteIdx]
	table := rte.Table

	if rteIdx == 0 && len(bsel.Joins) == 0 && bsel.Where != nil {
		if idx, val, ok := e.findEqualityIndex(table, bsel.Where, rteIdx); ok {
			tree := btree.Open(e.Pool, idx.RootPage)
			steps[rteIdx] = ScanStep{Table: table.Name, Strategy: "IndexScan", Index: idx.Name}
			return NewIndexScan(e.Pool, table, tree, val, val, true, true, snapshot, e.CLog), nil
		}
	}

	steps[rteIdx] = ScanStep{Table: table.Name, Strategy: "SeqScan"}
	return NewSeqScan(e.Pool, table, snapshot, e.CLog), nil
}

func (e *Engine) findEqualityIndex(table catalog.Table, where sql.BoundExpr, rteIdx int) (catalog.Index, tuple.Value, bool) {
	eqs := make(map[int]tuple.Value)
	collectTopLevelEqualities(where, rteIdx, eqs)
	if len(eqs) == 0 {
		return catalog.Index{}, tuple.Value{}, false
	}
	idxs, err := e.Cat.LookupIndexesForTable(table.ID)
	if err != nil {
		return catalog.Index{}, tuple.Value{}, false
	}
	for _, idx := range idxs {
		if len(idx.ColumnIDs) != 1 {
			continue
		}
		if v, ok := eqs[idx.ColumnIDs[0]]; ok {
			return idx, v, true
		}
	}
	return catalog.Index{}, tuple.Value{}, false
}

// collectTopLevelEqualities walks WHERE's top-level AND chain, recording
// every "column = literal" (or "literal = column") conjunct against rteIdx.
func collectTopLevelEqualities(e sql.BoundExpr, rteIdx int, out map[int]tuple.Value) {
	bin, ok := e.(*sql.BoundBinary)
	if !ok {
		return
	}
	if bin.Op == "AND" {
		collectTopLevelEqualities(bin.Left, rteIdx, out)
		collectTopLevelEqualities(bin.Right, rteIdx, out)
		return
	}
	if bin.Op != "=" {
		return
	}
	if col, lit, ok := asColumnLiteral(bin.Left, bin.Right, rteIdx); ok {
		out[col] = lit
		return
	}
	if col, lit, ok := asColumnLiteral(bin.Right, bin.Left, rteIdx); ok {
		out[col] = lit
	}
}

func asColumnLiteral(a, b sql.BoundExpr, rteIdx int) (int, tuple.Value, bool) {
	col, ok := a.(*sql.BoundColumn)
	if !ok || col.RTE != rteIdx {
		return 0, tuple.Value{}, false
	}
	lit, ok := b.(*sql.BoundLiteral)
	if !ok {
		return 0, tuple.Value{}, false
	}
	return col.Col, lit.Val, true
}
