package exec

import (
	"github.com/relforge/relforge/internal/sql"
	"github.com/relforge/relforge/internal/storage/tuple"
)

// NestedLoopJoin is the naive join of spec.md §4.9: for each left tuple,
// reopen the right child and scan it in full. INNER emits only matches;
// LEFT additionally emits the left tuple NULL-padded on the right when no
// right tuple matched at all. Joined rows carry no RID.
type NestedLoopJoin struct {
	left        Operator
	right       Operator
	joinType    sql.JoinType
	on          sql.BoundExpr
	rightCols   []tuple.Column
	ctx         *evalCtx

	haveLeft bool
	curLeft  Row
	matched  bool
}

func NewNestedLoopJoin(left, right Operator, joinType sql.JoinType, on sql.BoundExpr, rte []sql.RangeTableEntry, rightRTE int) *NestedLoopJoin {
	return &NestedLoopJoin{
		left:      left,
		right:     right,
		joinType:  joinType,
		on:        on,
		rightCols: rte[rightRTE].Table.Columns,
		ctx:       newEvalCtx(rte),
	}
}

func (j *NestedLoopJoin) Open() error {
	j.haveLeft = false
	return j.left.Open()
}

func (j *NestedLoopJoin) Next() (Row, bool, error) {
	for {
		if !j.haveLeft {
			row, ok, err := j.left.Next()
			if err != nil {
				return Row{}, false, err
			}
			if !ok {
				return Row{}, false, nil
			}
			j.curLeft = row
			j.haveLeft = true
			j.matched = false
			if err := j.right.Open(); err != nil {
				return Row{}, false, err
			}
		}

		rr, ok, err := j.right.Next()
		if err != nil {
			return Row{}, false, err
		}
		if !ok {
			if err := j.right.Close(); err != nil {
				return Row{}, false, err
			}
			j.haveLeft = false
			if j.joinType == sql.JoinLeft && !j.matched {
				return Row{Vals: append(append([]tuple.Value{}, j.curLeft.Vals...), nullRow(j.rightCols)...)}, true, nil
			}
			continue
		}

		combined := append(append([]tuple.Value{}, j.curLeft.Vals...), rr.Vals...)
		v, err := evalExpr(j.ctx, j.on, Row{Vals: combined})
		if err != nil {
			return Row{}, false, err
		}
		if truthy(v) {
			j.matched = true
			return Row{Vals: combined}, true, nil
		}
	}
}

func (j *NestedLoopJoin) Close() error { return j.left.Close() }

func nullRow(cols []tuple.Column) []tuple.Value {
	out := make([]tuple.Value, len(cols))
	for i, c := range cols {
		out[i] = tuple.NullValue(c.Type)
	}
	return out
}
