package exec

import "github.com/relforge/relforge/internal/sql"

// Filter applies a predicate to its child's rows, passing each row through
// unchanged (RID included) when the predicate is truthy.
type Filter struct {
	child     Operator
	predicate sql.BoundExpr
	ctx       *evalCtx
}

func NewFilter(child Operator, predicate sql.BoundExpr, rte []sql.RangeTableEntry) *Filter {
	return &Filter{child: child, predicate: predicate, ctx: newEvalCtx(rte)}
}

func (f *Filter) Open() error { return f.child.Open() }

func (f *Filter) Next() (Row, bool, error) {
	for {
		row, ok, err := f.child.Next()
		if err != nil || !ok {
			return Row{}, false, err
		}
		v, err := evalExpr(f.ctx, f.predicate, row)
		if err != nil {
			return Row{}, false, err
		}
		if truthy(v) {
			return row, true, nil
		}
	}
}

func (f *Filter) Close() error { return f.child.Close() }
