package exec

import (
	"github.com/relforge/relforge/internal/sql"
	"github.com/relforge/relforge/internal/storage/tuple"
)

// Projection computes each output expression from the child's row. It is
// only used on the non-aggregate path; Aggregate finalises its own
// projection list directly (see aggregate.go), since its proj expressions
// can reference per-group accumulator results that don't exist on a plain
// Row.
type Projection struct {
	child Operator
	projs []sql.BoundProj
	ctx   *evalCtx
}

func NewProjection(child Operator, projs []sql.BoundProj, rte []sql.RangeTableEntry) *Projection {
	return &Projection{child: child, projs: projs, ctx: newEvalCtx(rte)}
}

func (p *Projection) Open() error { return p.child.Open() }

func (p *Projection) Next() (Row, bool, error) {
	row, ok, err := p.child.Next()
	if err != nil || !ok {
		return Row{}, false, err
	}
	out := make([]tuple.Value, len(p.projs))
	for i, proj := range p.projs {
		v, err := evalExpr(p.ctx, proj.Expr, row)
		if err != nil {
			return Row{}, false, err
		}
		out[i] = v
	}
	return Row{Vals: out}, true, nil
}

func (p *Projection) Close() error { return p.child.Close() }
