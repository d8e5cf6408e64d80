package exec

import (
	"fmt"
	"strings"

	"github.com/relforge/relforge/internal/sql"
	"github.com/relforge/relforge/internal/storage/tuple"
)

// aggState accumulates one aggregate function's running state for one
// group, per spec.md §4.9's per-accumulator rules: COUNT counts non-null
// (or every row, for the `*` form); SUM/AVG are INT-only and skip NULL;
// MIN/MAX skip NULL and use the type's comparison order.
type aggState struct {
	kind sql.AggKind

	count int64
	sum   int64
	have  bool
	best  tuple.Value
}

func newAggState(kind sql.AggKind) *aggState { return &aggState{kind: kind} }

func (s *aggState) addStar() { s.count++ }

func (s *aggState) add(v tuple.Value) {
	if v.Null {
		return
	}
	switch s.kind {
	case sql.AggCount:
		s.count++
	case sql.AggSum, sql.AggAvg:
		s.sum += v.I
		s.count++
		s.have = true
	case sql.AggMin:
		if !s.have || compareTyped(v, s.best) < 0 {
			s.best, s.have = v, true
		}
	case sql.AggMax:
		if !s.have || compareTyped(v, s.best) > 0 {
			s.best, s.have = v, true
		}
	}
}

func (s *aggState) finalize(resultType tuple.DataType) tuple.Value {
	switch s.kind {
	case sql.AggCount:
		return tuple.IntValue(s.count)
	case sql.AggSum:
		if !s.have {
			return tuple.NullValue(tuple.TypeInt)
		}
		return tuple.IntValue(s.sum)
	case sql.AggAvg:
		if s.count == 0 {
			return tuple.NullValue(tuple.TypeInt)
		}
		return tuple.IntValue(floorDiv(s.sum, s.count))
	case sql.AggMin, sql.AggMax:
		if !s.have {
			return tuple.NullValue(resultType)
		}
		return s.best
	default:
		return tuple.NullValue(resultType)
	}
}

// group holds one GROUP BY bucket's representative row (used to resolve
// any plain, grouped BoundColumn the projection or HAVING references) and
// its per-aggregate-node accumulators, indexed in lockstep with the
// Aggregate operator's aggs slice.
type group struct {
	rep    Row
	accums []*aggState
}

// Aggregate implements spec.md §4.9's single-pass streaming grouping. It
// folds projection and HAVING evaluation into itself rather than handing
// off to a separate Projection operator, because its projection
// expressions can reference per-group aggregate results that a plain Row
// has nowhere to carry.
type Aggregate struct {
	child   Operator
	groupBy []sql.BoundColumn
	projs   []sql.BoundProj
	having  sql.BoundExpr
	ctx     *evalCtx
	aggs    []*sql.BoundAggregate

	results []Row
	pos     int
}

func NewAggregate(child Operator, groupBy []sql.BoundColumn, projs []sql.BoundProj, having sql.BoundExpr, rte []sql.RangeTableEntry) *Aggregate {
	var aggs []*sql.BoundAggregate
	for _, p := range projs {
		aggs = append(aggs, collectAggregates(p.Expr)...)
	}
	if having != nil {
		aggs = append(aggs, collectAggregates(having)...)
	}
	return &Aggregate{
		child:   child,
		groupBy: groupBy,
		projs:   projs,
		having:  having,
		ctx:     newEvalCtx(rte),
		aggs:    aggs,
	}
}

func (a *Aggregate) newAccums() []*aggState {
	accums := make([]*aggState, len(a.aggs))
	for i, ag := range a.aggs {
		accums[i] = newAggState(ag.Kind)
	}
	return accums
}

func (a *Aggregate) Open() error {
	if err := a.child.Open(); err != nil {
		return err
	}
	a.results = a.results[:0]
	a.pos = 0

	groups := make(map[string]*group)
	var order []string

	scalar := len(a.groupBy) == 0
	if scalar {
		key := ""
		groups[key] = &group{rep: zeroRow(a.ctx), accums: a.newAccums()}
		order = append(order, key)
	}

	for {
		row, ok, err := a.child.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		keyVals := make([]tuple.Value, len(a.groupBy))
		for i, g := range a.groupBy {
			keyVals[i] = a.ctx.column(row, &g)
		}
		key := encodeGroupKey(keyVals)
		g, found := groups[key]
		if !found {
			g = &group{rep: row, accums: a.newAccums()}
			groups[key] = g
			order = append(order, key)
		}
		for i, ag := range a.aggs {
			if ag.Star {
				g.accums[i].addStar()
				continue
			}
			v, err := evalExpr(a.ctx, ag.Arg, row)
			if err != nil {
				return err
			}
			g.accums[i].add(v)
		}
	}

	for _, key := range order {
		g := groups[key]
		aggVals := make(map[*sql.BoundAggregate]tuple.Value, len(a.aggs))
		for i, ag := range a.aggs {
			aggVals[ag] = g.accums[i].finalize(ag.Type)
		}
		finalCtx := &evalCtx{rte: a.ctx.rte, offsets: a.ctx.offsets, aggVals: aggVals}

		if a.having != nil {
			hv, err := evalExpr(finalCtx, a.having, g.rep)
			if err != nil {
				return err
			}
			if !truthy(hv) {
				continue
			}
		}

		out := make([]tuple.Value, len(a.projs))
		for i, p := range a.projs {
			v, err := evalExpr(finalCtx, p.Expr, g.rep)
			if err != nil {
				return err
			}
			out[i] = v
		}
		a.results = append(a.results, Row{Vals: out})
	}
	return nil
}

func (a *Aggregate) Next() (Row, bool, error) {
	if a.pos >= len(a.results) {
		return Row{}, false, nil
	}
	r := a.results[a.pos]
	a.pos++
	return r, true, nil
}

func (a *Aggregate) Close() error { return a.child.Close() }

// zeroRow builds an all-NULL representative row for the scalar-aggregate,
// zero-input-rows case (spec.md §4.9: "scalar aggregate with empty input
// produces exactly one row"), so any grouped column a malformed query
// still projects resolves to NULL instead of panicking on an empty slice.
func zeroRow(c *evalCtx) Row {
	width := 0
	for _, e := range c.rte {
		width += len(e.Table.Columns)
	}
	vals := make([]tuple.Value, width)
	i := 0
	for _, e := range c.rte {
		for _, col := range e.Table.Columns {
			vals[i] = tuple.NullValue(col.Type)
			i++
		}
	}
	return Row{Vals: vals}
}

func encodeGroupKey(vals []tuple.Value) string {
	var sb strings.Builder
	for _, v := range vals {
		if v.Null {
			sb.WriteString("N;")
			continue
		}
		switch v.Type {
		case tuple.TypeInt:
			fmt.Fprintf(&sb, "i%d;", v.I)
		case tuple.TypeVarchar:
			fmt.Fprintf(&sb, "s%q;", v.S)
		case tuple.TypeBool:
			fmt.Fprintf(&sb, "b%v;", v.B)
		}
	}
	return sb.String()
}
