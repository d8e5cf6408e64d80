package exec

import (
	"fmt"

	"github.com/relforge/relforge/internal/sql"
	"github.com/relforge/relforge/internal/storage/tuple"
)

// rangeOffsets returns the flattened column offset of each range-table
// entry, so a BoundColumn{RTE, Col} addresses row.Vals[offsets[RTE]+Col].
func rangeOffsets(rte []sql.RangeTableEntry) []int {
	offsets := make([]int, len(rte))
	off := 0
	for i, e := range rte {
		offsets[i] = off
		off += len(e.Table.Columns)
	}
	return offsets
}

func rangeWidth(rte []sql.RangeTableEntry) int {
	n := 0
	for _, e := range rte {
		n += len(e.Table.Columns)
	}
	return n
}

// evalCtx carries what evalExpr needs beyond the row itself: the range
// table (to resolve BoundColumn offsets) and, only while an Aggregate
// operator is finalising a group, the per-node aggregate results a
// BoundAggregate leaf should return instead of being computed from row data.
type evalCtx struct {
	rte     []sql.RangeTableEntry
	offsets []int
	aggVals map[*sql.BoundAggregate]tuple.Value
}

func newEvalCtx(rte []sql.RangeTableEntry) *evalCtx {
	return &evalCtx{rte: rte, offsets: rangeOffsets(rte)}
}

func (c *evalCtx) column(row Row, col *sql.BoundColumn) tuple.Value {
	return row.Vals[c.offsets[col.RTE]+col.Col]
}

// evalExpr evaluates a bound scalar expression against row. It never
// resolves names or infers types — both were already done by the analyzer.
func evalExpr(c *evalCtx, e sql.BoundExpr, row Row) (tuple.Value, error) {
	switch n := e.(type) {
	case *sql.BoundColumn:
		return c.column(row, n), nil
	case *sql.BoundLiteral:
		return n.Val, nil
	case *sql.BoundUnary:
		v, err := evalExpr(c, n.Expr, row)
		if err != nil {
			return tuple.Value{}, err
		}
		return evalUnary(n.Op, v), nil
	case *sql.BoundBinary:
		l, err := evalExpr(c, n.Left, row)
		if err != nil {
			return tuple.Value{}, err
		}
		r, err := evalExpr(c, n.Right, row)
		if err != nil {
			return tuple.Value{}, err
		}
		return evalBinary(n.Op, l, r)
	case *sql.BoundIsNull:
		v, err := evalExpr(c, n.Expr, row)
		if err != nil {
			return tuple.Value{}, err
		}
		result := v.Null
		if n.Negate {
			result = !result
		}
		return tuple.BoolValue(result), nil
	case *sql.BoundAggregate:
		if c.aggVals == nil {
			return tuple.Value{}, fmt.Errorf("exec: aggregate evaluated outside a grouping context")
		}
		v, ok := c.aggVals[n]
		if !ok {
			return tuple.Value{}, fmt.Errorf("exec: no accumulated value for aggregate")
		}
		return v, nil
	default:
		return tuple.Value{}, fmt.Errorf("exec: unsupported bound expression %T", e)
	}
}

func evalUnary(op string, v tuple.Value) tuple.Value {
	switch op {
	case "-":
		if v.Null {
			return v
		}
		return tuple.IntValue(-v.I)
	case "NOT":
		if v.Null {
			return tuple.NullValue(tuple.TypeBool)
		}
		return tuple.BoolValue(!v.B)
	default:
		return tuple.NullValue(v.Type)
	}
}

func evalBinary(op string, l, r tuple.Value) (tuple.Value, error) {
	switch op {
	case "AND":
		return evalAnd(l, r), nil
	case "OR":
		return evalOr(l, r), nil
	case "+", "-", "*", "/":
		return evalArith(op, l, r), nil
	case "=", "<>", "<", "<=", ">", ">=":
		return evalCompare(op, l, r), nil
	default:
		return tuple.Value{}, fmt.Errorf("exec: unknown operator %q", op)
	}
}

// evalAnd/evalOr implement SQL three-valued logic: NULL is "unknown" and
// only collapses to a definite result when the other operand already
// determines it (false AND anything = false; true OR anything = true).
func evalAnd(l, r tuple.Value) tuple.Value {
	if (!l.Null && !l.B) || (!r.Null && !r.B) {
		return tuple.BoolValue(false)
	}
	if l.Null || r.Null {
		return tuple.NullValue(tuple.TypeBool)
	}
	return tuple.BoolValue(true)
}

func evalOr(l, r tuple.Value) tuple.Value {
	if (!l.Null && l.B) || (!r.Null && r.B) {
		return tuple.BoolValue(true)
	}
	if l.Null || r.Null {
		return tuple.NullValue(tuple.TypeBool)
	}
	return tuple.BoolValue(false)
}

// evalArith implements spec.md §4.9's tie-breaks: any NULL operand yields
// NULL, and integer division by zero yields NULL rather than an error.
func evalArith(op string, l, r tuple.Value) tuple.Value {
	if l.Null || r.Null {
		return tuple.NullValue(tuple.TypeInt)
	}
	switch op {
	case "+":
		return tuple.IntValue(l.I + r.I)
	case "-":
		return tuple.IntValue(l.I - r.I)
	case "*":
		return tuple.IntValue(l.I * r.I)
	case "/":
		if r.I == 0 {
			return tuple.NullValue(tuple.TypeInt)
		}
		return tuple.IntValue(floorDiv(l.I, r.I))
	}
	return tuple.NullValue(tuple.TypeInt)
}

// evalCompare propagates NULL (spec.md §4.9) and, for the rare case the
// analyzer let through operands of two different types (it only rejects
// type mismatches for arithmetic, not comparisons), treats the comparison
// as NULL rather than panicking on an undefined ordering.
func evalCompare(op string, l, r tuple.Value) tuple.Value {
	if l.Null || r.Null || l.Type != r.Type {
		return tuple.NullValue(tuple.TypeBool)
	}
	c := compareTyped(l, r)
	switch op {
	case "=":
		return tuple.BoolValue(c == 0)
	case "<>":
		return tuple.BoolValue(c != 0)
	case "<":
		return tuple.BoolValue(c < 0)
	case "<=":
		return tuple.BoolValue(c <= 0)
	case ">":
		return tuple.BoolValue(c > 0)
	case ">=":
		return tuple.BoolValue(c >= 0)
	}
	return tuple.NullValue(tuple.TypeBool)
}

// compareTyped orders two non-null values of the same type; the result is
// only meaningful when l.Type == r.Type.
func compareTyped(l, r tuple.Value) int {
	switch l.Type {
	case tuple.TypeInt:
		switch {
		case l.I < r.I:
			return -1
		case l.I > r.I:
			return 1
		default:
			return 0
		}
	case tuple.TypeVarchar:
		switch {
		case l.S < r.S:
			return -1
		case l.S > r.S:
			return 1
		default:
			return 0
		}
	case tuple.TypeBool:
		if l.B == r.B {
			return 0
		}
		if !l.B && r.B {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// floorDiv rounds toward negative infinity, unlike Go's /, which truncates
// toward zero; spec.md §4.9's AVG is defined as floor(sum/count).
func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// truthy implements spec.md §4.9's "predicate result NULL is treated as
// false" for WHERE/ON/HAVING evaluation.
func truthy(v tuple.Value) bool {
	return !v.Null && v.B
}

// collectAggregates walks a bound expression tree, returning every
// BoundAggregate leaf it reaches. Projection items bind a lone aggregate
// call as their whole expression; HAVING can embed one inside arithmetic
// or boolean operators, so both shapes are handled here.
func collectAggregates(e sql.BoundExpr) []*sql.BoundAggregate {
	switch n := e.(type) {
	case *sql.BoundAggregate:
		return []*sql.BoundAggregate{n}
	case *sql.BoundBinary:
		out := collectAggregates(n.Left)
		return append(out, collectAggregates(n.Right)...)
	case *sql.BoundUnary:
		return collectAggregates(n.Expr)
	case *sql.BoundIsNull:
		return collectAggregates(n.Expr)
	default:
		return nil
	}
}
