package sql

import (
	"fmt"

	"github.com/relforge/relforge/internal/catalog"
	"github.com/relforge/relforge/internal/storage/tuple"
)

// RangeTableEntry binds one FROM/JOIN source to its resolved table and the
// alias queries address it by.
type RangeTableEntry struct {
	Alias string
	Table catalog.Table
}

// BoundExpr is a scalar expression whose VarRefs have been resolved to a
// range-table index and column ordinal, and whose static type is known.
type BoundExpr interface {
	exprType() tuple.DataType
}

// BoundColumn addresses column Col of range-table entry RTE.
type BoundColumn struct {
	RTE  int
	Col  int
	Type tuple.DataType
}

type BoundLiteral struct{ Val tuple.Value }

type BoundUnary struct {
	Op   string
	Expr BoundExpr
	Type tuple.DataType
}

type BoundBinary struct {
	Op          string
	Left, Right BoundExpr
	Type        tuple.DataType
}

type BoundIsNull struct {
	Expr   BoundExpr
	Negate bool
}

// AggKind enumerates the supported aggregate functions.
type AggKind int

const (
	AggCount AggKind = iota
	AggSum
	AggAvg
	AggMin
	AggMax
)

// BoundAggregate is only valid as (part of) a projection or HAVING
// expression, never nested inside another aggregate (spec.md §7's
// "aggregate misuse" error).
type BoundAggregate struct {
	Kind AggKind
	Arg  BoundExpr // nil when Star
	Star bool
	Type tuple.DataType
}

func (b *BoundColumn) exprType() tuple.DataType    { return b.Type }
func (b *BoundLiteral) exprType() tuple.DataType   { return b.Val.Type }
func (b *BoundUnary) exprType() tuple.DataType     { return b.Type }
func (b *BoundBinary) exprType() tuple.DataType    { return b.Type }
func (*BoundIsNull) exprType() tuple.DataType      { return tuple.TypeBool }
func (b *BoundAggregate) exprType() tuple.DataType { return b.Type }

// ExprType exposes a bound expression's static type to callers outside
// this package (internal/session, for RowDescription's column types).
func ExprType(e BoundExpr) tuple.DataType { return e.exprType() }

// BoundProj is one resolved output column.
type BoundProj struct {
	Expr  BoundExpr
	Alias string
}

// BoundJoin pairs a resolved ON predicate with the range-table index it
// introduces; range-table entries are otherwise ordered FROM-first.
type BoundJoin struct {
	Type  JoinType
	RTE   int
	On    BoundExpr
}

// BoundSelect is a fully name- and type-resolved SELECT, ready for the
// executor to turn into a Volcano operator tree.
type BoundSelect struct {
	Range         []RangeTableEntry
	Joins         []BoundJoin
	Projs         []BoundProj
	Where         BoundExpr
	GroupBy       []BoundColumn
	Having        BoundExpr
	HasAggregates bool
}

type BoundSet struct {
	Col  int
	Expr BoundExpr
}

type BoundInsert struct {
	Table  catalog.Table
	Values []tuple.Value
}

type BoundUpdate struct {
	Range []RangeTableEntry
	Sets  []BoundSet
	Where BoundExpr
}

type BoundDelete struct {
	Range []RangeTableEntry
	Where BoundExpr
}

// Analyzer resolves a parsed Statement against the catalog, producing a
// bound tree with range-table offsets in place of name lookups. It folds
// in type checking (spec.md §7's analyze-time error kinds: unknown
// table/column, type mismatch, wrong VALUES arity, aggregate misuse,
// column not in GROUP BY) since this kernel, unlike the teacher, keeps
// analysis as a distinct pass rather than deferring it to execution.
type Analyzer struct {
	cat *catalog.Catalog
}

func NewAnalyzer(cat *catalog.Catalog) *Analyzer { return &Analyzer{cat: cat} }

func (a *Analyzer) AnalyzeSelect(sel *Select) (*BoundSelect, error) {
	rte, err := a.buildRangeTable(sel.From, sel.Joins)
	if err != nil {
		return nil, err
	}
	joins := make([]BoundJoin, len(sel.Joins))
	for i, j := range sel.Joins {
		on, err := a.bindExpr(j.On, rte)
		if err != nil {
			return nil, err
		}
		joins[i] = BoundJoin{Type: j.Type, RTE: i + 1, On: on}
	}

	var where BoundExpr
	if sel.Where != nil {
		where, err = a.bindExpr(sel.Where, rte)
		if err != nil {
			return nil, err
		}
	}

	groupBy := make([]BoundColumn, len(sel.GroupBy))
	groupKeys := make(map[string]bool, len(sel.GroupBy))
	for i, g := range sel.GroupBy {
		col, err := a.resolveColumn(g, rte)
		if err != nil {
			return nil, err
		}
		groupBy[i] = col
		groupKeys[groupKey(col)] = true
	}

	projs := make([]BoundProj, 0, len(sel.Projs))
	hasAgg := false
	for _, item := range sel.Projs {
		if item.Star {
			for ri, e := range rte {
				for ci, col := range e.Table.Columns {
					projs = append(projs, BoundProj{
						Expr:  &BoundColumn{RTE: ri, Col: ci, Type: col.Type},
						Alias: col.Name,
					})
				}
			}
			continue
		}
		bound, err := a.bindProjExpr(item.Expr, rte, len(sel.GroupBy) > 0, groupKeys)
		if err != nil {
			return nil, err
		}
		if containsAggregate(bound) {
			hasAgg = true
		}
		alias := item.Alias
		if alias == "" {
			alias = exprDisplayName(item.Expr)
		}
		projs = append(projs, BoundProj{Expr: bound, Alias: alias})
	}

	if len(sel.GroupBy) > 0 {
		hasAgg = true
	}

	var having BoundExpr
	if sel.Having != nil {
		if len(sel.GroupBy) == 0 {
			return nil, fmt.Errorf("sql: HAVING requires GROUP BY")
		}
		having, err = a.bindHavingExpr(sel.Having, rte, groupKeys)
		if err != nil {
			return nil, err
		}
		hasAgg = true
	}

	return &BoundSelect{
		Range:         rte,
		Joins:         joins,
		Projs:         projs,
		Where:         where,
		GroupBy:       groupBy,
		Having:        having,
		HasAggregates: hasAgg,
	}, nil
}

func (a *Analyzer) AnalyzeInsert(ins *Insert) (*BoundInsert, error) {
	t, err := a.lookupTable(ins.Table)
	if err != nil {
		return nil, err
	}
	cols := t.Columns
	order := make([]int, len(cols))
	if len(ins.Cols) == 0 {
		for i := range cols {
			order[i] = i
		}
	} else {
		if len(ins.Cols) != len(cols) {
			return nil, fmt.Errorf("sql: INSERT column list has %d names, table %q has %d columns",
				len(ins.Cols), ins.Table, len(cols))
		}
		order = make([]int, len(ins.Cols))
		for i, name := range ins.Cols {
			idx := columnIndex(cols, name)
			if idx < 0 {
				return nil, fmt.Errorf("sql: unknown column %q in table %q", name, ins.Table)
			}
			order[i] = idx
		}
	}
	if len(ins.Vals) != len(order) {
		return nil, fmt.Errorf("sql: VALUES has %d expressions, expected %d", len(ins.Vals), len(order))
	}

	values := make([]tuple.Value, len(cols))
	for i := range values {
		values[i] = tuple.NullValue(cols[i].Type)
	}
	for i, expr := range ins.Vals {
		lit, ok := expr.(*Literal)
		if !ok {
			return nil, fmt.Errorf("sql: INSERT values must be literals")
		}
		col := cols[order[i]]
		v, err := literalToValue(lit, col.Type)
		if err != nil {
			return nil, err
		}
		if v.Null && !col.Nullable {
			return nil, fmt.Errorf("sql: NOT NULL violation on column %q", col.Name)
		}
		values[order[i]] = v
	}
	return &BoundInsert{Table: *t, Values: values}, nil
}

func (a *Analyzer) AnalyzeUpdate(upd *Update) (*BoundUpdate, error) {
	rte, err := a.buildRangeTable(FromItem{Table: upd.Table, Alias: upd.Table}, nil)
	if err != nil {
		return nil, err
	}
	sets := make([]BoundSet, len(upd.Sets))
	for i, s := range upd.Sets {
		idx := columnIndex(rte[0].Table.Columns, s.Col)
		if idx < 0 {
			return nil, fmt.Errorf("sql: unknown column %q in table %q", s.Col, upd.Table)
		}
		e, err := a.bindExpr(s.Expr, rte)
		if err != nil {
			return nil, err
		}
		sets[i] = BoundSet{Col: idx, Expr: e}
	}
	var where BoundExpr
	if upd.Where != nil {
		where, err = a.bindExpr(upd.Where, rte)
		if err != nil {
			return nil, err
		}
	}
	return &BoundUpdate{Range: rte, Sets: sets, Where: where}, nil
}

func (a *Analyzer) AnalyzeDelete(del *Delete) (*BoundDelete, error) {
	rte, err := a.buildRangeTable(FromItem{Table: del.Table, Alias: del.Table}, nil)
	if err != nil {
		return nil, err
	}
	var where BoundExpr
	if del.Where != nil {
		where, err = a.bindExpr(del.Where, rte)
		if err != nil {
			return nil, err
		}
	}
	return &BoundDelete{Range: rte, Where: where}, nil
}

// BoundCreateTable carries the column list converted to the storage
// layer's tuple.Column, with duplicate names already rejected.
type BoundCreateTable struct {
	Name    string
	Columns []tuple.Column
}

// BoundCreateIndex resolves the indexed column names against the target
// table's schema.
type BoundCreateIndex struct {
	Name           string
	Table          catalog.Table
	ColumnOrdinals []int
}

func (a *Analyzer) AnalyzeCreateTable(ct *CreateTable) (*BoundCreateTable, error) {
	if t, err := a.cat.LookupTable(ct.Table); err == nil && t != nil {
		return nil, fmt.Errorf("sql: table %q already exists", ct.Table)
	}
	seen := make(map[string]bool, len(ct.Cols))
	cols := make([]tuple.Column, len(ct.Cols))
	for i, c := range ct.Cols {
		if seen[c.Name] {
			return nil, fmt.Errorf("sql: duplicate column %q", c.Name)
		}
		seen[c.Name] = true
		var dt tuple.DataType
		switch c.Type {
		case "INT":
			dt = tuple.TypeInt
		case "VARCHAR":
			dt = tuple.TypeVarchar
		default:
			return nil, fmt.Errorf("sql: unsupported column type %q", c.Type)
		}
		cols[i] = tuple.Column{Name: c.Name, Type: dt, Nullable: c.Nullable}
	}
	return &BoundCreateTable{Name: ct.Table, Columns: cols}, nil
}

func (a *Analyzer) AnalyzeCreateIndex(ci *CreateIndex) (*BoundCreateIndex, error) {
	t, err := a.lookupTable(ci.Table)
	if err != nil {
		return nil, err
	}
	ordinals := make([]int, len(ci.Columns))
	for i, name := range ci.Columns {
		idx := columnIndex(t.Columns, name)
		if idx < 0 {
			return nil, fmt.Errorf("sql: unknown column %q in table %q", name, ci.Table)
		}
		ordinals[i] = idx
	}
	return &BoundCreateIndex{Name: ci.Name, Table: *t, ColumnOrdinals: ordinals}, nil
}

func (a *Analyzer) lookupTable(name string) (*catalog.Table, error) {
	t, err := a.cat.LookupTable(name)
	if err != nil || t == nil {
		return nil, fmt.Errorf("sql: unknown table %q", name)
	}
	return t, nil
}

func (a *Analyzer) buildRangeTable(from FromItem, joins []JoinClause) ([]RangeTableEntry, error) {
	t, err := a.lookupTable(from.Table)
	if err != nil {
		return nil, err
	}
	rte := []RangeTableEntry{{Alias: from.Alias, Table: *t}}
	for _, j := range joins {
		jt, err := a.lookupTable(j.Right.Table)
		if err != nil {
			return nil, err
		}
		rte = append(rte, RangeTableEntry{Alias: j.Right.Alias, Table: *jt})
	}
	return rte, nil
}

func columnIndex(cols []tuple.Column, name string) int {
	for i, c := range cols {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func groupKey(c BoundColumn) string { return fmt.Sprintf("%d.%d", c.RTE, c.Col) }

func (a *Analyzer) resolveColumn(ref VarRef, rte []RangeTableEntry) (BoundColumn, error) {
	if ref.Qualifier != "" {
		for i, e := range rte {
			if e.Alias == ref.Qualifier {
				idx := columnIndex(e.Table.Columns, ref.Name)
				if idx < 0 {
					return BoundColumn{}, fmt.Errorf("sql: unknown column %q in table %q", ref.Name, ref.Qualifier)
				}
				return BoundColumn{RTE: i, Col: idx, Type: e.Table.Columns[idx].Type}, nil
			}
		}
		return BoundColumn{}, fmt.Errorf("sql: unknown table alias %q", ref.Qualifier)
	}
	found := -1
	foundRTE := -1
	for i, e := range rte {
		idx := columnIndex(e.Table.Columns, ref.Name)
		if idx >= 0 {
			if found >= 0 {
				return BoundColumn{}, fmt.Errorf("sql: column %q is ambiguous", ref.Name)
			}
			found = idx
			foundRTE = i
		}
	}
	if found < 0 {
		return BoundColumn{}, fmt.Errorf("sql: unknown column %q", ref.Name)
	}
	return BoundColumn{RTE: foundRTE, Col: found, Type: rte[foundRTE].Table.Columns[found].Type}, nil
}

func (a *Analyzer) bindExpr(e Expr, rte []RangeTableEntry) (BoundExpr, error) {
	switch n := e.(type) {
	case *VarRef:
		col, err := a.resolveColumn(*n, rte)
		if err != nil {
			return nil, err
		}
		return &col, nil
	case *Literal:
		return &BoundLiteral{Val: literalValue(n)}, nil
	case *Unary:
		inner, err := a.bindExpr(n.Expr, rte)
		if err != nil {
			return nil, err
		}
		t := inner.exprType()
		if n.Op == "NOT" {
			t = tuple.TypeBool
		}
		return &BoundUnary{Op: n.Op, Expr: inner, Type: t}, nil
	case *Binary:
		left, err := a.bindExpr(n.Left, rte)
		if err != nil {
			return nil, err
		}
		right, err := a.bindExpr(n.Right, rte)
		if err != nil {
			return nil, err
		}
		t, err := binaryResultType(n.Op, left.exprType(), right.exprType())
		if err != nil {
			return nil, err
		}
		return &BoundBinary{Op: n.Op, Left: left, Right: right, Type: t}, nil
	case *IsNull:
		inner, err := a.bindExpr(n.Expr, rte)
		if err != nil {
			return nil, err
		}
		return &BoundIsNull{Expr: inner, Negate: n.Negate}, nil
	case *FuncCall:
		return nil, fmt.Errorf("sql: aggregate %s not allowed here", n.Name)
	}
	return nil, fmt.Errorf("sql: unsupported expression")
}

// bindProjExpr additionally allows a single top-level aggregate call, and
// requires any bare column reference outside an aggregate to appear in
// GROUP BY once grouping is in use (spec.md §7's "column not in GROUP BY").
func (a *Analyzer) bindProjExpr(e Expr, rte []RangeTableEntry, grouped bool, groupKeys map[string]bool) (BoundExpr, error) {
	if fc, ok := e.(*FuncCall); ok {
		return a.bindAggregate(fc, rte)
	}
	bound, err := a.bindExprGrouped(e, rte, grouped, groupKeys)
	if err != nil {
		return nil, err
	}
	return bound, nil
}

func (a *Analyzer) bindHavingExpr(e Expr, rte []RangeTableEntry, groupKeys map[string]bool) (BoundExpr, error) {
	switch n := e.(type) {
	case *FuncCall:
		return a.bindAggregate(n, rte)
	case *Binary:
		left, err := a.bindHavingExpr(n.Left, rte, groupKeys)
		if err != nil {
			return nil, err
		}
		right, err := a.bindHavingExpr(n.Right, rte, groupKeys)
		if err != nil {
			return nil, err
		}
		t, err := binaryResultType(n.Op, left.exprType(), right.exprType())
		if err != nil {
			return nil, err
		}
		return &BoundBinary{Op: n.Op, Left: left, Right: right, Type: t}, nil
	case *Unary:
		inner, err := a.bindHavingExpr(n.Expr, rte, groupKeys)
		if err != nil {
			return nil, err
		}
		t := inner.exprType()
		if n.Op == "NOT" {
			t = tuple.TypeBool
		}
		return &BoundUnary{Op: n.Op, Expr: inner, Type: t}, nil
	case *IsNull:
		inner, err := a.bindHavingExpr(n.Expr, rte, groupKeys)
		if err != nil {
			return nil, err
		}
		return &BoundIsNull{Expr: inner, Negate: n.Negate}, nil
	default:
		return a.bindExprGrouped(e, rte, true, groupKeys)
	}
}

func (a *Analyzer) bindExprGrouped(e Expr, rte []RangeTableEntry, grouped bool, groupKeys map[string]bool) (BoundExpr, error) {
	if ref, ok := e.(*VarRef); ok && grouped {
		col, err := a.resolveColumn(*ref, rte)
		if err != nil {
			return nil, err
		}
		if !groupKeys[groupKey(col)] {
			return nil, fmt.Errorf("sql: column %q must appear in GROUP BY or be used in an aggregate", ref.Name)
		}
		return &col, nil
	}
	return a.bindExpr(e, rte)
}

func (a *Analyzer) bindAggregate(fc *FuncCall, rte []RangeTableEntry) (BoundExpr, error) {
	var kind AggKind
	switch fc.Name {
	case "COUNT":
		kind = AggCount
	case "SUM":
		kind = AggSum
	case "AVG":
		kind = AggAvg
	case "MIN":
		kind = AggMin
	case "MAX":
		kind = AggMax
	default:
		return nil, fmt.Errorf("sql: unknown aggregate %q", fc.Name)
	}
	if fc.Star {
		if kind != AggCount {
			return nil, fmt.Errorf("sql: %s(*) is not allowed", fc.Name)
		}
		return &BoundAggregate{Kind: kind, Star: true, Type: tuple.TypeInt}, nil
	}
	if containsAggregateExpr(fc.Arg) {
		return nil, fmt.Errorf("sql: aggregate functions cannot be nested")
	}
	arg, err := a.bindExpr(fc.Arg, rte)
	if err != nil {
		return nil, err
	}
	resType := tuple.TypeInt
	switch kind {
	case AggCount:
		resType = tuple.TypeInt
	case AggSum, AggAvg:
		if arg.exprType() != tuple.TypeInt {
			return nil, fmt.Errorf("sql: %s requires an INT argument", fc.Name)
		}
		resType = tuple.TypeInt
	case AggMin, AggMax:
		resType = arg.exprType()
	}
	return &BoundAggregate{Kind: kind, Arg: arg, Type: resType}, nil
}

func containsAggregateExpr(e Expr) bool {
	switch n := e.(type) {
	case *FuncCall:
		return true
	case *Binary:
		return containsAggregateExpr(n.Left) || containsAggregateExpr(n.Right)
	case *Unary:
		return containsAggregateExpr(n.Expr)
	case *IsNull:
		return containsAggregateExpr(n.Expr)
	default:
		return false
	}
}

func containsAggregate(e BoundExpr) bool {
	switch n := e.(type) {
	case *BoundAggregate:
		return true
	case *BoundBinary:
		return containsAggregate(n.Left) || containsAggregate(n.Right)
	case *BoundUnary:
		return containsAggregate(n.Expr)
	case *BoundIsNull:
		return containsAggregate(n.Expr)
	default:
		return false
	}
}

func binaryResultType(op string, left, right tuple.DataType) (tuple.DataType, error) {
	switch op {
	case "AND", "OR":
		return tuple.TypeBool, nil
	case "=", "<>", "<", "<=", ">", ">=":
		return tuple.TypeBool, nil
	case "+", "-", "*", "/":
		if left != tuple.TypeInt || right != tuple.TypeInt {
			return 0, fmt.Errorf("sql: arithmetic requires INT operands")
		}
		return tuple.TypeInt, nil
	default:
		return 0, fmt.Errorf("sql: unknown operator %q", op)
	}
}

func literalValue(lit *Literal) tuple.Value {
	switch v := lit.Val.(type) {
	case nil:
		return tuple.NullValue(tuple.TypeInt)
	case int64:
		return tuple.IntValue(v)
	case string:
		return tuple.StringValue(v)
	case bool:
		return tuple.BoolValue(v)
	default:
		return tuple.NullValue(tuple.TypeInt)
	}
}

func literalToValue(lit *Literal, want tuple.DataType) (tuple.Value, error) {
	if lit.Val == nil {
		return tuple.NullValue(want), nil
	}
	v := literalValue(lit)
	if v.Type != want {
		return tuple.Value{}, fmt.Errorf("sql: type mismatch: expected %s, got %s", want, v.Type)
	}
	return v, nil
}

func exprDisplayName(e Expr) string {
	switch n := e.(type) {
	case *VarRef:
		return n.Name
	case *FuncCall:
		return n.Name
	default:
		return ""
	}
}
