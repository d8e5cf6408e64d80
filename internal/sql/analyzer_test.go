package sql

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relforge/relforge/internal/storage/tuple"
	"github.com/relforge/relforge/internal/testutil"
)

func mustParse(t *testing.T, s string) Statement {
	t.Helper()
	p := NewParser(s)
	stmt, err := p.ParseStatement()
	require.NoError(t, err)
	return stmt
}

func TestAnalyzeCreateTableAndInsert(t *testing.T) {
	h := testutil.New(t)
	a := NewAnalyzer(h.Catalog)

	ct := mustParse(t, "CREATE TABLE accounts (id INT, name VARCHAR, balance INT)").(*CreateTable)
	bct, err := a.AnalyzeCreateTable(ct)
	require.NoError(t, err)
	require.Equal(t, "accounts", bct.Name)
	require.Len(t, bct.Columns, 3)
	require.Equal(t, tuple.TypeInt, bct.Columns[0].Type)
	require.Equal(t, tuple.TypeVarchar, bct.Columns[1].Type)

	h.CreateTable(t, "accounts", bct.Columns)

	ins := mustParse(t, "INSERT INTO accounts (id, name, balance) VALUES (1, 'bob', 100)").(*Insert)
	bins, err := a.AnalyzeInsert(ins)
	require.NoError(t, err)
	require.Equal(t, "accounts", bins.Table.Name)
	require.Equal(t, tuple.IntValue(1), bins.Values[0])
	require.Equal(t, tuple.StringValue("bob"), bins.Values[1])
	require.Equal(t, tuple.IntValue(100), bins.Values[2])
}

func TestAnalyzeInsertRejectsWrongArityAndUnknownColumn(t *testing.T) {
	h := testutil.New(t)
	a := NewAnalyzer(h.Catalog)
	h.CreateTable(t, "t", []tuple.Column{
		{Name: "a", Type: tuple.TypeInt, Nullable: true},
	})

	_, err := a.AnalyzeInsert(mustParse(t, "INSERT INTO t VALUES (1, 2)").(*Insert))
	require.Error(t, err)

	_, err = a.AnalyzeInsert(mustParse(t, "INSERT INTO t (b) VALUES (1)").(*Insert))
	require.Error(t, err)
}

func TestAnalyzeInsertRejectsNotNullViolation(t *testing.T) {
	h := testutil.New(t)
	a := NewAnalyzer(h.Catalog)
	h.CreateTable(t, "t", []tuple.Column{
		{Name: "a", Type: tuple.TypeInt, Nullable: false},
	})
	_, err := a.AnalyzeInsert(mustParse(t, "INSERT INTO t (a) VALUES (NULL)").(*Insert))
	require.Error(t, err)
}

func TestAnalyzeSelectResolvesQualifiedAndBareColumns(t *testing.T) {
	h := testutil.New(t)
	a := NewAnalyzer(h.Catalog)
	h.CreateTable(t, "orders", []tuple.Column{
		{Name: "id", Type: tuple.TypeInt, Nullable: true},
		{Name: "account_id", Type: tuple.TypeInt, Nullable: true},
	})
	h.CreateTable(t, "accounts", []tuple.Column{
		{Name: "id", Type: tuple.TypeInt, Nullable: true},
		{Name: "name", Type: tuple.TypeVarchar, Nullable: true},
	})

	sel := mustParse(t, `SELECT o.id, a.name FROM orders o JOIN accounts a ON o.account_id = a.id WHERE a.name = 'bob'`).(*Select)
	bsel, err := a.AnalyzeSelect(sel)
	require.NoError(t, err)
	require.Len(t, bsel.Range, 2)
	require.Len(t, bsel.Projs, 2)

	col0 := bsel.Projs[0].Expr.(*BoundColumn)
	require.Equal(t, 0, col0.RTE)
	col1 := bsel.Projs[1].Expr.(*BoundColumn)
	require.Equal(t, 1, col1.RTE)
	require.Len(t, bsel.Joins, 1)
	require.NotNil(t, bsel.Where)
}

func TestAnalyzeSelectStarExpandsAllColumns(t *testing.T) {
	h := testutil.New(t)
	a := NewAnalyzer(h.Catalog)
	h.CreateTable(t, "t", []tuple.Column{
		{Name: "a", Type: tuple.TypeInt, Nullable: true},
		{Name: "b", Type: tuple.TypeVarchar, Nullable: true},
	})
	sel := mustParse(t, "SELECT * FROM t").(*Select)
	bsel, err := a.AnalyzeSelect(sel)
	require.NoError(t, err)
	require.Len(t, bsel.Projs, 2)
	require.Equal(t, "a", bsel.Projs[0].Alias)
	require.Equal(t, "b", bsel.Projs[1].Alias)
}

func TestAnalyzeSelectRejectsUnknownTableAndColumn(t *testing.T) {
	h := testutil.New(t)
	a := NewAnalyzer(h.Catalog)
	h.CreateTable(t, "t", []tuple.Column{{Name: "a", Type: tuple.TypeInt, Nullable: true}})

	_, err := a.AnalyzeSelect(mustParse(t, "SELECT * FROM missing").(*Select))
	require.Error(t, err)

	_, err = a.AnalyzeSelect(mustParse(t, "SELECT b FROM t").(*Select))
	require.Error(t, err)
}

func TestAnalyzeGroupByRejectsUngroupedColumn(t *testing.T) {
	h := testutil.New(t)
	a := NewAnalyzer(h.Catalog)
	h.CreateTable(t, "orders", []tuple.Column{
		{Name: "account_id", Type: tuple.TypeInt, Nullable: true},
		{Name: "amount", Type: tuple.TypeInt, Nullable: true},
	})

	_, err := a.AnalyzeSelect(mustParse(t, "SELECT account_id, amount FROM orders GROUP BY account_id").(*Select))
	require.Error(t, err)

	bsel, err := a.AnalyzeSelect(mustParse(t, "SELECT account_id, SUM(amount) FROM orders GROUP BY account_id").(*Select))
	require.NoError(t, err)
	require.True(t, bsel.HasAggregates)
}

func TestAnalyzeRejectsNestedAggregates(t *testing.T) {
	h := testutil.New(t)
	a := NewAnalyzer(h.Catalog)
	h.CreateTable(t, "t", []tuple.Column{{Name: "a", Type: tuple.TypeInt, Nullable: true}})

	_, err := a.AnalyzeSelect(mustParse(t, "SELECT SUM(COUNT(a)) FROM t").(*Select))
	require.Error(t, err)
}

func TestAnalyzeHavingRequiresGroupBy(t *testing.T) {
	h := testutil.New(t)
	a := NewAnalyzer(h.Catalog)
	h.CreateTable(t, "t", []tuple.Column{{Name: "a", Type: tuple.TypeInt, Nullable: true}})

	_, err := a.AnalyzeSelect(mustParse(t, "SELECT a FROM t HAVING a > 1").(*Select))
	require.Error(t, err)
}

func TestAnalyzeRejectsArithmeticTypeMismatch(t *testing.T) {
	h := testutil.New(t)
	a := NewAnalyzer(h.Catalog)
	h.CreateTable(t, "t", []tuple.Column{
		{Name: "name", Type: tuple.TypeVarchar, Nullable: true},
	})
	_, err := a.AnalyzeSelect(mustParse(t, "SELECT name + 1 FROM t").(*Select))
	require.Error(t, err)
}

func TestAnalyzeCreateIndexResolvesColumns(t *testing.T) {
	h := testutil.New(t)
	a := NewAnalyzer(h.Catalog)
	h.CreateTable(t, "t", []tuple.Column{
		{Name: "a", Type: tuple.TypeInt, Nullable: true},
		{Name: "b", Type: tuple.TypeVarchar, Nullable: true},
	})
	ci := mustParse(t, "CREATE INDEX idx ON t (b, a)").(*CreateIndex)
	bci, err := a.AnalyzeCreateIndex(ci)
	require.NoError(t, err)
	require.Equal(t, []int{1, 0}, bci.ColumnOrdinals)
	require.Equal(t, "t", bci.Table.Name)
}

func TestAnalyzeUpdateAndDelete(t *testing.T) {
	h := testutil.New(t)
	a := NewAnalyzer(h.Catalog)
	h.CreateTable(t, "t", []tuple.Column{
		{Name: "a", Type: tuple.TypeInt, Nullable: true},
		{Name: "b", Type: tuple.TypeInt, Nullable: true},
	})

	upd := mustParse(t, "UPDATE t SET b = a + 1 WHERE a = 1").(*Update)
	bupd, err := a.AnalyzeUpdate(upd)
	require.NoError(t, err)
	require.Equal(t, 1, bupd.Sets[0].Col)
	require.NotNil(t, bupd.Where)

	del := mustParse(t, "DELETE FROM t WHERE a = 1").(*Delete)
	bdel, err := a.AnalyzeDelete(del)
	require.NoError(t, err)
	require.NotNil(t, bdel.Where)
}
