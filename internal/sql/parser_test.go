package sql

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func parseOne(t *testing.T, stmt string) Statement {
	t.Helper()
	p := NewParser(stmt)
	s, err := p.ParseStatement()
	require.NoError(t, err, "parsing %q", stmt)
	return s
}

func TestParseCreateTable(t *testing.T) {
	s := parseOne(t, "CREATE TABLE accounts (id INT, name VARCHAR)")
	ct, ok := s.(*CreateTable)
	require.True(t, ok)
	require.Equal(t, "accounts", ct.Table)
	require.Len(t, ct.Cols, 2)
	require.Equal(t, ColumnDef{Name: "id", Type: "INT", Nullable: true}, ct.Cols[0])
	require.Equal(t, "name", ct.Cols[1].Name)
	require.Equal(t, "VARCHAR", ct.Cols[1].Type)
}

func TestParseCreateIndex(t *testing.T) {
	s := parseOne(t, "CREATE INDEX idx_name ON accounts (name, id)")
	ci, ok := s.(*CreateIndex)
	require.True(t, ok)
	require.Equal(t, "idx_name", ci.Name)
	require.Equal(t, "accounts", ci.Table)
	require.Equal(t, []string{"name", "id"}, ci.Columns)
}

func TestParseInsertWithAndWithoutColumnList(t *testing.T) {
	s := parseOne(t, "INSERT INTO accounts VALUES (1, 'bob')")
	ins := s.(*Insert)
	require.Nil(t, ins.Cols)
	require.Len(t, ins.Vals, 2)

	s2 := parseOne(t, "INSERT INTO accounts (id, name) VALUES (1, 'bob')")
	ins2 := s2.(*Insert)
	require.Equal(t, []string{"id", "name"}, ins2.Cols)
}

func TestParseUpdateWithWhere(t *testing.T) {
	s := parseOne(t, "UPDATE accounts SET balance = balance + 10 WHERE id = 1")
	upd := s.(*Update)
	require.Equal(t, "accounts", upd.Table)
	require.Len(t, upd.Sets, 1)
	require.Equal(t, "balance", upd.Sets[0].Col)
	require.NotNil(t, upd.Where)
}

func TestParseDeleteWithoutWhere(t *testing.T) {
	s := parseOne(t, "DELETE FROM accounts")
	del := s.(*Delete)
	require.Equal(t, "accounts", del.Table)
	require.Nil(t, del.Where)
}

func TestParseSelectStarWithJoinAndWhere(t *testing.T) {
	s := parseOne(t, `SELECT * FROM orders o LEFT JOIN accounts a ON o.account_id = a.id WHERE a.name = 'bob'`)
	sel := s.(*Select)
	require.Len(t, sel.Projs, 1)
	require.True(t, sel.Projs[0].Star)
	require.Equal(t, "orders", sel.From.Table)
	require.Equal(t, "o", sel.From.Alias)
	require.Len(t, sel.Joins, 1)
	require.Equal(t, JoinLeft, sel.Joins[0].Type)
	require.Equal(t, "accounts", sel.Joins[0].Right.Table)
	require.NotNil(t, sel.Where)
}

func TestParseSelectGroupByHavingAggregate(t *testing.T) {
	s := parseOne(t, `SELECT account_id, COUNT(*), SUM(amount) FROM orders GROUP BY account_id HAVING COUNT(*) > 1`)
	sel := s.(*Select)
	require.Len(t, sel.Projs, 3)
	fc, ok := sel.Projs[1].Expr.(*FuncCall)
	require.True(t, ok)
	require.Equal(t, "COUNT", fc.Name)
	require.True(t, fc.Star)
	require.Len(t, sel.GroupBy, 1)
	require.Equal(t, "account_id", sel.GroupBy[0].Name)
	require.NotNil(t, sel.Having)
}

func TestParseExprPrecedence(t *testing.T) {
	s := parseOne(t, "SELECT * FROM t WHERE a + b * 2 = 10 AND c OR NOT d")
	sel := s.(*Select)
	top, ok := sel.Where.(*Binary)
	require.True(t, ok)
	require.Equal(t, "OR", top.Op)
	and, ok := top.Left.(*Binary)
	require.True(t, ok)
	require.Equal(t, "AND", and.Op)
	eq, ok := and.Left.(*Binary)
	require.True(t, ok)
	require.Equal(t, "=", eq.Op)
	add, ok := eq.Left.(*Binary)
	require.True(t, ok)
	require.Equal(t, "+", add.Op)
	mul, ok := add.Right.(*Binary)
	require.True(t, ok)
	require.Equal(t, "*", mul.Op)
}

func TestParseIsNull(t *testing.T) {
	s := parseOne(t, "SELECT * FROM t WHERE a IS NOT NULL")
	sel := s.(*Select)
	isNull, ok := sel.Where.(*IsNull)
	require.True(t, ok)
	require.True(t, isNull.Negate)
}

func TestParseTransactionControlStatements(t *testing.T) {
	require.IsType(t, &Begin{}, parseOne(t, "BEGIN"))
	require.IsType(t, &Commit{}, parseOne(t, "COMMIT"))
	require.IsType(t, &Rollback{}, parseOne(t, "ROLLBACK"))
	require.IsType(t, &Checkpoint{}, parseOne(t, "CHECKPOINT"))
}

func TestParseRejectsTrailingGarbage(t *testing.T) {
	p := NewParser("SELECT * FROM t; SELECT * FROM t2")
	_, err := p.ParseStatement()
	require.Error(t, err)
}

func TestParseErrorOnUnknownStatement(t *testing.T) {
	p := NewParser("FROB t")
	_, err := p.ParseStatement()
	require.Error(t, err)
}
