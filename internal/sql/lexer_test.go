package sql

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLexerTokenizesKeywordsIdentsAndLiterals(t *testing.T) {
	lx := newLexer(`SELECT a, 'hi''there', 42 FROM t -- trailing comment`)
	var got []token
	for {
		tok := lx.nextToken()
		got = append(got, tok)
		if tok.typ == tEOF {
			break
		}
	}
	require.Equal(t, tKeyword, got[0].typ)
	require.Equal(t, "SELECT", got[0].val)
	require.Equal(t, tIdent, got[1].typ)
	require.Equal(t, "a", got[1].val)
	require.Equal(t, tSymbol, got[2].typ)
	require.Equal(t, ",", got[2].val)
	require.Equal(t, tString, got[3].typ)
	require.Equal(t, "hi'there", got[3].val)
	require.Equal(t, tNumber, got[4].typ)
	require.Equal(t, "42", got[4].val)
	require.Equal(t, tKeyword, got[5].typ)
	require.Equal(t, "FROM", got[5].val)
	require.Equal(t, tIdent, got[6].typ)
	require.Equal(t, "t", got[6].val)
	require.Equal(t, tEOF, got[len(got)-1].typ)
}

func TestLexerMultiCharSymbols(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"<=", "<="},
		{">=", ">="},
		{"<>", "<>"},
		{"!=", "!="},
		{"<", "<"},
		{">", ">"},
		{"=", "="},
	}
	for _, c := range cases {
		lx := newLexer(c.input)
		tok := lx.nextToken()
		require.Equal(t, tSymbol, tok.typ)
		require.Equal(t, c.want, tok.val)
	}
}

func TestLexerKeywordCaseInsensitive(t *testing.T) {
	lx := newLexer("select Select SELECT")
	for i := 0; i < 3; i++ {
		tok := lx.nextToken()
		require.Equal(t, tKeyword, tok.typ)
		require.Equal(t, "SELECT", tok.val)
	}
}
