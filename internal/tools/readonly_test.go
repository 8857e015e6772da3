package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReadOnly(t *testing.T) {
	tests := []struct {
		sql     string
		wantErr error
	}{
		{"SELECT * FROM t", nil},
		{"  select 1;  ", nil},
		{"WITH a AS (SELECT 1) SELECT * FROM a", nil},
		{"VALUES (1), (2)", nil},
		{"EXPLAIN SELECT 1", nil},
		{"SELECT 'drop table t' AS note", nil},
		{`SELECT "delete" FROM t`, nil},
		{"SELECT 1 -- delete everything\n", nil},
		{"SELECT /* update */ 1", nil},
		{"SELECT REPLACE(name, 'a', 'b') FROM t", nil},
		{"SELECT Set, Copy, Lock FROM t WHERE Set = 'A' ORDER BY Copy", nil},
		{"SELECT do, call, analyze FROM t", nil},
		{"", ErrEmptyQuery},
		{" ; ; ", ErrEmptyQuery},
		{"DELETE FROM t", ErrWriteNotAllowed},
		{"PRAGMA query_only = OFF", ErrWriteNotAllowed},
		{"SELECT 1; SELECT 2", ErrWriteNotAllowed},
		{"ATTACH DATABASE 'x.db' AS x", ErrWriteNotAllowed},
		{"EXPLAIN ANALYZE DELETE FROM t", ErrWriteNotAllowed},
		{"EXPLAIN ANALYZE SELECT 1", ErrWriteNotAllowed},
		{"SET search_path = public", ErrWriteNotAllowed},
		{"SELECT * FROM (COPY t TO '/tmp/x')", ErrWriteNotAllowed},
		{"SELECT * FROM t FOR UPDATE", ErrWriteNotAllowed},
		{"SELECT 'unterminated", ErrInvalidQuery},
	}
	for _, tt := range tests {
		_, err := parseReadOnly(tt.sql)
		if tt.wantErr == nil {
			assert.NoError(t, err, tt.sql)
			continue
		}
		assert.ErrorIs(t, err, tt.wantErr, tt.sql)
	}
}

func TestTableRefs(t *testing.T) {
	tests := []struct {
		sql  string
		want []string
	}{
		{"SELECT * FROM Sales", []string{"Sales"}},
		{`SELECT * FROM "Zara Sales" z`, []string{"Zara Sales"}},
		{"SELECT * FROM main.Sales", []string{"Sales"}},
		{"SELECT * FROM a, b AS bb, c WHERE a.id = b.id", []string{"a", "b", "c"}},
		{"SELECT * FROM a JOIN b ON a.id = b.id LEFT JOIN c USING (id)", []string{"a", "b", "c"}},
		{"SELECT * FROM a WHERE id IN (SELECT id FROM b)", []string{"a", "b"}},
		{"SELECT * FROM (SELECT * FROM a) sub", []string{"a"}},
		{"SELECT EXTRACT(YEAR FROM sold_on) FROM Sales", []string{"Sales"}},
		{"SELECT SUBSTRING(name FROM 2 FOR 3) FROM Sales", []string{"Sales"}},
		{"WITH top AS (SELECT * FROM Sales), t2 (x) AS (SELECT 1) SELECT * FROM top JOIN t2 ON 1=1", []string{"Sales"}},
		{"SELECT * FROM generate_series(1, 3)", nil},
		{"SELECT 1", nil},
		{"SELECT * FROM Sales s JOIN sales x ON s.id = x.id", []string{"Sales"}},
	}
	for _, tt := range tests {
		stmt, err := parseReadOnly(tt.sql)
		require.NoError(t, err, tt.sql)
		assert.Equal(t, tt.want, stmt.tableRefs(), tt.sql)
	}
}

func TestLex(t *testing.T) {
	toks, err := lex(`SELECT "a""b", 'it''s', [x y], $$body$$ FROM t`)
	require.NoError(t, err)

	var texts []string
	for _, tok := range toks {
		texts = append(texts, tok.text)
	}
	assert.Equal(t, []string{"select", `a"b`, ",", "it's", ",", "x y", ",", "body", "from", "t"}, texts)
	assert.Equal(t, tokIdent, toks[1].kind)
	assert.Equal(t, tokString, toks[3].kind)
}
