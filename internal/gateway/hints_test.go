package gateway

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardsql/internal/types"
)

func TestParseHints(t *testing.T) {
	cases := []struct {
		name     string
		sql      string
		want     Hints
		stripped string
	}{
		{
			name:     "no hints",
			sql:      "SELECT * FROM users",
			want:     Hints{},
			stripped: "SELECT * FROM users",
		},
		{
			name:     "strong",
			sql:      "SELECT /*+ strong */ * FROM users",
			want:     Hints{Mode: types.ModeStrong},
			stripped: "SELECT * FROM users",
		},
		{
			name:     "weak maps to cached",
			sql:      "SELECT /*+ weak */ * FROM users",
			want:     Hints{Mode: types.ModeCached},
			stripped: "SELECT * FROM users",
		},
		{
			name:     "bounded with staleness",
			sql:      "SELECT /*+ bounded=1500 */ * FROM orders",
			want:     Hints{Mode: types.ModeBounded, BoundedMs: 1500},
			stripped: "SELECT * FROM orders",
		},
		{
			name:     "shard key hint",
			sql:      "SELECT /*+ shard:customer_id=42 */ * FROM orders",
			want:     Hints{ShardKey: "customer_id", ShardVal: "42"},
			stripped: "SELECT * FROM orders",
		},
		{
			name:     "combined tokens in one comment",
			sql:      "SELECT /*+ strong shard:region=eu */ * FROM orders",
			want:     Hints{Mode: types.ModeStrong, ShardKey: "region", ShardVal: "eu"},
			stripped: "SELECT * FROM orders",
		},
		{
			name:     "later comment wins",
			sql:      "SELECT /*+ weak */ * FROM t /*+ strong */",
			want:     Hints{Mode: types.ModeStrong},
			stripped: "SELECT * FROM t",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, stripped, err := ParseHints(tc.sql)
			require.NoError(t, err)
			assert.Equal(t, tc.want, h)
			assert.Equal(t, tc.stripped, stripped)
		})
	}
}

func TestParseHintsRejectsMalformed(t *testing.T) {
	for _, sql := range []string{
		"SELECT /*+ stronk */ 1",
		"SELECT /*+ bounded=abc */ 1",
		"SELECT /*+ bounded=-5 */ 1",
		"SELECT /*+ shard:nokey */ 1",
		"SELECT /*+ shard:=42 */ 1",
		"SELECT /*+ strong 1",
	} {
		_, _, err := ParseHints(sql)
		assert.Equal(t, types.CodeInvalidQuery, types.CodeOf(err), "sql: %s", sql)
	}
}

func TestValidateSQL(t *testing.T) {
	ok := []string{
		"SELECT * FROM users WHERE id = ?",
		"INSERT INTO users (id, name) VALUES (?, ?)",
		"UPDATE users SET name = ? WHERE id = ?;",
		"DELETE FROM users WHERE name = 'semi;colon'",
		"CREATE TABLE t (id INTEGER PRIMARY KEY)",
	}
	for _, sql := range ok {
		assert.NoError(t, ValidateSQL(sql), "sql: %s", sql)
	}

	bad := []struct {
		sql  string
		why  string
	}{
		{"hi", "too short"},
		{"SELECT '" + strings.Repeat("x", maxSQLLen) + "'", "too long"},
		{"SELECT * FROM users WHERE name = 'unterminated", "unbalanced quote"},
		{"SELECT (1 + (2)", "unbalanced parens"},
		{"SELECT 1; DROP TABLE users", "stacked statements"},
		{"EXPLAIN QUERY PLAN SELECT 1", "unknown verb"},
		{"SELECT * FROM users WHERE '' = '' OR 1=1", "injection signature"},
		{"SELECT * FROM users UNION SELECT NULL, NULL", "union probe"},
		{"SELECT sleep(10)", "time-based probe"},
	}
	for _, tc := range bad {
		err := ValidateSQL(tc.sql)
		assert.Equal(t, types.CodeInvalidQuery, types.CodeOf(err), tc.why)
	}
}
