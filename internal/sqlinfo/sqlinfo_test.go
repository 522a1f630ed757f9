package sqlinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := map[string]Kind{
		"SELECT * FROM users":                 KindSelect,
		"  select 1":                          KindSelect,
		"WITH x AS (SELECT 1) SELECT * FROM x": KindSelect,
		"INSERT INTO t (a) VALUES (?)":        KindInsert,
		"UPDATE t SET a = ?":                  KindUpdate,
		"DELETE FROM t WHERE id = ?":          KindDelete,
		"CREATE TABLE t (id INTEGER)":         KindDDL,
		"DROP TABLE t":                        KindDDL,
		"ALTER TABLE t ADD COLUMN x TEXT":     KindDDL,
		"EXPLAIN SELECT 1":                    KindUnknown,
	}
	for sql, want := range cases {
		assert.Equal(t, want, Classify(sql), sql)
	}
}

func TestTable(t *testing.T) {
	cases := map[string]string{
		"SELECT name FROM users WHERE id = ?":        "users",
		"SELECT * FROM `orders` o JOIN items i":      "orders",
		"UPDATE accounts SET balance = ?":            "accounts",
		"DELETE FROM sessions WHERE id = ?":          "sessions",
		"INSERT INTO events (a) VALUES (?)":          "events",
		"CREATE TABLE IF NOT EXISTS logs (id INT)":   "logs",
		"DROP TABLE old_data":                        "old_data",
	}
	for sql, want := range cases {
		assert.Equal(t, want, Table(sql), sql)
	}
}

func TestBalanced(t *testing.T) {
	assert.True(t, Balanced("SELECT * FROM t WHERE name = 'O''Brien'"))
	assert.True(t, Balanced("SELECT (1 + (2 * 3))"))
	assert.False(t, Balanced("SELECT 'unterminated"))
	assert.False(t, Balanced("SELECT (1"))
	assert.False(t, Balanced("SELECT 1)"))
}

func TestCountPlaceholders(t *testing.T) {
	assert.Equal(t, 2, CountPlaceholders("SELECT * FROM t WHERE a = ? AND b = ?"))
	assert.Equal(t, 1, CountPlaceholders("SELECT '?' FROM t WHERE a = ?"))
	assert.Equal(t, 0, CountPlaceholders("SELECT 1"))
}

func TestRewriteNamedParams(t *testing.T) {
	out, err := RewriteNamedParams("SELECT * FROM t WHERE a = :a AND b = :b_2")
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM t WHERE a = ? AND b = ?", out)

	// Literals are untouched.
	out, err = RewriteNamedParams("SELECT ':nope' FROM t WHERE a = :a")
	require.NoError(t, err)
	assert.Equal(t, "SELECT ':nope' FROM t WHERE a = ?", out)

	// Mixing styles is rejected.
	_, err = RewriteNamedParams("SELECT * FROM t WHERE a = ? AND b = :b")
	assert.Error(t, err)

	// Pure positional passes through.
	out, err = RewriteNamedParams("SELECT * FROM t WHERE a = ?")
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM t WHERE a = ?", out)
}

func TestScopeSelectWithWhere(t *testing.T) {
	sql, params, err := ScopeToTenant(
		"SELECT name FROM users WHERE id = ?", []any{1}, "t1", "tenant_id")
	require.NoError(t, err)
	assert.Equal(t, "SELECT name FROM users WHERE (id = ?) AND tenant_id = ?", sql)
	assert.Equal(t, []any{1, "t1"}, params)
}

func TestScopeSelectWithoutWhere(t *testing.T) {
	sql, params, err := ScopeToTenant(
		"SELECT name FROM users", nil, "t1", "tenant_id")
	require.NoError(t, err)
	assert.Equal(t, "SELECT name FROM users WHERE tenant_id = ?", sql)
	assert.Equal(t, []any{"t1"}, params)
}

func TestScopeSelectWithOrderLimit(t *testing.T) {
	sql, params, err := ScopeToTenant(
		"SELECT name FROM users WHERE age > ? ORDER BY name LIMIT ?", []any{21, 10}, "t1", "tenant_id")
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT name FROM users WHERE (age > ?) AND tenant_id = ? ORDER BY name LIMIT ?", sql)
	assert.Equal(t, []any{21, "t1", 10}, params)
}

func TestScopeSelectNoWhereWithLimit(t *testing.T) {
	sql, params, err := ScopeToTenant(
		"SELECT name FROM users LIMIT ?", []any{5}, "t1", "tenant_id")
	require.NoError(t, err)
	assert.Equal(t, "SELECT name FROM users WHERE tenant_id = ? LIMIT ?", sql)
	assert.Equal(t, []any{"t1", 5}, params)
}

func TestScopeWhereInSubqueryIgnored(t *testing.T) {
	// The WHERE inside the subquery is parenthesized; only the outer
	// statement gains the predicate.
	sql, params, err := ScopeToTenant(
		"SELECT name FROM users WHERE id IN (SELECT uid FROM grants WHERE lvl = ?)",
		[]any{3}, "t1", "tenant_id")
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT name FROM users WHERE (id IN (SELECT uid FROM grants WHERE lvl = ?)) AND tenant_id = ?", sql)
	assert.Equal(t, []any{3, "t1"}, params)
}

func TestScopeUpdateAndDelete(t *testing.T) {
	sql, params, err := ScopeToTenant(
		"UPDATE accounts SET balance = balance - ? WHERE id = ?", []any{100, 1}, "t1", "tenant_id")
	require.NoError(t, err)
	assert.Equal(t, "UPDATE accounts SET balance = balance - ? WHERE (id = ?) AND tenant_id = ?", sql)
	assert.Equal(t, []any{100, 1, "t1"}, params)

	sql, params, err = ScopeToTenant("DELETE FROM sessions", nil, "t1", "tenant_id")
	require.NoError(t, err)
	assert.Equal(t, "DELETE FROM sessions WHERE tenant_id = ?", sql)
	assert.Equal(t, []any{"t1"}, params)
}

func TestScopeInsertAddsTenantColumn(t *testing.T) {
	sql, params, err := ScopeToTenant(
		"INSERT INTO users (id, name) VALUES (?, ?)", []any{1, "Ada"}, "t1", "tenant_id")
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO users (id, name, tenant_id) VALUES (?, ?, ?)", sql)
	assert.Equal(t, []any{1, "Ada", "t1"}, params)
}

func TestScopeInsertMultiRow(t *testing.T) {
	sql, params, err := ScopeToTenant(
		"INSERT INTO users (id, name) VALUES (?, ?), (?, ?)",
		[]any{1, "Ada", 2, "Grace"}, "t1", "tenant_id")
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO users (id, name, tenant_id) VALUES (?, ?, ?), (?, ?, ?)", sql)
	assert.Equal(t, []any{1, "Ada", "t1", 2, "Grace", "t1"}, params)
}

func TestScopeInsertPinsExistingTenantColumn(t *testing.T) {
	sql, params, err := ScopeToTenant(
		"INSERT INTO users (id, tenant_id, name) VALUES (?, ?, ?)",
		[]any{1, "evil-tenant", "Ada"}, "t1", "tenant_id")
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO users (id, tenant_id, name) VALUES (?, ?, ?)", sql)
	assert.Equal(t, []any{1, "t1", "Ada"}, params, "spoofed tenant value is pinned to the caller's")
}

func TestScopeInsertLiteralTenantRejected(t *testing.T) {
	_, _, err := ScopeToTenant(
		"INSERT INTO users (id, tenant_id) VALUES (?, 'other')", []any{1}, "t1", "tenant_id")
	assert.Error(t, err)
}

func TestScopeInsertWithoutColumnListRejected(t *testing.T) {
	_, _, err := ScopeToTenant(
		"INSERT INTO users VALUES (?, ?)", []any{1, "Ada"}, "t1", "tenant_id")
	assert.Error(t, err)
}

func TestScopeDDLUntouched(t *testing.T) {
	sql, params, err := ScopeToTenant(
		"CREATE TABLE t (id INTEGER PRIMARY KEY)", nil, "t1", "tenant_id")
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE t (id INTEGER PRIMARY KEY)", sql)
	assert.Nil(t, params)
}
