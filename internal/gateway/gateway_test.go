package gateway

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardsql/internal/bus"
	"shardsql/internal/cache"
	"shardsql/internal/config"
	"shardsql/internal/meta"
	"shardsql/internal/policy"
	"shardsql/internal/router"
	"shardsql/internal/routing"
	"shardsql/internal/shard"
	"shardsql/internal/types"
)

// newTestGateway stands up the full request path against real shard
// engines. Both test tenants are pinned to shard-000 so DDL, writes, and
// transactions deterministically meet on one shard.
func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.DataDir = dir
	cfg.JWTSecret = "test-secret"

	m, err := meta.Open(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	queue := bus.NewQueue(64, 3)
	shards := shard.NewManager(shard.Config{DataDir: dir, MaxBytes: 1 << 30}, queue)
	t.Cleanup(func() { shards.Close() })

	rtStore, err := routing.NewStore(m)
	require.NoError(t, err)
	rtStore.SetShardLister(shards)
	require.NoError(t, rtStore.Bootstrap([]string{"shard-000", "shard-001"}))
	cur, err := rtStore.Current()
	require.NoError(t, err)
	next := cur.Clone()
	next.Tenants["t1"] = "shard-000"
	next.Tenants["t2"] = "shard-000"
	_, err = rtStore.Update(next, "test pins")
	require.NoError(t, err)

	policies := policy.NewStore(m, cfg.DefaultCacheTTL, cfg.DefaultCacheSWR)
	policies.SetRoutingUpdater(rtStore)
	rt := router.New(rtStore, policies, nil)

	cacheEngine := cache.NewEngine(cache.NewStore(), nil)
	auth := NewJWTAuthenticator(cfg.JWTSecret)

	return New(cfg, auth, shards, rt, cacheEngine, policies, queue, Observers{})
}

func tenant(id string) *types.AuthContext {
	return &types.AuthContext{TenantID: id}
}

func TestExecuteRoundtrip(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	_, err := gw.Execute(ctx, tenant("t1"), SQLRequest{
		SQL: "CREATE TABLE users (id INTEGER PRIMARY KEY, tenant_id TEXT, name TEXT)",
	})
	require.NoError(t, err)

	res, err := gw.Execute(ctx, tenant("t1"), SQLRequest{
		SQL:    "INSERT INTO users (id, name) VALUES (?, ?)",
		Params: []any{1, "Ada"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowsAffected)

	// First bounded read misses and writes through, the second hits.
	res, err = gw.Execute(ctx, tenant("t1"), SQLRequest{SQL: "SELECT name FROM users WHERE id = ?", Params: []any{1}})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "Ada", res.Rows[0]["name"])
	assert.Equal(t, "miss", res.Metadata.CacheStatus)

	res, err = gw.Execute(ctx, tenant("t1"), SQLRequest{SQL: "SELECT name FROM users WHERE id = ?", Params: []any{1}})
	require.NoError(t, err)
	assert.Equal(t, "hit", res.Metadata.CacheStatus)

	// A strong hint bypasses the cache entirely.
	res, err = gw.Execute(ctx, tenant("t1"), SQLRequest{SQL: "SELECT /*+ strong */ name FROM users WHERE id = ?", Params: []any{1}})
	require.NoError(t, err)
	assert.Equal(t, "bypass", res.Metadata.CacheStatus)
}

func TestExecuteIsolatesTenants(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	_, err := gw.Execute(ctx, tenant("t1"), SQLRequest{
		SQL: "CREATE TABLE notes (id INTEGER PRIMARY KEY, tenant_id TEXT, body TEXT)",
	})
	require.NoError(t, err)
	_, err = gw.Execute(ctx, tenant("t1"), SQLRequest{
		SQL:    "INSERT INTO notes (id, body) VALUES (?, ?)",
		Params: []any{1, "private"},
	})
	require.NoError(t, err)

	// Another tenant on the same shard sees nothing, even with a spoofed
	// tenant value in the insert.
	res, err := gw.Execute(ctx, tenant("t2"), SQLRequest{SQL: "SELECT /*+ strong */ body FROM notes"})
	require.NoError(t, err)
	assert.Empty(t, res.Rows)

	_, err = gw.Execute(ctx, tenant("t2"), SQLRequest{
		SQL:    "INSERT INTO notes (id, tenant_id, body) VALUES (?, ?, ?)",
		Params: []any{2, "t1", "forged"},
	})
	require.NoError(t, err)
	res, err = gw.Execute(ctx, tenant("t1"), SQLRequest{SQL: "SELECT /*+ strong */ body FROM notes"})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "private", res.Rows[0]["body"])
}

func TestExecuteRejectsInvalidSQL(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	for _, sql := range []string{
		"SELECT 1; DROP TABLE users",
		"SELECT * FROM t WHERE '' = '' OR 1=1",
		"SELECT /*+ bogus */ 1",
	} {
		_, err := gw.Execute(ctx, tenant("t1"), SQLRequest{SQL: sql})
		assert.Equal(t, types.CodeInvalidQuery, types.CodeOf(err), sql)
	}
}

func TestTransactionFlow(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	_, err := gw.Execute(ctx, tenant("t1"), SQLRequest{
		SQL: "CREATE TABLE ledger (id INTEGER PRIMARY KEY, tenant_id TEXT, amount INTEGER)",
	})
	require.NoError(t, err)

	begin, err := gw.Txn(ctx, tenant("t1"), TxnRequest{Op: types.TxnBegin})
	require.NoError(t, err)
	require.NotEmpty(t, begin.SessionID)
	require.NotEmpty(t, begin.TransactionID)

	_, err = gw.Execute(ctx, tenant("t1"), SQLRequest{
		SQL:       "INSERT INTO ledger (id, amount) VALUES (?, ?)",
		Params:    []any{1, 100},
		SessionID: begin.SessionID,
	})
	require.NoError(t, err)

	// Queued writes are invisible outside the transaction.
	res, err := gw.Execute(ctx, tenant("t1"), SQLRequest{SQL: "SELECT /*+ strong */ amount FROM ledger"})
	require.NoError(t, err)
	assert.Empty(t, res.Rows)

	commit, err := gw.Txn(ctx, tenant("t1"), TxnRequest{Op: types.TxnCommit, SessionID: begin.SessionID})
	require.NoError(t, err)
	require.NotNil(t, commit.Result)
	assert.Equal(t, int64(1), commit.Result.RowsAffected)

	res, err = gw.Execute(ctx, tenant("t1"), SQLRequest{SQL: "SELECT /*+ strong */ amount FROM ledger"})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, int64(100), res.Rows[0]["amount"])

	// Committing the drained session again is a no-op.
	_, err = gw.Txn(ctx, tenant("t1"), TxnRequest{Op: types.TxnCommit, SessionID: begin.SessionID})
	assert.NoError(t, err)
}

func TestRollbackDiscardsQueuedWrites(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	_, err := gw.Execute(ctx, tenant("t1"), SQLRequest{
		SQL: "CREATE TABLE ledger (id INTEGER PRIMARY KEY, tenant_id TEXT, amount INTEGER)",
	})
	require.NoError(t, err)

	begin, err := gw.Txn(ctx, tenant("t1"), TxnRequest{Op: types.TxnBegin})
	require.NoError(t, err)
	_, err = gw.Execute(ctx, tenant("t1"), SQLRequest{
		SQL:       "INSERT INTO ledger (id, amount) VALUES (?, ?)",
		Params:    []any{1, 100},
		SessionID: begin.SessionID,
	})
	require.NoError(t, err)

	_, err = gw.Txn(ctx, tenant("t1"), TxnRequest{Op: types.TxnRollback, SessionID: begin.SessionID})
	require.NoError(t, err)

	res, err := gw.Execute(ctx, tenant("t1"), SQLRequest{SQL: "SELECT /*+ strong */ amount FROM ledger"})
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
}
