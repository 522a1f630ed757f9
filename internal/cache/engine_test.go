package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardsql/internal/types"
)

// fakeClock lets tests walk entries through their freshness windows.
type fakeClock struct {
	ms atomic.Int64
}

func (c *fakeClock) now() time.Time       { return time.UnixMilli(c.ms.Load()) }
func (c *fakeClock) advance(d time.Duration) { c.ms.Add(d.Milliseconds()) }

func newTestEngine(t *testing.T) (*Engine, *Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{}
	clock.ms.Store(1_000_000)
	store := NewStore()
	store.clock = clock.now
	e := NewEngine(store, nil)
	e.clock = clock.now
	return e, store, clock
}

func countingExec(calls *atomic.Int64, rows []types.Row) Executor {
	return func(ctx context.Context) (*types.QueryResult, error) {
		calls.Add(1)
		return &types.QueryResult{
			Rows:     rows,
			Metadata: types.QueryMetadata{ShardID: "shard-000"},
		}, nil
	}
}

func req(mode types.ConsistencyMode) ReadRequest {
	return ReadRequest{
		TenantID: "t1",
		Table:    "users",
		SQL:      "SELECT * FROM users WHERE tenant_id = ?",
		Params:   []any{"t1"},
		Mode:     mode,
		TTL:      time.Second,
		SWR:      5 * time.Second,
	}
}

func TestStrongAlwaysBypasses(t *testing.T) {
	e, store, _ := newTestEngine(t)
	var calls atomic.Int64
	exec := countingExec(&calls, []types.Row{{"id": int64(1)}})

	for i := 0; i < 3; i++ {
		res, err := e.Read(context.Background(), req(types.ModeStrong), exec)
		require.NoError(t, err)
		assert.Equal(t, "bypass", res.Metadata.CacheStatus)
	}
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, 0, store.Len())
}

func TestBoundedServesFreshThenRefetches(t *testing.T) {
	e, _, clock := newTestEngine(t)
	var calls atomic.Int64
	exec := countingExec(&calls, []types.Row{{"id": int64(1)}})
	ctx := context.Background()

	res, err := e.Read(ctx, req(types.ModeBounded), exec)
	require.NoError(t, err)
	assert.Equal(t, "miss", res.Metadata.CacheStatus)

	res, err = e.Read(ctx, req(types.ModeBounded), exec)
	require.NoError(t, err)
	assert.Equal(t, "hit", res.Metadata.CacheStatus)
	assert.Equal(t, "shard-000", res.Metadata.ShardID)
	assert.Equal(t, int64(1), calls.Load())

	// Past the TTL the bounded mode refetches synchronously; a stale
	// entry is never served.
	clock.advance(2 * time.Second)
	res, err = e.Read(ctx, req(types.ModeBounded), exec)
	require.NoError(t, err)
	assert.Equal(t, "miss", res.Metadata.CacheStatus)
	assert.Equal(t, int64(2), calls.Load())
}

func TestSWRServesStaleAndRevalidates(t *testing.T) {
	e, store, clock := newTestEngine(t)
	var calls atomic.Int64
	exec := countingExec(&calls, []types.Row{{"id": int64(1)}})
	ctx := context.Background()

	_, err := e.Read(ctx, req(types.ModeCached), exec)
	require.NoError(t, err)

	clock.advance(2 * time.Second) // past TTL, inside SWR
	res, err := e.Read(ctx, req(types.ModeCached), exec)
	require.NoError(t, err)
	assert.Equal(t, "stale", res.Metadata.CacheStatus)

	// The background revalidation lands and freshens the entry.
	key := QueryKey("t1", "users", req(types.ModeCached).SQL, []any{"t1"}, e.hasher)
	require.Eventually(t, func() bool {
		entry, st := store.Get(key)
		return st == stateFresh && entry.Version > 1_000_000
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2), calls.Load())

	// Past SWR the entry is gone and the read is a synchronous miss.
	clock.advance(10 * time.Second)
	res, err = e.Read(ctx, req(types.ModeCached), exec)
	require.NoError(t, err)
	assert.Equal(t, "miss", res.Metadata.CacheStatus)
}

func TestExecutorErrorPropagates(t *testing.T) {
	e, _, _ := newTestEngine(t)
	boom := types.NewError(types.CodeRetryable, "database is locked")
	exec := func(ctx context.Context) (*types.QueryResult, error) { return nil, boom }

	_, err := e.Read(context.Background(), req(types.ModeBounded), exec)
	assert.Equal(t, types.CodeRetryable, types.CodeOf(err))
}

func TestPrefixInvalidationScopedToTenantAndTable(t *testing.T) {
	e, store, _ := newTestEngine(t)
	var calls atomic.Int64
	exec := countingExec(&calls, nil)
	ctx := context.Background()

	for _, r := range []ReadRequest{
		{TenantID: "t1", Table: "users", SQL: "SELECT 1", Mode: types.ModeBounded, TTL: time.Minute, SWR: time.Minute},
		{TenantID: "t1", Table: "orders", SQL: "SELECT 2", Mode: types.ModeBounded, TTL: time.Minute, SWR: time.Minute},
		{TenantID: "t2", Table: "users", SQL: "SELECT 3", Mode: types.ModeBounded, TTL: time.Minute, SWR: time.Minute},
	} {
		_, err := e.Read(ctx, r, exec)
		require.NoError(t, err)
	}
	require.Equal(t, 3, store.Len())

	// Invalidate t1's users queries only.
	n := store.DeleteByPrefix(TablePrefix("t1", "users"))
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, store.Len())

	// A tenant-wide wipe takes the remaining t1 entry.
	n = store.DeleteByPrefix("t1:q:")
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, store.Len())
}

func TestMarkProcessedDedupes(t *testing.T) {
	_, store, clock := newTestEngine(t)

	assert.True(t, store.MarkProcessed("msg-1", time.Minute))
	assert.False(t, store.MarkProcessed("msg-1", time.Minute))
	assert.True(t, store.MarkProcessed("msg-2", time.Minute))

	// Markers expire with their TTL and the id becomes claimable again.
	clock.advance(2 * time.Minute)
	assert.True(t, store.MarkProcessed("msg-1", time.Minute))
}

func TestSweepRemovesExpiredOnly(t *testing.T) {
	_, store, clock := newTestEngine(t)
	now := clock.now().UnixMilli()
	store.Set("a", &Entry{FreshUntil: now + 1000, SWRUntil: now + 1000})
	store.Set("b", &Entry{FreshUntil: now + 60_000, SWRUntil: now + 120_000})

	clock.advance(5 * time.Second)
	assert.Equal(t, 1, store.Sweep())
	assert.Equal(t, 1, store.Len())
}

func TestSetClampsSWRWindow(t *testing.T) {
	_, store, _ := newTestEngine(t)
	store.Set("k", &Entry{FreshUntil: 2000, SWRUntil: 1000})
	entry, st := store.Get("k")
	require.NotEqual(t, stateMissing, st)
	assert.Equal(t, int64(2000), entry.SWRUntil)
}

func TestWarmAndBulkDelete(t *testing.T) {
	e, store, _ := newTestEngine(t)

	e.Warm([]WarmEntry{
		{Key: "t1:q:users:aaaa", Rows: []types.Row{{"id": int64(1)}}, ShardID: "shard-000", TTL: time.Minute, SWR: 5 * time.Minute},
		{Key: "t1:q:users:bbbb", Rows: nil, ShardID: "shard-000", TTL: time.Minute},
		{Key: "t1:q:orders:cccc", Rows: nil, ShardID: "shard-001", TTL: time.Minute, SWR: 5 * time.Minute},
	})
	require.Equal(t, 3, store.Len())

	entry, st := store.Get("t1:q:users:aaaa")
	require.Equal(t, stateFresh, st)
	assert.Equal(t, "shard-000", entry.ShardID)

	// SWR defaults to the TTL when the entry gives none.
	entry, _ = store.Get("t1:q:users:bbbb")
	assert.Equal(t, entry.FreshUntil, entry.SWRUntil)

	assert.Equal(t, 2, store.DeleteMany([]string{"t1:q:users:aaaa", "t1:q:users:bbbb", "absent"}))
	assert.Equal(t, 1, store.DeleteByPattern("t1:q:orders:*"))
	assert.Equal(t, 0, store.Len())
}

func TestQueryKeyStability(t *testing.T) {
	h := SHA256Hasher{}
	a := QueryKey("t1", "users", "SELECT * FROM users WHERE id = ?", []any{int64(7)}, h)
	b := QueryKey("t1", "users", "SELECT * FROM users WHERE id = ?", []any{int64(7)}, h)
	c := QueryKey("t1", "users", "SELECT * FROM users WHERE id = ?", []any{int64(8)}, h)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Contains(t, a, "t1:q:users:")

	// Hashers produce different keyspaces; the engine pins one for life.
	m := Murmur3Hasher{}
	assert.NotEqual(t, a, QueryKey("t1", "users", "SELECT * FROM users WHERE id = ?", []any{int64(7)}, m))
}
