package split

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardsql/internal/meta"
	"shardsql/internal/policy"
	"shardsql/internal/routing"
	"shardsql/internal/shard"
	"shardsql/internal/types"
)

type managerEngines struct {
	m *shard.Manager
}

func (e managerEngines) Get(shardID string) (Engine, error) {
	return e.m.Get(shardID)
}

type splitEnv struct {
	orch     *Orchestrator
	shards   *shard.Manager
	routing  *routing.Store
	policies *policy.Store
	meta     *meta.Store
}

func newSplitEnv(t *testing.T) *splitEnv {
	t.Helper()
	dir := t.TempDir()

	m, err := meta.Open(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	shards := shard.NewManager(shard.Config{DataDir: dir, MaxBytes: 10 << 30}, nil)
	t.Cleanup(func() { shards.Close() })

	rt, err := routing.NewStore(m)
	require.NoError(t, err)
	rt.SetShardLister(shards)
	require.NoError(t, rt.Bootstrap([]string{"shard-000", "shard-001"}))

	policies := policy.NewStore(m, time.Minute, 5*time.Minute)
	require.NoError(t, policies.UpdateTablePolicy("users",
		[]byte("pk: id\ncache:\n  mode: bounded\n  ttlMs: 1000\n  swrMs: 5000\n")))

	orch, err := NewOrchestrator(m, rt, policies, managerEngines{shards}, Config{
		BackfillPageSize: 2,
		TailBatchSize:    10,
	})
	require.NoError(t, err)
	orch.SetResolver(func(tenantID string) (string, error) { return "shard-000", nil })
	rt.SetSplitTargets(orch)

	env := &splitEnv{orch: orch, shards: shards, routing: rt, policies: policies, meta: m}
	// IF NOT EXISTS keeps the DDL a no-op if the tail's grace window
	// reaches back far enough to replay it onto the target.
	env.exec(t, "shard-000", "CREATE TABLE IF NOT EXISTS users (id INTEGER PRIMARY KEY, tenant_id TEXT, name TEXT)")
	env.exec(t, "shard-001", "CREATE TABLE IF NOT EXISTS users (id INTEGER PRIMARY KEY, tenant_id TEXT, name TEXT)")
	return env
}

func (env *splitEnv) exec(t *testing.T, shardID, stmt string, params ...any) {
	t.Helper()
	e, err := env.shards.Get(shardID)
	require.NoError(t, err)
	ctx := context.Background()
	if len(stmt) > 6 && stmt[:6] == "CREATE" {
		_, err = e.DDL(ctx, "t1", stmt, params)
	} else {
		_, err = e.Mutation(ctx, "t1", stmt, params, "")
	}
	require.NoError(t, err)
}

func (env *splitEnv) count(t *testing.T, shardID, tenantID string) int64 {
	t.Helper()
	e, err := env.shards.Get(shardID)
	require.NoError(t, err)
	out, err := e.Query(context.Background(), tenantID,
		"SELECT COUNT(*) AS n FROM users WHERE tenant_id = ?", []any{tenantID})
	require.NoError(t, err)
	return out.Rows[0]["n"].(int64)
}

func (env *splitEnv) seed(t *testing.T, id int, tenantID string) {
	env.exec(t, "shard-000", "INSERT INTO users (id, tenant_id, name) VALUES (?, ?, ?)",
		id, tenantID, "user")
}

func TestPlanSplitValidation(t *testing.T) {
	env := newSplitEnv(t)

	_, err := env.orch.PlanSplit("shard-000", "shard-000", []string{"t1"}, "")
	assert.Equal(t, types.CodeInvalidPolicy, types.CodeOf(err))

	_, err = env.orch.PlanSplit("shard-000", "shard-001", nil, "")
	assert.Equal(t, types.CodeInvalidPolicy, types.CodeOf(err))

	// The resolver pins every tenant to shard-000; a plan sourced
	// elsewhere is rejected.
	_, err = env.orch.PlanSplit("shard-001", "shard-000", []string{"t1"}, "")
	assert.Equal(t, types.CodeInvalidPolicy, types.CodeOf(err))

	id, err := env.orch.PlanSplit("shard-000", "shard-001", []string{"t1"}, "move t1")
	require.NoError(t, err)

	// A tenant under an active plan cannot join a second one.
	_, err = env.orch.PlanSplit("shard-000", "shard-001", []string{"t1", "t9"}, "")
	assert.Equal(t, types.CodeInvalidPolicy, types.CodeOf(err))

	plan, err := env.orch.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.PhasePlanning, plan.Phase)
	assert.Equal(t, []string{"shard-001"}, env.orch.ActiveTargets())
}

func TestSplitLifecycle(t *testing.T) {
	env := newSplitEnv(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		env.seed(t, i, "t1")
	}
	env.seed(t, 6, "t2") // not part of the plan; must stay behind

	id, err := env.orch.PlanSplit("shard-000", "shard-001", []string{"t1"}, "move t1")
	require.NoError(t, err)

	// Phase gates: backfill and tail refuse to run before dual-write.
	require.Error(t, env.orch.RunBackfill(ctx, id))
	_, err = env.orch.ReplayTail(ctx, id)
	require.Error(t, err)

	require.NoError(t, env.orch.StartDualWrite(id))
	err = env.orch.StartDualWrite(id)
	assert.Equal(t, types.CodeInvalidPhase, types.CodeOf(err))

	// A write that missed the target during dual-write; tail replay must
	// deliver it.
	env.exec(t, "shard-000", "INSERT INTO users (id, tenant_id, name) VALUES (?, ?, ?)", 7, "t1", "late")

	require.NoError(t, env.orch.RunBackfill(ctx, id))
	plan, err := env.orch.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseTailing, plan.Phase)
	assert.Equal(t, BackfillCompleted, plan.Backfill.Status)
	assert.Equal(t, int64(6), plan.Backfill.TotalRowsCopied) // 5 seeded + 1 late, t2 excluded
	assert.Equal(t, int64(6), env.count(t, "shard-001", "t1"))
	assert.Equal(t, int64(0), env.count(t, "shard-001", "t2"))

	// Cutover is refused until the tail is caught up.
	err = env.orch.Cutover(id)
	assert.Equal(t, types.CodeInvalidPhase, types.CodeOf(err))

	caughtUp, err := env.orch.ReplayTail(ctx, id)
	require.NoError(t, err)
	assert.True(t, caughtUp)
	plan, _ = env.orch.Get(id)
	assert.Equal(t, types.PhaseCutoverPending, plan.Phase)
	assert.Equal(t, TailCaughtUp, plan.Tail.Status)

	// Replayed inserts collide with dual-written rows by primary key and
	// converge instead of duplicating.
	assert.Equal(t, int64(6), env.count(t, "shard-001", "t1"))

	require.NoError(t, env.orch.Cutover(id))
	plan, _ = env.orch.Get(id)
	assert.Equal(t, types.PhaseCompleted, plan.Phase)
	require.NotNil(t, plan.CompletedAt)

	current, err := env.routing.Current()
	require.NoError(t, err)
	assert.Equal(t, "shard-001", current.Tenants["t1"])
	assert.Equal(t, current.Version, plan.RoutingVersionCutover)

	// Completed plans no longer influence routing.
	_, active := env.orch.RoutingFor("t1")
	assert.False(t, active)
	assert.Empty(t, env.orch.ActiveTargets())

	// Decommission honors the grace window (zero here), dropping the
	// source through the injected hook.
	dropped := ""
	require.NoError(t, env.orch.DecommissionSource(ctx, id, func(ctx context.Context, shardID string) error {
		dropped = shardID
		return nil
	}))
	assert.Equal(t, "shard-000", dropped)
}

func TestBackfillSkipsFinishedPairs(t *testing.T) {
	env := newSplitEnv(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		env.seed(t, i, "t1")
	}

	id, err := env.orch.PlanSplit("shard-000", "shard-001", []string{"t1"}, "")
	require.NoError(t, err)
	require.NoError(t, env.orch.StartDualWrite(id))

	// Simulate a prior run that already finished this pair; re-running
	// must not copy or count anything twice.
	plan, err := env.orch.Get(id)
	require.NoError(t, err)
	plan.Backfill.Done["t1:users"] = true

	require.NoError(t, env.orch.RunBackfill(ctx, id))
	plan, _ = env.orch.Get(id)
	assert.Equal(t, int64(0), plan.Backfill.TotalRowsCopied)
	assert.Equal(t, int64(0), env.count(t, "shard-001", "t1"))
}

func TestTailReplayIsMonotonic(t *testing.T) {
	env := newSplitEnv(t)
	ctx := context.Background()

	id, err := env.orch.PlanSplit("shard-000", "shard-001", []string{"t1"}, "")
	require.NoError(t, err)
	require.NoError(t, env.orch.StartDualWrite(id))
	require.NoError(t, env.orch.RunBackfill(ctx, id))

	env.seed(t, 1, "t1")
	caughtUp, err := env.orch.ReplayTail(ctx, id)
	require.NoError(t, err)
	require.True(t, caughtUp)
	plan, _ := env.orch.Get(id)
	first := plan.Tail.LastEventID
	require.Greater(t, first, int64(0))

	// Draining again with no new events advances nothing and stays
	// caught up; the cursor never moves backwards.
	caughtUp, err = env.orch.ReplayTail(ctx, id)
	require.NoError(t, err)
	assert.True(t, caughtUp)
	plan, _ = env.orch.Get(id)
	assert.Equal(t, first, plan.Tail.LastEventID)
	assert.Equal(t, int64(1), env.count(t, "shard-001", "t1"))
}

func TestRollbackRestoresRouting(t *testing.T) {
	env := newSplitEnv(t)

	id, err := env.orch.PlanSplit("shard-000", "shard-001", []string{"t1"}, "")
	require.NoError(t, err)
	startVersion := env.routing.CurrentVersion()
	require.NoError(t, env.orch.StartDualWrite(id))

	// An unrelated policy change lands mid-split.
	cur, err := env.routing.Current()
	require.NoError(t, err)
	next := cur.Clone()
	next.Tenants["t9"] = "shard-001"
	_, err = env.routing.Update(next, "unrelated pin")
	require.NoError(t, err)

	require.NoError(t, env.orch.Rollback(id))
	plan, _ := env.orch.Get(id)
	assert.Equal(t, types.PhaseRolledBack, plan.Phase)
	assert.Equal(t, startVersion, env.routing.CurrentVersion())

	// Terminal plans cannot be rolled back again.
	err = env.orch.Rollback(id)
	assert.Equal(t, types.CodeInvalidPhase, types.CodeOf(err))

	// The tenant is free for a fresh plan.
	_, err = env.orch.PlanSplit("shard-000", "shard-001", []string{"t1"}, "second try")
	require.NoError(t, err)
}

func TestPlansRehydrateAcrossRestart(t *testing.T) {
	env := newSplitEnv(t)
	ctx := context.Background()
	env.seed(t, 1, "t1")

	id, err := env.orch.PlanSplit("shard-000", "shard-001", []string{"t1"}, "survives restart")
	require.NoError(t, err)
	require.NoError(t, env.orch.StartDualWrite(id))

	reborn, err := NewOrchestrator(env.meta, env.routing, env.policies, managerEngines{env.shards}, Config{
		BackfillPageSize: 2,
		TailBatchSize:    10,
	})
	require.NoError(t, err)
	reborn.SetResolver(func(tenantID string) (string, error) { return "shard-000", nil })

	plan, err := reborn.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseDualWrite, plan.Phase)
	require.NotNil(t, plan.DualWriteStartedAt)

	// The rehydrated orchestrator picks up where the old one stopped.
	require.NoError(t, reborn.RunBackfill(ctx, id))
	assert.Equal(t, int64(1), env.count(t, "shard-001", "t1"))
}

func TestDecommissionRespectsGraceWindow(t *testing.T) {
	env := newSplitEnv(t)
	ctx := context.Background()

	id, err := env.orch.PlanSplit("shard-000", "shard-001", []string{"t1"}, "")
	require.NoError(t, err)
	require.NoError(t, env.orch.StartDualWrite(id))
	require.NoError(t, env.orch.RunBackfill(ctx, id))
	_, err = env.orch.ReplayTail(ctx, id)
	require.NoError(t, err)
	env.orch.cfg.GraceWindow = time.Hour
	require.NoError(t, env.orch.Cutover(id))

	err = env.orch.DecommissionSource(ctx, id, func(ctx context.Context, shardID string) error {
		t.Fatal("drop must not run inside the grace window")
		return nil
	})
	assert.Equal(t, types.CodeInvalidPhase, types.CodeOf(err))
}
