package split

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"shardsql/internal/logging"
	"shardsql/internal/meta"
	"shardsql/internal/policy"
	"shardsql/internal/routing"
	"shardsql/internal/types"
)

const planKeyPrefix = "split:plan:"

// Engine is the slice of the shard engine the orchestrator drives.
// *shard.Engine satisfies it.
type Engine interface {
	Export(ctx context.Context, table, tenantID, cursor string, limit int, tenantColumn string) ([]types.Row, string, error)
	Import(ctx context.Context, table string, rows []types.Row, mode string) (int64, error)
	Events(ctx context.Context, since time.Time, afterID int64, limit int) ([]types.Event, error)
	Mutation(ctx context.Context, tenantID, query string, params []any, transactionID string) (*types.QueryResult, error)
	DDL(ctx context.Context, tenantID, query string, params []any) (*types.QueryResult, error)
}

// Engines opens shard engines by id; *shard.Manager satisfies it.
type Engines interface {
	Get(shardID string) (Engine, error)
}

// TablePolicies is the slice of the policy store snapshotted into plans.
type TablePolicies interface {
	GetTablePolicies() (map[string]*policy.TablePolicy, error)
}

// Config tunes orchestration.
type Config struct {
	BackfillPageSize int
	TailBatchSize    int
	GraceWindow      time.Duration
	// TenantColumn is the column carrying the tenant id in user tables
	// when a table policy does not name a shardBy column.
	TenantColumn string
}

func (c *Config) applyDefaults() {
	if c.BackfillPageSize < 1 {
		c.BackfillPageSize = 200
	}
	if c.TailBatchSize < 1 {
		c.TailBatchSize = 750
	}
	if c.TenantColumn == "" {
		c.TenantColumn = "tenant_id"
	}
}

// Orchestrator owns every split plan in the process. Plans are persisted
// in the meta store on every transition and page, and rehydrated at boot
// so a restart resumes where it stopped.
type Orchestrator struct {
	meta     *meta.Store
	routing  *routing.Store
	policies TablePolicies
	engines  Engines
	cfg      Config

	// resolve maps a tenant to its current shard; wired to the router.
	resolve func(tenantID string) (string, error)

	mu    sync.Mutex
	plans map[string]*Plan

	onRowsCopied     func(planID string, n int64)
	onEventsReplayed func(planID string, n int64)
}

// NewOrchestrator loads persisted plans and returns the orchestrator.
func NewOrchestrator(m *meta.Store, rt *routing.Store, policies TablePolicies, engines Engines, cfg Config) (*Orchestrator, error) {
	cfg.applyDefaults()
	o := &Orchestrator{
		meta:     m,
		routing:  rt,
		policies: policies,
		engines:  engines,
		cfg:      cfg,
		plans:    map[string]*Plan{},
	}
	entries, err := m.List(planKeyPrefix)
	if err != nil {
		return nil, err
	}
	for _, kv := range entries {
		var p Plan
		if err := json.Unmarshal(kv.Value, &p); err != nil {
			return nil, fmt.Errorf("corrupt split plan %s: %w", kv.Key, err)
		}
		o.plans[p.ID] = &p
		if p.Active() {
			logging.Split("rehydrated split plan %s (%s -> %s, phase=%s)",
				p.ID, p.SourceShard, p.TargetShard, p.Phase)
		}
	}
	return o, nil
}

// SetResolver wires the tenant-to-shard resolver used by plan validation.
func (o *Orchestrator) SetResolver(fn func(tenantID string) (string, error)) {
	o.resolve = fn
}

// SetObservers installs metrics hooks for backfill and tail progress.
func (o *Orchestrator) SetObservers(onRowsCopied, onEventsReplayed func(planID string, n int64)) {
	o.onRowsCopied = onRowsCopied
	o.onEventsReplayed = onEventsReplayed
}

// persistLocked writes the plan and bumps UpdatedAt. Callers hold o.mu.
func (o *Orchestrator) persistLocked(p *Plan) error {
	p.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return o.meta.Put(planKeyPrefix+p.ID, data)
}

// recordError persists an error message on the plan without advancing
// its phase. Background steps never drop errors silently.
func (o *Orchestrator) recordError(p *Plan, err error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	p.ErrorMessage = err.Error()
	if perr := o.persistLocked(p); perr != nil {
		logging.Split("plan %s: failed to persist error: %v", p.ID, perr)
	}
	return err
}

// PlanSplit validates and records a new plan in phase planning.
func (o *Orchestrator) PlanSplit(source, target string, tenantIDs []string, description string) (string, error) {
	if source == target {
		return "", types.NewError(types.CodeInvalidPolicy, "source and target shard must differ")
	}
	if len(tenantIDs) == 0 {
		return "", types.NewError(types.CodeInvalidPolicy, "split requires at least one tenant")
	}
	if o.resolve != nil {
		for _, t := range tenantIDs {
			shardID, err := o.resolve(t)
			if err != nil {
				return "", err
			}
			if shardID != source {
				return "", types.Errf(types.CodeInvalidPolicy,
					"tenant %q routes to %q, not source %q", t, shardID, source)
			}
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range o.plans {
		if !p.Active() {
			continue
		}
		for _, t := range tenantIDs {
			if p.HasTenant(t) {
				return "", types.Errf(types.CodeInvalidPolicy,
					"tenant %q already covered by active plan %s", t, p.ID)
			}
		}
	}

	snapshot, err := o.policies.GetTablePolicies()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	p := &Plan{
		ID:            uuid.NewString(),
		SourceShard:   source,
		TargetShard:   target,
		TenantIDs:     append([]string(nil), tenantIDs...),
		TablePolicies: snapshot,
		Description:   description,
		CreatedAt:     now,
		Phase:         types.PhasePlanning,
		RoutingVersionAtStart: o.routing.CurrentVersion(),
		Backfill: BackfillState{
			Status:      BackfillPending,
			TableCursor: map[string]string{},
			Done:        map[string]bool{},
		},
		Tail: TailState{Status: TailPending},
	}
	sort.Strings(p.TenantIDs)
	if err := o.persistLocked(p); err != nil {
		return "", err
	}
	o.plans[p.ID] = p
	logging.Split("planned split %s: tenants %s from %s to %s (routing v%d)",
		p.ID, strings.Join(p.TenantIDs, ","), source, target, p.RoutingVersionAtStart)
	return p.ID, nil
}

// StartDualWrite moves a plan from planning into dual_write; the router
// begins mirroring writes immediately.
func (o *Orchestrator) StartDualWrite(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, err := o.getLocked(id)
	if err != nil {
		return err
	}
	if p.Phase != types.PhasePlanning {
		return types.Errf(types.CodeInvalidPhase,
			"startDualWrite requires phase planning, plan %s is %s", id, p.Phase)
	}
	now := time.Now().UTC()
	p.Phase = types.PhaseDualWrite
	p.DualWriteStartedAt = &now
	p.ErrorMessage = ""
	if err := o.persistLocked(p); err != nil {
		return err
	}
	logging.Split("plan %s: dual-write started", id)
	return nil
}

// Cutover atomically reassigns the plan's tenants to the target shard in
// the routing policy. Requires a caught-up tail.
func (o *Orchestrator) Cutover(id string) error {
	o.mu.Lock()
	p, err := o.getLocked(id)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	if p.Phase != types.PhaseCutoverPending || p.Tail.Status != TailCaughtUp {
		o.mu.Unlock()
		return types.Errf(types.CodeInvalidPhase,
			"cutover requires cutover_pending with a caught-up tail, plan %s is %s/%s",
			id, p.Phase, p.Tail.Status)
	}
	o.mu.Unlock()

	current, err := o.routing.Current()
	if err != nil {
		return o.recordError(p, err)
	}
	next := current.Clone()
	for _, t := range p.TenantIDs {
		next.Tenants[t] = p.TargetShard
	}
	version, err := o.routing.Update(next, fmt.Sprintf("split %s cutover", p.ID))
	if err != nil {
		return o.recordError(p, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	now := time.Now().UTC()
	p.RoutingVersionCutover = version
	p.CompletedAt = &now
	p.Phase = types.PhaseCompleted
	p.ErrorMessage = ""
	if err := o.persistLocked(p); err != nil {
		return err
	}
	logging.Split("plan %s: cutover complete at routing v%d; source %s read-only for %s",
		p.ID, version, p.SourceShard, o.cfg.GraceWindow)
	return nil
}

// Rollback restores the routing version captured at planning time and
// terminates the plan. Legal from any non-terminal phase.
func (o *Orchestrator) Rollback(id string) error {
	o.mu.Lock()
	p, err := o.getLocked(id)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	if p.Phase.Terminal() {
		o.mu.Unlock()
		return types.Errf(types.CodeInvalidPhase, "plan %s is already %s", id, p.Phase)
	}
	o.mu.Unlock()

	if o.routing.CurrentVersion() != p.RoutingVersionAtStart {
		if err := o.routing.RollbackTo(p.RoutingVersionAtStart); err != nil {
			return o.recordError(p, err)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	p.Phase = types.PhaseRolledBack
	p.Backfill = BackfillState{
		Status:      BackfillPending,
		TableCursor: map[string]string{},
		Done:        map[string]bool{},
	}
	p.Tail = TailState{Status: TailPending}
	if err := o.persistLocked(p); err != nil {
		return err
	}
	logging.Split("plan %s: rolled back to routing v%d", id, p.RoutingVersionAtStart)
	return nil
}

// DecommissionSource drops the source shard of a completed plan once the
// post-cutover grace window has elapsed.
func (o *Orchestrator) DecommissionSource(ctx context.Context, id string, drop func(ctx context.Context, shardID string) error) error {
	o.mu.Lock()
	p, err := o.getLocked(id)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	if p.Phase != types.PhaseCompleted || p.CompletedAt == nil {
		o.mu.Unlock()
		return types.Errf(types.CodeInvalidPhase, "plan %s is not completed", id)
	}
	ready := p.CompletedAt.Add(o.cfg.GraceWindow)
	source := p.SourceShard
	o.mu.Unlock()

	if time.Now().Before(ready) {
		return types.Errf(types.CodeInvalidPhase,
			"grace window for plan %s ends at %s", id, ready.Format(time.RFC3339))
	}
	return drop(ctx, source)
}

// Get returns a plan by id.
func (o *Orchestrator) Get(id string) (*Plan, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.getLocked(id)
}

func (o *Orchestrator) getLocked(id string) (*Plan, error) {
	p, ok := o.plans[id]
	if !ok {
		return nil, types.Errf(types.CodeSplitNotFound, "split plan %s not found", id)
	}
	return p, nil
}

// List returns every plan, newest first.
func (o *Orchestrator) List() []*Plan {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Plan, 0, len(o.plans))
	for _, p := range o.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Metrics reports one plan's progress.
func (o *Orchestrator) Metrics(id string) (*Metrics, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, err := o.getLocked(id)
	if err != nil {
		return nil, err
	}
	return p.metrics(), nil
}

// RoutingFor implements the router's SplitView: the derived routing view
// for a tenant with an active plan.
func (o *Orchestrator) RoutingFor(tenantID string) (types.SplitRouting, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range o.plans {
		if p.Active() && p.HasTenant(tenantID) {
			return types.SplitRouting{
				Active:      true,
				SourceShard: p.SourceShard,
				TargetShard: p.TargetShard,
				Phase:       p.Phase,
			}, true
		}
	}
	return types.SplitRouting{}, false
}

// ActiveTargets implements the routing store's SplitTargets: target
// shards of active plans are legal policy destinations before cutover.
func (o *Orchestrator) ActiveTargets() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	set := map[string]struct{}{}
	for _, p := range o.plans {
		if p.Active() {
			set[p.TargetShard] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
