// Package router resolves every query to one authoritative shard using
// the routing policy, table policies, and any active split plan, and
// fans writes out to both shards of a tenant mid-split.
package router

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"shardsql/internal/logging"
	"shardsql/internal/policy"
	"shardsql/internal/routing"
	"shardsql/internal/types"
)

// Routing reasons surfaced in ShardTarget.
const (
	ReasonExplicitTenant = "explicit_tenant_assignment"
	ReasonShardKeyRange  = "shard_key_range"
	ReasonStableHash     = "stable_hash"
	ReasonSplitRead      = "split_read_redirect"
)

// ShardTarget is the routing decision for one query.
type ShardTarget struct {
	ShardID           string  `json:"shardId"`
	RoutingReason     string  `json:"routingReason"`
	LoadBalanceWeight float64 `json:"loadBalanceWeight"`
}

// WriteTargets is the set of shards a write must reach. Source is
// authoritative; Target is non-empty only while mirroring.
type WriteTargets struct {
	Source string
	Target string
}

// SplitView exposes active split plans per tenant. The orchestrator
// implements this; terminal plans are never reported.
type SplitView interface {
	RoutingFor(tenantID string) (types.SplitRouting, bool)
}

// TablePolicies is the slice of the policy store the router needs.
type TablePolicies interface {
	GetTablePolicy(table string) (*policy.TablePolicy, error)
}

// Router resolves queries to shards.
type Router struct {
	policies TablePolicies
	store    *routing.Store
	splits   SplitView
	fallback Strategy
	sampler  *Sampler
}

// New builds a router. splits may be nil until the orchestrator is
// attached; fallback defaults to TABLE_HASH per the resolution order.
func New(store *routing.Store, policies TablePolicies, sampler *Sampler) *Router {
	return &Router{
		store:    store,
		policies: policies,
		sampler:  sampler,
		fallback: TableHash{},
	}
}

// SetSplitView attaches the split orchestrator's routing view.
func (r *Router) SetSplitView(v SplitView) { r.splits = v }

// SetFallbackStrategy replaces the last-resort strategy.
func (r *Router) SetFallbackStrategy(s Strategy) {
	if s != nil {
		r.fallback = s
	}
}

// RouteQuery resolves the shard for a read. hintShardKey is the value of
// a shard hint or the bound shard-by column value, empty when absent.
// Resolution order: explicit tenant assignment, hash-range on the shard
// key, stable hash of tenant and table.
func (r *Router) RouteQuery(tenantID, table, hintShardKey string) (ShardTarget, error) {
	target, err := r.resolveBase(tenantID, table, hintShardKey)
	if err != nil {
		return ShardTarget{}, err
	}
	if r.splits != nil {
		if sr, ok := r.splits.RoutingFor(tenantID); ok && sr.Active {
			if read := resolveReadShard(sr, target.ShardID); read != target.ShardID {
				logging.RouterDebug("tenant %s read redirected %s -> %s (phase=%s)",
					tenantID, target.ShardID, read, sr.Phase)
				return ShardTarget{ShardID: read, RoutingReason: ReasonSplitRead, LoadBalanceWeight: 1}, nil
			}
		}
	}
	return target, nil
}

// RouteWrite resolves the shard set for a mutation, expanding to
// source+target while the tenant's split plan is mirroring writes.
func (r *Router) RouteWrite(tenantID, table, hintShardKey string) (WriteTargets, error) {
	target, err := r.resolveBase(tenantID, table, hintShardKey)
	if err != nil {
		return WriteTargets{}, err
	}
	if r.splits != nil {
		if sr, ok := r.splits.RoutingFor(tenantID); ok && sr.Active {
			return resolveWriteShards(sr, target.ShardID), nil
		}
	}
	return WriteTargets{Source: target.ShardID}, nil
}

func (r *Router) resolveBase(tenantID, table, hintShardKey string) (ShardTarget, error) {
	pol, err := r.store.Current()
	if err != nil {
		return ShardTarget{}, err
	}
	if shardID, ok := pol.Tenants[tenantID]; ok {
		return ShardTarget{ShardID: shardID, RoutingReason: ReasonExplicitTenant, LoadBalanceWeight: 1}, nil
	}
	shardKey := hintShardKey
	if shardKey != "" {
		if shardID, ok := pol.MatchRange(shardKey); ok {
			return ShardTarget{ShardID: shardID, RoutingReason: ReasonShardKeyRange, LoadBalanceWeight: 1}, nil
		}
	}
	// Stable hash of "<tenantId>:<table>": first through the range rules,
	// then through the fallback strategy over the policy's shard set.
	stable := tenantID + ":" + table
	if shardID, ok := pol.MatchRange(stable); ok {
		return ShardTarget{ShardID: shardID, RoutingReason: ReasonStableHash, LoadBalanceWeight: 1}, nil
	}
	shards := pol.ReferencedShards()
	sort.Strings(shards)
	shardID, err := r.fallback.Pick(tenantID, table, shards)
	if err != nil {
		return ShardTarget{}, err
	}
	return ShardTarget{ShardID: shardID, RoutingReason: ReasonStableHash, LoadBalanceWeight: 1}, nil
}

// resolveReadShard returns the shard reads should hit for a tenant whose
// split plan is in the given state.
func resolveReadShard(sr types.SplitRouting, primary string) string {
	switch sr.Phase {
	case types.PhaseCompleted, types.PhaseCutoverPending:
		return sr.TargetShard
	}
	if sr.SourceShard != "" {
		return sr.SourceShard
	}
	return primary
}

// resolveWriteShards returns the write fan-out for a tenant mid-split.
func resolveWriteShards(sr types.SplitRouting, primary string) WriteTargets {
	if sr.Phase == types.PhaseCompleted {
		return WriteTargets{Source: sr.TargetShard}
	}
	if sr.Phase.DualWriting() {
		src := sr.SourceShard
		if src == "" {
			src = primary
		}
		return WriteTargets{Source: src, Target: sr.TargetShard}
	}
	if sr.SourceShard != "" {
		return WriteTargets{Source: sr.SourceShard}
	}
	return WriteTargets{Source: primary}
}

// DualWrite issues fn against both shards in parallel. The source's
// result is authoritative and returned; a target failure fails the whole
// write so the plan can be reconciled rather than silently diverge.
func (r *Router) DualWrite(ctx context.Context, wt WriteTargets, fn func(ctx context.Context, shardID string) (*types.QueryResult, error)) (*types.QueryResult, error) {
	if wt.Target == "" {
		return fn(ctx, wt.Source)
	}
	var sourceRes *types.QueryResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := fn(gctx, wt.Source)
		if err != nil {
			return err
		}
		sourceRes = res
		return nil
	})
	g.Go(func() error {
		_, err := fn(gctx, wt.Target)
		if err != nil {
			logging.Router("dual-write to target %s failed: %v", wt.Target, err)
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sourceRes, nil
}

// FindOptimalShard picks the least-utilized healthy shard under 0.8
// utilization. Used for placement decisions, not per-query routing.
func (r *Router) FindOptimalShard() (string, error) {
	if r.sampler == nil {
		return "", types.NewError(types.CodeInternal, "no health sampler attached")
	}
	samples := r.sampler.Snapshot()
	ids := make([]string, 0, len(samples))
	for id := range samples {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	best := ""
	bestUtil := 2.0
	for _, id := range ids {
		h := samples[id]
		if h.Status != types.HealthHealthy || h.CapacityUtilization >= 0.8 {
			continue
		}
		if h.CapacityUtilization < bestUtil {
			best, bestUtil = id, h.CapacityUtilization
		}
	}
	if best == "" {
		return "", types.NewError(types.CodeShardCapacity, "no shard with headroom available")
	}
	return best, nil
}
