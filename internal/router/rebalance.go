package router

import (
	"sort"
	"time"

	"shardsql/internal/logging"
)

// SplitPlanner is the slice of the split orchestrator rebalancing uses.
// Actual data movement always happens through a split plan.
type SplitPlanner interface {
	PlanSplit(source, target string, tenantIDs []string, description string) (string, error)
}

// RebalanceReport summarizes one best-effort rebalance pass.
type RebalanceReport struct {
	MovedTenants    []string `json:"movedTenants"`
	Errors          []string `json:"errors"`
	ExecutionTimeMs int64    `json:"executionTimeMs"`
}

// rebalanceThreshold is the utilization above which a shard sheds
// explicitly pinned tenants.
const rebalanceThreshold = 0.85

// Rebalance plans splits moving pinned tenants off overloaded shards onto
// the shard with the most headroom. It only creates plans; the operator
// (or an external driver) advances them.
func (r *Router) Rebalance(planner SplitPlanner, maxTenantsPerShard int) *RebalanceReport {
	start := time.Now()
	report := &RebalanceReport{}
	defer func() { report.ExecutionTimeMs = time.Since(start).Milliseconds() }()

	if planner == nil || r.sampler == nil {
		report.Errors = append(report.Errors, "rebalance requires a sampler and a split planner")
		return report
	}
	if maxTenantsPerShard < 1 {
		maxTenantsPerShard = 4
	}
	pol, err := r.store.Current()
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report
	}

	// Tenants pinned per shard, in stable order.
	byShard := map[string][]string{}
	for tenant, shardID := range pol.Tenants {
		byShard[shardID] = append(byShard[shardID], tenant)
	}
	for _, tenants := range byShard {
		sort.Strings(tenants)
	}

	samples := r.sampler.Snapshot()
	overloaded := make([]string, 0)
	for id, h := range samples {
		if h.CapacityUtilization >= rebalanceThreshold && len(byShard[id]) > 0 {
			overloaded = append(overloaded, id)
		}
	}
	sort.Strings(overloaded)

	for _, source := range overloaded {
		target, err := r.FindOptimalShard()
		if err != nil {
			report.Errors = append(report.Errors, "no target for "+source+": "+err.Error())
			continue
		}
		if target == source {
			continue
		}
		tenants := byShard[source]
		if len(tenants) > maxTenantsPerShard {
			tenants = tenants[:maxTenantsPerShard]
		}
		planID, err := planner.PlanSplit(source, target, tenants, "rebalance")
		if err != nil {
			report.Errors = append(report.Errors, "plan "+source+"->"+target+": "+err.Error())
			continue
		}
		report.MovedTenants = append(report.MovedTenants, tenants...)
		logging.Router("rebalance planned split %s: %d tenants %s -> %s", planID, len(tenants), source, target)
	}
	return report
}
