package router

import (
	"sync/atomic"

	"github.com/spaolacci/murmur3"

	"shardsql/internal/types"
)

// Strategy picks a shard for a tenant/table pair when no explicit
// assignment or range rule applies. Strategies are selected by tag; the
// set is fixed.
type Strategy interface {
	Name() string
	Pick(tenantID, table string, shards []string) (string, error)
}

// Strategy tags.
const (
	StrategyTenantHash    = "TENANT_HASH"
	StrategyTableHash     = "TABLE_HASH"
	StrategyCapacityAware = "CAPACITY_AWARE"
	StrategyRoundRobin    = "ROUND_ROBIN"
	StrategyCustom        = "CUSTOM"
)

// TenantHash hashes the tenant id alone, so all of a tenant's tables
// land on one shard.
type TenantHash struct{}

func (TenantHash) Name() string { return StrategyTenantHash }

func (TenantHash) Pick(tenantID, _ string, shards []string) (string, error) {
	return pickByHash(tenantID, shards)
}

// TableHash hashes tenant and table together, spreading one tenant's
// tables across shards.
type TableHash struct{}

func (TableHash) Name() string { return StrategyTableHash }

func (TableHash) Pick(tenantID, table string, shards []string) (string, error) {
	return pickByHash(tenantID+":"+table, shards)
}

// CapacityAware picks the least-utilized healthy shard, falling back to
// tenant hashing when no samples exist yet.
type CapacityAware struct {
	Health func() map[string]types.ShardHealth
}

func (CapacityAware) Name() string { return StrategyCapacityAware }

func (s CapacityAware) Pick(tenantID, table string, shards []string) (string, error) {
	if s.Health != nil {
		samples := s.Health()
		best := ""
		bestUtil := 2.0
		for _, id := range shards {
			h, ok := samples[id]
			if !ok || h.Status == types.HealthUnhealthy {
				continue
			}
			if h.CapacityUtilization < bestUtil {
				best, bestUtil = id, h.CapacityUtilization
			}
		}
		if best != "" {
			return best, nil
		}
	}
	return pickByHash(tenantID, shards)
}

// RoundRobin rotates through the shard list. Not deterministic across
// calls; only suitable for stateless scatter work.
type RoundRobin struct {
	next atomic.Uint64
}

func (*RoundRobin) Name() string { return StrategyRoundRobin }

func (r *RoundRobin) Pick(_, _ string, shards []string) (string, error) {
	if len(shards) == 0 {
		return "", types.NewError(types.CodeInternal, "no shards available")
	}
	n := r.next.Add(1) - 1
	return shards[n%uint64(len(shards))], nil
}

// Custom wraps an operator-supplied picker.
type Custom struct {
	PickFunc func(tenantID, table string, shards []string) (string, error)
}

func (Custom) Name() string { return StrategyCustom }

func (c Custom) Pick(tenantID, table string, shards []string) (string, error) {
	if c.PickFunc == nil {
		return "", types.NewError(types.CodeInternal, "custom strategy has no pick function")
	}
	return c.PickFunc(tenantID, table, shards)
}

// pickByHash maps a key onto the shard list with a stable 32-bit hash.
// The list must be sorted by the caller for determinism.
func pickByHash(key string, shards []string) (string, error) {
	if len(shards) == 0 {
		return "", types.NewError(types.CodeInternal, "no shards available")
	}
	return shards[murmur3.Sum32([]byte(key))%uint32(len(shards))], nil
}
