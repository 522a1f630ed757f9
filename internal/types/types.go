// Package types holds the domain types shared across the routing fabric,
// shard engines, cache plane, and gateway. It has no dependencies on the
// other internal packages so any of them can import it freely.
package types

import "time"

// AuthContext is produced by the (external) token validator and carried
// through every request. The core treats it as opaque identity.
type AuthContext struct {
	TenantID    string   `json:"tenantId"`
	UserID      string   `json:"userId"`
	Permissions []string `json:"permissions"`
	TokenHash   string   `json:"tokenHash"`
}

// HasPermission reports whether the context carries the named permission.
func (a *AuthContext) HasPermission(p string) bool {
	for _, have := range a.Permissions {
		if have == p || have == "*" {
			return true
		}
	}
	return false
}

// Row is a single result row keyed by column name.
type Row map[string]any

// QueryMetadata describes where and how a query executed.
type QueryMetadata struct {
	ShardID         string `json:"shardId"`
	ExecutionTimeMs int64  `json:"executionTimeMs"`
	CacheStatus     string `json:"cacheStatus,omitempty"` // hit | stale | miss | bypass
}

// QueryResult is the uniform result shape for SELECTs and mutations.
type QueryResult struct {
	Rows         []Row         `json:"rows,omitempty"`
	RowsAffected int64         `json:"rowsAffected,omitempty"`
	InsertID     int64         `json:"insertId,omitempty"`
	Metadata     QueryMetadata `json:"metadata"`
}

// Operation is one parameter-bound SQL statement. Parameter arrays are the
// single binding surface; the engine never accepts interpolated values.
type Operation struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params,omitempty"`
}

// ConsistencyMode selects the cache read path.
type ConsistencyMode string

const (
	ModeStrong  ConsistencyMode = "strong"
	ModeBounded ConsistencyMode = "bounded"
	ModeCached  ConsistencyMode = "cached"
)

// Valid reports whether m is a recognized mode.
func (m ConsistencyMode) Valid() bool {
	switch m {
	case ModeStrong, ModeBounded, ModeCached:
		return true
	}
	return false
}

// TxnOp is a transaction control verb.
type TxnOp string

const (
	TxnBegin    TxnOp = "BEGIN"
	TxnCommit   TxnOp = "COMMIT"
	TxnRollback TxnOp = "ROLLBACK"
)

// Event is one row of a shard's _events change log. IDs are strictly
// increasing and gap-free per shard.
type Event struct {
	ID       int64     `json:"id"`
	TS       time.Time `json:"ts"`
	Type     string    `json:"type"` // mutation | ddl
	TenantID string    `json:"tenantId"`
	SQL      string    `json:"sql"`
	Params   []any     `json:"params,omitempty"`
}

// HealthStatus classifies a shard for routing decisions.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// ShardHealth is a sampled health reading for one shard.
type ShardHealth struct {
	ShardID             string       `json:"shardId"`
	Status              HealthStatus `json:"status"`
	CapacityUtilization float64      `json:"capacityUtilization"`
	ActiveConnections   int          `json:"activeConnections"`
	AvgResponseTimeMs   float64      `json:"avgResponseTime"`
	ErrorRate           float64      `json:"errorRate"`
	LastCheck           time.Time    `json:"lastCheck"`
}
