// Package policy implements the per-table configuration store: primary
// key, shard-by column, and cache consistency settings. Documents are
// accepted as YAML or JSON (YAML is a superset) and persisted in the meta
// store; reads are absorbed by a short in-process TTL cache.
package policy

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"shardsql/internal/types"
)

// CachePolicy controls how reads against a table interact with the
// coherence cache.
type CachePolicy struct {
	Mode                types.ConsistencyMode `yaml:"mode" json:"mode"`
	TTLMs               int64                 `yaml:"ttlMs" json:"ttlMs"`
	SWRMs               int64                 `yaml:"swrMs" json:"swrMs"`
	AlwaysStrongColumns []string              `yaml:"alwaysStrongColumns,omitempty" json:"alwaysStrongColumns,omitempty"`
}

// TablePolicy is the full per-table configuration document.
type TablePolicy struct {
	PK      string      `yaml:"pk" json:"pk"`
	ShardBy string      `yaml:"shardBy,omitempty" json:"shardBy,omitempty"`
	Cache   CachePolicy `yaml:"cache" json:"cache"`
}

// IsAlwaysStrong reports whether col forces a strong read regardless of
// hint or mode.
func (p *TablePolicy) IsAlwaysStrong(col string) bool {
	for _, c := range p.Cache.AlwaysStrongColumns {
		if c == col {
			return true
		}
	}
	return false
}

// Validate enforces the table policy invariants: pk is required, and any
// cacheable mode needs swr > ttl > 0.
func (p *TablePolicy) Validate() error {
	if p.PK == "" {
		return types.NewError(types.CodeInvalidPolicy, "table policy requires pk")
	}
	if p.Cache.Mode == "" {
		return types.NewError(types.CodeInvalidPolicy, "table policy requires cache.mode")
	}
	if !p.Cache.Mode.Valid() {
		return types.Errf(types.CodeInvalidPolicy, "unknown cache mode %q", p.Cache.Mode)
	}
	if p.Cache.Mode != types.ModeStrong {
		if p.Cache.TTLMs <= 0 {
			return types.Errf(types.CodeInvalidPolicy, "cache mode %q requires ttlMs > 0", p.Cache.Mode)
		}
		if p.Cache.SWRMs <= p.Cache.TTLMs {
			return types.Errf(types.CodeInvalidPolicy,
				"cache mode %q requires swrMs (%d) > ttlMs (%d)", p.Cache.Mode, p.Cache.SWRMs, p.Cache.TTLMs)
		}
	}
	return nil
}

// Parse decodes a YAML or JSON table policy document.
func Parse(doc []byte) (*TablePolicy, error) {
	var p TablePolicy
	if err := yaml.Unmarshal(doc, &p); err != nil {
		return nil, types.WrapError(types.CodeInvalidPolicy, "unparsable table policy document", err)
	}
	return &p, nil
}

// DefaultPolicy is the table policy applied when none is configured.
func DefaultPolicy(defaultTTL, defaultSWR time.Duration) *TablePolicy {
	return &TablePolicy{
		PK: "id",
		Cache: CachePolicy{
			Mode:  types.ModeBounded,
			TTLMs: defaultTTL.Milliseconds(),
			SWRMs: defaultSWR.Milliseconds(),
		},
	}
}

func (p *TablePolicy) String() string {
	return fmt.Sprintf("TablePolicy{pk=%s shardBy=%s mode=%s ttl=%dms swr=%dms}",
		p.PK, p.ShardBy, p.Cache.Mode, p.Cache.TTLMs, p.Cache.SWRMs)
}
