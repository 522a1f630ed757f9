// Package cache implements the materialized query cache and its
// coherence engine: strong, bounded, and stale-while-revalidate read
// paths, prefix invalidation driven by the event bus, and the processed-
// message markers that make at-least-once delivery idempotent.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/spaolacci/murmur3"
)

// Hasher derives the hash segment of materialized query keys. Producer
// and consumer must share one Hasher or invalidation misses entries.
type Hasher interface {
	Name() string
	Hash(s string) string
}

// SHA256Hasher is the default: first 16 hex characters of SHA-256.
type SHA256Hasher struct{}

func (SHA256Hasher) Name() string { return "sha256-16" }

func (SHA256Hasher) Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

// Murmur3Hasher is the deterministic non-cryptographic fallback.
type Murmur3Hasher struct{}

func (Murmur3Hasher) Name() string { return "murmur3-32" }

func (Murmur3Hasher) Hash(s string) string {
	return fmt.Sprintf("%08x", murmur3.Sum32([]byte(s)))
}

// QueryKey builds a materialized query key:
// <tenantId>:q:<table>:<hash of sql||params>.
func QueryKey(tenantID, table, sql string, params []any, h Hasher) string {
	body := sql
	if len(params) > 0 {
		if data, err := json.Marshal(params); err == nil {
			body += string(data)
		}
	}
	return tenantID + ":q:" + table + ":" + h.Hash(body)
}

// RowKey addresses a single row: t:<table>:id:<pk>.
func RowKey(table, pk string) string {
	return "t:" + table + ":id:" + pk
}

// IndexKey addresses an index lookup: idx:<table>:<col>:<val>.
func IndexKey(table, col, val string) string {
	return "idx:" + table + ":" + col + ":" + val
}

// TablePrefix is the invalidation prefix covering every materialized
// query for one tenant's table.
func TablePrefix(tenantID, table string) string {
	return tenantID + ":q:" + table + ":"
}
