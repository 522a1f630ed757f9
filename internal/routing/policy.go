// Package routing implements the versioned routing policy store: the
// append-only, checksummed history of tenant and hash-range assignments
// that the router resolves against and the split orchestrator mutates at
// cutover.
package routing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Policy is one immutable routing map version.
type Policy struct {
	Version int64             `json:"version"`
	Tenants map[string]string `json:"tenants"`
	Ranges  []Range           `json:"ranges"`
}

// Range assigns a contiguous band of hash prefixes to a shard. The
// prefix form is "XX..YY" over the first two hex characters of
// SHA-256(shardKey), inclusive on both ends.
type Range struct {
	Prefix  string `json:"prefix"`
	ShardID string `json:"shardId"`
}

// Bounds parses the range ends. An error means the rule is malformed.
func (r Range) Bounds() (lo, hi int64, err error) {
	parts := strings.Split(r.Prefix, "..")
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		return 0, 0, fmt.Errorf("malformed range prefix %q", r.Prefix)
	}
	lo, err = strconv.ParseInt(parts[0], 16, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed range prefix %q", r.Prefix)
	}
	hi, err = strconv.ParseInt(parts[1], 16, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed range prefix %q", r.Prefix)
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("inverted range prefix %q", r.Prefix)
	}
	return lo, hi, nil
}

// Contains reports whether the two-hex-char prefix hh falls in the range.
func (r Range) Contains(hh string) bool {
	v, err := strconv.ParseInt(hh, 16, 64)
	if err != nil {
		return false
	}
	lo, hi, err := r.Bounds()
	if err != nil {
		return false
	}
	return v >= lo && v <= hi
}

// HashPrefix returns the first two hex characters of SHA-256(key), the
// value range rules are matched against.
func HashPrefix(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:1])
}

// MatchRange returns the shard owning the hash prefix of key, if any
// range rule covers it.
func (p *Policy) MatchRange(key string) (string, bool) {
	hh := HashPrefix(key)
	for _, r := range p.Ranges {
		if r.Contains(hh) {
			return r.ShardID, true
		}
	}
	return "", false
}

// ReferencedShards returns the sorted set of shard ids the policy maps to.
func (p *Policy) ReferencedShards() []string {
	set := map[string]struct{}{}
	for _, s := range p.Tenants {
		set[s] = struct{}{}
	}
	for _, r := range p.Ranges {
		set[r.ShardID] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy, used to derive the next version.
func (p *Policy) Clone() *Policy {
	c := &Policy{
		Version: p.Version,
		Tenants: make(map[string]string, len(p.Tenants)),
		Ranges:  make([]Range, len(p.Ranges)),
	}
	for t, s := range p.Tenants {
		c.Tenants[t] = s
	}
	copy(c.Ranges, p.Ranges)
	return c
}

// Validate rejects structurally broken policies before they reach storage.
func (p *Policy) Validate() error {
	for t, s := range p.Tenants {
		if t == "" || s == "" {
			return fmt.Errorf("tenant mapping %q -> %q has an empty side", t, s)
		}
	}
	for _, r := range p.Ranges {
		if r.ShardID == "" {
			return fmt.Errorf("range %q maps to an empty shard", r.Prefix)
		}
		if _, _, err := r.Bounds(); err != nil {
			return err
		}
	}
	return nil
}

// Checksum is a stable hash over the canonical JSON encoding of the
// policy. encoding/json sorts map keys, and range order is significant,
// so equal policies always produce equal checksums.
func Checksum(p *Policy) string {
	data, err := json.Marshal(p)
	if err != nil {
		// Policy is plain data; Marshal cannot fail in practice.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VersionInfo is one history entry.
type VersionInfo struct {
	Version     int64     `json:"version"`
	TS          time.Time `json:"ts"`
	Description string    `json:"description,omitempty"`
	Checksum    string    `json:"checksum"`
}

// TenantChange records one tenant moving between shards across versions.
type TenantChange struct {
	TenantID string `json:"tenantId"`
	OldShard string `json:"oldShard"`
	NewShard string `json:"newShard"`
}

// Diff describes the delta between two policy versions.
type Diff struct {
	AddedTenants   map[string]string `json:"addedTenants"`
	RemovedTenants map[string]string `json:"removedTenants"`
	ChangedTenants []TenantChange    `json:"changedTenants"`
	AddedRanges    []Range           `json:"addedRanges"`
	RemovedRanges  []Range           `json:"removedRanges"`
}

// ComputeDiff builds the delta from an old to a new policy.
func ComputeDiff(from, to *Policy) *Diff {
	d := &Diff{
		AddedTenants:   map[string]string{},
		RemovedTenants: map[string]string{},
	}
	for t, s := range to.Tenants {
		old, ok := from.Tenants[t]
		switch {
		case !ok:
			d.AddedTenants[t] = s
		case old != s:
			d.ChangedTenants = append(d.ChangedTenants, TenantChange{TenantID: t, OldShard: old, NewShard: s})
		}
	}
	for t, s := range from.Tenants {
		if _, ok := to.Tenants[t]; !ok {
			d.RemovedTenants[t] = s
		}
	}
	sort.Slice(d.ChangedTenants, func(i, j int) bool {
		return d.ChangedTenants[i].TenantID < d.ChangedTenants[j].TenantID
	})

	fromRanges := map[Range]struct{}{}
	for _, r := range from.Ranges {
		fromRanges[r] = struct{}{}
	}
	toRanges := map[Range]struct{}{}
	for _, r := range to.Ranges {
		toRanges[r] = struct{}{}
	}
	for _, r := range to.Ranges {
		if _, ok := fromRanges[r]; !ok {
			d.AddedRanges = append(d.AddedRanges, r)
		}
	}
	for _, r := range from.Ranges {
		if _, ok := toRanges[r]; !ok {
			d.RemovedRanges = append(d.RemovedRanges, r)
		}
	}
	return d
}

// EvenRanges divides the 256 hash prefixes evenly across the given
// shards, in order. Used at bootstrap.
func EvenRanges(shardIDs []string) []Range {
	n := len(shardIDs)
	if n == 0 {
		return nil
	}
	ranges := make([]Range, 0, n)
	per := 256 / n
	extra := 256 % n
	lo := 0
	for i, id := range shardIDs {
		width := per
		if i < extra {
			width++
		}
		hi := lo + width - 1
		if i == n-1 {
			hi = 255
		}
		ranges = append(ranges, Range{
			Prefix:  fmt.Sprintf("%02x..%02x", lo, hi),
			ShardID: id,
		})
		lo = hi + 1
	}
	return ranges
}
