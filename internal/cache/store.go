package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"shardsql/internal/types"
)

const bucketCount = 16

// Entry is one cached payload with its freshness windows, in epoch-ms.
// An entry is fresh until FreshUntil, servable-stale until SWRUntil, and
// removed after that.
type Entry struct {
	Data       []types.Row `json:"data"`
	Version    int64       `json:"version"`
	FreshUntil int64       `json:"freshUntil"`
	SWRUntil   int64       `json:"swrUntil"`
	ShardID    string      `json:"shardId"`
}

// entryState classifies an entry against a point in time.
type entryState int

const (
	stateMissing entryState = iota
	stateFresh
	stateStale
)

func (e *Entry) stateAt(nowMs int64) entryState {
	switch {
	case nowMs < e.FreshUntil:
		return stateFresh
	case nowMs < e.SWRUntil:
		return stateStale
	default:
		return stateMissing
	}
}

type bucket struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// Store is the cache's keyspace, sharded into buckets so invalidation
// sweeps and hot reads contend on different locks.
type Store struct {
	buckets [bucketCount]*bucket
	clock   func() time.Time

	onEvict func(reason string, n int)
	onCount func(delta int)
}

// NewStore builds an empty store.
func NewStore() *Store {
	s := &Store{clock: time.Now}
	for i := range s.buckets {
		s.buckets[i] = &bucket{entries: make(map[string]*Entry)}
	}
	return s
}

// SetObservers installs metrics hooks for evictions and entry counts.
func (s *Store) SetObservers(onEvict func(reason string, n int), onCount func(delta int)) {
	s.onEvict = onEvict
	s.onCount = onCount
}

func (s *Store) bucketFor(key string) *bucket {
	// FNV-1a over the key; cheap and stable.
	h := uint32(2166136261)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return s.buckets[h%bucketCount]
}

func (s *Store) nowMs() int64 { return s.clock().UnixMilli() }

// Get returns the entry for key and its freshness. Entries past their
// SWR window count as missing and are removed on sight.
func (s *Store) Get(key string) (*Entry, entryState) {
	b := s.bucketFor(key)
	now := s.nowMs()

	b.mu.RLock()
	e, ok := b.entries[key]
	b.mu.RUnlock()
	if !ok {
		return nil, stateMissing
	}
	st := e.stateAt(now)
	if st == stateMissing {
		b.mu.Lock()
		if cur, ok := b.entries[key]; ok && cur.stateAt(s.nowMs()) == stateMissing {
			delete(b.entries, key)
			s.evicted("expired", 1)
		}
		b.mu.Unlock()
		return nil, stateMissing
	}
	return e, st
}

// Set stores an entry. FreshUntil above SWRUntil would break the entry
// invariant, so SWRUntil is clamped up.
func (s *Store) Set(key string, e *Entry) {
	if e.SWRUntil < e.FreshUntil {
		e.SWRUntil = e.FreshUntil
	}
	b := s.bucketFor(key)
	b.mu.Lock()
	_, existed := b.entries[key]
	b.entries[key] = e
	b.mu.Unlock()
	if !existed && s.onCount != nil {
		s.onCount(1)
	}
}

// Delete removes one key.
func (s *Store) Delete(key string) bool {
	b := s.bucketFor(key)
	b.mu.Lock()
	_, ok := b.entries[key]
	delete(b.entries, key)
	b.mu.Unlock()
	if ok {
		s.evicted("delete", 1)
	}
	return ok
}

// DeleteMany removes a set of keys and returns how many existed.
func (s *Store) DeleteMany(keys []string) int {
	n := 0
	for _, k := range keys {
		if s.Delete(k) {
			n++
		}
	}
	return n
}

// DeleteByPrefix removes every key under prefix. This is the invalidation
// primitive the bus consumer drives.
func (s *Store) DeleteByPrefix(prefix string) int {
	total := 0
	for _, b := range s.buckets {
		b.mu.Lock()
		for k := range b.entries {
			if strings.HasPrefix(k, prefix) {
				delete(b.entries, k)
				total++
			}
		}
		b.mu.Unlock()
	}
	if total > 0 {
		s.evicted("invalidation", total)
	}
	return total
}

// DeleteByPattern supports "prefix*" patterns; an exact key otherwise.
func (s *Store) DeleteByPattern(pattern string) int {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return s.DeleteByPrefix(prefix)
	}
	if s.Delete(pattern) {
		return 1
	}
	return 0
}

// MarkProcessed records a consumed bus message id. Returns false when the
// id was already marked, which is how duplicate deliveries are dropped.
func (s *Store) MarkProcessed(messageID string, ttl time.Duration) bool {
	key := "q:processed:" + messageID
	b := s.bucketFor(key)
	now := s.nowMs()

	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok && e.stateAt(now) != stateMissing {
		return false
	}
	until := now + ttl.Milliseconds()
	b.entries[key] = &Entry{Version: now, FreshUntil: until, SWRUntil: until}
	return true
}

// Len counts resident entries across all buckets.
func (s *Store) Len() int {
	n := 0
	for _, b := range s.buckets {
		b.mu.RLock()
		n += len(b.entries)
		b.mu.RUnlock()
	}
	return n
}

// Sweep removes every entry past its SWR window and returns the count.
func (s *Store) Sweep() int {
	now := s.nowMs()
	total := 0
	for _, b := range s.buckets {
		b.mu.Lock()
		for k, e := range b.entries {
			if e.stateAt(now) == stateMissing {
				delete(b.entries, k)
				total++
			}
		}
		b.mu.Unlock()
	}
	if total > 0 {
		s.evicted("expired", total)
	}
	return total
}

// RunJanitor sweeps on the given cadence until the context ends.
func (s *Store) RunJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Store) evicted(reason string, n int) {
	if s.onEvict != nil {
		s.onEvict(reason, n)
	}
	if s.onCount != nil {
		s.onCount(-n)
	}
}
