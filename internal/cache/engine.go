package cache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"shardsql/internal/logging"
	"shardsql/internal/types"
)

// Executor re-runs a query against the authoritative shard. The engine
// calls it on misses and asynchronous revalidations.
type Executor func(ctx context.Context) (*types.QueryResult, error)

// ReadRequest carries everything the coherence engine needs to serve one
// read. TTL and SWR are already resolved from hint and table policy by
// the gateway.
type ReadRequest struct {
	TenantID string
	Table    string
	SQL      string
	Params   []any
	Mode     types.ConsistencyMode
	TTL      time.Duration
	SWR      time.Duration
}

// Engine is the cache coherence engine. The store mutates only through
// two paths: read-side population on miss, and writer-driven prefix
// invalidation arriving via the bus consumer.
type Engine struct {
	store  *Store
	hasher Hasher
	clock  func() time.Time

	revalidate singleflight.Group

	// Observer hooks for Prometheus.
	onHit   func()
	onStale func()
	onMiss  func()

	// revalidateTimeout bounds background refreshes.
	revalidateTimeout time.Duration
}

// NewEngine wires the coherence engine to its store and key hasher.
func NewEngine(store *Store, hasher Hasher) *Engine {
	if hasher == nil {
		hasher = SHA256Hasher{}
	}
	return &Engine{
		store:             store,
		hasher:            hasher,
		clock:             time.Now,
		revalidateTimeout: 10 * time.Second,
	}
}

// SetObservers installs metrics hooks for hit/stale/miss outcomes.
func (e *Engine) SetObservers(onHit, onStale, onMiss func()) {
	e.onHit = onHit
	e.onStale = onStale
	e.onMiss = onMiss
}

// Store exposes the underlying keyspace for the bus consumer and the
// admin surface.
func (e *Engine) Store() *Store { return e.store }

// Hasher returns the key hasher, pinned once at construction so producer
// and consumer cannot drift.
func (e *Engine) Hasher() Hasher { return e.hasher }

// Read serves one SELECT through the requested consistency mode.
func (e *Engine) Read(ctx context.Context, req ReadRequest, exec Executor) (*types.QueryResult, error) {
	switch req.Mode {
	case types.ModeStrong:
		res, err := exec(ctx)
		if err != nil {
			return nil, err
		}
		res.Metadata.CacheStatus = "bypass"
		return res, nil
	case types.ModeBounded:
		return e.readBounded(ctx, req, exec)
	case types.ModeCached:
		return e.readSWR(ctx, req, exec)
	default:
		return nil, types.Errf(types.CodeInvalidQuery, "unknown consistency mode %q", req.Mode)
	}
}

// readBounded returns a fresh entry or executes and synchronously
// writes through before responding.
func (e *Engine) readBounded(ctx context.Context, req ReadRequest, exec Executor) (*types.QueryResult, error) {
	key := QueryKey(req.TenantID, req.Table, req.SQL, req.Params, e.hasher)
	if entry, st := e.store.Get(key); st == stateFresh {
		if e.onHit != nil {
			e.onHit()
		}
		return cachedResult(entry, "hit"), nil
	}
	if e.onMiss != nil {
		e.onMiss()
	}
	res, err := exec(ctx)
	if err != nil {
		return nil, err
	}
	e.writeThrough(key, req, res)
	res.Metadata.CacheStatus = "miss"
	return res, nil
}

// readSWR serves fresh entries directly, stale entries immediately with a
// background revalidation, and misses through a synchronous write-through.
func (e *Engine) readSWR(ctx context.Context, req ReadRequest, exec Executor) (*types.QueryResult, error) {
	key := QueryKey(req.TenantID, req.Table, req.SQL, req.Params, e.hasher)
	entry, st := e.store.Get(key)
	switch st {
	case stateFresh:
		if e.onHit != nil {
			e.onHit()
		}
		return cachedResult(entry, "hit"), nil
	case stateStale:
		if e.onStale != nil {
			e.onStale()
		}
		e.scheduleRevalidate(key, req, exec)
		return cachedResult(entry, "stale"), nil
	}
	if e.onMiss != nil {
		e.onMiss()
	}
	res, err := exec(ctx)
	if err != nil {
		return nil, err
	}
	e.writeThrough(key, req, res)
	res.Metadata.CacheStatus = "miss"
	return res, nil
}

// scheduleRevalidate refreshes a stale entry in the background. The
// singleflight group collapses concurrent revalidations of one key into
// a single shard round trip.
func (e *Engine) scheduleRevalidate(key string, req ReadRequest, exec Executor) {
	go func() {
		_, _, _ = e.revalidate.Do(key, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), e.revalidateTimeout)
			defer cancel()
			res, err := exec(ctx)
			if err != nil {
				logging.CacheDebug("revalidation of %s failed: %v", key, err)
				return nil, err
			}
			e.writeThrough(key, req, res)
			logging.CacheDebug("revalidated %s", key)
			return nil, nil
		})
	}()
}

// writeThrough stores a query result with fresh windows anchored at now.
func (e *Engine) writeThrough(key string, req ReadRequest, res *types.QueryResult) {
	now := e.clock().UnixMilli()
	swr := req.SWR
	if swr < req.TTL {
		swr = req.TTL
	}
	e.store.Set(key, &Entry{
		Data:       res.Rows,
		Version:    now,
		FreshUntil: now + req.TTL.Milliseconds(),
		SWRUntil:   now + swr.Milliseconds(),
		ShardID:    res.Metadata.ShardID,
	})
}

// WarmEntry is one precomputed entry for bulk warming.
type WarmEntry struct {
	Key     string
	Rows    []types.Row
	ShardID string
	TTL     time.Duration
	SWR     time.Duration
}

// Warm bulk-loads entries with per-entry windows.
func (e *Engine) Warm(entries []WarmEntry) {
	now := e.clock().UnixMilli()
	for _, w := range entries {
		swr := w.SWR
		if swr < w.TTL {
			swr = w.TTL
		}
		e.store.Set(w.Key, &Entry{
			Data:       w.Rows,
			Version:    now,
			FreshUntil: now + w.TTL.Milliseconds(),
			SWRUntil:   now + swr.Milliseconds(),
			ShardID:    w.ShardID,
		})
	}
	logging.Cache("warmed %d entries", len(entries))
}

func cachedResult(entry *Entry, status string) *types.QueryResult {
	return &types.QueryResult{
		Rows: entry.Data,
		Metadata: types.QueryMetadata{
			ShardID:     entry.ShardID,
			CacheStatus: status,
		},
	}
}
