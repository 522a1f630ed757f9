package shard

import (
	"context"
	"strconv"
	"time"

	"shardsql/internal/types"
)


// checkCapacity enforces the hard limit before a mutation is accepted.
// A MaxBytes of zero means the shard accepts no writes, which the
// capacity tests rely on.
func (e *Engine) checkCapacity() error {
	if e.cfg.MaxBytes <= 0 {
		return types.Errf(types.CodeShardCapacity,
			"shard %s has no write capacity configured", e.id)
	}
	size := e.currentSize()
	if size >= e.cfg.MaxBytes {
		return types.Errf(types.CodeShardCapacity,
			"shard %s at capacity: %d of %d bytes", e.id, size, e.cfg.MaxBytes).
			WithDetail("shardId", e.id).
			WithDetail("sizeBytes", size).
			WithDetail("maxBytes", e.cfg.MaxBytes)
	}
	return nil
}

// currentSize derives the database size from page_count * page_size,
// recomputing at most once per CapacityRecheck. The reading is recorded
// in _meta so operators can inspect it without touching pragmas.
func (e *Engine) currentSize() int64 {
	e.capMu.Lock()
	defer e.capMu.Unlock()
	if !e.sizeChecked.IsZero() && time.Since(e.sizeChecked) < e.cfg.CapacityRecheck {
		return e.sizeBytes
	}
	var pageCount, pageSize int64
	if err := e.readDB.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return e.sizeBytes
	}
	if err := e.readDB.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return e.sizeBytes
	}
	e.sizeBytes = pageCount * pageSize
	e.sizeChecked = time.Now()

	// Best-effort persistence of the reading.
	go e.recordSize(e.sizeBytes)

	if e.onUtilization != nil && e.cfg.MaxBytes > 0 {
		e.onUtilization(e.id, float64(e.sizeBytes)/float64(e.cfg.MaxBytes))
	}
	return e.sizeBytes
}

func (e *Engine) recordSize(size int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = e.submit(ctx, func() (any, error) {
		_, err := e.writeDB.Exec(
			"INSERT INTO _meta (k, v) VALUES ('size_bytes', ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v",
			strconv.FormatInt(size, 10))
		return nil, err
	})
}

// invalidateCapacity forces the next currentSize call to recompute. DDL
// and bulk import can change the footprint by orders of magnitude.
func (e *Engine) invalidateCapacity() {
	e.capMu.Lock()
	e.sizeChecked = time.Time{}
	e.capMu.Unlock()
}

// utilization is the fraction of MaxBytes in use, 1.0 when no capacity
// is configured.
func (e *Engine) utilization() float64 {
	if e.cfg.MaxBytes <= 0 {
		return 1.0
	}
	return float64(e.currentSize()) / float64(e.cfg.MaxBytes)
}
