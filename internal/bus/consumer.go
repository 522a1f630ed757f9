package bus

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"shardsql/internal/logging"
)

// Invalidator is the cache surface the consumer drives. MarkProcessed
// implements the dedup marker that makes at-least-once delivery safe:
// it returns false when the message id was already seen.
type Invalidator interface {
	DeleteByPrefix(prefix string) int
	MarkProcessed(messageID string, ttl time.Duration) bool
}

// Consumer drains the queue in batches and applies invalidations to the
// cache. Handlers for prewarm and sync messages are optional hooks.
type Consumer struct {
	queue *Queue
	inv   Invalidator

	batchSize    int
	maxWait      time.Duration
	processedTTL time.Duration

	onPrewarm func(msg Message)
	onSync    func(msg Message)
	onDeliver func(ok bool) // metrics hook

	delivered atomic.Int64
	deduped   atomic.Int64
}

// NewConsumer wires a consumer to a queue and cache. batchSize and
// maxWait bound how long an invalidation can sit before it is applied.
func NewConsumer(q *Queue, inv Invalidator, batchSize int, maxWait, processedTTL time.Duration) *Consumer {
	if batchSize < 1 {
		batchSize = 50
	}
	if maxWait <= 0 {
		maxWait = 2 * time.Second
	}
	if processedTTL <= 0 {
		processedTTL = 10 * time.Minute
	}
	return &Consumer{
		queue:        q,
		inv:          inv,
		batchSize:    batchSize,
		maxWait:      maxWait,
		processedTTL: processedTTL,
	}
}

// SetPrewarmHandler installs the prewarm hook.
func (c *Consumer) SetPrewarmHandler(fn func(Message)) { c.onPrewarm = fn }

// SetSyncHandler installs the replica-sync hook.
func (c *Consumer) SetSyncHandler(fn func(Message)) { c.onSync = fn }

// SetDeliverHook installs a per-delivery observer.
func (c *Consumer) SetDeliverHook(fn func(ok bool)) { c.onDeliver = fn }

// Run consumes until the context is cancelled. Call in its own goroutine.
func (c *Consumer) Run(ctx context.Context) {
	for {
		batch := c.collect(ctx)
		if len(batch) == 0 {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		c.process(batch)
	}
}

// collect blocks for the first delivery, then drains up to batchSize or
// until maxWait elapses.
func (c *Consumer) collect(ctx context.Context) []delivery {
	var batch []delivery
	select {
	case d := <-c.queue.ch:
		batch = append(batch, d)
	case <-ctx.Done():
		return nil
	}
	timer := time.NewTimer(c.maxWait)
	defer timer.Stop()
	for len(batch) < c.batchSize {
		select {
		case d := <-c.queue.ch:
			batch = append(batch, d)
		case <-timer.C:
			return batch
		case <-ctx.Done():
			return batch
		}
	}
	return batch
}

// process applies one batch. Invalidations for the same prefix are
// coalesced so a burst of writes to one table costs one cache sweep.
func (c *Consumer) process(batch []delivery) {
	prefixes := make(map[string]struct{})
	for _, d := range batch {
		msg := d.msg
		switch msg.Type {
		case TypeInvalidate, TypePrewarm, TypeD1Sync:
		default:
			// Unhandled types are never marked processed, so every
			// redelivery attempt is counted until the dead letter.
			logging.Bus("unknown message type %q from %s", msg.Type, msg.ShardID)
			c.queue.redeliver(d)
			if c.onDeliver != nil {
				c.onDeliver(false)
			}
			continue
		}
		if !c.inv.MarkProcessed(msg.ID, c.processedTTL) {
			c.deduped.Add(1)
			continue
		}
		c.delivered.Add(1)
		switch msg.Type {
		case TypeInvalidate:
			for _, key := range msg.Keys {
				prefixes[invalidationPrefix(key)] = struct{}{}
			}
		case TypePrewarm:
			if c.onPrewarm != nil {
				c.onPrewarm(msg)
			}
		case TypeD1Sync:
			if c.onSync != nil {
				c.onSync(msg)
			}
		}
		if c.onDeliver != nil {
			c.onDeliver(true)
		}
	}
	for prefix := range prefixes {
		n := c.inv.DeleteByPrefix(prefix)
		logging.BusDebug("invalidated %d entries under %s", n, prefix)
	}
}

// invalidationPrefix maps a "<tenant>:<table>" invalidation key to the
// cache prefix of that table's cached query results. A "*" table wipes
// every cached query for the tenant.
func invalidationPrefix(key string) string {
	tenant, table, found := strings.Cut(key, ":")
	if !found || table == "*" {
		return tenant + ":q:"
	}
	return tenant + ":q:" + table + ":"
}

// Stats reports consumer-side counters.
func (c *Consumer) Stats() (delivered, deduped int64) {
	return c.delivered.Load(), c.deduped.Load()
}
