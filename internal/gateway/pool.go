package gateway

import (
	"context"
	"sync"

	"shardsql/internal/types"
)

// shardPool bounds concurrent calls to one shard. Slots transfer
// directly to the longest-waiting caller, so waiters are served FIFO.
type shardPool struct {
	shardID string
	cap     int

	mu      sync.Mutex
	inUse   int
	waiters []chan struct{}

	onWaiters func(shardID string, n int)
}

// PoolSet manages the per-shard pools.
type PoolSet struct {
	mu        sync.Mutex
	pools     map[string]*shardPool
	capacity  int
	onWaiters func(shardID string, n int)
}

// NewPoolSet builds the set; capacity is maxConnectionsPerShard.
func NewPoolSet(capacity int, onWaiters func(shardID string, n int)) *PoolSet {
	if capacity < 1 {
		capacity = 32
	}
	return &PoolSet{
		pools:     map[string]*shardPool{},
		capacity:  capacity,
		onWaiters: onWaiters,
	}
}

func (s *PoolSet) pool(shardID string) *shardPool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[shardID]
	if !ok {
		p = &shardPool{shardID: shardID, cap: s.capacity, onWaiters: s.onWaiters}
		s.pools[shardID] = p
	}
	return p
}

// Acquire takes a slot on shardID's pool, queuing FIFO behind earlier
// callers when the pool is exhausted. The returned release function must
// be called exactly once.
func (s *PoolSet) Acquire(ctx context.Context, shardID string) (func(), error) {
	p := s.pool(shardID)

	p.mu.Lock()
	if p.inUse < p.cap {
		p.inUse++
		p.mu.Unlock()
		return func() { p.release() }, nil
	}
	slot := make(chan struct{}, 1)
	p.waiters = append(p.waiters, slot)
	n := len(p.waiters)
	p.mu.Unlock()
	if p.onWaiters != nil {
		p.onWaiters(shardID, n)
	}

	select {
	case <-slot:
		return func() { p.release() }, nil
	case <-ctx.Done():
		p.abandon(slot)
		return nil, types.WrapError(types.CodeTimeout,
			"timed out waiting for a connection to "+shardID, ctx.Err())
	}
}

// release hands the slot to the oldest waiter, or frees it.
func (p *shardPool) release() {
	p.mu.Lock()
	for len(p.waiters) > 0 {
		slot := p.waiters[0]
		p.waiters = p.waiters[1:]
		select {
		case slot <- struct{}{}:
			n := len(p.waiters)
			p.mu.Unlock()
			if p.onWaiters != nil {
				p.onWaiters(p.shardID, n)
			}
			return
		default:
			// Waiter abandoned its slot; try the next one.
		}
	}
	p.inUse--
	p.mu.Unlock()
	if p.onWaiters != nil {
		p.onWaiters(p.shardID, 0)
	}
}

// abandon removes a cancelled waiter, consuming a slot that may have
// been handed over concurrently.
func (p *shardPool) abandon(slot chan struct{}) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == slot {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()
	// Not in the queue: release already delivered a slot to us. Return it.
	select {
	case <-slot:
		p.release()
	default:
	}
}

// InUse reports current usage, for the admin surface.
func (s *PoolSet) InUse(shardID string) (inUse, waiters int) {
	p := s.pool(shardID)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse, len(p.waiters)
}
