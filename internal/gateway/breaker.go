package gateway

import (
	"sync"
	"time"

	"shardsql/internal/logging"
	"shardsql/internal/types"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	}
	return "closed"
}

// Breaker is a per-shard circuit breaker. A sliding window of failures
// opens it; after the cooldown one trial call is admitted, and that
// call's outcome decides whether it closes or re-opens.
type Breaker struct {
	shardID   string
	threshold int
	window    time.Duration
	cooldown  time.Duration

	mu       sync.Mutex
	state    breakerState
	failures []time.Time
	openedAt time.Time
	trial    bool

	onTransition func(shardID, state string)
	clock        func() time.Time
}

func newBreaker(shardID string, threshold int, window, cooldown time.Duration, onTransition func(shardID, state string)) *Breaker {
	if threshold < 1 {
		threshold = 5
	}
	if window <= 0 {
		window = time.Minute
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		shardID:      shardID,
		threshold:    threshold,
		window:       window,
		cooldown:     cooldown,
		onTransition: onTransition,
		clock:        time.Now,
	}
}

// Allow reports whether a call may proceed. Open-breaker calls fail fast
// with CIRCUIT_OPEN.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock()
	switch b.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		if now.Sub(b.openedAt) >= b.cooldown {
			b.transition(breakerHalfOpen)
			b.trial = true
			return nil
		}
	case breakerHalfOpen:
		if !b.trial {
			b.trial = true
			return nil
		}
	}
	return types.Errf(types.CodeCircuitOpen, "circuit open for shard %s", b.shardID).
		WithDetail("shardId", b.shardID)
}

// Success records a successful call. One success closes a half-open
// breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerHalfOpen:
		b.trial = false
		b.failures = b.failures[:0]
		b.transition(breakerClosed)
	case breakerClosed:
		b.prune(b.clock())
	}
}

// Failure records a failed call. One failure re-opens a half-open
// breaker; in the closed state the sliding window decides.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock()
	switch b.state {
	case breakerHalfOpen:
		b.trial = false
		b.openedAt = now
		b.transition(breakerOpen)
	case breakerClosed:
		b.failures = append(b.failures, now)
		b.prune(now)
		if len(b.failures) >= b.threshold {
			b.openedAt = now
			b.transition(breakerOpen)
		}
	}
}

func (b *Breaker) prune(now time.Time) {
	cut := 0
	for cut < len(b.failures) && now.Sub(b.failures[cut]) > b.window {
		cut++
	}
	b.failures = b.failures[cut:]
}

func (b *Breaker) transition(next breakerState) {
	if b.state == next {
		return
	}
	b.state = next
	logging.Gateway("breaker %s -> %s", b.shardID, next)
	if b.onTransition != nil {
		b.onTransition(b.shardID, next.String())
	}
}

// State returns the current state name, for the admin surface.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}

// BreakerSet lazily builds one breaker per shard.
type BreakerSet struct {
	mu           sync.Mutex
	breakers     map[string]*Breaker
	threshold    int
	window       time.Duration
	cooldown     time.Duration
	onTransition func(shardID, state string)
}

// NewBreakerSet builds the set with shared settings.
func NewBreakerSet(threshold int, window, cooldown time.Duration, onTransition func(shardID, state string)) *BreakerSet {
	return &BreakerSet{
		breakers:     map[string]*Breaker{},
		threshold:    threshold,
		window:       window,
		cooldown:     cooldown,
		onTransition: onTransition,
	}
}

// For returns the breaker guarding shardID.
func (s *BreakerSet) For(shardID string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[shardID]
	if !ok {
		b = newBreaker(shardID, s.threshold, s.window, s.cooldown, s.onTransition)
		s.breakers[shardID] = b
	}
	return b
}
