package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardsql/internal/types"
)

func newTestBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	now := time.Unix(1_700_000_000, 0)
	b := newBreaker("shard-000", 3, time.Minute, 30*time.Second, nil)
	b.clock = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(t)

	b.Failure()
	b.Failure()
	require.NoError(t, b.Allow())
	assert.Equal(t, "closed", b.State())

	b.Failure()
	assert.Equal(t, "open", b.State())
	err := b.Allow()
	assert.Equal(t, types.CodeCircuitOpen, types.CodeOf(err))
}

func TestBreakerHalfOpenTrial(t *testing.T) {
	b, now := newTestBreaker(t)
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	require.Equal(t, "open", b.State())

	// Cooldown admits exactly one trial call.
	*now = now.Add(31 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, "half_open", b.State())
	err := b.Allow()
	assert.Equal(t, types.CodeCircuitOpen, types.CodeOf(err))

	// The trial's success closes the breaker and clears the window.
	b.Success()
	assert.Equal(t, "closed", b.State())
	require.NoError(t, b.Allow())
	b.Failure()
	assert.Equal(t, "closed", b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(t)
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	*now = now.Add(31 * time.Second)
	require.NoError(t, b.Allow())

	b.Failure()
	assert.Equal(t, "open", b.State())

	// The cooldown restarts from the failed trial.
	*now = now.Add(31 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, "half_open", b.State())
}

func TestBreakerWindowSlides(t *testing.T) {
	b, now := newTestBreaker(t)
	b.Failure()
	b.Failure()

	// Old failures age out of the window before the third lands.
	*now = now.Add(2 * time.Minute)
	b.Failure()
	assert.Equal(t, "closed", b.State())
}

func TestBreakerSetIsPerShard(t *testing.T) {
	set := NewBreakerSet(1, time.Minute, time.Minute, nil)
	set.For("shard-000").Failure()

	assert.Equal(t, "open", set.For("shard-000").State())
	assert.Equal(t, "closed", set.For("shard-001").State())
	require.NoError(t, set.For("shard-001").Allow())
}

func TestPoolBoundsConcurrency(t *testing.T) {
	pools := NewPoolSet(2, nil)
	ctx := context.Background()

	rel1, err := pools.Acquire(ctx, "shard-000")
	require.NoError(t, err)
	rel2, err := pools.Acquire(ctx, "shard-000")
	require.NoError(t, err)

	inUse, waiters := pools.InUse("shard-000")
	assert.Equal(t, 2, inUse)
	assert.Equal(t, 0, waiters)

	// A third caller blocks until a slot frees, then gets it handed over.
	acquired := make(chan func(), 1)
	go func() {
		rel, err := pools.Acquire(ctx, "shard-000")
		if err == nil {
			acquired <- rel
		}
	}()
	require.Eventually(t, func() bool {
		_, w := pools.InUse("shard-000")
		return w == 1
	}, time.Second, 5*time.Millisecond)

	rel1()
	var rel3 func()
	select {
	case rel3 = <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never received the released slot")
	}

	inUse, waiters = pools.InUse("shard-000")
	assert.Equal(t, 2, inUse)
	assert.Equal(t, 0, waiters)

	rel2()
	rel3()
	inUse, _ = pools.InUse("shard-000")
	assert.Equal(t, 0, inUse)
}

func TestPoolWaitersAreFIFO(t *testing.T) {
	pools := NewPoolSet(1, nil)
	ctx := context.Background()

	rel, err := pools.Acquire(ctx, "shard-000")
	require.NoError(t, err)

	order := make(chan int, 2)
	var wg sync.WaitGroup
	start := func(n int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := pools.Acquire(ctx, "shard-000")
			if err != nil {
				return
			}
			order <- n
			r()
		}()
	}

	start(1)
	require.Eventually(t, func() bool {
		_, w := pools.InUse("shard-000")
		return w == 1
	}, time.Second, 5*time.Millisecond)
	start(2)
	require.Eventually(t, func() bool {
		_, w := pools.InUse("shard-000")
		return w == 2
	}, time.Second, 5*time.Millisecond)

	rel()
	wg.Wait()
	assert.Equal(t, 1, <-order)
	assert.Equal(t, 2, <-order)
}

func TestPoolAcquireHonorsContext(t *testing.T) {
	pools := NewPoolSet(1, nil)
	rel, err := pools.Acquire(context.Background(), "shard-000")
	require.NoError(t, err)
	defer rel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pools.Acquire(ctx, "shard-000")
	assert.Equal(t, types.CodeTimeout, types.CodeOf(err))

	// The abandoned waiter leaves no queue residue.
	require.Eventually(t, func() bool {
		_, w := pools.InUse("shard-000")
		return w == 0
	}, time.Second, 5*time.Millisecond)
}
