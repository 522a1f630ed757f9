package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCache struct {
	mu        sync.Mutex
	processed map[string]bool
	deleted   []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{processed: make(map[string]bool)}
}

func (f *fakeCache) DeleteByPrefix(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, prefix)
	return 1
}

func (f *fakeCache) MarkProcessed(id string, _ time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.processed[id] {
		return false
	}
	f.processed[id] = true
	return true
}

func (f *fakeCache) deletedPrefixes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deleted))
	copy(out, f.deleted)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestInvalidationReachesCache(t *testing.T) {
	q := NewQueue(64, 3)
	fc := newFakeCache()
	c := NewConsumer(q, fc, 10, 20*time.Millisecond, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	q.Publish(Message{Type: TypeInvalidate, ShardID: "shard-000", Keys: []string{"t1:users"}})

	waitFor(t, func() bool { return len(fc.deletedPrefixes()) > 0 })
	assert.Equal(t, []string{"t1:q:users:"}, fc.deletedPrefixes())
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	q := NewQueue(64, 3)
	fc := newFakeCache()
	c := NewConsumer(q, fc, 10, 20*time.Millisecond, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	msg := Message{ID: "m-1", Type: TypeInvalidate, ShardID: "shard-000", Keys: []string{"t1:users"}}
	q.Publish(msg)
	q.Publish(msg)
	q.Publish(msg)

	waitFor(t, func() bool {
		delivered, deduped := c.Stats()
		return delivered == 1 && deduped == 2
	})
}

func TestWildcardTableWipesTenantQueries(t *testing.T) {
	assert.Equal(t, "t1:q:", invalidationPrefix("t1:*"))
	assert.Equal(t, "t1:q:orders:", invalidationPrefix("t1:orders"))
}

func TestPerShardVersionsAreMonotonic(t *testing.T) {
	q := NewQueue(64, 3)
	var versions []int64
	q.SetPublishHook(func(m Message) {
		if m.ShardID == "shard-000" {
			versions = append(versions, m.Version)
		}
	})
	for i := 0; i < 5; i++ {
		q.Publish(Message{Type: TypeInvalidate, ShardID: "shard-000"})
	}
	q.Publish(Message{Type: TypeInvalidate, ShardID: "shard-001"})

	require.Len(t, versions, 5)
	for i, v := range versions {
		assert.Equal(t, int64(i+1), v)
	}
}

func TestUnknownTypeDeadLettersAfterRetries(t *testing.T) {
	q := NewQueue(64, 2)
	fc := newFakeCache()
	c := NewConsumer(q, fc, 10, 10*time.Millisecond, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	q.Publish(Message{ID: "bad-1", Type: "bogus", ShardID: "shard-000"})

	waitFor(t, func() bool { return len(q.DeadLetters()) == 1 })
	assert.Equal(t, "bad-1", q.DeadLetters()[0].ID)
}

func TestFullQueueDeadLettersInsteadOfBlocking(t *testing.T) {
	q := NewQueue(1, 3)
	q.Publish(Message{ID: "a", Type: TypeInvalidate, ShardID: "s"})
	q.Publish(Message{ID: "b", Type: TypeInvalidate, ShardID: "s"})

	published, dropped, _ := q.Stats()
	assert.Equal(t, int64(2), published)
	assert.Equal(t, int64(1), dropped)
	require.Len(t, q.DeadLetters(), 1)
	assert.Equal(t, "b", q.DeadLetters()[0].ID)
}

func TestPrewarmHandlerInvoked(t *testing.T) {
	q := NewQueue(64, 3)
	fc := newFakeCache()
	c := NewConsumer(q, fc, 10, 10*time.Millisecond, time.Minute)

	var mu sync.Mutex
	var got []string
	c.SetPrewarmHandler(func(m Message) {
		mu.Lock()
		got = append(got, m.Keys...)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	q.Publish(Message{Type: TypePrewarm, ShardID: "s", Keys: []string{"t1:users"}})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
}
