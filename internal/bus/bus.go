// Package bus is the at-least-once event queue connecting the shard
// engines to the cache coherence plane. Delivery order is not guaranteed
// across shards; consumers must be idempotent. Failed deliveries are
// redelivered up to a cap, then parked in the dead-letter sink.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"shardsql/internal/logging"
)

// Message types.
const (
	TypeInvalidate = "invalidate"
	TypePrewarm    = "prewarm"
	TypeD1Sync     = "d1_sync"
)

// Message is one bus event. Version is monotonic per shard so consumers
// can discard stale invalidations.
type Message struct {
	ID      string    `json:"messageId"`
	Type    string    `json:"type"`
	ShardID string    `json:"shardId"`
	Version int64     `json:"version"`
	TS      time.Time `json:"ts"`
	Keys    []string  `json:"keys,omitempty"` // "<tenantId>:<table>"
}

// Publisher is the producer side, implemented by Queue. The shard engine
// holds only this interface.
type Publisher interface {
	Publish(msg Message)
}

type delivery struct {
	msg      Message
	attempts int
}

// Queue is a bounded in-process at-least-once queue.
type Queue struct {
	ch          chan delivery
	maxAttempts int

	versionMu sync.Mutex
	versions  map[string]int64 // per-shard monotonic version

	deadMu sync.Mutex
	dead   []Message

	published atomic.Int64
	dropped   atomic.Int64

	onPublish func(msg Message) // metrics hook, optional
}

// NewQueue builds a queue with the given buffer depth and redelivery cap.
func NewQueue(depth, maxAttempts int) *Queue {
	if depth < 1 {
		depth = 1024
	}
	if maxAttempts < 1 {
		maxAttempts = 5
	}
	return &Queue{
		ch:          make(chan delivery, depth),
		maxAttempts: maxAttempts,
		versions:    make(map[string]int64),
	}
}

// SetPublishHook installs an observer invoked on every publish.
func (q *Queue) SetPublishHook(fn func(Message)) { q.onPublish = fn }

// Publish enqueues a message, assigning an id and a per-shard monotonic
// version when absent. Publish never blocks the producer: if the queue is
// full the message goes straight to the dead-letter sink, which the
// consumer drains as a recovery path.
func (q *Queue) Publish(msg Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.TS.IsZero() {
		msg.TS = time.Now()
	}
	if msg.Version == 0 {
		q.versionMu.Lock()
		q.versions[msg.ShardID]++
		msg.Version = q.versions[msg.ShardID]
		q.versionMu.Unlock()
	}
	q.published.Add(1)
	if q.onPublish != nil {
		q.onPublish(msg)
	}
	select {
	case q.ch <- delivery{msg: msg}:
	default:
		q.dropped.Add(1)
		q.deadLetter(msg, "queue full")
	}
}

// redeliver puts a failed delivery back on the queue, or dead-letters it
// once the attempt cap is reached.
func (q *Queue) redeliver(d delivery) {
	d.attempts++
	if d.attempts >= q.maxAttempts {
		q.deadLetter(d.msg, "attempts exhausted")
		return
	}
	select {
	case q.ch <- d:
	default:
		q.deadLetter(d.msg, "queue full on redelivery")
	}
}

func (q *Queue) deadLetter(msg Message, reason string) {
	q.deadMu.Lock()
	q.dead = append(q.dead, msg)
	q.deadMu.Unlock()
	logging.Bus("dead-letter %s (%s): %s", msg.ID, msg.Type, reason)
}

// DeadLetters returns a copy of the dead-letter sink.
func (q *Queue) DeadLetters() []Message {
	q.deadMu.Lock()
	defer q.deadMu.Unlock()
	out := make([]Message, len(q.dead))
	copy(out, q.dead)
	return out
}

// Stats reports producer-side counters.
func (q *Queue) Stats() (published, dropped, depth int64) {
	return q.published.Load(), q.dropped.Load(), int64(len(q.ch))
}
