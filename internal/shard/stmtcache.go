package shard

import (
	"context"
	"database/sql"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// stmtCache is the statement advisory cache: a recency LRU of prepared
// statements keyed by SQL text. Preparing through the cache keeps the
// engine's hot statements compiled; eviction closes the statement.
type stmtCache struct {
	mu  sync.Mutex
	db  *sql.DB
	lru *lru.Cache[string, *sql.Stmt]
}

func newStmtCache(db *sql.DB, size int) (*stmtCache, error) {
	if size < 1 {
		size = 200
	}
	c := &stmtCache{db: db}
	l, err := lru.NewWithEvict(size, func(_ string, stmt *sql.Stmt) {
		stmt.Close()
	})
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// get returns a prepared statement for query, preparing on miss.
func (c *stmtCache) get(ctx context.Context, query string) (*sql.Stmt, error) {
	c.mu.Lock()
	if stmt, ok := c.lru.Get(query); ok {
		c.mu.Unlock()
		return stmt, nil
	}
	c.mu.Unlock()

	stmt, err := c.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prior, ok := c.lru.Get(query); ok {
		// Raced with another preparer; keep the cached one.
		stmt.Close()
		return prior, nil
	}
	c.lru.Add(query, stmt)
	return stmt, nil
}

// len reports resident statements, for metrics.
func (c *stmtCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// close evicts everything, closing all statements.
func (c *stmtCache) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}
