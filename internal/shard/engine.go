// Package shard implements the per-shard storage engine: an embedded
// SQLite store with a single-writer actor goroutine, a concurrent read
// pool, a gap-free change log for tail replay, capacity guardrails, and
// point-in-time bookmarks. One Engine owns one logical shard.
package shard

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"shardsql/internal/bus"
	"shardsql/internal/logging"
	"shardsql/internal/sqlinfo"
	"shardsql/internal/types"
)

// Capacity thresholds as fractions of the configured maximum.
const (
	SoftThreshold = 0.70
	PlanThreshold = 0.85
	HardThreshold = 0.95
)

// Config tunes one engine. Zero values fall back to defaults except
// MaxBytes, where zero means the shard accepts no writes at all (used by
// capacity tests).
type Config struct {
	DataDir            string
	MaxBytes           int64
	StatementCacheSize int
	CapacityRecheck    time.Duration
	TxnInactivity      time.Duration
	CommandQueueDepth  int
}

func (c *Config) applyDefaults() {
	if c.StatementCacheSize < 1 {
		c.StatementCacheSize = 200
	}
	if c.CapacityRecheck <= 0 {
		c.CapacityRecheck = 60 * time.Second
	}
	if c.TxnInactivity <= 0 {
		c.TxnInactivity = 60 * time.Second
	}
	if c.CommandQueueDepth < 1 {
		c.CommandQueueDepth = 128
	}
}

type cmdResult struct {
	val any
	err error
}

type command struct {
	fn    func() (any, error)
	reply chan cmdResult
}

// Engine is one shard's storage engine.
type Engine struct {
	id   string
	cfg  Config
	path string

	// writeDB is the single writer connection, only ever touched by the
	// actor goroutine. readDB serves concurrent SELECTs.
	writeDB *sql.DB
	readDB  *sql.DB

	writeStmts *stmtCache
	readStmts  *stmtCache

	commands chan command
	closed   chan struct{}
	wg       sync.WaitGroup

	pub bus.Publisher

	capMu       sync.Mutex
	sizeBytes   int64
	sizeChecked time.Time

	txnMu sync.Mutex
	txns  map[string]*pendingTxn

	queries      atomic.Int64
	mutations    atomic.Int64
	failures     atomic.Int64
	totalExecUs  atomic.Int64
	execSamples  atomic.Int64
	activeReads  atomic.Int64

	// Optional observer hooks; the manager wires these to Prometheus.
	onEvent       func(shardID, typ string)
	onUtilization func(shardID string, utilization float64)
}

// Open creates or reopens the shard at cfg.DataDir/<id>.db. A pending
// restore marker, if present, is applied before the database is opened.
func Open(id string, cfg Config) (*Engine, error) {
	cfg.applyDefaults()
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("shard %s: data dir required", id)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("shard %s: create data dir: %w", id, err)
	}
	path := filepath.Join(cfg.DataDir, id+".db")
	if err := applyPendingRestore(path); err != nil {
		return nil, fmt.Errorf("shard %s: apply restore: %w", id, err)
	}

	writeDB, err := openDB(path, 1)
	if err != nil {
		return nil, fmt.Errorf("shard %s: open writer: %w", id, err)
	}
	readDB, err := openDB(path, 4)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("shard %s: open reader: %w", id, err)
	}

	e := &Engine{
		id:       id,
		cfg:      cfg,
		path:     path,
		writeDB:  writeDB,
		readDB:   readDB,
		commands: make(chan command, cfg.CommandQueueDepth),
		closed:   make(chan struct{}),
		txns:     make(map[string]*pendingTxn),
	}
	if e.writeStmts, err = newStmtCache(writeDB, cfg.StatementCacheSize); err != nil {
		e.closeDBs()
		return nil, err
	}
	if e.readStmts, err = newStmtCache(readDB, cfg.StatementCacheSize); err != nil {
		e.closeDBs()
		return nil, err
	}
	if err := e.initSchema(); err != nil {
		e.closeDBs()
		return nil, fmt.Errorf("shard %s: init schema: %w", id, err)
	}

	e.wg.Add(1)
	go e.run()
	logging.Shard("shard %s opened at %s (max=%d bytes)", id, path, cfg.MaxBytes)
	return e, nil
}

func openDB(path string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.ShardDebug("pragma %q failed: %v", pragma, err)
		}
	}
	return db, nil
}

func (e *Engine) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS _events (
		id      INTEGER PRIMARY KEY,
		ts      INTEGER NOT NULL,
		type    TEXT NOT NULL,
		payload TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS _meta (
		k TEXT PRIMARY KEY,
		v TEXT NOT NULL
	);
	`
	_, err := e.writeDB.Exec(schema)
	return err
}

// SetPublisher attaches the event bus producer.
func (e *Engine) SetPublisher(p bus.Publisher) { e.pub = p }

// SetObservers installs metrics hooks for change-log appends and
// capacity readings.
func (e *Engine) SetObservers(onEvent func(shardID, typ string), onUtilization func(shardID string, u float64)) {
	e.onEvent = onEvent
	e.onUtilization = onUtilization
}

// ID returns the shard id.
func (e *Engine) ID() string { return e.id }

// run is the single-writer actor loop. All mutating work funnels through
// here, which is what makes a shard serializable without row locks.
func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case cmd := <-e.commands:
			val, err := cmd.fn()
			// Reply channels are buffered so an abandoned caller never
			// blocks the actor.
			cmd.reply <- cmdResult{val: val, err: err}
		case <-e.closed:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case cmd := <-e.commands:
					val, err := cmd.fn()
					cmd.reply <- cmdResult{val: val, err: err}
				default:
					return
				}
			}
		}
	}
}

// submit runs fn on the actor and waits for its result or the deadline.
// On deadline expiry the actor may still complete the work; the buffered
// reply just goes unread.
func (e *Engine) submit(ctx context.Context, fn func() (any, error)) (any, error) {
	cmd := command{fn: fn, reply: make(chan cmdResult, 1)}
	select {
	case e.commands <- cmd:
	case <-ctx.Done():
		return nil, types.WrapError(types.CodeTimeout, "shard writer queue full", ctx.Err())
	case <-e.closed:
		return nil, types.Errf(types.CodeInternal, "shard %s is closed", e.id)
	}
	select {
	case res := <-cmd.reply:
		return res.val, res.err
	case <-ctx.Done():
		return nil, types.WrapError(types.CodeTimeout, "shard call deadline exceeded", ctx.Err())
	}
}

// Query executes a SELECT on the read pool.
func (e *Engine) Query(ctx context.Context, tenantID, query string, params []any) (*types.QueryResult, error) {
	if k := sqlinfo.Classify(query); k != sqlinfo.KindSelect {
		return nil, types.Errf(types.CodeInvalidQuery, "query() accepts SELECT only, got %s", k)
	}
	e.activeReads.Add(1)
	defer e.activeReads.Add(-1)
	start := time.Now()

	stmt, err := e.readStmts.get(ctx, query)
	if err != nil {
		e.failures.Add(1)
		return nil, normalizeErr(err)
	}
	rows, err := stmt.QueryContext(ctx, params...)
	if err != nil {
		e.failures.Add(1)
		return nil, normalizeErr(err)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		e.failures.Add(1)
		return nil, normalizeErr(err)
	}
	e.queries.Add(1)
	e.recordExec(start)
	return &types.QueryResult{
		Rows: out,
		Metadata: types.QueryMetadata{
			ShardID:         e.id,
			ExecutionTimeMs: time.Since(start).Milliseconds(),
		},
	}, nil
}

// Mutation executes one INSERT/UPDATE/DELETE. With a transactionId the
// statement is queued on the open transaction instead of executing.
func (e *Engine) Mutation(ctx context.Context, tenantID, query string, params []any, transactionID string) (*types.QueryResult, error) {
	kind := sqlinfo.Classify(query)
	if !kind.IsMutation() {
		return nil, types.Errf(types.CodeInvalidQuery, "mutation() accepts INSERT/UPDATE/DELETE only, got %s", kind)
	}
	if transactionID != "" {
		if err := e.queueOp(transactionID, tenantID, query, params); err != nil {
			return nil, err
		}
		return &types.QueryResult{Metadata: types.QueryMetadata{ShardID: e.id}}, nil
	}
	if err := e.checkCapacity(); err != nil {
		return nil, err
	}
	start := time.Now()
	val, err := e.submit(ctx, func() (any, error) {
		return e.applyOps(tenantID, []types.Operation{{SQL: query, Params: params}}, "mutation")
	})
	if err != nil {
		e.failures.Add(1)
		return nil, err
	}
	res := val.(*types.QueryResult)
	e.mutations.Add(1)
	e.recordExec(start)
	res.Metadata = types.QueryMetadata{ShardID: e.id, ExecutionTimeMs: time.Since(start).Milliseconds()}
	e.publishInvalidate(tenantID, []string{sqlinfo.Table(query)})
	return res, nil
}

// DDL executes a CREATE/ALTER/DROP and invalidates every cached query for
// the tenant.
func (e *Engine) DDL(ctx context.Context, tenantID, query string, params []any) (*types.QueryResult, error) {
	if k := sqlinfo.Classify(query); k != sqlinfo.KindDDL {
		return nil, types.Errf(types.CodeInvalidQuery, "ddl() accepts DDL only, got %s", k)
	}
	start := time.Now()
	val, err := e.submit(ctx, func() (any, error) {
		return e.applyOps(tenantID, []types.Operation{{SQL: query, Params: params}}, "ddl")
	})
	if err != nil {
		e.failures.Add(1)
		return nil, err
	}
	res := val.(*types.QueryResult)
	res.Metadata = types.QueryMetadata{ShardID: e.id, ExecutionTimeMs: time.Since(start).Milliseconds()}
	e.invalidateCapacity()
	e.publishInvalidate(tenantID, []string{"*"})
	return res, nil
}

// MutationBatch executes all operations inside one SQL transaction. Any
// failure rolls back the whole batch.
func (e *Engine) MutationBatch(ctx context.Context, tenantID string, ops []types.Operation) (*types.QueryResult, error) {
	if len(ops) == 0 {
		return &types.QueryResult{Metadata: types.QueryMetadata{ShardID: e.id}}, nil
	}
	for _, op := range ops {
		if k := sqlinfo.Classify(op.SQL); !k.IsMutation() && k != sqlinfo.KindDDL {
			return nil, types.Errf(types.CodeInvalidQuery, "batch op must be a mutation or DDL, got %s", k)
		}
	}
	if err := e.checkCapacity(); err != nil {
		return nil, err
	}
	start := time.Now()
	val, err := e.submit(ctx, func() (any, error) {
		return e.applyOps(tenantID, ops, "mutation")
	})
	if err != nil {
		e.failures.Add(1)
		return nil, err
	}
	res := val.(*types.QueryResult)
	e.mutations.Add(int64(len(ops)))
	res.Metadata = types.QueryMetadata{ShardID: e.id, ExecutionTimeMs: time.Since(start).Milliseconds()}

	tables := make([]string, 0, len(ops))
	seen := map[string]struct{}{}
	for _, op := range ops {
		t := sqlinfo.Table(op.SQL)
		if t == "" {
			t = "*"
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		tables = append(tables, t)
	}
	e.publishInvalidate(tenantID, tables)
	return res, nil
}

// applyOps runs on the actor goroutine: all ops plus their change-log
// rows inside one SQLite transaction.
func (e *Engine) applyOps(tenantID string, ops []types.Operation, eventType string) (*types.QueryResult, error) {
	tx, err := e.writeDB.Begin()
	if err != nil {
		return nil, normalizeErr(err)
	}
	var affected, insertID int64
	for _, op := range ops {
		res, err := tx.Exec(op.SQL, op.Params...)
		if err != nil {
			tx.Rollback()
			return nil, normalizeErr(err)
		}
		if n, err := res.RowsAffected(); err == nil {
			affected += n
		}
		if id, err := res.LastInsertId(); err == nil && id != 0 {
			insertID = id
		}
		if err := e.appendEvent(tx, tenantID, eventType, op); err != nil {
			tx.Rollback()
			return nil, normalizeErr(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, normalizeErr(err)
	}
	if e.onEvent != nil {
		for range ops {
			e.onEvent(e.id, eventType)
		}
	}
	return &types.QueryResult{RowsAffected: affected, InsertID: insertID}, nil
}

// appendEvent appends one change-log row with id = max+1, which keeps the
// log gap-free even after bookmarks restore older states.
func (e *Engine) appendEvent(tx *sql.Tx, tenantID, eventType string, op types.Operation) error {
	payload, err := json.Marshal(map[string]any{
		"tenantId": tenantID,
		"sql":      op.SQL,
		"params":   op.Params,
	})
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		"INSERT INTO _events (id, ts, type, payload) SELECT COALESCE(MAX(id), 0) + 1, ?, ?, ? FROM _events",
		time.Now().UnixMilli(), eventType, string(payload))
	return err
}

func (e *Engine) publishInvalidate(tenantID string, tables []string) {
	if e.pub == nil {
		return
	}
	keys := make([]string, 0, len(tables))
	for _, t := range tables {
		if t == "" {
			t = "*"
		}
		keys = append(keys, tenantID+":"+t)
	}
	e.pub.Publish(bus.Message{
		Type:    bus.TypeInvalidate,
		ShardID: e.id,
		Keys:    keys,
	})
}

// Events returns change-log rows with id > afterID and ts >= since,
// ordered by id. Used by the split orchestrator for tail replay.
func (e *Engine) Events(ctx context.Context, since time.Time, afterID int64, limit int) ([]types.Event, error) {
	if limit < 1 {
		limit = 750
	}
	rows, err := e.readDB.QueryContext(ctx,
		"SELECT id, ts, type, payload FROM _events WHERE id > ? AND ts >= ? ORDER BY id LIMIT ?",
		afterID, since.UnixMilli(), limit)
	if err != nil {
		return nil, normalizeErr(err)
	}
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		var (
			ev      types.Event
			tsMs    int64
			payload string
		)
		if err := rows.Scan(&ev.ID, &tsMs, &ev.Type, &payload); err != nil {
			return nil, normalizeErr(err)
		}
		ev.TS = time.UnixMilli(tsMs)
		var body struct {
			TenantID string `json:"tenantId"`
			SQL      string `json:"sql"`
			Params   []any  `json:"params"`
		}
		if err := json.Unmarshal([]byte(payload), &body); err != nil {
			return nil, fmt.Errorf("corrupt event %d on shard %s: %w", ev.ID, e.id, err)
		}
		ev.TenantID = body.TenantID
		ev.SQL = body.SQL
		ev.Params = body.Params
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Health classifies the shard against the capacity thresholds and the
// observed failure rate.
func (e *Engine) Health() types.ShardHealth {
	util := e.utilization()
	total := e.queries.Load() + e.mutations.Load()
	failures := e.failures.Load()
	var errorRate float64
	if total+failures > 0 {
		errorRate = float64(failures) / float64(total+failures)
	}
	status := types.HealthHealthy
	switch {
	case util >= HardThreshold || errorRate > 0.5:
		status = types.HealthUnhealthy
	case util >= SoftThreshold || errorRate > 0.1:
		status = types.HealthDegraded
	}
	var avgMs float64
	if n := e.execSamples.Load(); n > 0 {
		avgMs = float64(e.totalExecUs.Load()) / float64(n) / 1000.0
	}
	return types.ShardHealth{
		ShardID:             e.id,
		Status:              status,
		CapacityUtilization: util,
		ActiveConnections:   int(e.activeReads.Load()),
		AvgResponseTimeMs:   avgMs,
		ErrorRate:           errorRate,
		LastCheck:           time.Now(),
	}
}

// Metrics reports engine counters for the admin surface.
func (e *Engine) Metrics() map[string]any {
	e.txnMu.Lock()
	openTxns := len(e.txns)
	e.txnMu.Unlock()
	return map[string]any{
		"shardId":        e.id,
		"sizeBytes":      e.currentSize(),
		"maxBytes":       e.cfg.MaxBytes,
		"utilization":    e.utilization(),
		"queries":        e.queries.Load(),
		"mutations":      e.mutations.Load(),
		"failures":       e.failures.Load(),
		"openTxns":       openTxns,
		"writeStmtCache": e.writeStmts.len(),
		"readStmtCache":  e.readStmts.len(),
	}
}

func (e *Engine) recordExec(start time.Time) {
	e.totalExecUs.Add(time.Since(start).Microseconds())
	e.execSamples.Add(1)
}

// Close stops the actor and closes both connections.
func (e *Engine) Close() error {
	select {
	case <-e.closed:
		return nil
	default:
	}
	close(e.closed)
	e.wg.Wait()
	e.writeStmts.close()
	e.readStmts.close()
	return e.closeDBs()
}

func (e *Engine) closeDBs() error {
	var first error
	if e.readDB != nil {
		if err := e.readDB.Close(); err != nil && first == nil {
			first = err
		}
	}
	if e.writeDB != nil {
		if err := e.writeDB.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// scanRows converts sql rows to the wire row shape. BLOB/TEXT columns
// arrive as []byte from the driver and are surfaced as strings.
func scanRows(rows *sql.Rows) ([]types.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []types.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(types.Row, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
