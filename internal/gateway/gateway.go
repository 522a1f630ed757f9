// Package gateway is the request entry point: authentication, SQL
// validation, hint parsing, consistency-mode selection, sticky sessions
// with per-shard connection pools, circuit breakers, and dispatch into
// the router, shard engines, and cache coherence plane.
package gateway

import (
	"context"
	"time"

	"shardsql/internal/bus"
	"shardsql/internal/cache"
	"shardsql/internal/config"
	"shardsql/internal/logging"
	"shardsql/internal/policy"
	"shardsql/internal/router"
	"shardsql/internal/shard"
	"shardsql/internal/sqlinfo"
	"shardsql/internal/types"
)

// TenantColumn is the column every user table carries for tenant
// isolation. The gateway rewrites every statement to scope on it.
const TenantColumn = "tenant_id"

// RequestHints are body-level hint overrides; inline /*+ ... */ hints win
// over these.
type RequestHints struct {
	Consistency string `json:"consistency,omitempty"`
	BoundedMs   int64  `json:"boundedMs,omitempty"`
	ShardKey    string `json:"shardKey,omitempty"`
	ShardValue  string `json:"shardValue,omitempty"`
}

// SQLRequest is one statement submitted to POST /sql.
type SQLRequest struct {
	SQL       string        `json:"sql"`
	Params    []any         `json:"params,omitempty"`
	SessionID string        `json:"sessionId,omitempty"`
	Hints     *RequestHints `json:"hints,omitempty"`
}

// BatchRequest is a group of mutations submitted to POST /sql/batch.
type BatchRequest struct {
	Operations []types.Operation `json:"operations"`
}

// BatchResult aggregates a batch grouped by resolved shard.
type BatchResult struct {
	RowsAffected int64                `json:"rowsAffected"`
	Groups       []*types.QueryResult `json:"groups"`
}

// TxnRequest manages a transaction on POST /sql/txn.
type TxnRequest struct {
	Op            types.TxnOp `json:"op"`
	SessionID     string      `json:"sessionId,omitempty"`
	TransactionID string      `json:"transactionId,omitempty"`
}

// TxnResult is the response to a transaction operation.
type TxnResult struct {
	SessionID     string             `json:"sessionId"`
	TransactionID string             `json:"transactionId,omitempty"`
	Result        *types.QueryResult `json:"result,omitempty"`
}

// Observers are the gateway's metrics hooks.
type Observers struct {
	OnQuery   func(mode, outcome string, elapsed time.Duration)
	OnBreaker func(shardID, state string)
	OnWaiters func(shardID string, n int)
	OnSession func(n int)
}

// Gateway coordinates one request's path through the core.
type Gateway struct {
	cfg      *config.Config
	auth     Authenticator
	shards   *shard.Manager
	router   *router.Router
	cache    *cache.Engine
	policies *policy.Store
	queue    *bus.Queue

	sessions *SessionManager
	pools    *PoolSet
	breakers *BreakerSet

	obs Observers
}

// New wires the gateway. queue may be nil in tests that do not exercise
// the secondary invalidation path.
func New(cfg *config.Config, auth Authenticator, shards *shard.Manager, rt *router.Router, cacheEngine *cache.Engine, policies *policy.Store, queue *bus.Queue, obs Observers) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		auth:     auth,
		shards:   shards,
		router:   rt,
		cache:    cacheEngine,
		policies: policies,
		queue:    queue,
		obs:      obs,
	}
	g.sessions = NewSessionManager(cfg.SessionTTL, obs.OnSession)
	g.pools = NewPoolSet(cfg.MaxConnectionsPerShard, obs.OnWaiters)
	g.breakers = NewBreakerSet(cfg.BreakerFailureThreshold, time.Minute, cfg.BreakerCooldown, obs.OnBreaker)
	return g
}

// Sessions exposes the session manager for the sweep scheduler.
func (g *Gateway) Sessions() *SessionManager { return g.sessions }

// Authenticate validates a bearer token.
func (g *Gateway) Authenticate(token string) (*types.AuthContext, error) {
	return g.auth.Authenticate(token)
}

// Execute runs one statement for the authenticated tenant.
func (g *Gateway) Execute(ctx context.Context, authCtx *types.AuthContext, req SQLRequest) (*types.QueryResult, error) {
	start := time.Now()
	res, mode, err := g.execute(ctx, authCtx, req)
	if g.obs.OnQuery != nil {
		outcome := "ok"
		if err != nil {
			outcome = string(types.CodeOf(err))
		}
		g.obs.OnQuery(string(mode), outcome, time.Since(start))
	}
	return res, err
}

func (g *Gateway) execute(ctx context.Context, authCtx *types.AuthContext, req SQLRequest) (*types.QueryResult, types.ConsistencyMode, error) {
	if err := ValidateSQL(req.SQL); err != nil {
		return nil, "", err
	}
	hints, stripped, err := ParseHints(req.SQL)
	if err != nil {
		return nil, "", err
	}
	mergeBodyHints(&hints, req.Hints)

	sqlText, err := sqlinfo.RewriteNamedParams(stripped)
	if err != nil {
		return nil, "", err
	}
	params := req.Params
	kind := sqlinfo.Classify(sqlText)

	// Tenant isolation: every non-DDL statement is rewritten to carry a
	// tenant predicate or pinned insert value.
	if kind != sqlinfo.KindDDL {
		sqlText, params, err = sqlinfo.ScopeToTenant(sqlText, params, authCtx.TenantID, TenantColumn)
		if err != nil {
			return nil, "", err
		}
	}
	table := sqlinfo.Table(sqlText)
	tablePolicy, err := g.policies.GetTablePolicy(table)
	if err != nil {
		return nil, "", err
	}

	shardKey := hints.ShardVal
	if shardKey == "" && tablePolicy.ShardBy != "" {
		if v, ok := sqlinfo.BoundValue(sqlText, params, tablePolicy.ShardBy); ok {
			if s, ok := v.(string); ok {
				shardKey = s
			}
		}
	}

	// Sticky session: statements inside a transaction stay on the
	// pinned shard.
	var pinned *Session
	if req.SessionID != "" {
		pinned, err = g.sessions.Get(req.SessionID, authCtx.TenantID)
		if err != nil {
			return nil, "", err
		}
	}

	switch kind {
	case sqlinfo.KindSelect:
		return g.executeSelect(ctx, authCtx, sqlText, params, table, tablePolicy, hints, shardKey, pinned)
	case sqlinfo.KindInsert, sqlinfo.KindUpdate, sqlinfo.KindDelete:
		res, err := g.executeMutation(ctx, authCtx, sqlText, params, table, shardKey, pinned)
		return res, "", err
	case sqlinfo.KindDDL:
		res, err := g.executeDDL(ctx, authCtx, sqlText, params, shardKey)
		return res, "", err
	default:
		return nil, "", types.Errf(types.CodeInvalidQuery, "unsupported statement kind %s", kind)
	}
}

// executeSelect resolves the consistency mode and serves the read through
// the cache coherence engine.
func (g *Gateway) executeSelect(ctx context.Context, authCtx *types.AuthContext, sqlText string, params []any, table string, tablePolicy *policy.TablePolicy, hints Hints, shardKey string, pinned *Session) (*types.QueryResult, types.ConsistencyMode, error) {
	mode, ttl, swr := g.resolveConsistency(sqlText, tablePolicy, hints)

	var shardID string
	if pinned != nil && pinned.IsInTransaction {
		shardID = pinned.ShardID
		// Reads inside a transaction always see the authoritative shard.
		mode = types.ModeStrong
	} else {
		target, err := g.router.RouteQuery(authCtx.TenantID, table, shardKey)
		if err != nil {
			return nil, mode, err
		}
		shardID = target.ShardID
	}

	exec := func(ctx context.Context) (*types.QueryResult, error) {
		return g.callShard(ctx, shardID, func(ctx context.Context, e *shard.Engine) (*types.QueryResult, error) {
			return e.Query(ctx, authCtx.TenantID, sqlText, params)
		})
	}
	res, err := g.cache.Read(ctx, cache.ReadRequest{
		TenantID: authCtx.TenantID,
		Table:    table,
		SQL:      sqlText,
		Params:   params,
		Mode:     mode,
		TTL:      ttl,
		SWR:      swr,
	}, exec)
	return res, mode, err
}

// resolveConsistency applies the precedence: always-strong columns, then
// the query hint, then the table policy, then the system default.
func (g *Gateway) resolveConsistency(sqlText string, tablePolicy *policy.TablePolicy, hints Hints) (types.ConsistencyMode, time.Duration, time.Duration) {
	for _, col := range tablePolicy.Cache.AlwaysStrongColumns {
		if referencesColumn(sqlText, col) {
			return types.ModeStrong, 0, 0
		}
	}
	ttl := time.Duration(tablePolicy.Cache.TTLMs) * time.Millisecond
	swr := time.Duration(tablePolicy.Cache.SWRMs) * time.Millisecond
	if ttl <= 0 {
		ttl = g.cfg.DefaultCacheTTL
	}
	if swr <= ttl {
		swr = g.cfg.DefaultCacheSWR
	}
	if hints.Mode != "" {
		if hints.Mode == types.ModeBounded && hints.BoundedMs > 0 {
			ttl = time.Duration(hints.BoundedMs) * time.Millisecond
			if swr < ttl {
				swr = ttl
			}
		}
		return hints.Mode, ttl, swr
	}
	if tablePolicy.Cache.Mode != "" {
		return tablePolicy.Cache.Mode, ttl, swr
	}
	return types.ModeBounded, ttl, swr
}

// executeMutation routes a write, fanning out to source and target while
// the tenant's split plan mirrors writes.
func (g *Gateway) executeMutation(ctx context.Context, authCtx *types.AuthContext, sqlText string, params []any, table, shardKey string, pinned *Session) (*types.QueryResult, error) {
	// Transactional statements queue on the pinned shard; they apply at
	// COMMIT and reach the split target through tail replay.
	if pinned != nil && pinned.IsInTransaction {
		return g.callShard(ctx, pinned.ShardID, func(ctx context.Context, e *shard.Engine) (*types.QueryResult, error) {
			return e.Mutation(ctx, authCtx.TenantID, sqlText, params, pinned.TransactionID)
		})
	}

	wt, err := g.router.RouteWrite(authCtx.TenantID, table, shardKey)
	if err != nil {
		return nil, err
	}
	res, err := g.router.DualWrite(ctx, wt, func(ctx context.Context, shardID string) (*types.QueryResult, error) {
		return g.callShard(ctx, shardID, func(ctx context.Context, e *shard.Engine) (*types.QueryResult, error) {
			return e.Mutation(ctx, authCtx.TenantID, sqlText, params, "")
		})
	})
	if err != nil {
		return nil, err
	}
	g.secondaryInvalidate(authCtx.TenantID, table, wt.Source)
	return res, nil
}

// executeDDL applies schema changes, mirrored to the split target so the
// backfilled schema matches.
func (g *Gateway) executeDDL(ctx context.Context, authCtx *types.AuthContext, sqlText string, params []any, shardKey string) (*types.QueryResult, error) {
	table := sqlinfo.Table(sqlText)
	wt, err := g.router.RouteWrite(authCtx.TenantID, table, shardKey)
	if err != nil {
		return nil, err
	}
	res, err := g.router.DualWrite(ctx, wt, func(ctx context.Context, shardID string) (*types.QueryResult, error) {
		return g.callShard(ctx, shardID, func(ctx context.Context, e *shard.Engine) (*types.QueryResult, error) {
			return e.DDL(ctx, authCtx.TenantID, sqlText, params)
		})
	})
	if err != nil {
		return nil, err
	}
	g.secondaryInvalidate(authCtx.TenantID, "*", wt.Source)
	return res, nil
}

// ExecuteBatch groups operations by resolved shard and applies each group
// atomically.
func (g *Gateway) ExecuteBatch(ctx context.Context, authCtx *types.AuthContext, req BatchRequest) (*BatchResult, error) {
	if len(req.Operations) == 0 {
		return nil, types.NewError(types.CodeInvalidQuery, "batch requires at least one operation")
	}
	type group struct {
		wt  router.WriteTargets
		ops []types.Operation
	}
	groups := map[string]*group{}
	order := []string{}
	tables := map[string]map[string]struct{}{}

	for _, op := range req.Operations {
		if err := ValidateSQL(op.SQL); err != nil {
			return nil, err
		}
		_, stripped, err := ParseHints(op.SQL)
		if err != nil {
			return nil, err
		}
		sqlText, err := sqlinfo.RewriteNamedParams(stripped)
		if err != nil {
			return nil, err
		}
		params := op.Params
		if sqlinfo.Classify(sqlText) != sqlinfo.KindDDL {
			sqlText, params, err = sqlinfo.ScopeToTenant(sqlText, params, authCtx.TenantID, TenantColumn)
			if err != nil {
				return nil, err
			}
		}
		table := sqlinfo.Table(sqlText)
		wt, err := g.router.RouteWrite(authCtx.TenantID, table, "")
		if err != nil {
			return nil, err
		}
		grp, ok := groups[wt.Source]
		if !ok {
			grp = &group{wt: wt}
			groups[wt.Source] = grp
			order = append(order, wt.Source)
			tables[wt.Source] = map[string]struct{}{}
		}
		grp.ops = append(grp.ops, types.Operation{SQL: sqlText, Params: params})
		tables[wt.Source][table] = struct{}{}
	}

	out := &BatchResult{}
	for _, shardID := range order {
		grp := groups[shardID]
		res, err := g.router.DualWrite(ctx, grp.wt, func(ctx context.Context, target string) (*types.QueryResult, error) {
			return g.callShard(ctx, target, func(ctx context.Context, e *shard.Engine) (*types.QueryResult, error) {
				return e.MutationBatch(ctx, authCtx.TenantID, grp.ops)
			})
		})
		if err != nil {
			return nil, err
		}
		out.RowsAffected += res.RowsAffected
		out.Groups = append(out.Groups, res)
		for table := range tables[shardID] {
			g.secondaryInvalidate(authCtx.TenantID, table, shardID)
		}
	}
	return out, nil
}

// Txn manages BEGIN/COMMIT/ROLLBACK with sticky sessions.
func (g *Gateway) Txn(ctx context.Context, authCtx *types.AuthContext, req TxnRequest) (*TxnResult, error) {
	switch req.Op {
	case types.TxnBegin:
		target, err := g.router.RouteWrite(authCtx.TenantID, "", "")
		if err != nil {
			return nil, err
		}
		var txnID string
		res, err := g.callShard(ctx, target.Source, func(ctx context.Context, e *shard.Engine) (*types.QueryResult, error) {
			id, r, err := e.Transaction(ctx, authCtx.TenantID, types.TxnBegin, "")
			txnID = id
			return r, err
		})
		if err != nil {
			return nil, err
		}
		if req.SessionID != "" {
			if _, err := g.sessions.Get(req.SessionID, authCtx.TenantID); err == nil {
				g.sessions.Rebind(req.SessionID, target.Source, txnID)
				return &TxnResult{SessionID: req.SessionID, TransactionID: txnID, Result: res}, nil
			}
		}
		sess := g.sessions.Begin(authCtx.TenantID, target.Source, txnID)
		logging.GatewayDebug("txn %s begun on %s (session %s)", txnID, target.Source, sess.ID)
		return &TxnResult{SessionID: sess.ID, TransactionID: txnID, Result: res}, nil

	case types.TxnCommit, types.TxnRollback:
		if req.SessionID == "" {
			// Session churn: committing an unknown session is a no-op.
			return &TxnResult{}, nil
		}
		sess, err := g.sessions.Get(req.SessionID, authCtx.TenantID)
		if err != nil {
			if types.IsCode(err, types.CodeTransactionNotFound) {
				return &TxnResult{SessionID: req.SessionID}, nil
			}
			return nil, err
		}
		txnID := req.TransactionID
		if txnID == "" {
			txnID = sess.TransactionID
		}
		res, err := g.callShard(ctx, sess.ShardID, func(ctx context.Context, e *shard.Engine) (*types.QueryResult, error) {
			_, r, err := e.Transaction(ctx, authCtx.TenantID, req.Op, txnID)
			return r, err
		})
		if err != nil {
			return nil, err
		}
		g.sessions.EndTransaction(req.SessionID)
		return &TxnResult{SessionID: req.SessionID, TransactionID: txnID, Result: res}, nil
	}
	return nil, types.Errf(types.CodeInvalidQuery, "unknown transaction op %q", req.Op)
}

// callShard wraps one shard call with the circuit breaker, the
// connection pool, and the request deadline.
func (g *Gateway) callShard(ctx context.Context, shardID string, fn func(ctx context.Context, e *shard.Engine) (*types.QueryResult, error)) (*types.QueryResult, error) {
	br := g.breakers.For(shardID)
	if err := br.Allow(); err != nil {
		return nil, err
	}
	release, err := g.pools.Acquire(ctx, shardID)
	if err != nil {
		return nil, err
	}
	defer release()

	e, err := g.shards.Get(shardID)
	if err != nil {
		br.Failure()
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()
	res, err := fn(cctx, e)
	switch {
	case err == nil:
		br.Success()
	case isShardFault(err):
		br.Failure()
	}
	return res, err
}

// isShardFault reports whether an error should count against the shard's
// breaker. Client mistakes and data conflicts do not open circuits.
func isShardFault(err error) bool {
	switch types.CodeOf(err) {
	case types.CodeRetryable, types.CodeTimeout, types.CodeSQLError, types.CodeInternal:
		return true
	}
	return false
}

// secondaryInvalidate publishes an invalidation from the gateway as
// defense in depth against a lost producer-side event. The consumer's
// dedup marker makes the duplicate free.
func (g *Gateway) secondaryInvalidate(tenantID, table, shardID string) {
	if g.queue == nil {
		return
	}
	if table == "" {
		table = "*"
	}
	g.queue.Publish(bus.Message{
		Type:    bus.TypeInvalidate,
		ShardID: shardID,
		Keys:    []string{tenantID + ":" + table},
	})
}

func mergeBodyHints(h *Hints, body *RequestHints) {
	if body == nil {
		return
	}
	if h.Mode == "" && body.Consistency != "" {
		switch body.Consistency {
		case "strong":
			h.Mode = types.ModeStrong
		case "bounded":
			h.Mode = types.ModeBounded
			h.BoundedMs = body.BoundedMs
		case "weak", "cached":
			h.Mode = types.ModeCached
		}
	}
	if h.ShardVal == "" && body.ShardValue != "" {
		h.ShardKey = body.ShardKey
		h.ShardVal = body.ShardValue
	}
}

// referencesColumn is a word-boundary containment check, enough to spot
// an always-strong column in a statement without parsing it.
func referencesColumn(sqlText, col string) bool {
	if col == "" {
		return false
	}
	low := len(sqlText) - len(col)
	for i := 0; i <= low; i++ {
		if !equalFold(sqlText[i:i+len(col)], col) {
			continue
		}
		beforeOK := i == 0 || !isWordByte(sqlText[i-1])
		afterOK := i+len(col) == len(sqlText) || !isWordByte(sqlText[i+len(col)])
		if beforeOK && afterOK {
			return true
		}
	}
	return false
}

func isWordByte(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
