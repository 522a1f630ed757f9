package shard

import (
	"context"
	"time"

	"github.com/google/uuid"

	"shardsql/internal/logging"
	"shardsql/internal/sqlinfo"
	"shardsql/internal/types"
)

// pendingTxn is an open client transaction: statements queue here and
// apply atomically on COMMIT.
type pendingTxn struct {
	id       string
	tenantID string
	ops      []types.Operation
	started  time.Time
	lastSeen time.Time
}

// Transaction handles BEGIN/COMMIT/ROLLBACK. BEGIN returns the new
// transaction id in the result's InsertID-free Rows payload; COMMIT and
// ROLLBACK on an unknown id are no-op successes, which absorbs session
// churn after an inactivity rollback.
func (e *Engine) Transaction(ctx context.Context, tenantID string, op types.TxnOp, transactionID string) (string, *types.QueryResult, error) {
	switch op {
	case types.TxnBegin:
		id := uuid.NewString()
		now := time.Now()
		e.txnMu.Lock()
		e.txns[id] = &pendingTxn{id: id, tenantID: tenantID, started: now, lastSeen: now}
		e.txnMu.Unlock()
		logging.ShardDebug("shard %s: txn %s opened for %s", e.id, id, tenantID)
		return id, &types.QueryResult{Metadata: types.QueryMetadata{ShardID: e.id}}, nil

	case types.TxnCommit:
		e.txnMu.Lock()
		txn, ok := e.txns[transactionID]
		delete(e.txns, transactionID)
		e.txnMu.Unlock()
		if !ok {
			return transactionID, &types.QueryResult{Metadata: types.QueryMetadata{ShardID: e.id}}, nil
		}
		if len(txn.ops) == 0 {
			return transactionID, &types.QueryResult{Metadata: types.QueryMetadata{ShardID: e.id}}, nil
		}
		if err := e.checkCapacity(); err != nil {
			return transactionID, nil, err
		}
		start := time.Now()
		val, err := e.submit(ctx, func() (any, error) {
			return e.applyOps(txn.tenantID, txn.ops, "mutation")
		})
		if err != nil {
			e.failures.Add(1)
			return transactionID, nil, err
		}
		res := val.(*types.QueryResult)
		e.mutations.Add(int64(len(txn.ops)))
		res.Metadata = types.QueryMetadata{ShardID: e.id, ExecutionTimeMs: time.Since(start).Milliseconds()}

		seen := map[string]struct{}{}
		var tables []string
		for _, qop := range txn.ops {
			t := sqlinfo.Table(qop.SQL)
			if t == "" {
				t = "*"
			}
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			tables = append(tables, t)
		}
		e.publishInvalidate(txn.tenantID, tables)
		return transactionID, res, nil

	case types.TxnRollback:
		e.txnMu.Lock()
		_, ok := e.txns[transactionID]
		delete(e.txns, transactionID)
		e.txnMu.Unlock()
		if ok {
			logging.ShardDebug("shard %s: txn %s rolled back", e.id, transactionID)
		}
		return transactionID, &types.QueryResult{Metadata: types.QueryMetadata{ShardID: e.id}}, nil
	}
	return "", nil, types.Errf(types.CodeInvalidQuery, "unknown transaction op %q", op)
}

// queueOp appends a statement to an open transaction.
func (e *Engine) queueOp(transactionID, tenantID, query string, params []any) error {
	e.txnMu.Lock()
	defer e.txnMu.Unlock()
	txn, ok := e.txns[transactionID]
	if !ok {
		return types.Errf(types.CodeTransactionNotFound, "transaction %s not found on shard %s", transactionID, e.id)
	}
	if txn.tenantID != tenantID {
		return types.Errf(types.CodeTenantAccessDenied, "transaction %s belongs to another tenant", transactionID)
	}
	txn.ops = append(txn.ops, types.Operation{SQL: query, Params: params})
	txn.lastSeen = time.Now()
	return nil
}

// SweepTransactions rolls back transactions idle past the inactivity
// timeout and returns how many were discarded. Called on the session
// sweep cadence.
func (e *Engine) SweepTransactions(now time.Time) int {
	e.txnMu.Lock()
	defer e.txnMu.Unlock()
	n := 0
	for id, txn := range e.txns {
		if now.Sub(txn.lastSeen) > e.cfg.TxnInactivity {
			delete(e.txns, id)
			n++
			logging.Shard("shard %s: txn %s expired after %s idle (%d queued ops dropped)",
				e.id, id, e.cfg.TxnInactivity, len(txn.ops))
		}
	}
	return n
}

// OpenTransactions reports live transaction ids, for the admin surface.
func (e *Engine) OpenTransactions() []string {
	e.txnMu.Lock()
	defer e.txnMu.Unlock()
	out := make([]string, 0, len(e.txns))
	for id := range e.txns {
		out = append(out, id)
	}
	return out
}
