package split

import (
	"context"
	"runtime"
	"sort"

	"shardsql/internal/logging"
	"shardsql/internal/types"
)

// RunBackfill copies the plan's tenants table by table from source to
// target in pages, persisting the cursor after every page. Re-running a
// partially finished backfill resumes from the persisted cursors; a
// finished (tenant, table) pair is skipped outright, so rows are never
// counted twice.
func (o *Orchestrator) RunBackfill(ctx context.Context, id string) error {
	o.mu.Lock()
	p, err := o.getLocked(id)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	switch p.Phase {
	case types.PhaseDualWrite, types.PhaseBackfill:
	default:
		o.mu.Unlock()
		return types.Errf(types.CodeInvalidPhase,
			"runBackfill requires dual_write or backfill, plan %s is %s", id, p.Phase)
	}
	p.Phase = types.PhaseBackfill
	p.Backfill.Status = BackfillRunning
	if err := o.persistLocked(p); err != nil {
		o.mu.Unlock()
		return err
	}
	pairs := o.backfillPairsLocked(p)
	source := p.SourceShard
	target := p.TargetShard
	o.mu.Unlock()

	src, err := o.engines.Get(source)
	if err != nil {
		return o.recordError(p, err)
	}
	dst, err := o.engines.Get(target)
	if err != nil {
		return o.recordError(p, err)
	}

	for _, pair := range pairs {
		if err := o.backfillPair(ctx, p, src, dst, pair); err != nil {
			return o.recordError(p, err)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	p.Phase = types.PhaseTailing
	p.Backfill.Status = BackfillCompleted
	p.Tail.Status = TailReplaying
	p.ErrorMessage = ""
	if err := o.persistLocked(p); err != nil {
		return err
	}
	logging.Split("plan %s: backfill complete, %d rows copied", id, p.Backfill.TotalRowsCopied)
	return nil
}

// backfillPair is one (tenant, table) copy unit with its tenant column.
type backfillPair struct {
	key          string // "<tenantId>:<table>"
	tenantID     string
	table        string
	tenantColumn string
}

// backfillPairsLocked enumerates the copy units: every snapshotted table
// with a shard-by column, crossed with the plan's tenants, in stable
// order. Tables without a shardBy column fall back to the configured
// tenant column.
func (o *Orchestrator) backfillPairsLocked(p *Plan) []backfillPair {
	tables := make([]string, 0, len(p.TablePolicies))
	for t := range p.TablePolicies {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	var pairs []backfillPair
	for _, table := range tables {
		pol := p.TablePolicies[table]
		col := pol.ShardBy
		if col == "" {
			col = o.cfg.TenantColumn
		}
		for _, tenant := range p.TenantIDs {
			pairs = append(pairs, backfillPair{
				key:          tenant + ":" + table,
				tenantID:     tenant,
				table:        table,
				tenantColumn: col,
			})
		}
	}
	return pairs
}

// backfillPair copies one unit page by page, yielding between pages so
// long backfills never monopolize the scheduler.
func (o *Orchestrator) backfillPair(ctx context.Context, p *Plan, src, dst Engine, pair backfillPair) error {
	o.mu.Lock()
	if p.Backfill.Done[pair.key] {
		o.mu.Unlock()
		return nil
	}
	cursor := p.Backfill.TableCursor[pair.key]
	o.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return types.WrapError(types.CodeTimeout, "backfill interrupted", err)
		}
		rows, next, err := src.Export(ctx, pair.table, pair.tenantID, cursor, o.cfg.BackfillPageSize, pair.tenantColumn)
		if err != nil {
			return err
		}
		var copied int64
		if len(rows) > 0 {
			copied, err = dst.Import(ctx, pair.table, rows, "upsert")
			if err != nil {
				return err
			}
		}

		o.mu.Lock()
		p.Backfill.TotalRowsCopied += copied
		if next == "" {
			p.Backfill.Done[pair.key] = true
			delete(p.Backfill.TableCursor, pair.key)
		} else {
			p.Backfill.TableCursor[pair.key] = next
		}
		err = o.persistLocked(p)
		o.mu.Unlock()
		if err != nil {
			return err
		}
		if o.onRowsCopied != nil && copied > 0 {
			o.onRowsCopied(p.ID, copied)
		}
		logging.SplitDebug("plan %s: copied %d rows of %s (cursor=%q)", p.ID, copied, pair.key, next)

		if next == "" {
			return nil
		}
		cursor = next
		runtime.Gosched()
	}
}
