package split

import (
	"context"
	"runtime"
	"time"

	"shardsql/internal/logging"
	"shardsql/internal/sqlinfo"
	"shardsql/internal/types"
)

// tailSinceSlack rewinds the replay window slightly before dual-write
// start so an event committed concurrently with the phase transition is
// never missed. Duplicates are harmless: replay filters on id.
const tailSinceSlack = 5 * time.Millisecond

// ReplayTail applies one batch of source change-log events to the target
// in strictly increasing id order. Returns true when the tail is caught
// up (a short batch), after which the plan sits in cutover_pending.
// Subsequent calls while writes continue are legal and keep draining.
func (o *Orchestrator) ReplayTail(ctx context.Context, id string) (bool, error) {
	o.mu.Lock()
	p, err := o.getLocked(id)
	if err != nil {
		o.mu.Unlock()
		return false, err
	}
	switch p.Phase {
	case types.PhaseBackfill, types.PhaseTailing, types.PhaseCutoverPending:
	default:
		o.mu.Unlock()
		return false, types.Errf(types.CodeInvalidPhase,
			"replayTail requires backfill, tailing or cutover_pending, plan %s is %s", id, p.Phase)
	}
	if p.DualWriteStartedAt == nil {
		o.mu.Unlock()
		return false, types.Errf(types.CodeInvalidPhase, "plan %s never started dual-write", id)
	}
	since := p.DualWriteStartedAt.Add(-tailSinceSlack)
	afterID := p.Tail.LastEventID
	source, target := p.SourceShard, p.TargetShard
	tenants := append([]string(nil), p.TenantIDs...)
	o.mu.Unlock()

	src, err := o.engines.Get(source)
	if err != nil {
		return false, o.recordError(p, err)
	}
	dst, err := o.engines.Get(target)
	if err != nil {
		return false, o.recordError(p, err)
	}

	events, err := src.Events(ctx, since, afterID, o.cfg.TailBatchSize)
	if err != nil {
		return false, o.recordError(p, err)
	}

	inPlan := map[string]bool{}
	for _, t := range tenants {
		inPlan[t] = true
	}

	var replayed int64
	for _, ev := range events {
		// At-least-once delivery can hand back an id we already applied.
		if ev.ID <= afterID {
			continue
		}
		if inPlan[ev.TenantID] && sqlinfo.Classify(ev.SQL) != sqlinfo.KindSelect {
			if err := o.applyEvent(ctx, dst, ev); err != nil {
				return false, o.recordError(p, err)
			}
			replayed++
		}

		afterID = ev.ID
		ts := ev.TS
		o.mu.Lock()
		p.Tail.LastEventID = ev.ID
		p.Tail.LastEventTS = &ts
		p.Tail.Status = TailReplaying
		err = o.persistLocked(p)
		o.mu.Unlock()
		if err != nil {
			return false, err
		}
		runtime.Gosched()
	}
	if o.onEventsReplayed != nil && replayed > 0 {
		o.onEventsReplayed(p.ID, replayed)
	}

	caughtUp := len(events) < o.cfg.TailBatchSize
	o.mu.Lock()
	defer o.mu.Unlock()
	if caughtUp {
		p.Tail.Status = TailCaughtUp
		p.Phase = types.PhaseCutoverPending
		p.ErrorMessage = ""
	}
	if err := o.persistLocked(p); err != nil {
		return false, err
	}
	if caughtUp {
		logging.Split("plan %s: tail caught up at event %d", id, p.Tail.LastEventID)
	} else {
		logging.SplitDebug("plan %s: replayed %d events through %d", id, replayed, p.Tail.LastEventID)
	}
	return caughtUp, nil
}

// applyEvent routes one change-log event onto the target shard. Unique
// conflicts are expected: dual-write already delivered most of the tail,
// so an INSERT that collides simply confirms the row is present.
func (o *Orchestrator) applyEvent(ctx context.Context, dst Engine, ev types.Event) error {
	var err error
	if sqlinfo.Classify(ev.SQL) == sqlinfo.KindDDL {
		_, err = dst.DDL(ctx, ev.TenantID, ev.SQL, ev.Params)
	} else {
		_, err = dst.Mutation(ctx, ev.TenantID, ev.SQL, ev.Params, "")
	}
	if err != nil && types.IsCode(err, types.CodeConflictUnique) {
		logging.SplitDebug("event %d already applied on target: %v", ev.ID, err)
		return nil
	}
	return err
}
