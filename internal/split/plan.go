// Package split drives online shard splits: a persistent state machine
// per plan moving tenants from a source shard to a target through
// dual-write, paged backfill, tail replay in strict event order, and an
// atomic routing cutover. Every step is idempotent and resumable from
// the persisted plan.
package split

import (
	"time"

	"shardsql/internal/policy"
	"shardsql/internal/types"
)

// Backfill statuses.
const (
	BackfillPending   = "pending"
	BackfillRunning   = "running"
	BackfillCompleted = "completed"
)

// Tail statuses.
const (
	TailPending   = "pending"
	TailReplaying = "replaying"
	TailCaughtUp  = "caught_up"
)

// BackfillState tracks paged copy progress. Cursors and the done set are
// persisted after every page so a restart resumes without double counting.
type BackfillState struct {
	Status          string            `json:"status"`
	TableCursor     map[string]string `json:"tableCursor"` // "<tenantId>:<table>" -> cursor
	Done            map[string]bool   `json:"done"`        // "<tenantId>:<table>" -> exhausted
	TotalRowsCopied int64             `json:"totalRowsCopied"`
}

// TailState tracks change-log replay progress. LastEventID is
// monotonically non-decreasing across persistence points.
type TailState struct {
	Status      string     `json:"status"`
	LastEventID int64      `json:"lastEventId"`
	LastEventTS *time.Time `json:"lastEventTs,omitempty"`
}

// Plan is one shard split plan.
type Plan struct {
	ID            string                         `json:"id"`
	SourceShard   string                         `json:"sourceShard"`
	TargetShard   string                         `json:"targetShard"`
	TenantIDs     []string                       `json:"tenantIds"`
	TablePolicies map[string]*policy.TablePolicy `json:"tablePolicies"`
	Description   string                         `json:"description,omitempty"`

	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
	Phase     types.SplitPhase `json:"phase"`

	RoutingVersionAtStart int64      `json:"routingVersionAtStart"`
	DualWriteStartedAt    *time.Time `json:"dualWriteStartedAt,omitempty"`
	Backfill              BackfillState `json:"backfill"`
	Tail                  TailState     `json:"tail"`
	RoutingVersionCutover int64      `json:"routingVersionCutover,omitempty"`
	CompletedAt           *time.Time `json:"completedAt,omitempty"`
	ErrorMessage          string     `json:"errorMessage,omitempty"`
}

// HasTenant reports whether tenantID is covered by the plan.
func (p *Plan) HasTenant(tenantID string) bool {
	for _, t := range p.TenantIDs {
		if t == tenantID {
			return true
		}
	}
	return false
}

// Active reports whether the plan still influences routing.
func (p *Plan) Active() bool { return !p.Phase.Terminal() }

// Metrics is the per-plan progress summary exposed on the admin surface.
type Metrics struct {
	ID              string           `json:"id"`
	Phase           types.SplitPhase `json:"phase"`
	TotalRowsCopied int64            `json:"totalRowsCopied"`
	BackfillStatus  string           `json:"backfillStatus"`
	TailStatus      string           `json:"tailStatus"`
	LastEventID     int64            `json:"lastEventId"`
	Tenants         []string         `json:"tenants"`
	StartedAt       time.Time        `json:"startedAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
	ErrorMessage    string           `json:"errorMessage,omitempty"`
}

func (p *Plan) metrics() *Metrics {
	return &Metrics{
		ID:              p.ID,
		Phase:           p.Phase,
		TotalRowsCopied: p.Backfill.TotalRowsCopied,
		BackfillStatus:  p.Backfill.Status,
		TailStatus:      p.Tail.Status,
		LastEventID:     p.Tail.LastEventID,
		Tenants:         append([]string(nil), p.TenantIDs...),
		StartedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
		ErrorMessage:    p.ErrorMessage,
	}
}
