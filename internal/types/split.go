package types

// SplitPhase is the lifecycle phase of a shard split plan.
type SplitPhase string

const (
	PhasePlanning       SplitPhase = "planning"
	PhaseDualWrite      SplitPhase = "dual_write"
	PhaseBackfill       SplitPhase = "backfill"
	PhaseTailing        SplitPhase = "tailing"
	PhaseCutoverPending SplitPhase = "cutover_pending"
	PhaseCompleted      SplitPhase = "completed"
	PhaseRolledBack     SplitPhase = "rolled_back"
)

// Terminal reports whether the phase ends the plan. Terminal plans are
// ignored by the router.
func (p SplitPhase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseRolledBack
}

// DualWriting reports whether writes must mirror to the target shard.
func (p SplitPhase) DualWriting() bool {
	switch p {
	case PhaseDualWrite, PhaseBackfill, PhaseTailing, PhaseCutoverPending:
		return true
	}
	return false
}

// SplitRouting is the router's view of a tenant mid-split.
type SplitRouting struct {
	Active      bool       `json:"active"`
	SourceShard string     `json:"sourceShard"`
	TargetShard string     `json:"targetShard"`
	Phase       SplitPhase `json:"phase"`
}
