package billing

import (
	"github.com/soulseer/sessiond/internal/lifecycle"
	"github.com/soulseer/sessiond/internal/money"
)

// Outcome classifies what a tick did.
type Outcome int

const (
	// OutcomeAccrued: time accrued, no boundary crossed.
	OutcomeAccrued Outcome = iota
	// OutcomeCommitted: a checkpoint debit succeeded.
	OutcomeCommitted
	// OutcomeRetrying: the debit failed once and will be retried next tick.
	OutcomeRetrying
	// OutcomeDepleted: the run cannot continue; end the session.
	OutcomeDepleted
	// OutcomeStopped: the run already ended; nothing happened.
	OutcomeStopped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccrued:
		return "accrued"
	case OutcomeCommitted:
		return "committed"
	case OutcomeRetrying:
		return "retrying"
	case OutcomeDepleted:
		return "depleted"
	case OutcomeStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// TickResult is the result of one Run.Tick.
type TickResult struct {
	Outcome Outcome
	// Checkpoint is set when Outcome is OutcomeCommitted.
	Checkpoint *lifecycle.Checkpoint
	// LowBalance is true on the single tick where the remaining estimate first
	// drops under the warning threshold.
	LowBalance bool
	Snapshot   Snapshot
	Err        error
}

// SettleResult is the final accounting of a run.
type SettleResult struct {
	// Seconds is the billed duration.
	Seconds int64
	Charged money.Cents
	// Checkpoints committed during settlement, in order.
	Checkpoints []lifecycle.Checkpoint
	Err         error
}

// Snapshot is a point-in-time view of a run.
type Snapshot struct {
	ElapsedSeconds        int64
	LastCheckpointSeconds int64
	Charged               money.Cents
	CurrentCost           money.Cents
	RemainingSeconds      int64
	Retrying              bool
	Depleted              bool
}
