// Package billing meters in-progress sessions and commits their cost to the
// ledger in checkpoint-sized debits.
//
// DESIGN: A Run accrues whole seconds, one tick at a time. Cost is continuous
// (floor(seconds * rate / 60)) and committed only at checkpoint boundaries:
//
//	owed = CostFor(checkpointSeconds) - charged
//
// so the committed total is always the floor cost of the last checkpoint and
// per-checkpoint rounding never drifts. Each debit carries the idempotency key
// "<session_id>:<checkpoint_seconds>"; a retry reuses the exact key and amount.
//
// Failure policy:
//   - insufficient funds            -> Depleted
//   - first transient failure       -> Retrying (same debit retried next tick)
//   - second consecutive failure    -> Depleted
//
// A depleted run's final duration is its last committed checkpoint.
//
// FILES:
//   - engine.go: Engine and Run
//   - result.go: tick and settle outcomes
package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/soulseer/sessiond/internal/ledger"
	"github.com/soulseer/sessiond/internal/lifecycle"
	"github.com/soulseer/sessiond/internal/money"
)

const tracerName = "github.com/soulseer/sessiond/internal/billing"

// maxAttempts is how many times one checkpoint debit is tried before the run
// is treated as depleted.
const maxAttempts = 2

// Config holds engine timing.
type Config struct {
	TickPeriod         time.Duration
	CheckpointInterval time.Duration
	DebitTimeout       time.Duration
	LowBalanceWarning  time.Duration
}

// Engine starts billing runs against one ledger.
type Engine struct {
	cfg    Config
	ledger ledger.Client
	tracer trace.Tracer
	now    func() time.Time
}

// NewEngine creates a billing engine.
func NewEngine(cfg Config, l ledger.Client) *Engine {
	return &Engine{
		cfg:    cfg,
		ledger: l,
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
}

// StartParams describes a run. ResumeSeconds and ResumeCharged rebuild a run
// from committed checkpoints after a restart.
type StartParams struct {
	SessionID     string
	ClientID      string
	RatePerMinute money.Cents
	Balance       money.Cents

	// CheckpointInterval overrides the engine default when > 0.
	CheckpointInterval time.Duration

	ResumeSeconds int64
	ResumeCharged money.Cents
}

// Start creates a run. Runs are not safe to share across sessions.
func (e *Engine) Start(p StartParams) *Run {
	interval := p.CheckpointInterval
	if interval <= 0 {
		interval = e.cfg.CheckpointInterval
	}
	step := wholeSeconds(e.cfg.TickPeriod)
	every := wholeSeconds(interval)
	if every < step {
		every = step
	}

	r := &Run{
		engine:         e,
		sessionID:      p.SessionID,
		clientID:       p.ClientID,
		rate:           p.RatePerMinute,
		balance:        p.Balance,
		step:           step,
		interval:       every,
		elapsed:        p.ResumeSeconds,
		lastCheckpoint: p.ResumeSeconds,
		charged:        p.ResumeCharged,
	}

	log.Info().
		Str("session_id", p.SessionID).
		Str("rate", p.RatePerMinute.String()).
		Str("balance", p.Balance.String()).
		Int64("checkpoint_seconds", every).
		Int64("resume_seconds", p.ResumeSeconds).
		Msg("billing: run started")
	return r
}

func wholeSeconds(d time.Duration) int64 {
	s := int64(d / time.Second)
	if s < 1 {
		return 1
	}
	return s
}

// =============================================================================
// RUN
// =============================================================================

// Run is the live metering state of one in-progress session.
type Run struct {
	engine *Engine

	mu             sync.Mutex
	sessionID      string
	clientID       string
	rate           money.Cents
	balance        money.Cents
	step           int64
	interval       int64
	elapsed        int64
	lastCheckpoint int64
	charged        money.Cents

	pending  *lifecycle.Checkpoint // debit awaiting retry
	failures int

	lowBalanceSent bool
	depleted       bool
	stopped        bool
}

// Tick accrues one tick and commits a debit at checkpoint boundaries.
func (r *Run) Tick(ctx context.Context) TickResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return TickResult{Outcome: OutcomeStopped}
	}
	r.elapsed += r.step

	res := r.commitDue(ctx)
	if res.Outcome == OutcomeDepleted {
		r.depleted = true
		r.stopped = true
		log.Warn().
			Str("session_id", r.sessionID).
			Int64("final_seconds", r.lastCheckpoint).
			Str("charged", r.charged.String()).
			Err(res.Err).
			Msg("billing: run depleted")
		res.Snapshot = r.snapshotLocked()
		return res
	}

	if !r.lowBalanceSent && r.engine.cfg.LowBalanceWarning > 0 {
		if r.remainingLocked() <= int64(r.engine.cfg.LowBalanceWarning/time.Second) {
			r.lowBalanceSent = true
			res.LowBalance = true
		}
	}
	res.Snapshot = r.snapshotLocked()
	return res
}

func (r *Run) commitDue(ctx context.Context) TickResult {
	if r.pending != nil {
		cp := *r.pending
		return r.attempt(ctx, cp)
	}

	boundary := (r.elapsed / r.interval) * r.interval
	if boundary <= r.lastCheckpoint {
		return TickResult{Outcome: OutcomeAccrued}
	}
	cp := lifecycle.Checkpoint{
		SessionID:      r.sessionID,
		Seconds:        boundary,
		Amount:         money.CostFor(boundary, r.rate) - r.charged,
		IdempotencyKey: fmt.Sprintf("%s:%d", r.sessionID, boundary),
	}
	if cp.Amount < 0 {
		cp.Amount = 0
	}
	return r.attempt(ctx, cp)
}

// attempt debits cp, applying the retry policy.
func (r *Run) attempt(ctx context.Context, cp lifecycle.Checkpoint) TickResult {
	err := r.debit(ctx, cp)
	switch {
	case err == nil:
		r.commit(&cp)
		return TickResult{Outcome: OutcomeCommitted, Checkpoint: &cp}
	case errors.Is(err, ledger.ErrInsufficientFunds):
		r.pending = nil
		return TickResult{Outcome: OutcomeDepleted, Err: err}
	}

	r.failures++
	if r.failures >= maxAttempts {
		r.pending = nil
		return TickResult{Outcome: OutcomeDepleted, Err: err}
	}
	r.pending = &cp
	log.Warn().
		Str("session_id", r.sessionID).
		Str("key", cp.IdempotencyKey).
		Err(err).
		Msg("billing: debit failed, retrying next tick")
	return TickResult{Outcome: OutcomeRetrying, Err: err}
}

func (r *Run) commit(cp *lifecycle.Checkpoint) {
	r.charged += cp.Amount
	r.balance -= cp.Amount
	r.lastCheckpoint = cp.Seconds
	r.pending = nil
	r.failures = 0
	cp.At = r.engine.now().UTC()

	log.Debug().
		Str("session_id", r.sessionID).
		Int64("checkpoint_seconds", cp.Seconds).
		Str("amount", cp.Amount.String()).
		Str("charged", r.charged.String()).
		Msg("billing: checkpoint committed")
}

// debit calls the ledger with a bounded timeout. Zero-cent checkpoints skip
// the ledger.
func (r *Run) debit(ctx context.Context, cp lifecycle.Checkpoint) error {
	if cp.Amount == 0 {
		return nil
	}

	ctx, span := r.engine.tracer.Start(ctx, "billing.debit", trace.WithAttributes(
		attribute.String("session.id", r.sessionID),
		attribute.String("billing.idempotency_key", cp.IdempotencyKey),
		attribute.Int64("billing.amount_cents", int64(cp.Amount)),
		attribute.Int64("billing.checkpoint_seconds", cp.Seconds),
	))
	defer span.End()

	if r.engine.cfg.DebitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.engine.cfg.DebitTimeout)
		defer cancel()
	}

	if err := r.engine.ledger.Debit(ctx, r.clientID, cp.Amount, cp.IdempotencyKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Settle commits the final partial interval and stops the run. If the final
// debit cannot be committed the run ends at its last checkpoint.
func (r *Run) Settle(ctx context.Context) SettleResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	defer func() { r.stopped = true }()

	if r.depleted || r.stopped {
		return SettleResult{Seconds: r.lastCheckpoint, Charged: r.charged}
	}

	var committed []lifecycle.Checkpoint
	if r.pending != nil {
		cp := *r.pending
		if err := r.debit(ctx, cp); err != nil {
			return r.fallback(err)
		}
		r.commit(&cp)
		committed = append(committed, cp)
	}

	if r.elapsed > r.lastCheckpoint {
		cp := lifecycle.Checkpoint{
			SessionID:      r.sessionID,
			Seconds:        r.elapsed,
			Amount:         money.CostFor(r.elapsed, r.rate) - r.charged,
			IdempotencyKey: fmt.Sprintf("%s:%d", r.sessionID, r.elapsed),
		}
		if cp.Amount < 0 {
			cp.Amount = 0
		}
		if err := r.debit(ctx, cp); err != nil {
			res := r.fallback(err)
			res.Checkpoints = committed
			return res
		}
		r.commit(&cp)
		committed = append(committed, cp)
	}

	log.Info().
		Str("session_id", r.sessionID).
		Int64("seconds", r.lastCheckpoint).
		Str("charged", r.charged.String()).
		Msg("billing: run settled")
	return SettleResult{Seconds: r.lastCheckpoint, Charged: r.charged, Checkpoints: committed}
}

func (r *Run) fallback(err error) SettleResult {
	r.pending = nil
	log.Warn().
		Str("session_id", r.sessionID).
		Int64("seconds", r.lastCheckpoint).
		Err(err).
		Msg("billing: final debit failed, ending at last checkpoint")
	return SettleResult{Seconds: r.lastCheckpoint, Charged: r.charged, Err: err}
}

// Stop ends metering without a final debit. Later ticks are no-ops.
func (r *Run) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
}

// Stopped reports whether the run has ended.
func (r *Run) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// Snapshot returns the current metering figures.
func (r *Run) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Run) snapshotLocked() Snapshot {
	return Snapshot{
		ElapsedSeconds:        r.elapsed,
		LastCheckpointSeconds: r.lastCheckpoint,
		Charged:               r.charged,
		CurrentCost:           money.CostFor(r.elapsed, r.rate),
		RemainingSeconds:      r.remainingLocked(),
		Retrying:              r.pending != nil,
		Depleted:              r.depleted,
	}
}

// remainingLocked estimates how many more seconds the balance covers,
// counting accrued but uncommitted cost as already spent.
func (r *Run) remainingLocked() int64 {
	uncommitted := money.CostFor(r.elapsed, r.rate) - r.charged
	left := money.SecondsAffordable(r.balance-uncommitted, r.rate)
	if left < 0 {
		return 0
	}
	return left
}
