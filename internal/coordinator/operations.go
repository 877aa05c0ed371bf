package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/soulseer/sessiond/internal/billing"
	"github.com/soulseer/sessiond/internal/ledger"
	"github.com/soulseer/sessiond/internal/lifecycle"
	"github.com/soulseer/sessiond/internal/money"
	"github.com/soulseer/sessiond/internal/monitoring"
	"github.com/soulseer/sessiond/internal/signaling"
)

// StatusView is the server-authoritative view of a session for display.
type StatusView struct {
	SessionID                 string              `json:"session_id"`
	Status                    lifecycle.Status    `json:"status"`
	Kind                      lifecycle.Kind      `json:"kind"`
	RatePerMinute             money.Cents         `json:"rate_per_minute"`
	ElapsedSeconds            int64               `json:"elapsed_seconds"`
	CurrentCost               money.Cents         `json:"current_cost"`
	AmountCharged             money.Cents         `json:"amount_charged"`
	RemainingEstimatedSeconds int64               `json:"remaining_estimated_seconds"`
	Connected                 bool                `json:"connected"`
	EndReason                 lifecycle.EndReason `json:"end_reason,omitempty"`
	StartedAt                 *time.Time          `json:"started_at,omitempty"`
	EndedAt                   *time.Time          `json:"ended_at,omitempty"`
}

// =============================================================================
// REQUEST / RESPOND / CANCEL
// =============================================================================

// RequestSession creates a pending session at the reader's current rate. The
// client must hold at least MinimumMinutes of balance at that rate.
func (c *Coordinator) RequestSession(ctx context.Context, clientID, readerID string, kind lifecycle.Kind) (*lifecycle.Session, error) {
	if c.shuttingDown() {
		return nil, ErrShuttingDown
	}
	kind, err := lifecycle.ParseKind(string(kind))
	if err != nil {
		return nil, err
	}
	clientID = strings.TrimSpace(clientID)
	readerID = strings.TrimSpace(readerID)
	if clientID == "" || readerID == "" || clientID == readerID {
		return nil, lifecycle.ErrInvalidParty
	}

	rate, err := c.profile.RatePerMinute(ctx, readerID)
	if err != nil {
		return nil, err
	}

	balance, err := c.ledger.Balance(ctx, clientID)
	if err != nil && !errors.Is(err, ledger.ErrUnknownAccount) {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	minimum := rate * money.Cents(c.cfg.MinimumMinutes)
	if balance <= 0 || balance < minimum {
		return nil, fmt.Errorf("%w: balance %s, need %s", ledger.ErrInsufficientFunds, balance, minimum)
	}

	s, err := c.lifecycle.Create(ctx, clientID, readerID, kind, rate)
	if err != nil {
		return nil, err
	}
	c.metrics.RecordRequested()

	err = c.do(ctx, s.ID, func(a *actor) error {
		c.bind(a, s)
		c.tracker.RecordSession(&monitoring.SessionEvent{
			Timestamp: s.CreatedAt,
			SessionID: s.ID,
			ClientID:  s.ClientID,
			ReaderID:  s.ReaderID,
			Kind:      string(s.Kind),
			To:        string(s.Status),
			Event:     "create",
			RateCents: int64(s.RatePerMinute),
		})
		c.schedule(a, c.cfg.PendingExpiry, c.expirePending)
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.relay.Notify(context.WithoutCancel(ctx), readerID, signaling.Message{
		Type:      signaling.TypeSessionRequest,
		SessionID: s.ID,
		From:      clientID,
		Role:      signaling.RoleClient,
		Payload: payload(
			"client_id", clientID,
			"kind", string(kind),
			"rate_per_minute", int64(rate),
			"expires_in_seconds", int64(c.cfg.PendingExpiry/time.Second),
		),
	})
	return s, nil
}

// Respond records the reader's answer to a pending request.
func (c *Coordinator) Respond(ctx context.Context, id string, accept bool) (*lifecycle.Session, error) {
	var out *lifecycle.Session
	err := c.do(ctx, id, func(a *actor) error {
		opCtx := context.WithoutCancel(ctx)
		s, err := c.load(opCtx, a)
		if err != nil {
			return err
		}

		if accept {
			if s.Status == lifecycle.StatusAccepted {
				// Redelivered accept: the connect grace keeps its original deadline.
				out = s
				return nil
			}
			s, err = c.lifecycle.Transition(opCtx, id, lifecycle.EventAccept)
			if err != nil {
				return err
			}
			c.schedule(a, c.cfg.ConnectGrace, c.expireAccepted)
			out = s
			return nil
		}

		if s.Status == lifecycle.StatusRejected && s.Finalized {
			out = s
			return nil
		}
		if _, err := c.lifecycle.Transition(opCtx, id, lifecycle.EventReject); err != nil {
			return err
		}
		out, err = c.finalize(opCtx, a, 0, 0, lifecycle.EndRejected, false)
		return err
	})
	return out, err
}

// Cancel withdraws a session that has not started yet.
func (c *Coordinator) Cancel(ctx context.Context, id string) (*lifecycle.Session, error) {
	var out *lifecycle.Session
	err := c.do(ctx, id, func(a *actor) error {
		opCtx := context.WithoutCancel(ctx)
		s, err := c.load(opCtx, a)
		if err != nil {
			return err
		}
		if s.Status == lifecycle.StatusCancelled && s.Finalized {
			out = s
			return nil
		}
		if _, err := c.lifecycle.Transition(opCtx, id, lifecycle.EventCancel); err != nil {
			return err
		}
		c.relay.CloseRoom(opCtx, id, string(lifecycle.EndCancelled))
		out, err = c.finalize(opCtx, a, 0, 0, lifecycle.EndCancelled, false)
		return err
	})
	return out, err
}

// =============================================================================
// CONNECT / END
// =============================================================================

// ConfirmConnected starts billing once both participants are in the room.
// It also runs automatically when both peers report ready.
func (c *Coordinator) ConfirmConnected(ctx context.Context, id string) (*lifecycle.Session, error) {
	var out *lifecycle.Session
	err := c.do(ctx, id, func(a *actor) error {
		s, err := c.confirm(context.WithoutCancel(ctx), a)
		out = s
		return err
	})
	return out, err
}

func (c *Coordinator) confirm(ctx context.Context, a *actor) (*lifecycle.Session, error) {
	s, err := c.load(ctx, a)
	if err != nil {
		return nil, err
	}
	if s.Status == lifecycle.StatusInProgress {
		return s, nil
	}
	if s.Status != lifecycle.StatusAccepted {
		return nil, fmt.Errorf("%w: connect on %s", lifecycle.ErrInvalidTransition, s.Status)
	}
	if !c.relay.Full(s.ID) {
		return nil, ErrPeersNotConnected
	}

	balance, err := c.ledger.Balance(ctx, s.ClientID)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}

	s, err = c.lifecycle.Transition(ctx, s.ID, lifecycle.EventConnect)
	if err != nil {
		return nil, err
	}
	a.cancelTimer()
	a.run = c.billing.Start(billing.StartParams{
		SessionID:          s.ID,
		ClientID:           s.ClientID,
		RatePerMinute:      s.RatePerMinute,
		Balance:            balance,
		CheckpointInterval: c.cfg.CheckpointIntervals[s.Kind],
	})
	c.startTicker(a)
	c.metrics.RecordStarted()
	return s, nil
}

// EndSession ends a session for reason, which must be voluntary or
// disconnected. Depletion is decided by billing alone. Ending an already
// finalized session returns the record unchanged.
func (c *Coordinator) EndSession(ctx context.Context, id string, reason lifecycle.EndReason) (*lifecycle.Session, error) {
	switch reason {
	case lifecycle.EndVoluntary, lifecycle.EndDisconnected:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidEndReason, reason)
	}

	var out *lifecycle.Session
	err := c.do(ctx, id, func(a *actor) error {
		s, err := c.end(context.WithoutCancel(ctx), a, reason)
		out = s
		return err
	})
	return out, err
}

// end is the single teardown path. Actor goroutine only.
func (c *Coordinator) end(ctx context.Context, a *actor, reason lifecycle.EndReason) (*lifecycle.Session, error) {
	s, err := c.load(ctx, a)
	if err != nil {
		return nil, err
	}
	if s.Finalized {
		return s, nil
	}

	switch s.Status {
	case lifecycle.StatusInProgress:
		seconds, charged := c.settle(ctx, a, s, reason)
		if _, err := c.lifecycle.Transition(ctx, s.ID, lifecycle.EventComplete); err != nil {
			return nil, err
		}
		c.relay.CloseRoom(ctx, s.ID, string(reason))
		return c.finalize(ctx, a, seconds, charged, reason, true)

	case lifecycle.StatusPending, lifecycle.StatusAccepted:
		if _, err := c.lifecycle.Transition(ctx, s.ID, lifecycle.EventCancel); err != nil {
			return nil, err
		}
		c.relay.CloseRoom(ctx, s.ID, string(lifecycle.EndCancelled))
		return c.finalize(ctx, a, 0, 0, lifecycle.EndCancelled, false)

	case lifecycle.StatusCompleted:
		// Completed before a crash but never finalized.
		seconds, charged, err := c.lifecycle.BillingProgress(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		return c.finalize(ctx, a, seconds, charged, reason, false)

	default:
		return c.finalize(ctx, a, 0, 0, terminalReason(s.Status), false)
	}
}

// settle stops the run and returns the billed duration and committed charge.
func (c *Coordinator) settle(ctx context.Context, a *actor, s *lifecycle.Session, reason lifecycle.EndReason) (int64, money.Cents) {
	a.stopTicker()
	if a.run == nil {
		// No live run (restart): the committed checkpoints are the charge.
		seconds, charged, err := c.lifecycle.BillingProgress(ctx, s.ID)
		if err != nil {
			log.Error().Err(err).Str("session_id", s.ID).Msg("coordinator: reading billing progress failed")
		}
		return seconds, charged
	}

	run := a.run
	a.run = nil
	if reason == lifecycle.EndDepleted {
		run.Stop()
		c.flushCheckpoints(ctx, a)
		snap := run.Snapshot()
		return snap.LastCheckpointSeconds, snap.Charged
	}

	res := run.Settle(ctx)
	for _, cp := range res.Checkpoints {
		c.persistCheckpoint(ctx, a, s, cp, res.Charged)
	}
	c.flushCheckpoints(ctx, a)
	if res.Err != nil {
		c.metrics.RecordDebitFailure()
		c.recordBilling(s, nil, res.Charged, "settle_failed", res.Err)
	}
	return res.Seconds, res.Charged
}

func (c *Coordinator) finalize(ctx context.Context, a *actor, seconds int64, charged money.Cents, reason lifecycle.EndReason, wasActive bool) (*lifecycle.Session, error) {
	a.cancelTimer()
	a.stopTicker()

	s, err := c.lifecycle.Finalize(ctx, a.id, c.now(), seconds, charged, reason)
	if errors.Is(err, lifecycle.ErrAlreadyFinalized) {
		a.finished = true
		return c.lifecycle.Get(ctx, a.id)
	}
	if err != nil {
		return nil, err
	}
	a.finished = true

	c.metrics.RecordEnded(string(s.Status), string(reason), wasActive)
	c.tracker.RecordSession(&monitoring.SessionEvent{
		Timestamp:      s.EndedAt,
		SessionID:      s.ID,
		To:             string(s.Status),
		Event:          "finalize",
		AccruedSeconds: s.AccruedSeconds,
		ChargedCents:   int64(s.AmountCharged),
		EndReason:      string(reason),
	})

	end := signaling.Message{
		Type:      signaling.TypeSessionEnd,
		SessionID: s.ID,
		Event:     string(reason),
		Payload: payload(
			"status", string(s.Status),
			"duration_seconds", s.AccruedSeconds,
			"amount_charged", int64(s.AmountCharged),
		),
	}
	c.relay.Notify(ctx, s.ClientID, end)
	c.relay.Notify(ctx, s.ReaderID, end)
	return s, nil
}

func terminalReason(status lifecycle.Status) lifecycle.EndReason {
	switch status {
	case lifecycle.StatusRejected:
		return lifecycle.EndRejected
	case lifecycle.StatusExpired:
		return lifecycle.EndExpired
	default:
		return lifecycle.EndCancelled
	}
}

// =============================================================================
// TICK / STATUS
// =============================================================================

// Tick applies one billing tick. It has no effect unless the session is in
// progress with both peers in the room.
func (c *Coordinator) Tick(ctx context.Context, id string) error {
	return c.do(ctx, id, func(a *actor) error {
		return c.tick(context.WithoutCancel(ctx), a)
	})
}

func (c *Coordinator) tick(ctx context.Context, a *actor) error {
	if a.run == nil || a.run.Stopped() {
		return nil
	}
	s, err := c.load(ctx, a)
	if err != nil {
		return err
	}
	if s.Status != lifecycle.StatusInProgress {
		return nil
	}
	c.flushCheckpoints(ctx, a)
	if !c.relay.Full(s.ID) {
		return nil
	}

	res := a.run.Tick(ctx)
	switch res.Outcome {
	case billing.OutcomeCommitted:
		c.persistCheckpoint(ctx, a, s, *res.Checkpoint, res.Snapshot.Charged)
	case billing.OutcomeRetrying:
		c.metrics.RecordDebitFailure()
		c.recordBilling(s, nil, res.Snapshot.Charged, "retrying", res.Err)
	case billing.OutcomeDepleted:
		if !errors.Is(res.Err, ledger.ErrInsufficientFunds) {
			c.metrics.RecordDebitFailure()
		}
		c.recordBilling(s, nil, res.Snapshot.Charged, "depleted", res.Err)
		_, err := c.end(ctx, a, lifecycle.EndDepleted)
		return err
	}

	if res.LowBalance {
		c.metrics.RecordLowBalance()
		msg := signaling.Message{
			Type:      signaling.TypeBalanceLow,
			SessionID: s.ID,
			Payload:   payload("remaining_estimated_seconds", res.Snapshot.RemainingSeconds),
		}
		c.relay.Notify(ctx, s.ClientID, msg)
		c.relay.Broadcast(ctx, s.ID, msg)
	}

	c.relay.Broadcast(ctx, s.ID, signaling.Message{
		Type: signaling.TypeSessionUpdate,
		Payload: payload(
			"status", string(s.Status),
			"elapsed_seconds", res.Snapshot.ElapsedSeconds,
			"current_cost", int64(res.Snapshot.CurrentCost),
			"amount_charged", int64(res.Snapshot.Charged),
			"remaining_estimated_seconds", res.Snapshot.RemainingSeconds,
		),
	})
	return nil
}

// persistCheckpoint records a committed debit. A checkpoint the store
// refuses stays queued on the actor and is written ahead of the next one.
func (c *Coordinator) persistCheckpoint(ctx context.Context, a *actor, s *lifecycle.Session, cp lifecycle.Checkpoint, charged money.Cents) {
	c.metrics.RecordDebit(int64(cp.Amount))
	a.unrecorded = append(a.unrecorded, cp)
	c.flushCheckpoints(ctx, a)
	c.recordBilling(s, &cp, charged, "committed", nil)
}

// flushCheckpoints writes queued checkpoints in order and stops at the first
// store failure.
func (c *Coordinator) flushCheckpoints(ctx context.Context, a *actor) {
	for len(a.unrecorded) > 0 {
		cp := a.unrecorded[0]
		_, err := c.lifecycle.RecordCheckpoint(ctx, cp)
		switch {
		case err == nil:
		case errors.Is(err, lifecycle.ErrInvalidCheckpoint):
			// Already covered, or the session no longer takes checkpoints.
			log.Warn().
				Err(err).
				Str("session_id", a.id).
				Str("key", cp.IdempotencyKey).
				Msg("coordinator: dropping checkpoint")
		default:
			log.Error().
				Err(err).
				Str("session_id", a.id).
				Str("key", cp.IdempotencyKey).
				Int("queued", len(a.unrecorded)).
				Msg("coordinator: recording checkpoint failed, will retry")
			return
		}
		a.unrecorded[0] = lifecycle.Checkpoint{}
		a.unrecorded = a.unrecorded[1:]
	}
}

func (c *Coordinator) recordBilling(s *lifecycle.Session, cp *lifecycle.Checkpoint, charged money.Cents, outcome string, err error) {
	ev := &monitoring.BillingEvent{
		Timestamp:    c.now().UTC(),
		SessionID:    s.ID,
		ClientID:     s.ClientID,
		ChargedCents: int64(charged),
		Outcome:      outcome,
	}
	if cp != nil {
		ev.IdempotencyKey = cp.IdempotencyKey
		ev.CheckpointSeconds = cp.Seconds
		ev.AmountCents = int64(cp.Amount)
	}
	if err != nil {
		ev.Error = err.Error()
	}
	c.tracker.RecordBilling(ev)
}

// Status returns the live view of a session.
func (c *Coordinator) Status(ctx context.Context, id string) (StatusView, error) {
	var out StatusView
	err := c.do(ctx, id, func(a *actor) error {
		opCtx := context.WithoutCancel(ctx)
		s, err := c.load(opCtx, a)
		if err != nil {
			return err
		}
		out = StatusView{
			SessionID:     s.ID,
			Status:        s.Status,
			Kind:          s.Kind,
			RatePerMinute: s.RatePerMinute,
			Connected:     c.relay.Full(s.ID),
			EndReason:     s.EndReason,
		}
		if !s.StartedAt.IsZero() {
			t := s.StartedAt
			out.StartedAt = &t
		}
		if !s.EndedAt.IsZero() {
			t := s.EndedAt
			out.EndedAt = &t
		}

		switch {
		case s.Finalized:
			out.ElapsedSeconds = s.AccruedSeconds
			out.AmountCharged = s.AmountCharged
			out.CurrentCost = s.AmountCharged
		case a.run != nil:
			snap := a.run.Snapshot()
			out.ElapsedSeconds = snap.ElapsedSeconds
			out.CurrentCost = snap.CurrentCost
			out.AmountCharged = snap.Charged
			out.RemainingEstimatedSeconds = snap.RemainingSeconds
		case s.Status == lifecycle.StatusInProgress:
			seconds, charged, err := c.lifecycle.BillingProgress(opCtx, s.ID)
			if err != nil {
				return err
			}
			out.ElapsedSeconds = seconds
			out.AmountCharged = charged
			out.CurrentCost = charged
		}
		return nil
	})
	return out, err
}

// =============================================================================
// ROOM PASS-THROUGHS
// =============================================================================

// Join seats a participant in the session's room.
func (c *Coordinator) Join(ctx context.Context, sessionID, participantID string, role signaling.Role, conn signaling.Conn) error {
	return c.do(ctx, sessionID, func(a *actor) error {
		opCtx := context.WithoutCancel(ctx)
		if _, err := c.load(opCtx, a); err != nil {
			return fmt.Errorf("%w: %v", signaling.ErrSessionNotFound, err)
		}
		return c.relay.Join(opCtx, sessionID, participantID, role, conn)
	})
}

// Leave removes a participant from the session's room.
func (c *Coordinator) Leave(ctx context.Context, sessionID, participantID string) error {
	return c.do(ctx, sessionID, func(a *actor) error {
		opCtx := context.WithoutCancel(ctx)
		if _, err := c.load(opCtx, a); errors.Is(err, lifecycle.ErrSessionNotFound) {
			return nil
		}
		return c.relay.Leave(opCtx, sessionID, participantID)
	})
}

// Relay forwards a signaling payload. Forwarding is not queued behind billing
// work; the room events it raises are.
func (c *Coordinator) Relay(ctx context.Context, sessionID, from string, body json.RawMessage) error {
	return c.relay.Relay(ctx, sessionID, from, body)
}

// =============================================================================
// HELPERS
// =============================================================================

// load reads the session and binds the actor to it.
func (c *Coordinator) load(ctx context.Context, a *actor) (*lifecycle.Session, error) {
	s, err := c.lifecycle.Get(ctx, a.id)
	if err != nil {
		if errors.Is(err, lifecycle.ErrSessionNotFound) {
			a.finished = true
		}
		return nil, err
	}
	c.bind(a, s)
	if s.Finalized {
		a.finished = true
	}
	return s, nil
}

// canJoin gates room membership on lifecycle state and party identity.
func (c *Coordinator) canJoin(ctx context.Context, sessionID, participantID string, role signaling.Role) error {
	s, err := c.lifecycle.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", signaling.ErrSessionNotFound, err)
	}
	if s.Status != lifecycle.StatusAccepted && s.Status != lifecycle.StatusInProgress {
		return fmt.Errorf("%w: session is %s", signaling.ErrSessionNotFound, s.Status)
	}
	want := s.ClientID
	if role == signaling.RoleReader {
		want = s.ReaderID
	}
	if participantID != want {
		return fmt.Errorf("%w: %s as %s", ErrNotParty, participantID, role)
	}
	return nil
}
