package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/soulseer/sessiond/internal/billing"
	"github.com/soulseer/sessiond/internal/config"
	"github.com/soulseer/sessiond/internal/lifecycle"
)

// RecoveryReport counts what Recover did.
type RecoveryReport struct {
	Resumed     int `json:"resumed"`
	Terminated  int `json:"terminated"`
	Rescheduled int `json:"rescheduled"`
	Repaired    int `json:"repaired"`
}

var recoverable = []lifecycle.Status{
	lifecycle.StatusInProgress,
	lifecycle.StatusPending,
	lifecycle.StatusAccepted,
	lifecycle.StatusCompleted,
	lifecycle.StatusRejected,
	lifecycle.StatusCancelled,
	lifecycle.StatusExpired,
}

// Recover re-attaches persisted sessions after a restart.
//
// In-progress sessions either resume billing from their last checkpoint and
// wait RecoveryGrace for both peers, or end at that checkpoint, depending on
// RecoveryPolicy. Pending and accepted sessions get their expiry timers back
// with whatever time remains. Terminal sessions that never finalized are
// finalized now.
func (c *Coordinator) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	for _, status := range recoverable {
		sessions, err := c.lifecycle.ListByStatus(ctx, status)
		if err != nil {
			return report, fmt.Errorf("list %s sessions: %w", status, err)
		}
		for _, s := range sessions {
			if s.Finalized {
				continue
			}
			if err := c.recoverOne(ctx, s, &report, false); err != nil {
				log.Error().Err(err).Str("session_id", s.ID).Msg("coordinator: recovery failed")
			}
		}
	}

	log.Info().
		Int("resumed", report.Resumed).
		Int("terminated", report.Terminated).
		Int("rescheduled", report.Rescheduled).
		Int("repaired", report.Repaired).
		Str("policy", c.cfg.RecoveryPolicy).
		Msg("coordinator: recovery complete")
	return report, nil
}

func (c *Coordinator) recoverOne(ctx context.Context, s *lifecycle.Session, report *RecoveryReport, oneShot bool) error {
	return c.do(ctx, s.ID, func(a *actor) error {
		opCtx := context.WithoutCancel(ctx)
		s, err := c.load(opCtx, a)
		if err != nil || s.Finalized {
			return err
		}

		switch s.Status {
		case lifecycle.StatusInProgress:
			if c.cfg.RecoveryPolicy == config.RecoveryTerminate {
				if _, err := c.end(opCtx, a, lifecycle.EndDisconnected); err != nil {
					return err
				}
				report.Terminated++
				return nil
			}
			if oneShot {
				return nil
			}
			if err := c.resume(opCtx, a, s); err != nil {
				return err
			}
			report.Resumed++

		case lifecycle.StatusPending:
			c.reschedule(opCtx, a, c.remaining(s.CreatedAt, c.cfg.PendingExpiry), c.expirePending, report, oneShot)

		case lifecycle.StatusAccepted:
			c.reschedule(opCtx, a, c.remaining(s.UpdatedAt, c.cfg.ConnectGrace), c.expireAccepted, report, oneShot)

		default:
			if _, err := c.end(opCtx, a, lifecycle.EndDisconnected); err != nil {
				return err
			}
			report.Repaired++
		}
		return nil
	})
}

// resume rebuilds the billing run from committed checkpoints. Time between
// the last checkpoint and the crash is not billed.
func (c *Coordinator) resume(ctx context.Context, a *actor, s *lifecycle.Session) error {
	seconds, charged, err := c.lifecycle.BillingProgress(ctx, s.ID)
	if err != nil {
		return err
	}
	balance, err := c.ledger.Balance(ctx, s.ClientID)
	if err != nil {
		return fmt.Errorf("read balance: %w", err)
	}

	a.run = c.billing.Start(billing.StartParams{
		SessionID:          s.ID,
		ClientID:           s.ClientID,
		RatePerMinute:      s.RatePerMinute,
		Balance:            balance,
		CheckpointInterval: c.cfg.CheckpointIntervals[s.Kind],
		ResumeSeconds:      seconds,
		ResumeCharged:      charged,
	})
	c.startTicker(a)
	c.schedule(a, c.cfg.RecoveryGrace, c.reconnectExpired)
	return nil
}

// reschedule restores an expiry timer. A one-shot pass expires overdue
// sessions inline and leaves the rest alone.
func (c *Coordinator) reschedule(ctx context.Context, a *actor, left time.Duration, fn func(context.Context, *actor), report *RecoveryReport, oneShot bool) {
	if !oneShot {
		c.schedule(a, left, fn)
		report.Rescheduled++
		return
	}
	if left > 0 {
		return
	}
	fn(ctx, a)
	report.Repaired++
}

func (c *Coordinator) remaining(since time.Time, window time.Duration) time.Duration {
	return window - c.now().Sub(since)
}

// Reconcile runs one pass over persisted sessions without serving traffic.
// It finalizes terminal sessions that never finalized and expires overdue
// requests. In-progress sessions are ended only under the terminate policy.
func (c *Coordinator) Reconcile(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	for _, status := range recoverable {
		sessions, err := c.lifecycle.ListByStatus(ctx, status)
		if err != nil {
			return report, fmt.Errorf("list %s sessions: %w", status, err)
		}
		for _, s := range sessions {
			if s.Finalized {
				continue
			}
			if err := c.recoverOne(ctx, s, &report, true); err != nil {
				return report, fmt.Errorf("reconcile %s: %w", s.ID, err)
			}
		}
	}
	return report, c.Shutdown(ctx)
}

// Shutdown stops accepting work, stops every actor and waits for their
// goroutines. Sessions are left as they are for Recover on the next start.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.stop)
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, a := range c.actors {
		a.mu.Lock()
		a.closed = true
		a.queue = nil
		a.mu.Unlock()
		a.release()
		delete(c.actors, id)
	}
	log.Info().Msg("coordinator: shutdown complete")
	return nil
}
