package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/sjson"

	"github.com/soulseer/sessiond/internal/lifecycle"
	"github.com/soulseer/sessiond/internal/monitoring"
	"github.com/soulseer/sessiond/internal/signaling"
)

// =============================================================================
// ROOM EVENTS
// =============================================================================

// onRelayEvent is the relay's event sink. It may run inside an actor op, so
// it only queues.
func (c *Coordinator) onRelayEvent(ev signaling.Event) {
	c.enqueue(ev.SessionID, func(a *actor) {
		c.handleRoomEvent(context.Background(), a, ev)
	})
}

func (c *Coordinator) handleRoomEvent(ctx context.Context, a *actor, ev signaling.Event) {
	s, err := c.load(ctx, a)
	if err != nil || s.Finalized {
		return
	}

	switch ev.Kind {
	case signaling.EventBothJoined:
		if s.Status == lifecycle.StatusInProgress {
			// Reconnected inside the grace window.
			a.cancelTimer()
		}

	case signaling.EventReady:
		if s.Status != lifecycle.StatusAccepted {
			return
		}
		if _, err := c.confirm(ctx, a); err != nil {
			log.Warn().Err(err).Str("session_id", s.ID).Msg("coordinator: auto-confirm failed")
		}

	case signaling.EventLeft:
		if s.Status == lifecycle.StatusInProgress && len(c.relay.Members(s.ID)) > 0 {
			log.Info().
				Str("session_id", s.ID).
				Str("participant", ev.ParticipantID).
				Dur("grace", c.cfg.ReconnectGrace).
				Msg("coordinator: participant dropped, waiting for reconnect")
			c.schedule(a, c.cfg.ReconnectGrace, c.reconnectExpired)
		}

	case signaling.EventBothLeft:
		if s.Status == lifecycle.StatusInProgress {
			if _, err := c.end(ctx, a, lifecycle.EndDisconnected); err != nil {
				log.Error().Err(err).Str("session_id", s.ID).Msg("coordinator: ending abandoned session failed")
			}
		}
	}
}

// =============================================================================
// TIMERS
// =============================================================================

// schedule replaces the actor's timer. fn runs on the actor unless the timer
// was cancelled or replaced first.
func (c *Coordinator) schedule(a *actor, d time.Duration, fn func(ctx context.Context, a *actor)) {
	a.cancelTimer()
	if d < 0 {
		d = 0
	}
	gen := a.timerGen
	a.timer = time.AfterFunc(d, func() {
		a.enqueue(func() {
			if a.timerGen != gen {
				return
			}
			a.timer = nil
			fn(context.Background(), a)
		})
	})
}

func (a *actor) cancelTimer() {
	a.timerGen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (c *Coordinator) expirePending(ctx context.Context, a *actor) {
	c.expire(ctx, a, lifecycle.StatusPending)
}

func (c *Coordinator) expireAccepted(ctx context.Context, a *actor) {
	c.expire(ctx, a, lifecycle.StatusAccepted)
}

func (c *Coordinator) expire(ctx context.Context, a *actor, guard lifecycle.Status) {
	s, err := c.load(ctx, a)
	if err != nil || s.Status != guard {
		return
	}
	if _, err := c.lifecycle.Transition(ctx, s.ID, lifecycle.EventExpire); err != nil {
		log.Error().Err(err).Str("session_id", s.ID).Msg("coordinator: expire failed")
		return
	}
	c.relay.CloseRoom(ctx, s.ID, string(lifecycle.EndExpired))
	if _, err := c.finalize(ctx, a, 0, 0, lifecycle.EndExpired, false); err != nil {
		log.Error().Err(err).Str("session_id", s.ID).Msg("coordinator: finalize expired failed")
	}
}

func (c *Coordinator) reconnectExpired(ctx context.Context, a *actor) {
	s, err := c.load(ctx, a)
	if err != nil || s.Status != lifecycle.StatusInProgress || c.relay.Full(s.ID) {
		return
	}
	log.Info().Str("session_id", s.ID).Msg("coordinator: reconnect grace elapsed")
	if _, err := c.end(ctx, a, lifecycle.EndDisconnected); err != nil {
		log.Error().Err(err).Str("session_id", s.ID).Msg("coordinator: ending disconnected session failed")
	}
}

// =============================================================================
// TICK LOOP
// =============================================================================

// startTicker queues a billing tick every TickPeriod. At most one tick is
// queued at a time; a slow debit delays ticks rather than stacking them.
func (c *Coordinator) startTicker(a *actor) {
	if c.cfg.TickPeriod <= 0 || a.tickStop != nil {
		return
	}
	stop := make(chan struct{})
	a.tickStop = stop

	go func() {
		t := time.NewTicker(c.cfg.TickPeriod)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-c.stop:
				return
			case <-t.C:
			}
			if !a.tickQueued.CompareAndSwap(false, true) {
				continue
			}
			queued := a.enqueue(func() {
				a.tickQueued.Store(false)
				if err := c.tick(context.Background(), a); err != nil {
					log.Error().Err(err).Str("session_id", a.id).Msg("coordinator: tick failed")
				}
			})
			if !queued {
				return
			}
		}
	}()
}

func (a *actor) stopTicker() {
	if a.tickStop != nil {
		close(a.tickStop)
		a.tickStop = nil
	}
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// bind caches the session's parties and subscribes to its transitions.
func (c *Coordinator) bind(a *actor, s *lifecycle.Session) {
	if a.bound {
		return
	}
	a.bound = true
	a.clientID = s.ClientID
	a.readerID = s.ReaderID
	a.kind = s.Kind
	if s.Finalized {
		return
	}
	a.unsubscribe = c.lifecycle.Subscribe(s.ID, c.onChange(s.ClientID, s.ReaderID))
}

// onChange records each transition and pushes it to both parties' presence
// channels.
func (c *Coordinator) onChange(clientID, readerID string) func(lifecycle.Change) {
	return func(ch lifecycle.Change) {
		c.tracker.RecordSession(&monitoring.SessionEvent{
			Timestamp: ch.At,
			SessionID: ch.SessionID,
			ClientID:  clientID,
			ReaderID:  readerID,
			From:      string(ch.From),
			To:        string(ch.To),
			Event:     string(ch.Event),
		})

		log.Debug().
			Str("session_id", ch.SessionID).
			Str("from", string(ch.From)).
			Str("to", string(ch.To)).
			Msg("coordinator: transition")

		msg := signaling.Message{
			Type:      signaling.TypeSessionUpdate,
			SessionID: ch.SessionID,
			Event:     string(ch.Event),
			Payload:   payload("from", string(ch.From), "status", string(ch.To)),
		}
		ctx := context.Background()
		c.relay.Notify(ctx, clientID, msg)
		c.relay.Notify(ctx, readerID, msg)
	}
}

// payload builds a small JSON object from key/value pairs.
func payload(kv ...any) json.RawMessage {
	out := []byte(`{}`)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		if b, err := sjson.SetBytes(out, key, kv[i+1]); err == nil {
			out = b
		}
	}
	return out
}
