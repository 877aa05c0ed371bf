package lifecycle

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/soulseer/sessiond/internal/money"
)

const lockStripes = 64

// Manager is the authoritative state machine for sessions.
type Manager struct {
	store Store
	now   func() time.Time

	// Striped per-session write locks. Writes to one session are serialized;
	// different sessions rarely contend.
	locks [lockStripes]sync.Mutex

	subsMu  sync.RWMutex
	subs    map[string]map[int]func(Change)
	nextSub int
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a lifecycle manager over store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		now:   time.Now,
		subs:  make(map[string]map[int]func(Change)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) lock(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	mu := &m.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Create records a new pending session.
func (m *Manager) Create(ctx context.Context, clientID, readerID string, kind Kind, rate money.Cents) (*Session, error) {
	clientID = strings.TrimSpace(clientID)
	readerID = strings.TrimSpace(readerID)
	if clientID == "" || readerID == "" || clientID == readerID {
		return nil, ErrInvalidParty
	}
	kind, err := ParseKind(string(kind))
	if err != nil {
		return nil, err
	}
	if rate <= 0 {
		return nil, ErrInvalidRate
	}

	now := m.now().UTC()
	s := &Session{
		ID:            uuid.NewString(),
		ClientID:      clientID,
		ReaderID:      readerID,
		Kind:          kind,
		RatePerMinute: rate,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	t := Transition{
		ID:        ulid.Make().String(),
		SessionID: s.ID,
		To:        StatusPending,
		Event:     eventCreate,
		At:        now,
	}
	if err := m.store.CreateSession(ctx, s, t); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	log.Info().
		Str("session_id", s.ID).
		Str("client_id", clientID).
		Str("reader_id", readerID).
		Str("kind", string(kind)).
		Str("rate", rate.String()).
		Msg("lifecycle: session created")
	return s.Clone(), nil
}

// Get returns a session by id.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	return m.store.GetSession(ctx, id)
}

// Transition applies ev to the session. Re-delivering the event that produced the
// current state is a no-op success.
func (m *Manager) Transition(ctx context.Context, id string, ev Event) (*Session, error) {
	unlock := m.lock(id)

	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}

	if Redelivered(s.Status, ev) {
		unlock()
		log.Debug().Str("session_id", id).Str("event", string(ev)).Msg("lifecycle: redelivered event ignored")
		return s, nil
	}

	to, ok := Next(s.Status, ev)
	if !ok {
		unlock()
		return nil, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, s.Status)
	}

	now := m.now().UTC()
	from := s.Status
	s.Status = to
	s.UpdatedAt = now
	if to == StatusInProgress {
		s.StartedAt = now
	}

	t := Transition{
		ID:        ulid.Make().String(),
		SessionID: id,
		From:      from,
		To:        to,
		Event:     ev,
		At:        now,
	}
	if err := m.store.SaveTransition(ctx, s, t); err != nil {
		unlock()
		return nil, fmt.Errorf("save transition: %w", err)
	}
	unlock()

	log.Info().
		Str("session_id", id).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("event", string(ev)).
		Msg("lifecycle: transition")

	m.publish(Change{SessionID: id, From: from, To: to, Event: ev, At: now})
	return s.Clone(), nil
}

// Finalize writes terminal timing and cost. Callable once per session.
func (m *Manager) Finalize(ctx context.Context, id string, endedAt time.Time, accruedSeconds int64, amountCharged money.Cents, reason EndReason) (*Session, error) {
	unlock := m.lock(id)
	defer unlock()

	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Finalized {
		return nil, ErrAlreadyFinalized
	}
	if !s.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrNotTerminal, s.Status)
	}
	if accruedSeconds < 0 || amountCharged < 0 || accruedSeconds < s.AccruedSeconds {
		return nil, ErrInvalidFinalization
	}
	if s.Status != StatusCompleted && (accruedSeconds != 0 || amountCharged != 0) {
		// Only sessions that reached in_progress can carry time or cost.
		return nil, fmt.Errorf("%w: %s session cannot carry charges", ErrInvalidFinalization, s.Status)
	}

	s.EndedAt = endedAt.UTC()
	s.AccruedSeconds = accruedSeconds
	s.AmountCharged = amountCharged
	s.EndReason = reason
	s.Finalized = true
	s.UpdatedAt = m.now().UTC()

	if err := m.store.UpdateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("finalize session: %w", err)
	}

	log.Info().
		Str("session_id", id).
		Str("status", string(s.Status)).
		Int64("accrued_seconds", accruedSeconds).
		Str("amount_charged", amountCharged.String()).
		Str("reason", string(reason)).
		Msg("lifecycle: session finalized")
	return s.Clone(), nil
}

// RecordCheckpoint durably records a committed debit. Checkpoints must advance:
// a checkpoint at or below the last recorded seconds is rejected so an interval
// can never be recorded twice.
func (m *Manager) RecordCheckpoint(ctx context.Context, cp Checkpoint) (Checkpoint, error) {
	unlock := m.lock(cp.SessionID)
	defer unlock()

	s, err := m.store.GetSession(ctx, cp.SessionID)
	if err != nil {
		return Checkpoint{}, err
	}
	if s.Finalized || (s.Status != StatusInProgress && s.Status != StatusCompleted) {
		return Checkpoint{}, fmt.Errorf("%w: session is %s", ErrInvalidCheckpoint, s.Status)
	}
	if cp.Amount < 0 || cp.Seconds <= 0 {
		return Checkpoint{}, fmt.Errorf("%w: negative amount or empty span", ErrInvalidCheckpoint)
	}

	existing, err := m.store.ListCheckpoints(ctx, cp.SessionID)
	if err != nil {
		return Checkpoint{}, err
	}
	if n := len(existing); n > 0 && existing[n-1].Seconds >= cp.Seconds {
		return Checkpoint{}, fmt.Errorf("%w: %ds already covered", ErrInvalidCheckpoint, existing[n-1].Seconds)
	}

	cp.ID = ulid.Make().String()
	cp.Seq = len(existing) + 1
	if cp.At.IsZero() {
		cp.At = m.now().UTC()
	}
	if err := m.store.AppendCheckpoint(ctx, cp); err != nil {
		return Checkpoint{}, fmt.Errorf("record checkpoint: %w", err)
	}
	return cp, nil
}

// Checkpoints lists committed debits in order.
func (m *Manager) Checkpoints(ctx context.Context, id string) ([]Checkpoint, error) {
	return m.store.ListCheckpoints(ctx, id)
}

// BillingProgress returns the metered seconds and amount covered by committed debits.
func (m *Manager) BillingProgress(ctx context.Context, id string) (int64, money.Cents, error) {
	cps, err := m.store.ListCheckpoints(ctx, id)
	if err != nil {
		return 0, 0, err
	}
	var total money.Cents
	var seconds int64
	for _, cp := range cps {
		total += cp.Amount
		seconds = cp.Seconds
	}
	return seconds, total, nil
}

// Transitions returns the audit log for a session.
func (m *Manager) Transitions(ctx context.Context, id string) ([]Transition, error) {
	return m.store.ListTransitions(ctx, id)
}

// ListByUser returns sessions where userID is client or reader, newest first.
func (m *Manager) ListByUser(ctx context.Context, userID string, limit int) ([]*Session, error) {
	return m.store.ListSessionsByUser(ctx, userID, limit)
}

// ListByStatus returns all sessions in status.
func (m *Manager) ListByStatus(ctx context.Context, status Status) ([]*Session, error) {
	return m.store.ListSessionsByStatus(ctx, status)
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

// Subscribe registers fn for changes to one session. fn runs on the
// transitioning goroutine and must not block.
func (m *Manager) Subscribe(id string, fn func(Change)) (cancel func()) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	m.nextSub++
	key := m.nextSub
	if m.subs[id] == nil {
		m.subs[id] = make(map[int]func(Change))
	}
	m.subs[id][key] = fn

	return func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		delete(m.subs[id], key)
		if len(m.subs[id]) == 0 {
			delete(m.subs, id)
		}
	}
}

func (m *Manager) publish(c Change) {
	m.subsMu.RLock()
	fns := make([]func(Change), 0, len(m.subs[c.SessionID]))
	for _, fn := range m.subs[c.SessionID] {
		fns = append(fns, fn)
	}
	m.subsMu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}
