package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soulseer/sessiond/internal/billing"
	"github.com/soulseer/sessiond/internal/config"
	"github.com/soulseer/sessiond/internal/ledger"
	"github.com/soulseer/sessiond/internal/lifecycle"
	"github.com/soulseer/sessiond/internal/money"
	"github.com/soulseer/sessiond/internal/monitoring"
	"github.com/soulseer/sessiond/internal/profile"
	"github.com/soulseer/sessiond/internal/signaling"
)

const (
	clientID = "client-1"
	readerID = "reader-1"
)

var errLedgerDown = errors.New("ledger down")

var errStoreDown = errors.New("store down")

// =============================================================================
// FAKES
// =============================================================================

type scriptedLedger struct {
	*ledger.Memory

	mu       sync.Mutex
	attempts int
	failOn   map[int]error
}

func newScriptedLedger(balance money.Cents) *scriptedLedger {
	return &scriptedLedger{
		Memory: ledger.NewMemory(map[string]money.Cents{clientID: balance}),
		failOn: map[int]error{},
	}
}

func (l *scriptedLedger) Debit(ctx context.Context, userID string, amount money.Cents, key string) error {
	l.mu.Lock()
	l.attempts++
	err := l.failOn[l.attempts]
	l.mu.Unlock()
	if err != nil {
		return err
	}
	return l.Memory.Debit(ctx, userID, amount, key)
}

type recordingConn struct {
	mu     sync.Mutex
	msgs   []signaling.Message
	closed string
}

func (r *recordingConn) Send(_ context.Context, msg signaling.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingConn) Close(reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed == "" {
		r.closed = reason
	}
	return nil
}

func (r *recordingConn) find(msgType string) (signaling.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if m.Type == msgType {
			return m, true
		}
	}
	return signaling.Message{}, false
}

func (r *recordingConn) closeReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// =============================================================================
// HARNESS
// =============================================================================

// flakyStore fails the next failures checkpoint writes.
type flakyStore struct {
	*lifecycle.MemoryStore

	mu       sync.Mutex
	failures int
}

func (f *flakyStore) AppendCheckpoint(ctx context.Context, cp lifecycle.Checkpoint) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errStoreDown
	}
	f.mu.Unlock()
	return f.MemoryStore.AppendCheckpoint(ctx, cp)
}

type harness struct {
	c       *Coordinator
	mgr     *lifecycle.Manager
	ledger  *scriptedLedger
	metrics *monitoring.MetricsCollector
}

func testConfig() Config {
	return Config{
		MinimumMinutes: 1,
		PendingExpiry:  time.Hour,
		ConnectGrace:   time.Hour,
		ReconnectGrace: time.Hour,
		RecoveryPolicy: config.RecoveryResume,
		RecoveryGrace:  time.Hour,
	}
}

func newHarness(t *testing.T, mgr *lifecycle.Manager, l *scriptedLedger, cfg Config) *harness {
	t.Helper()
	if mgr == nil {
		mgr = lifecycle.NewManager(lifecycle.NewMemoryStore())
	}
	if l == nil {
		l = newScriptedLedger(10_000)
	}
	metrics := monitoring.NewMetricsCollector()
	engine := billing.NewEngine(billing.Config{
		TickPeriod:         time.Second,
		CheckpointInterval: 15 * time.Second,
		DebitTimeout:       time.Second,
		LowBalanceWarning:  time.Minute,
	}, l)

	c := New(cfg, Deps{
		Lifecycle: mgr,
		Billing:   engine,
		Ledger:    l,
		Profile:   profile.Static{readerID: 200},
		Metrics:   metrics,
	})
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return &harness{c: c, mgr: mgr, ledger: l, metrics: metrics}
}

func (h *harness) request(t *testing.T) string {
	t.Helper()
	s, err := h.c.RequestSession(context.Background(), clientID, readerID, lifecycle.KindVideo)
	require.NoError(t, err)
	return s.ID
}

// live drives a session to in_progress and returns both room connections.
func (h *harness) live(t *testing.T) (string, *recordingConn, *recordingConn) {
	t.Helper()
	ctx := context.Background()
	id := h.request(t)
	_, err := h.c.Respond(ctx, id, true)
	require.NoError(t, err)

	client, reader := &recordingConn{}, &recordingConn{}
	require.NoError(t, h.c.Join(ctx, id, clientID, signaling.RoleClient, client))
	require.NoError(t, h.c.Join(ctx, id, readerID, signaling.RoleReader, reader))

	s, err := h.c.ConfirmConnected(ctx, id)
	require.NoError(t, err)
	require.Equal(t, lifecycle.StatusInProgress, s.Status)
	return id, client, reader
}

func (h *harness) ticks(t *testing.T, id string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, h.c.Tick(context.Background(), id))
	}
}

func (h *harness) session(t *testing.T, id string) *lifecycle.Session {
	t.Helper()
	s, err := h.mgr.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (h *harness) eventuallyFinalized(t *testing.T, id string) *lifecycle.Session {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.session(t, id).Finalized
	}, 2*time.Second, 5*time.Millisecond)
	return h.session(t, id)
}

// =============================================================================
// REQUEST / RESPOND / CANCEL
// =============================================================================

func TestRequestSession_InsufficientBalance(t *testing.T) {
	cfg := testConfig()
	cfg.MinimumMinutes = 5
	h := newHarness(t, nil, newScriptedLedger(999), cfg)

	_, err := h.c.RequestSession(context.Background(), clientID, readerID, lifecycle.KindChat)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	list, err := h.mgr.ListByUser(context.Background(), clientID, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRequestSession_UnknownReader(t *testing.T) {
	h := newHarness(t, nil, nil, testConfig())
	_, err := h.c.RequestSession(context.Background(), clientID, "reader-404", lifecycle.KindChat)
	assert.ErrorIs(t, err, profile.ErrUnknownReader)
}

func TestRequestSession_SnapshotsRateAndNotifiesReader(t *testing.T) {
	h := newHarness(t, nil, nil, testConfig())
	presence := &recordingConn{}
	unsubscribe := h.c.Signaling().Subscribe(readerID, presence)
	defer unsubscribe()

	s, err := h.c.RequestSession(context.Background(), clientID, readerID, lifecycle.Kind("audio"))
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusPending, s.Status)
	assert.Equal(t, lifecycle.KindVoice, s.Kind)
	assert.EqualValues(t, 200, s.RatePerMinute)

	msg, ok := presence.find(signaling.TypeSessionRequest)
	require.True(t, ok)
	assert.Equal(t, s.ID, msg.SessionID)

	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.Payload, &body))
	assert.Equal(t, clientID, body["client_id"])
	assert.EqualValues(t, 200, body["rate_per_minute"])
}

func TestPendingExpiry(t *testing.T) {
	cfg := testConfig()
	cfg.PendingExpiry = 20 * time.Millisecond
	h := newHarness(t, nil, nil, cfg)
	id := h.request(t)

	s := h.eventuallyFinalized(t, id)
	assert.Equal(t, lifecycle.StatusExpired, s.Status)
	assert.Equal(t, lifecycle.EndExpired, s.EndReason)
	assert.Zero(t, s.AmountCharged)
	assert.Zero(t, s.AccruedSeconds)

	require.Eventually(t, func() bool { return h.c.ActiveActors() == 0 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, h.metrics.FullStats().Sessions.Expired)
}

func TestPendingExpiry_DoesNotFireAfterAccept(t *testing.T) {
	cfg := testConfig()
	cfg.PendingExpiry = 30 * time.Millisecond
	h := newHarness(t, nil, nil, cfg)
	id := h.request(t)

	_, err := h.c.Respond(context.Background(), id, true)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, lifecycle.StatusAccepted, h.session(t, id).Status)
}

func TestConnectGrace_ExpiresAcceptedSession(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectGrace = 20 * time.Millisecond
	h := newHarness(t, nil, nil, cfg)
	id := h.request(t)

	_, err := h.c.Respond(context.Background(), id, true)
	require.NoError(t, err)

	s := h.eventuallyFinalized(t, id)
	assert.Equal(t, lifecycle.StatusExpired, s.Status)
}

func TestRespond_Reject(t *testing.T) {
	h := newHarness(t, nil, nil, testConfig())
	id := h.request(t)

	s, err := h.c.Respond(context.Background(), id, false)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusRejected, s.Status)
	assert.True(t, s.Finalized)
	assert.Equal(t, lifecycle.EndRejected, s.EndReason)

	_, err = h.c.Respond(context.Background(), id, true)
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
}

func TestRespond_RepeatedAcceptKeepsGraceDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectGrace = 200 * time.Millisecond
	h := newHarness(t, nil, nil, cfg)
	id := h.request(t)

	_, err := h.c.Respond(context.Background(), id, true)
	require.NoError(t, err)
	time.Sleep(150 * time.Millisecond)

	s, err := h.c.Respond(context.Background(), id, true)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusAccepted, s.Status)

	// The first accept's deadline is 50ms away; a restarted window would be 200ms away.
	require.Eventually(t, func() bool {
		return h.session(t, id).Finalized
	}, 120*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, lifecycle.StatusExpired, h.session(t, id).Status)

	log, err := h.mgr.Transitions(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, log, 3, "pending, accepted, expired")
}

func TestCancel_IsIdempotent(t *testing.T) {
	h := newHarness(t, nil, nil, testConfig())
	id := h.request(t)

	first, err := h.c.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusCancelled, first.Status)

	second, err := h.c.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestUnknownSession(t *testing.T) {
	h := newHarness(t, nil, nil, testConfig())
	_, err := h.c.Respond(context.Background(), "missing", true)
	assert.ErrorIs(t, err, lifecycle.ErrSessionNotFound)

	_, err = h.c.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, lifecycle.ErrSessionNotFound)

	require.Eventually(t, func() bool { return h.c.ActiveActors() == 0 }, time.Second, 5*time.Millisecond)
}

// =============================================================================
// CONNECT
// =============================================================================

func TestConfirmConnected_RequiresBothJoined(t *testing.T) {
	h := newHarness(t, nil, nil, testConfig())
	ctx := context.Background()
	id := h.request(t)

	_, err := h.c.ConfirmConnected(ctx, id)
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition, "still pending")

	_, err = h.c.Respond(ctx, id, true)
	require.NoError(t, err)
	require.NoError(t, h.c.Join(ctx, id, clientID, signaling.RoleClient, &recordingConn{}))

	_, err = h.c.ConfirmConnected(ctx, id)
	assert.ErrorIs(t, err, ErrPeersNotConnected)
	assert.Equal(t, lifecycle.StatusAccepted, h.session(t, id).Status)
}

func TestJoin_Gate(t *testing.T) {
	h := newHarness(t, nil, nil, testConfig())
	ctx := context.Background()
	id := h.request(t)

	err := h.c.Join(ctx, id, clientID, signaling.RoleClient, &recordingConn{})
	assert.ErrorIs(t, err, signaling.ErrSessionNotFound, "pending rooms are closed")

	_, err = h.c.Respond(ctx, id, true)
	require.NoError(t, err)

	err = h.c.Join(ctx, id, "stranger", signaling.RoleClient, &recordingConn{})
	assert.ErrorIs(t, err, ErrNotParty)

	err = h.c.Join(ctx, id, clientID, signaling.RoleReader, &recordingConn{})
	assert.ErrorIs(t, err, ErrNotParty, "client cannot take the reader seat")

	err = h.c.Join(ctx, "missing", clientID, signaling.RoleClient, &recordingConn{})
	assert.ErrorIs(t, err, signaling.ErrSessionNotFound)
}

func TestReadyFromBothPeersStartsSession(t *testing.T) {
	h := newHarness(t, nil, nil, testConfig())
	ctx := context.Background()
	id := h.request(t)
	_, err := h.c.Respond(ctx, id, true)
	require.NoError(t, err)

	require.NoError(t, h.c.Join(ctx, id, clientID, signaling.RoleClient, &recordingConn{}))
	require.NoError(t, h.c.Join(ctx, id, readerID, signaling.RoleReader, &recordingConn{}))

	ready := json.RawMessage(`{"type":"ready"}`)
	require.NoError(t, h.c.Relay(ctx, id, clientID, ready))
	assert.Equal(t, lifecycle.StatusAccepted, h.session(t, id).Status)
	require.NoError(t, h.c.Relay(ctx, id, readerID, ready))

	require.Eventually(t, func() bool {
		return h.session(t, id).Status == lifecycle.StatusInProgress
	}, 2*time.Second, 5*time.Millisecond)
}

// =============================================================================
// BILLING
// =============================================================================

func TestLedgerFailureEndsAtLastCheckpoint(t *testing.T) {
	// $10 at $2/min with 15s checkpoints. Debit 11 and its retry fail.
	l := newScriptedLedger(1_000)
	l.failOn[11] = errLedgerDown
	l.failOn[12] = errLedgerDown
	h := newHarness(t, nil, l, testConfig())
	id, client, reader := h.live(t)

	h.ticks(t, id, 166)

	s := h.session(t, id)
	require.True(t, s.Finalized)
	assert.Equal(t, lifecycle.StatusCompleted, s.Status)
	assert.Equal(t, lifecycle.EndDepleted, s.EndReason)
	assert.EqualValues(t, 150, s.AccruedSeconds)
	assert.EqualValues(t, 500, s.AmountCharged)

	cps, err := h.mgr.Checkpoints(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, cps, 10)

	for _, conn := range []*recordingConn{client, reader} {
		end, ok := conn.find(signaling.TypeSessionEnd)
		require.True(t, ok)
		assert.Equal(t, string(lifecycle.EndDepleted), end.Event)
		assert.Equal(t, signaling.CloseSessionEnd, conn.closeReason())
	}

	// Further ticks are no-ops.
	require.NoError(t, h.c.Tick(context.Background(), id))
	assert.Equal(t, s, h.session(t, id))
	assert.EqualValues(t, 1, h.metrics.FullStats().Sessions.Depleted)
}

func TestTick_BalanceDepletion(t *testing.T) {
	h := newHarness(t, nil, newScriptedLedger(240), testConfig())
	id, _, _ := h.live(t)

	h.ticks(t, id, 120)

	s := h.session(t, id)
	require.True(t, s.Finalized)
	assert.Equal(t, lifecycle.EndDepleted, s.EndReason)
	assert.EqualValues(t, 60, s.AccruedSeconds)
	assert.EqualValues(t, 200, s.AmountCharged)

	bal, err := h.ledger.Balance(context.Background(), clientID)
	require.NoError(t, err)
	assert.EqualValues(t, 40, bal)
}

func TestTick_NoBillingWithoutBothPeers(t *testing.T) {
	h := newHarness(t, nil, nil, testConfig())
	id, _, _ := h.live(t)

	require.NoError(t, h.c.Leave(context.Background(), id, readerID))
	h.ticks(t, id, 30)

	view, err := h.c.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Zero(t, view.ElapsedSeconds)
	assert.False(t, view.Connected)
}

func TestTick_LowBalanceWarning(t *testing.T) {
	h := newHarness(t, nil, newScriptedLedger(400), testConfig())
	presence := &recordingConn{}
	unsubscribe := h.c.Signaling().Subscribe(clientID, presence)
	defer unsubscribe()

	id, client, _ := h.live(t)
	// 400 cents at $2/min is 120s; the warning fires with 60s left.
	h.ticks(t, id, 59)
	_, ok := client.find(signaling.TypeBalanceLow)
	assert.False(t, ok)

	h.ticks(t, id, 1)
	_, ok = client.find(signaling.TypeBalanceLow)
	assert.True(t, ok)
	_, ok = presence.find(signaling.TypeBalanceLow)
	assert.True(t, ok)
}

func TestAutomaticTicker(t *testing.T) {
	cfg := testConfig()
	cfg.TickPeriod = time.Millisecond
	h := newHarness(t, nil, nil, cfg)
	id, _, _ := h.live(t)

	require.Eventually(t, func() bool {
		_, charged, err := h.mgr.BillingProgress(context.Background(), id)
		return err == nil && charged >= 50
	}, 5*time.Second, 5*time.Millisecond)
}

// =============================================================================
// END
// =============================================================================

func TestEndSession_SettlesPartialInterval(t *testing.T) {
	h := newHarness(t, nil, nil, testConfig())
	id, _, _ := h.live(t)
	h.ticks(t, id, 20)

	s, err := h.c.EndSession(context.Background(), id, lifecycle.EndVoluntary)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusCompleted, s.Status)
	assert.EqualValues(t, 20, s.AccruedSeconds)
	assert.EqualValues(t, 66, s.AmountCharged)
	assert.False(t, s.EndedAt.IsZero())

	_, charged, err := h.mgr.BillingProgress(context.Background(), id)
	require.NoError(t, err)
	assert.EqualValues(t, 66, charged)

	again, err := h.c.EndSession(context.Background(), id, lifecycle.EndDisconnected)
	require.NoError(t, err)
	assert.Equal(t, s, again)
}

func TestEndSession_BeforeConnectCancels(t *testing.T) {
	h := newHarness(t, nil, nil, testConfig())
	id := h.request(t)

	s, err := h.c.EndSession(context.Background(), id, lifecycle.EndVoluntary)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusCancelled, s.Status)
	assert.Equal(t, lifecycle.EndCancelled, s.EndReason)
	assert.Zero(t, s.AmountCharged)
}

func TestEndSession_InvalidReason(t *testing.T) {
	h := newHarness(t, nil, nil, testConfig())
	id := h.request(t)
	_, err := h.c.EndSession(context.Background(), id, lifecycle.EndExpired)
	assert.ErrorIs(t, err, ErrInvalidEndReason)
}

func TestEndSession_DepletedIsReservedForBilling(t *testing.T) {
	h := newHarness(t, nil, nil, testConfig())
	id, _, _ := h.live(t)
	h.ticks(t, id, 20)

	_, err := h.c.EndSession(context.Background(), id, lifecycle.EndDepleted)
	require.ErrorIs(t, err, ErrInvalidEndReason)
	assert.Equal(t, lifecycle.StatusInProgress, h.session(t, id).Status)

	s, err := h.c.EndSession(context.Background(), id, lifecycle.EndVoluntary)
	require.NoError(t, err)
	assert.EqualValues(t, 20, s.AccruedSeconds)
	assert.EqualValues(t, 66, s.AmountCharged)
	assert.Equal(t, lifecycle.EndVoluntary, s.EndReason)

	bal, err := h.ledger.Balance(context.Background(), clientID)
	require.NoError(t, err)
	assert.EqualValues(t, 10_000-66, bal)
}

func TestCheckpointWriteRetriedAfterStoreFailure(t *testing.T) {
	store := &flakyStore{MemoryStore: lifecycle.NewMemoryStore(), failures: 1}
	h := newHarness(t, lifecycle.NewManager(store), nil, testConfig())
	id, _, _ := h.live(t)
	ctx := context.Background()

	h.ticks(t, id, 15)
	seconds, charged, err := h.mgr.BillingProgress(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, seconds, "first write failed")
	assert.Zero(t, charged)

	h.ticks(t, id, 1)
	seconds, charged, err = h.mgr.BillingProgress(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 15, seconds)
	assert.EqualValues(t, 50, charged)

	h.ticks(t, id, 14)
	cps, err := h.mgr.Checkpoints(ctx, id)
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, id+":15", cps[0].IdempotencyKey)
	assert.Equal(t, id+":30", cps[1].IdempotencyKey)
}

func TestCheckpointWriteRetriedOnSettle(t *testing.T) {
	store := &flakyStore{MemoryStore: lifecycle.NewMemoryStore()}
	h := newHarness(t, lifecycle.NewManager(store), nil, testConfig())
	id, _, _ := h.live(t)
	ctx := context.Background()

	h.ticks(t, id, 20)
	store.mu.Lock()
	store.failures = 1
	store.mu.Unlock()

	s, err := h.c.EndSession(ctx, id, lifecycle.EndVoluntary)
	require.NoError(t, err)
	assert.EqualValues(t, 66, s.AmountCharged)

	_, charged, err := h.mgr.BillingProgress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, s.AmountCharged, charged, "checkpoints add up to the final charge")
}

func TestConcurrentEndsFinalizeOnce(t *testing.T) {
	h := newHarness(t, nil, nil, testConfig())
	id, _, _ := h.live(t)
	h.ticks(t, id, 30)

	var wg sync.WaitGroup
	results := make([]*lifecycle.Session, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := h.c.EndSession(context.Background(), id, lifecycle.EndVoluntary)
			assert.NoError(t, err)
			results[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range results {
		assert.Equal(t, results[0], s)
	}
	log, err := h.mgr.Transitions(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, log, 4)
	assert.EqualValues(t, 1, h.metrics.FullStats().Sessions.Completed)
}

func TestBothLeaveEndsSessionOnce(t *testing.T) {
	h := newHarness(t, nil, nil, testConfig())
	id, _, _ := h.live(t)
	h.ticks(t, id, 15)

	var wg sync.WaitGroup
	for _, pid := range []string{clientID, readerID} {
		wg.Add(1)
		go func(pid string) {
			defer wg.Done()
			assert.NoError(t, h.c.Leave(context.Background(), id, pid))
		}(pid)
	}
	wg.Wait()

	s := h.eventuallyFinalized(t, id)
	assert.Equal(t, lifecycle.EndDisconnected, s.EndReason)
	assert.EqualValues(t, 15, s.AccruedSeconds)
	assert.EqualValues(t, 50, s.AmountCharged)

	log, err := h.mgr.Transitions(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, log, 4)
}

func TestReconnectGraceElapses(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectGrace = 20 * time.Millisecond
	h := newHarness(t, nil, nil, cfg)
	id, client, _ := h.live(t)

	require.NoError(t, h.c.Leave(context.Background(), id, readerID))

	s := h.eventuallyFinalized(t, id)
	assert.Equal(t, lifecycle.EndDisconnected, s.EndReason)
	_, ok := client.find(signaling.TypeSessionEnd)
	assert.True(t, ok)
}

func TestReconnectWithinGraceKeepsSession(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectGrace = 60 * time.Millisecond
	h := newHarness(t, nil, nil, cfg)
	id, _, _ := h.live(t)
	ctx := context.Background()

	require.NoError(t, h.c.Leave(ctx, id, readerID))
	require.NoError(t, h.c.Join(ctx, id, readerID, signaling.RoleReader, &recordingConn{}))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, lifecycle.StatusInProgress, h.session(t, id).Status)
}

// =============================================================================
// STATUS
// =============================================================================

func TestStatus_LiveAndFinal(t *testing.T) {
	h := newHarness(t, nil, nil, testConfig())
	id, _, _ := h.live(t)
	h.ticks(t, id, 20)

	view, err := h.c.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusInProgress, view.Status)
	assert.EqualValues(t, 20, view.ElapsedSeconds)
	assert.EqualValues(t, 66, view.CurrentCost)
	assert.EqualValues(t, 50, view.AmountCharged)
	assert.True(t, view.Connected)
	assert.NotNil(t, view.StartedAt)
	assert.Positive(t, view.RemainingEstimatedSeconds)

	_, err = h.c.EndSession(context.Background(), id, lifecycle.EndVoluntary)
	require.NoError(t, err)

	view, err = h.c.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusCompleted, view.Status)
	assert.EqualValues(t, 66, view.AmountCharged)
	assert.NotNil(t, view.EndedAt)
	assert.Equal(t, lifecycle.EndVoluntary, view.EndReason)
}

// =============================================================================
// RECOVERY
// =============================================================================

// crashMidSession leaves a session in progress with 30s committed.
func crashMidSession(t *testing.T, mgr *lifecycle.Manager, l *scriptedLedger) string {
	t.Helper()
	h := newHarness(t, mgr, l, testConfig())
	id, _, _ := h.live(t)
	h.ticks(t, id, 30)
	require.NoError(t, h.c.Shutdown(context.Background()))
	require.Equal(t, lifecycle.StatusInProgress, h.session(t, id).Status)
	return id
}

func TestRecover_Resume(t *testing.T) {
	mgr := lifecycle.NewManager(lifecycle.NewMemoryStore())
	l := newScriptedLedger(10_000)
	id := crashMidSession(t, mgr, l)

	h := newHarness(t, mgr, l, testConfig())
	report, err := h.c.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resumed)

	ctx := context.Background()
	require.NoError(t, h.c.Join(ctx, id, clientID, signaling.RoleClient, &recordingConn{}))
	require.NoError(t, h.c.Join(ctx, id, readerID, signaling.RoleReader, &recordingConn{}))
	h.ticks(t, id, 15)

	seconds, charged, err := mgr.BillingProgress(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 45, seconds)
	assert.EqualValues(t, 150, charged)
}

func TestRecover_ResumeGraceEndsAbandonedSession(t *testing.T) {
	mgr := lifecycle.NewManager(lifecycle.NewMemoryStore())
	l := newScriptedLedger(10_000)
	id := crashMidSession(t, mgr, l)

	cfg := testConfig()
	cfg.RecoveryGrace = 20 * time.Millisecond
	h := newHarness(t, mgr, l, cfg)
	_, err := h.c.Recover(context.Background())
	require.NoError(t, err)

	s := h.eventuallyFinalized(t, id)
	assert.Equal(t, lifecycle.EndDisconnected, s.EndReason)
	assert.EqualValues(t, 30, s.AccruedSeconds)
	assert.EqualValues(t, 100, s.AmountCharged)
}

func TestRecover_Terminate(t *testing.T) {
	mgr := lifecycle.NewManager(lifecycle.NewMemoryStore())
	l := newScriptedLedger(10_000)
	id := crashMidSession(t, mgr, l)

	cfg := testConfig()
	cfg.RecoveryPolicy = config.RecoveryTerminate
	h := newHarness(t, mgr, l, cfg)
	report, err := h.c.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Terminated)

	s := h.session(t, id)
	require.True(t, s.Finalized)
	assert.Equal(t, lifecycle.StatusCompleted, s.Status)
	assert.EqualValues(t, 30, s.AccruedSeconds)
	assert.EqualValues(t, 100, s.AmountCharged)

	bal, err := l.Balance(context.Background(), clientID)
	require.NoError(t, err)
	assert.EqualValues(t, 9_900, bal, "nothing beyond the last checkpoint is charged")
}

func TestRecover_ReschedulesPendingExpiry(t *testing.T) {
	mgr := lifecycle.NewManager(lifecycle.NewMemoryStore())
	first := newHarness(t, mgr, nil, testConfig())
	id := first.request(t)
	require.NoError(t, first.c.Shutdown(context.Background()))

	cfg := testConfig()
	cfg.PendingExpiry = 20 * time.Millisecond
	h := newHarness(t, mgr, nil, cfg)
	report, err := h.c.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rescheduled)

	s := h.eventuallyFinalized(t, id)
	assert.Equal(t, lifecycle.StatusExpired, s.Status)
}

func TestReconcile_RepairsUnfinalizedTerminal(t *testing.T) {
	mgr := lifecycle.NewManager(lifecycle.NewMemoryStore())
	l := newScriptedLedger(10_000)
	id := crashMidSession(t, mgr, l)

	// Completed but the process died before Finalize.
	_, err := mgr.Transition(context.Background(), id, lifecycle.EventComplete)
	require.NoError(t, err)

	h := newHarness(t, mgr, l, testConfig())
	report, err := h.c.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)

	s := h.session(t, id)
	require.True(t, s.Finalized)
	assert.EqualValues(t, 30, s.AccruedSeconds)
	assert.EqualValues(t, 100, s.AmountCharged)
}

func TestShutdown_RejectsNewWork(t *testing.T) {
	h := newHarness(t, nil, nil, testConfig())
	require.NoError(t, h.c.Shutdown(context.Background()))
	_, err := h.c.RequestSession(context.Background(), clientID, readerID, lifecycle.KindChat)
	assert.ErrorIs(t, err, ErrShuttingDown)
}
