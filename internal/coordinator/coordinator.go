// Package coordinator orchestrates sessions end to end.
//
// DESIGN: Every session is a single-writer actor. All mutating work for one
// session id (transitions, billing ticks, room joins and leaves, timeouts,
// finalization) is queued onto that session's actor and applied one at a
// time in arrival order. Different sessions never share an actor, so they
// proceed in parallel; the ledger is the only shared resource.
//
//	HTTP / websocket ──► do(id, op) ──┐
//	relay events     ──► enqueue ─────┼──► actor queue ──► one goroutine
//	timers / ticker  ──► enqueue ─────┘
//
// Timeouts (pending expiry, connect grace, reconnect grace) are queued ops
// like any other, so they cannot race a real transition: each one re-reads
// the session and does nothing if the state it guards has moved on.
//
// FILES:
//   - coordinator.go: Coordinator, actor registry and queue
//   - operations.go:  request, respond, cancel, connect, end, tick, status
//   - events.go:      relay events, timers, tick loop, notifications
//   - recovery.go:    restart recovery, reconcile, shutdown
package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soulseer/sessiond/internal/billing"
	"github.com/soulseer/sessiond/internal/config"
	"github.com/soulseer/sessiond/internal/ledger"
	"github.com/soulseer/sessiond/internal/lifecycle"
	"github.com/soulseer/sessiond/internal/monitoring"
	"github.com/soulseer/sessiond/internal/profile"
	"github.com/soulseer/sessiond/internal/signaling"
)

var (
	// ErrPeersNotConnected is returned by ConfirmConnected before both
	// participants have joined the room.
	ErrPeersNotConnected = errors.New("both participants must be connected")
	// ErrNotParty is returned when a participant is neither client nor reader.
	ErrNotParty = errors.New("participant is not a party to this session")
	// ErrInvalidEndReason is returned for end reasons callers may not use.
	ErrInvalidEndReason = errors.New("invalid end reason")
	// ErrShuttingDown is returned once Shutdown has started.
	ErrShuttingDown = errors.New("coordinator shutting down")
)

// Config holds coordinator timing and policy.
type Config struct {
	MinimumMinutes int

	PendingExpiry  time.Duration
	ConnectGrace   time.Duration
	ReconnectGrace time.Duration

	RecoveryPolicy string
	RecoveryGrace  time.Duration

	// TickPeriod drives the automatic billing ticker. Zero disables it and
	// leaves ticking to Tick callers.
	TickPeriod time.Duration

	// CheckpointIntervals overrides the engine interval per kind.
	CheckpointIntervals map[lifecycle.Kind]time.Duration
}

// Deps are the coordinator's collaborators.
type Deps struct {
	Lifecycle *lifecycle.Manager
	Billing   *billing.Engine
	Ledger    ledger.Client
	Profile   profile.Resolver
	Metrics   *monitoring.MetricsCollector
	Tracker   *monitoring.Tracker

	// RelayOptions are passed to the relay the coordinator owns.
	RelayOptions []signaling.Option
}

// Coordinator owns session actors and the signaling relay.
type Coordinator struct {
	cfg       Config
	lifecycle *lifecycle.Manager
	billing   *billing.Engine
	ledger    ledger.Client
	profile   profile.Resolver
	metrics   *monitoring.MetricsCollector
	tracker   *monitoring.Tracker
	relay     *signaling.Relay
	now       func() time.Time

	mu      sync.Mutex
	actors  map[string]*actor
	stopped bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates a coordinator and the relay it drives.
func New(cfg Config, deps Deps) *Coordinator {
	if cfg.RecoveryPolicy == "" {
		cfg.RecoveryPolicy = config.RecoveryResume
	}
	c := &Coordinator{
		cfg:       cfg,
		lifecycle: deps.Lifecycle,
		billing:   deps.Billing,
		ledger:    deps.Ledger,
		profile:   deps.Profile,
		metrics:   deps.Metrics,
		tracker:   deps.Tracker,
		now:       time.Now,
		actors:    make(map[string]*actor),
		stop:      make(chan struct{}),
	}
	opts := append([]signaling.Option{signaling.WithMetrics(deps.Metrics)}, deps.RelayOptions...)
	c.relay = signaling.NewRelay(signaling.GateFunc(c.canJoin), c.onRelayEvent, opts...)
	return c
}

// Signaling returns the relay for presence subscriptions.
func (c *Coordinator) Signaling() *signaling.Relay {
	return c.relay
}

// =============================================================================
// ACTORS
// =============================================================================

type op func()

// actor serializes one session's work. Fields below the queue are only
// touched from the actor goroutine.
type actor struct {
	id string

	mu     sync.Mutex
	queue  []op
	closed bool
	wake   chan struct{}

	bound       bool
	clientID    string
	readerID    string
	kind        lifecycle.Kind
	unsubscribe func()

	run        *billing.Run
	unrecorded []lifecycle.Checkpoint
	timer      *time.Timer
	timerGen   uint64
	tickStop   chan struct{}
	tickQueued atomic.Bool
	finished   bool
}

func newActor(id string) *actor {
	return &actor{id: id, wake: make(chan struct{}, 1)}
}

// enqueue appends fn. It fails only once the actor has retired.
func (a *actor) enqueue(fn op) bool {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return false
	}
	a.queue = append(a.queue, fn)
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return true
}

func (a *actor) next() op {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queue) == 0 {
		return nil
	}
	fn := a.queue[0]
	a.queue[0] = nil
	a.queue = a.queue[1:]
	return fn
}

func (c *Coordinator) actorFor(id string) (*actor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil, ErrShuttingDown
	}
	if a, ok := c.actors[id]; ok {
		return a, nil
	}
	a := newActor(id)
	c.actors[id] = a
	c.wg.Add(1)
	go c.loop(a)
	return a, nil
}

func (c *Coordinator) loop(a *actor) {
	defer c.wg.Done()
	for {
		select {
		case <-a.wake:
		case <-c.stop:
			return
		}
		for fn := a.next(); fn != nil; fn = a.next() {
			fn()
		}
		if a.finished && c.retire(a) {
			return
		}
	}
}

// retire removes a finished actor once its queue is empty.
func (c *Coordinator) retire(a *actor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.queue) > 0 {
		return false
	}
	a.closed = true
	if c.actors[a.id] == a {
		delete(c.actors, a.id)
	}
	a.release()
	return true
}

// release stops everything the actor started. Actor goroutine or shutdown only.
func (a *actor) release() {
	a.cancelTimer()
	a.stopTicker()
	if a.run != nil {
		a.run.Stop()
	}
	if a.unsubscribe != nil {
		a.unsubscribe()
		a.unsubscribe = nil
	}
}

// enqueue queues fn on the session's actor without waiting.
func (c *Coordinator) enqueue(id string, fn func(a *actor)) {
	for {
		a, err := c.actorFor(id)
		if err != nil {
			return
		}
		if a.enqueue(func() { fn(a) }) {
			return
		}
	}
}

// do runs fn on the session's actor and waits for its result. fn keeps
// running even if ctx is cancelled while it is queued.
func (c *Coordinator) do(ctx context.Context, id string, fn func(a *actor) error) error {
	done := make(chan error, 1)
	for {
		a, err := c.actorFor(id)
		if err != nil {
			return err
		}
		if a.enqueue(func() { done <- fn(a) }) {
			break
		}
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stop:
		return ErrShuttingDown
	}
}

func (c *Coordinator) shuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// ActiveActors reports how many session actors are live.
func (c *Coordinator) ActiveActors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.actors)
}

var _ signaling.Hub = (*Coordinator)(nil)
