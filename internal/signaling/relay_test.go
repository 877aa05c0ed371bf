package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu      sync.Mutex
	msgs    []Message
	closed  string
	sendErr error
}

func (f *fakeConn) Send(_ context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeConn) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed == "" {
		f.closed = reason
	}
	return nil
}

func (f *fakeConn) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.msgs))
	for _, m := range f.msgs {
		out = append(out, m.Type)
	}
	return out
}

func (f *fakeConn) last() Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msgs[len(f.msgs)-1]
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) sink(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Kind)
	}
	return out
}

func newTestRelay(gate Gate) (*Relay, *eventLog) {
	events := &eventLog{}
	return NewRelay(gate, events.sink), events
}

func joinBoth(t *testing.T, r *Relay) (*fakeConn, *fakeConn) {
	t.Helper()
	client, reader := &fakeConn{}, &fakeConn{}
	require.NoError(t, r.Join(context.Background(), "s1", "client-1", RoleClient, client))
	require.NoError(t, r.Join(context.Background(), "s1", "reader-1", RoleReader, reader))
	return client, reader
}

func TestJoin_RaisesEventsAndIntroducesPeers(t *testing.T) {
	r, events := newTestRelay(nil)
	client, reader := joinBoth(t, r)

	assert.Equal(t, []EventKind{EventJoined, EventJoined, EventBothJoined}, events.kinds())
	assert.Equal(t, []string{TypeUserJoined}, client.types())
	assert.Equal(t, "reader-1", client.last().From)
	assert.Equal(t, []string{TypeUserJoined}, reader.types())
	assert.Equal(t, "client-1", reader.last().From)
	assert.True(t, r.Full("s1"))
	assert.Len(t, r.Members("s1"), 2)
}

func TestJoin_Rejections(t *testing.T) {
	gateErr := errors.New("nope")
	tests := []struct {
		name    string
		gate    Gate
		setup   func(r *Relay)
		pid     string
		role    Role
		wantErr error
	}{
		{
			name:    "invalid role",
			pid:     "x",
			role:    Role("spectator"),
			wantErr: ErrInvalidRole,
		},
		{
			name: "gate refuses",
			gate: GateFunc(func(context.Context, string, string, Role) error {
				return ErrSessionNotFound
			}),
			pid:     "client-1",
			role:    RoleClient,
			wantErr: ErrSessionNotFound,
		},
		{
			name: "gate error passes through",
			gate: GateFunc(func(context.Context, string, string, Role) error {
				return gateErr
			}),
			pid:     "client-1",
			role:    RoleClient,
			wantErr: gateErr,
		},
		{
			name: "seat taken",
			setup: func(r *Relay) {
				_ = r.Join(context.Background(), "s1", "client-1", RoleClient, &fakeConn{})
			},
			pid:     "intruder",
			role:    RoleClient,
			wantErr: ErrRoomFull,
		},
		{
			name: "third member",
			setup: func(r *Relay) {
				_ = r.Join(context.Background(), "s1", "client-1", RoleClient, &fakeConn{})
				_ = r.Join(context.Background(), "s1", "reader-1", RoleReader, &fakeConn{})
			},
			pid:     "intruder",
			role:    RoleReader,
			wantErr: ErrRoomFull,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRelay(tt.gate)
			if tt.setup != nil {
				tt.setup(r)
			}
			err := r.Join(context.Background(), "s1", tt.pid, tt.role, &fakeConn{})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestJoin_RejoinReplacesConnection(t *testing.T) {
	r, events := newTestRelay(nil)
	old, _ := joinBoth(t, r)

	fresh := &fakeConn{}
	require.NoError(t, r.Join(context.Background(), "s1", "client-1", RoleClient, fresh))

	assert.Equal(t, CloseReplaced, old.closed)
	assert.Len(t, r.Members("s1"), 2)
	assert.Equal(t, EventBothJoined, events.kinds()[len(events.kinds())-1])

	require.NoError(t, r.Relay(context.Background(), "s1", "reader-1", json.RawMessage(`{"sdp":"x"}`)))
	assert.Equal(t, TypeSignal, fresh.last().Type)
}

func TestRelay_ForwardsVerbatim(t *testing.T) {
	r, _ := newTestRelay(nil)
	client, reader := joinBoth(t, r)

	payload := json.RawMessage(`{"type":"offer","sdp":"v=0..."}`)
	require.NoError(t, r.Relay(context.Background(), "s1", "client-1", payload))

	got := reader.last()
	assert.Equal(t, TypeSignal, got.Type)
	assert.Equal(t, "client-1", got.From)
	assert.Equal(t, RoleClient, got.Role)
	assert.JSONEq(t, string(payload), string(got.Payload))
	assert.Equal(t, []string{TypeUserJoined}, client.types(), "sender gets no echo")
}

func TestRelay_Errors(t *testing.T) {
	r, _ := newTestRelay(nil)
	joinBoth(t, r)

	for _, bad := range []string{``, `not json`, `[1,2]`, `"str"`, `{"a":`} {
		err := r.Relay(context.Background(), "s1", "client-1", json.RawMessage(bad))
		assert.ErrorIs(t, err, ErrMalformedPayload, bad)
	}

	err := r.Relay(context.Background(), "s1", "stranger", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrNotMember)

	err = r.Relay(context.Background(), "nope", "client-1", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrNotMember)
}

func TestRelay_MissingPeerDropsSilently(t *testing.T) {
	r, _ := newTestRelay(nil)
	require.NoError(t, r.Join(context.Background(), "s1", "client-1", RoleClient, &fakeConn{}))
	assert.NoError(t, r.Relay(context.Background(), "s1", "client-1", json.RawMessage(`{"candidate":"c"}`)))
}

func TestRelay_ReadyRaisedOnceBothReady(t *testing.T) {
	r, events := newTestRelay(nil)
	joinBoth(t, r)

	ready := json.RawMessage(`{"type":"ready"}`)
	require.NoError(t, r.Relay(context.Background(), "s1", "client-1", ready))
	assert.NotContains(t, events.kinds(), EventReady)

	require.NoError(t, r.Relay(context.Background(), "s1", "reader-1", ready))
	require.NoError(t, r.Relay(context.Background(), "s1", "reader-1", ready))

	count := 0
	for _, k := range events.kinds() {
		if k == EventReady {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestLeave_EventsAndEmptyRoom(t *testing.T) {
	r, events := newTestRelay(nil)
	client, _ := joinBoth(t, r)

	require.NoError(t, r.Leave(context.Background(), "s1", "reader-1"))
	assert.Equal(t, TypeUserLeft, client.last().Type)
	assert.False(t, r.Full("s1"))

	require.NoError(t, r.Leave(context.Background(), "s1", "client-1"))
	require.NoError(t, r.Leave(context.Background(), "s1", "client-1"), "leaving twice is harmless")

	kinds := events.kinds()
	assert.Equal(t, []EventKind{EventLeft, EventLeft, EventBothLeft}, kinds[3:])
	assert.Nil(t, r.Members("s1"))
}

func TestLeave_ConcurrentRaisesBothLeftOnce(t *testing.T) {
	r, events := newTestRelay(nil)
	joinBoth(t, r)

	var wg sync.WaitGroup
	for _, pid := range []string{"client-1", "reader-1", "client-1", "reader-1"} {
		wg.Add(1)
		go func(pid string) {
			defer wg.Done()
			_ = r.Leave(context.Background(), "s1", pid)
		}(pid)
	}
	wg.Wait()

	count := 0
	for _, k := range events.kinds() {
		if k == EventBothLeft {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestCloseRoom_EndsWithoutEvents(t *testing.T) {
	r, events := newTestRelay(nil)
	client, reader := joinBoth(t, r)
	before := len(events.kinds())

	r.CloseRoom(context.Background(), "s1", "depleted")

	for _, c := range []*fakeConn{client, reader} {
		assert.Equal(t, TypeSessionEnd, c.last().Type)
		assert.Equal(t, "depleted", c.last().Event)
		assert.Equal(t, CloseSessionEnd, c.closed)
	}
	assert.Len(t, events.kinds(), before)
	assert.False(t, r.Full("s1"))

	require.NoError(t, r.Leave(context.Background(), "s1", "client-1"))
	assert.Len(t, events.kinds(), before)
}

func TestPresence_NotifyAndUnsubscribe(t *testing.T) {
	r, _ := newTestRelay(nil)
	a, b, broken := &fakeConn{}, &fakeConn{}, &fakeConn{sendErr: errors.New("gone")}

	unsubA := r.Subscribe("reader-1", a)
	r.Subscribe("reader-1", b)
	r.Subscribe("reader-1", broken)

	n := r.Notify(context.Background(), "reader-1", Message{Type: TypeSessionRequest, SessionID: "s1"})
	assert.Equal(t, 2, n)
	assert.Equal(t, TypeSessionRequest, a.last().Type)

	unsubA()
	n = r.Notify(context.Background(), "reader-1", Message{Type: TypeSessionUpdate})
	assert.Equal(t, 1, n)
	assert.Len(t, a.types(), 1)

	assert.Zero(t, r.Notify(context.Background(), "nobody", Message{Type: TypeSessionUpdate}))
}
