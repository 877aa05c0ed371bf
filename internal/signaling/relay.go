// Package signaling relays connection-negotiation messages between the two
// parties of a session.
//
// DESIGN: One room per session id, at most two members (one client, one
// reader). Payloads are opaque JSON objects forwarded verbatim to the other
// member; the relay never interprets offers or candidates. Membership changes
// are raised as Events to a sink supplied at construction, which is how the
// coordinator learns that peers connected or went away. The relay knows
// nothing about billing.
//
// Separately, every user may hold presence connections (Subscribe) used for
// notifications outside a room: incoming requests, accept/reject, low balance.
//
// FILES:
//   - message.go: envelope, roles, events, errors
//   - relay.go:   rooms and presence
//   - ws.go:      websocket transport
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/soulseer/sessiond/internal/monitoring"
)

const defaultSendTimeout = 5 * time.Second

type member struct {
	participantID string
	role          Role
	conn          Conn
	ready         bool
}

type room struct {
	sessionID string
	members   []*member
	readyOnce bool
}

func (r *room) find(participantID string) (int, *member) {
	for i, m := range r.members {
		if m.participantID == participantID {
			return i, m
		}
	}
	return -1, nil
}

func (r *room) peerOf(participantID string) *member {
	for _, m := range r.members {
		if m.participantID != participantID {
			return m
		}
	}
	return nil
}

// Relay owns all rooms and presence channels.
type Relay struct {
	gate        Gate
	sink        EventSink
	metrics     *monitoring.MetricsCollector
	sendTimeout time.Duration

	mu    sync.Mutex
	rooms map[string]*room

	presenceMu sync.Mutex
	presence   map[string]map[Conn]struct{}
}

// Option configures a Relay.
type Option func(*Relay)

// WithMetrics records relay counters.
func WithMetrics(mc *monitoring.MetricsCollector) Option {
	return func(r *Relay) { r.metrics = mc }
}

// WithSendTimeout bounds each write to a participant.
func WithSendTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.sendTimeout = d
		}
	}
}

// NewRelay creates a relay. gate may be nil to allow every join.
func NewRelay(gate Gate, sink EventSink, opts ...Option) *Relay {
	r := &Relay{
		gate:        gate,
		sink:        sink,
		sendTimeout: defaultSendTimeout,
		rooms:       make(map[string]*room),
		presence:    make(map[string]map[Conn]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// =============================================================================
// ROOMS
// =============================================================================

// Join seats participantID in the session's room. A participant rejoining
// replaces its previous connection.
func (r *Relay) Join(ctx context.Context, sessionID, participantID string, role Role, conn Conn) error {
	participantID = strings.TrimSpace(participantID)
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if sessionID == "" || participantID == "" || conn == nil {
		return ErrSessionNotFound
	}
	if r.gate != nil {
		if err := r.gate.CanJoin(ctx, sessionID, participantID, role); err != nil {
			return err
		}
	}

	r.mu.Lock()
	rm, ok := r.rooms[sessionID]
	if !ok {
		rm = &room{sessionID: sessionID}
		r.rooms[sessionID] = rm
	}

	var replaced Conn
	if _, existing := rm.find(participantID); existing != nil {
		if existing.role != role {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s already seated as %s", ErrRoomFull, participantID, existing.role)
		}
		replaced = existing.conn
		existing.conn = conn
		existing.ready = false
		rm.readyOnce = false
	} else {
		if len(rm.members) >= 2 {
			r.mu.Unlock()
			return ErrRoomFull
		}
		for _, m := range rm.members {
			if m.role == role {
				r.mu.Unlock()
				return fmt.Errorf("%w: %s seat taken", ErrRoomFull, role)
			}
		}
		rm.members = append(rm.members, &member{participantID: participantID, role: role, conn: conn})
	}
	peer := rm.peerOf(participantID)
	full := len(rm.members) == 2
	r.mu.Unlock()

	if replaced != nil && replaced != conn {
		_ = replaced.Close(CloseReplaced)
	}

	log.Info().
		Str("session_id", sessionID).
		Str("participant_id", participantID).
		Str("role", string(role)).
		Bool("rejoin", replaced != nil).
		Msg("signaling: joined")

	if peer != nil {
		r.send(ctx, peer.conn, Message{Type: TypeUserJoined, SessionID: sessionID, From: participantID, Role: role})
		// Tell the newcomer who is already there.
		r.send(ctx, conn, Message{Type: TypeUserJoined, SessionID: sessionID, From: peer.participantID, Role: peer.role})
	}

	r.emit(Event{Kind: EventJoined, SessionID: sessionID, ParticipantID: participantID, Role: role})
	if full {
		r.emit(Event{Kind: EventBothJoined, SessionID: sessionID, ParticipantID: participantID, Role: role})
	}
	return nil
}

// Relay forwards payload from one member to the other. The payload must be a
// JSON object. A missing peer is not an error; the message is dropped.
func (r *Relay) Relay(ctx context.Context, sessionID, from string, payload json.RawMessage) error {
	if !gjson.ValidBytes(payload) || !gjson.ParseBytes(payload).IsObject() {
		r.metrics.RecordMalformed()
		return ErrMalformedPayload
	}

	r.mu.Lock()
	rm, ok := r.rooms[sessionID]
	if !ok {
		r.mu.Unlock()
		return ErrNotMember
	}
	_, sender := rm.find(from)
	if sender == nil {
		r.mu.Unlock()
		return ErrNotMember
	}

	becameReady := false
	if gjson.GetBytes(payload, "type").String() == "ready" {
		sender.ready = true
		if len(rm.members) == 2 && rm.members[0].ready && rm.members[1].ready && !rm.readyOnce {
			rm.readyOnce = true
			becameReady = true
		}
	}
	role := sender.role
	var target Conn
	if peer := rm.peerOf(from); peer != nil {
		target = peer.conn
	}
	r.mu.Unlock()

	if target == nil {
		r.metrics.RecordRelay(false)
		log.Debug().Str("session_id", sessionID).Str("from", from).Msg("signaling: peer not joined, dropping")
	} else {
		delivered := r.send(ctx, target, Message{
			Type:      TypeSignal,
			SessionID: sessionID,
			From:      from,
			Role:      role,
			Payload:   payload,
		})
		r.metrics.RecordRelay(delivered)
	}

	if becameReady {
		r.emit(Event{Kind: EventReady, SessionID: sessionID, ParticipantID: from, Role: role})
	}
	return nil
}

// Leave removes participantID. When the room empties it is destroyed and
// EventBothLeft is raised.
func (r *Relay) Leave(ctx context.Context, sessionID, participantID string) error {
	r.mu.Lock()
	rm, ok := r.rooms[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	idx, m := rm.find(participantID)
	if m == nil {
		r.mu.Unlock()
		return nil
	}
	rm.members = append(rm.members[:idx], rm.members[idx+1:]...)
	rm.readyOnce = false
	for _, other := range rm.members {
		other.ready = false
	}
	var peer Conn
	if len(rm.members) > 0 {
		peer = rm.members[0].conn
	}
	empty := len(rm.members) == 0
	if empty {
		delete(r.rooms, sessionID)
	}
	r.mu.Unlock()

	log.Info().
		Str("session_id", sessionID).
		Str("participant_id", participantID).
		Bool("room_empty", empty).
		Msg("signaling: left")

	if peer != nil {
		r.send(ctx, peer, Message{Type: TypeUserLeft, SessionID: sessionID, From: participantID, Role: m.role})
	}
	r.emit(Event{Kind: EventLeft, SessionID: sessionID, ParticipantID: participantID, Role: m.role})
	if empty {
		r.emit(Event{Kind: EventBothLeft, SessionID: sessionID, ParticipantID: participantID, Role: m.role})
	}
	return nil
}

// CloseRoom tears the room down from the server side: members get a
// session_end message and their connections are closed. No events are raised.
func (r *Relay) CloseRoom(ctx context.Context, sessionID, reason string) {
	r.mu.Lock()
	rm, ok := r.rooms[sessionID]
	if ok {
		delete(r.rooms, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	for _, m := range rm.members {
		r.send(ctx, m.conn, Message{Type: TypeSessionEnd, SessionID: sessionID, Event: reason})
		_ = m.conn.Close(CloseSessionEnd)
	}
	log.Info().Str("session_id", sessionID).Str("reason", reason).Msg("signaling: room closed")
}

// Members lists the room's current members.
func (r *Relay) Members(sessionID string) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[sessionID]
	if !ok {
		return nil
	}
	out := make([]Member, 0, len(rm.members))
	for _, m := range rm.members {
		out = append(out, Member{ParticipantID: m.participantID, Role: m.role, Ready: m.ready})
	}
	return out
}

// Full reports whether both seats are taken.
func (r *Relay) Full(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[sessionID]
	return ok && len(rm.members) == 2
}

// Broadcast sends msg to every room member.
func (r *Relay) Broadcast(ctx context.Context, sessionID string, msg Message) {
	r.mu.Lock()
	var conns []Conn
	if rm, ok := r.rooms[sessionID]; ok {
		for _, m := range rm.members {
			conns = append(conns, m.conn)
		}
	}
	r.mu.Unlock()

	msg.SessionID = sessionID
	for _, c := range conns {
		r.send(ctx, c, msg)
	}
}

// =============================================================================
// PRESENCE
// =============================================================================

// Subscribe registers a presence connection for userID.
func (r *Relay) Subscribe(userID string, conn Conn) (unsubscribe func()) {
	r.presenceMu.Lock()
	defer r.presenceMu.Unlock()
	if r.presence[userID] == nil {
		r.presence[userID] = make(map[Conn]struct{})
	}
	r.presence[userID][conn] = struct{}{}

	return func() {
		r.presenceMu.Lock()
		defer r.presenceMu.Unlock()
		delete(r.presence[userID], conn)
		if len(r.presence[userID]) == 0 {
			delete(r.presence, userID)
		}
	}
}

// Notify sends msg to every presence connection of userID and returns how
// many received it.
func (r *Relay) Notify(ctx context.Context, userID string, msg Message) int {
	r.presenceMu.Lock()
	conns := make([]Conn, 0, len(r.presence[userID]))
	for c := range r.presence[userID] {
		conns = append(conns, c)
	}
	r.presenceMu.Unlock()

	delivered := 0
	for _, c := range conns {
		if r.send(ctx, c, msg) {
			delivered++
		}
	}
	if delivered == 0 {
		log.Debug().Str("user_id", userID).Str("type", msg.Type).Msg("signaling: user offline, notification dropped")
	}
	return delivered
}

// =============================================================================
// HELPERS
// =============================================================================

func (r *Relay) send(ctx context.Context, conn Conn, msg Message) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.sendTimeout)
	defer cancel()
	if err := conn.Send(ctx, msg); err != nil {
		log.Debug().
			Err(err).
			Str("session_id", msg.SessionID).
			Str("type", msg.Type).
			Msg("signaling: send failed")
		return false
	}
	return true
}

func (r *Relay) emit(ev Event) {
	if r.sink != nil {
		r.sink(ev)
	}
}
