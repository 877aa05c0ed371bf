package signaling

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrSessionNotFound is returned when the session is unknown or not joinable.
	ErrSessionNotFound = errors.New("session not found or not joinable")
	// ErrRoomFull is returned when both seats are taken.
	ErrRoomFull = errors.New("room full")
	// ErrInvalidRole is returned for roles other than client and reader.
	ErrInvalidRole = errors.New("invalid role")
	// ErrMalformedPayload is returned for payloads that are not a JSON object.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrNotMember is returned when the sender is not in the room.
	ErrNotMember = errors.New("not a room member")
)

// Role is a participant's seat in a room.
type Role string

const (
	RoleClient Role = "client"
	RoleReader Role = "reader"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleClient || r == RoleReader
}

// Message types sent to participants.
const (
	TypeSignal         = "signal"
	TypeUserJoined     = "user_joined"
	TypeUserLeft       = "user_left"
	TypeSessionEnd     = "session_end"
	TypeSessionRequest = "session_request"
	TypeSessionUpdate  = "session_update"
	TypeBalanceLow     = "balance_low"
	TypeError          = "error"
)

// Close reasons passed to Conn.Close.
const (
	CloseReplaced   = "replaced"
	CloseSessionEnd = "session_end"
)

// Message is the envelope delivered to a participant.
type Message struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	From      string          `json:"from,omitempty"`
	Role      Role            `json:"role,omitempty"`
	Event     string          `json:"event,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Conn is one participant connection.
type Conn interface {
	Send(ctx context.Context, msg Message) error
	Close(reason string) error
}

// Gate decides whether a participant may join a session's room.
type Gate interface {
	CanJoin(ctx context.Context, sessionID, participantID string, role Role) error
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context, sessionID, participantID string, role Role) error

// CanJoin calls f.
func (f GateFunc) CanJoin(ctx context.Context, sessionID, participantID string, role Role) error {
	return f(ctx, sessionID, participantID, role)
}

// =============================================================================
// EVENTS
// =============================================================================

// EventKind names a room event.
type EventKind string

const (
	EventJoined     EventKind = "joined"
	EventBothJoined EventKind = "both_joined"
	EventReady      EventKind = "ready"
	EventLeft       EventKind = "left"
	EventBothLeft   EventKind = "both_left"
)

// Event is raised to the EventSink on membership changes.
type Event struct {
	Kind          EventKind
	SessionID     string
	ParticipantID string
	Role          Role
}

// EventSink receives room events. It is called synchronously and must not block.
type EventSink func(Event)

// Member describes one seat in a room.
type Member struct {
	ParticipantID string `json:"participant_id"`
	Role          Role   `json:"role"`
	Ready         bool   `json:"ready"`
}
