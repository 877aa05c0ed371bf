// Package lifecycle owns the session state machine.
//
// DESIGN: Manager is the single writer of Session records. Every other component
// asks the Manager to move a session forward; nothing else mutates a Session.
//
// STATES:
//
//	pending -> accepted | rejected | expired | cancelled
//	accepted -> in_progress | cancelled | expired
//	in_progress -> completed
//
// completed, rejected, cancelled and expired are terminal. Terminal timing and
// cost fields are written exactly once, by Finalize.
package lifecycle

import (
	"strings"
	"time"

	"github.com/soulseer/sessiond/internal/money"
)

// =============================================================================
// ENUMS
// =============================================================================

// Kind is the medium of a session. Fixed at creation.
type Kind string

const (
	KindChat  Kind = "chat"
	KindVoice Kind = "voice"
	KindVideo Kind = "video"
)

// ParseKind normalizes a kind name. "audio" is accepted as an alias of voice.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "chat":
		return KindChat, nil
	case "voice", "audio":
		return KindVoice, nil
	case "video":
		return KindVideo, nil
	}
	return "", ErrInvalidKind
}

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusRejected   Status = "rejected"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Event drives a transition.
type Event string

const (
	EventAccept   Event = "accept"
	EventReject   Event = "reject"
	EventCancel   Event = "cancel"
	EventExpire   Event = "expire"
	EventConnect  Event = "connect"
	EventComplete Event = "complete"

	// eventCreate is only recorded in the transition log.
	eventCreate Event = "create"
)

// EndReason records why a session ended.
type EndReason string

const (
	EndVoluntary    EndReason = "voluntary"
	EndDepleted     EndReason = "depleted"
	EndDisconnected EndReason = "disconnected"
	EndRejected     EndReason = "rejected"
	EndExpired      EndReason = "expired"
	EndCancelled    EndReason = "cancelled"
)

// =============================================================================
// RECORDS
// =============================================================================

// Session is one billable engagement between a client and a reader.
type Session struct {
	ID            string      `json:"id"`
	ClientID      string      `json:"client_id"`
	ReaderID      string      `json:"reader_id"`
	Kind          Kind        `json:"kind"`
	RatePerMinute money.Cents `json:"rate_per_minute"` // snapshot at request time
	Status        Status      `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	StartedAt     time.Time   `json:"started_at"`
	EndedAt       time.Time   `json:"ended_at"`

	// Written only by Finalize.
	AccruedSeconds int64       `json:"accrued_seconds"`
	AmountCharged  money.Cents `json:"amount_charged"`
	EndReason      EndReason   `json:"end_reason,omitempty"`
	Finalized      bool        `json:"finalized"`
}

// Clone returns a copy safe to hand out.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// HasParty reports whether userID is the client or the reader.
func (s *Session) HasParty(userID string) bool {
	return userID != "" && (s.ClientID == userID || s.ReaderID == userID)
}

// Transition is an append-only audit entry.
type Transition struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	From      Status    `json:"from,omitempty"`
	To        Status    `json:"to"`
	Event     Event     `json:"event"`
	At        time.Time `json:"at"`
}

// Checkpoint is a committed ledger debit for a span of metered time.
// Seconds is the cumulative metered time covered after this debit.
type Checkpoint struct {
	ID             string      `json:"id"`
	SessionID      string      `json:"session_id"`
	Seq            int         `json:"seq"`
	Seconds        int64       `json:"seconds"`
	Amount         money.Cents `json:"amount"`
	IdempotencyKey string      `json:"idempotency_key"`
	At             time.Time   `json:"at"`
}

// Change is emitted to subscribers after a transition commits.
type Change struct {
	SessionID string
	From      Status
	To        Status
	Event     Event
	At        time.Time
}
