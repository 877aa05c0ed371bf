// Package monitoring - types.go defines shared types.
//
// DESIGN: Event types are written by the coordinator and recorded by the
// Tracker. Defined here ONCE so coordinator/ and api/ share them.
//
// TYPES:
//   - SessionEvent:    one lifecycle change (sessions.jsonl)
//   - BillingEvent:    one committed or failed debit (billing.jsonl)
//   - TelemetryConfig: tracker configuration
package monitoring

import "time"

// =============================================================================
// EVENT TYPES - Structured data for telemetry recording
// =============================================================================

// SessionEvent captures a lifecycle change.
type SessionEvent struct {
	Timestamp      time.Time `json:"timestamp"`
	SessionID      string    `json:"session_id"`
	ClientID       string    `json:"client_id,omitempty"`
	ReaderID       string    `json:"reader_id,omitempty"`
	Kind           string    `json:"kind,omitempty"`
	From           string    `json:"from,omitempty"`
	To             string    `json:"to"`
	Event          string    `json:"event"`
	RateCents      int64     `json:"rate_cents,omitempty"`
	AccruedSeconds int64     `json:"accrued_seconds,omitempty"`
	ChargedCents   int64     `json:"charged_cents,omitempty"`
	EndReason      string    `json:"end_reason,omitempty"`
}

// BillingEvent captures one debit attempt outcome.
type BillingEvent struct {
	Timestamp         time.Time `json:"timestamp"`
	SessionID         string    `json:"session_id"`
	ClientID          string    `json:"client_id"`
	IdempotencyKey    string    `json:"idempotency_key,omitempty"`
	CheckpointSeconds int64     `json:"checkpoint_seconds"`
	AmountCents       int64     `json:"amount_cents"`
	ChargedCents      int64     `json:"charged_cents"`
	Outcome           string    `json:"outcome"`
	Error             string    `json:"error,omitempty"`
}

// =============================================================================
// CONFIG TYPES
// =============================================================================

// TelemetryConfig contains telemetry configuration.
type TelemetryConfig struct {
	Enabled     bool
	Dir         string
	LogToStdout bool
}
