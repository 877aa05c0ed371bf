// Package monitoring - metrics.go provides simple counters.
//
// DESIGN: Lightweight in-memory counters for operational metrics:
//   - sessions: requested, started and terminal outcomes
//   - billing:  committed debits, failed attempts, amount charged
//   - relay:    forwarded signaling messages and drops
//
// Served as JSON on /stats.
package monitoring

import (
	"fmt"
	"sync/atomic"
	"time"
)

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	startedAt time.Time

	// Session counters
	requested atomic.Int64
	started   atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
	cancelled atomic.Int64
	expired   atomic.Int64
	depleted  atomic.Int64
	active    atomic.Int64

	// Billing counters
	debits        atomic.Int64
	debitFailures atomic.Int64
	chargedCents  atomic.Int64
	lowBalance    atomic.Int64

	// Relay counters
	relayed      atomic.Int64
	relayDropped atomic.Int64
	malformed    atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		startedAt: time.Now(),
	}
}

// RecordRequested records an accepted session request.
func (mc *MetricsCollector) RecordRequested() {
	if mc == nil {
		return
	}
	mc.requested.Add(1)
}

// RecordStarted records a session entering in_progress.
func (mc *MetricsCollector) RecordStarted() {
	if mc == nil {
		return
	}
	mc.started.Add(1)
	mc.active.Add(1)
}

// RecordEnded records a terminal status. wasActive is true when the session
// had been in progress.
func (mc *MetricsCollector) RecordEnded(status, reason string, wasActive bool) {
	if mc == nil {
		return
	}
	if wasActive {
		mc.active.Add(-1)
	}
	switch status {
	case "completed":
		mc.completed.Add(1)
	case "rejected":
		mc.rejected.Add(1)
	case "cancelled":
		mc.cancelled.Add(1)
	case "expired":
		mc.expired.Add(1)
	}
	if reason == "depleted" {
		mc.depleted.Add(1)
	}
}

// RecordDebit records a committed checkpoint debit.
func (mc *MetricsCollector) RecordDebit(cents int64) {
	if mc == nil {
		return
	}
	mc.debits.Add(1)
	mc.chargedCents.Add(cents)
}

// RecordDebitFailure records a failed debit attempt.
func (mc *MetricsCollector) RecordDebitFailure() {
	if mc == nil {
		return
	}
	mc.debitFailures.Add(1)
}

// RecordLowBalance records a low-balance warning.
func (mc *MetricsCollector) RecordLowBalance() {
	if mc == nil {
		return
	}
	mc.lowBalance.Add(1)
}

// RecordRelay records a signaling message. delivered is false when no peer
// was there to receive it.
func (mc *MetricsCollector) RecordRelay(delivered bool) {
	if mc == nil {
		return
	}
	if delivered {
		mc.relayed.Add(1)
	} else {
		mc.relayDropped.Add(1)
	}
}

// RecordMalformed records a rejected signaling payload.
func (mc *MetricsCollector) RecordMalformed() {
	if mc == nil {
		return
	}
	mc.malformed.Add(1)
}

// StartedAt returns when the metrics collector was created.
func (mc *MetricsCollector) StartedAt() time.Time { return mc.startedAt }

// FullStats returns all metrics in a structured format for the /stats endpoint.
func (mc *MetricsCollector) FullStats() StatsResponse {
	uptime := time.Since(mc.startedAt)
	return StatsResponse{
		Uptime:        formatDuration(uptime),
		UptimeSeconds: int64(uptime.Seconds()),
		StartedAt:     mc.startedAt.Format(time.RFC3339),
		Sessions: SessionStats{
			Requested: mc.requested.Load(),
			Started:   mc.started.Load(),
			Active:    mc.active.Load(),
			Completed: mc.completed.Load(),
			Rejected:  mc.rejected.Load(),
			Cancelled: mc.cancelled.Load(),
			Expired:   mc.expired.Load(),
			Depleted:  mc.depleted.Load(),
		},
		Billing: BillingStats{
			Debits:             mc.debits.Load(),
			DebitFailures:      mc.debitFailures.Load(),
			ChargedCents:       mc.chargedCents.Load(),
			LowBalanceWarnings: mc.lowBalance.Load(),
		},
		Relay: RelayStats{
			Relayed:   mc.relayed.Load(),
			Dropped:   mc.relayDropped.Load(),
			Malformed: mc.malformed.Load(),
		},
	}
}

// StatsResponse is the structured response for the /stats endpoint.
type StatsResponse struct {
	Uptime        string       `json:"uptime"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartedAt     string       `json:"started_at"`
	Sessions      SessionStats `json:"sessions"`
	Billing       BillingStats `json:"billing"`
	Relay         RelayStats   `json:"relay"`
}

// SessionStats holds session lifecycle counts.
type SessionStats struct {
	Requested int64 `json:"requested"`
	Started   int64 `json:"started"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Rejected  int64 `json:"rejected"`
	Cancelled int64 `json:"cancelled"`
	Expired   int64 `json:"expired"`
	Depleted  int64 `json:"depleted"`
}

// BillingStats holds debit metrics.
type BillingStats struct {
	Debits             int64 `json:"debits"`
	DebitFailures      int64 `json:"debit_failures"`
	ChargedCents       int64 `json:"charged_cents"`
	LowBalanceWarnings int64 `json:"low_balance_warnings"`
}

// RelayStats holds signaling metrics.
type RelayStats struct {
	Relayed   int64 `json:"relayed"`
	Dropped   int64 `json:"dropped"`
	Malformed int64 `json:"malformed"`
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
