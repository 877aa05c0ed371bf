// Package monitoring - telemetry.go records events to JSONL files.
//
// DESIGN: Tracker writes structured events as JSONL (one JSON object per line):
//   - SessionEvent: every lifecycle transition and finalization
//   - BillingEvent: every committed checkpoint and failed debit
//
// Events are appended immediately so the files double as a billing audit trail.
package monitoring

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	sessionLogName = "sessions.jsonl"
	billingLogName = "billing.jsonl"
)

// Tracker handles telemetry event recording to file and stdout.
type Tracker struct {
	config         TelemetryConfig
	sessionLogPath string
	billingLogPath string
	sessionCount   int
	billingCount   int
	mu             sync.Mutex
}

// NewTracker creates a new telemetry tracker. A disabled tracker records nothing.
func NewTracker(cfg TelemetryConfig) (*Tracker, error) {
	t := &Tracker{
		config: cfg,
	}

	if !cfg.Enabled || cfg.Dir == "" {
		return t, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, err
	}
	t.sessionLogPath = filepath.Join(cfg.Dir, sessionLogName)
	t.billingLogPath = filepath.Join(cfg.Dir, billingLogName)

	// Create empty files if they don't exist
	for _, path := range []string{t.sessionLogPath, t.billingLogPath} {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if f, err := os.Create(path); err == nil {
				_ = f.Close()
			}
		}
	}

	return t, nil
}

// appendJSONL appends a single JSON object as a line to the file.
func appendJSONL(path string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.Write(data)
	return err
}

// RecordSession records a lifecycle event.
func (t *Tracker) RecordSession(event *SessionEvent) {
	if t == nil || !t.config.Enabled || event == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.config.LogToStdout {
		log.Info().
			Str("session_id", event.SessionID).
			Str("to", event.To).
			Str("event", event.Event).
			Msg("telemetry")
	}

	if t.sessionLogPath != "" {
		if err := appendJSONL(t.sessionLogPath, event); err != nil {
			log.Error().Err(err).Str("path", t.sessionLogPath).Msg("telemetry: failed to write session event")
		} else {
			t.sessionCount++
		}
	}
}

// RecordBilling records a debit outcome.
func (t *Tracker) RecordBilling(event *BillingEvent) {
	if t == nil || !t.config.Enabled || event == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.billingLogPath != "" {
		if err := appendJSONL(t.billingLogPath, event); err != nil {
			log.Error().Err(err).Str("path", t.billingLogPath).Msg("telemetry: failed to write billing event")
		} else {
			t.billingCount++
		}
	}
}

// Close logs a summary of what was recorded.
func (t *Tracker) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sessionCount > 0 || t.billingCount > 0 {
		log.Info().
			Str("dir", t.config.Dir).
			Int("session_events", t.sessionCount).
			Int("billing_events", t.billingCount).
			Msg("telemetry: closed")
	}

	return nil
}
