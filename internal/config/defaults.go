// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined here.
// This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// SERVER DEFAULTS
// =============================================================================

// DefaultListenAddr is the HTTP/websocket listen address.
const DefaultListenAddr = "127.0.0.1:8080"

// DefaultReadTimeout bounds reading a single API request.
const DefaultReadTimeout = 15 * time.Second

// DefaultWriteTimeout bounds a single websocket frame write.
const DefaultWriteTimeout = 5 * time.Second

// DefaultShutdownTimeout is how long graceful shutdown waits for in-flight work.
const DefaultShutdownTimeout = 10 * time.Second

// MaxRequestBodySize is the maximum allowed API request body (64KB).
const MaxRequestBodySize = 64 * 1024

// MaxSignalFrameSize is the maximum websocket frame accepted from a peer (256KB).
// SDP offers with many candidates can get large.
const MaxSignalFrameSize = 256 * 1024

// =============================================================================
// BILLING DEFAULTS
// =============================================================================

// DefaultTickPeriod is the wall-clock metering tick.
const DefaultTickPeriod = 1 * time.Second

// DefaultCheckpointInterval is how much metered time accrues between ledger debits.
// Bounds financial exposure on abrupt failure to one interval.
const DefaultCheckpointInterval = 15 * time.Second

// DefaultDebitTimeout bounds a single ledger debit. A timeout counts as a transient failure.
const DefaultDebitTimeout = 3 * time.Second

// DefaultMinimumMinutes is how many minutes at the reader's rate a client must be
// able to afford before a session can be requested.
const DefaultMinimumMinutes = 3

// DefaultLowBalanceWarning is the remaining-time threshold for the low balance notice.
const DefaultLowBalanceWarning = 5 * time.Minute

// =============================================================================
// LIFECYCLE TIMEOUTS
// =============================================================================

// DefaultPendingExpiry is how long a reader has to answer a request.
const DefaultPendingExpiry = 2 * time.Minute

// DefaultConnectGrace is how long an accepted session may take to connect.
const DefaultConnectGrace = 1 * time.Minute

// DefaultReconnectGrace is how long a dropped peer has to rejoin before the session ends.
const DefaultReconnectGrace = 30 * time.Second

// =============================================================================
// RECOVERY
// =============================================================================

// RecoveryResume rebuilds billing from the last checkpoint and waits for peers to rejoin.
const RecoveryResume = "resume"

// RecoveryTerminate ends recovered sessions immediately at the last checkpoint.
const RecoveryTerminate = "terminate"

// DefaultRecoveryGrace is how long recovered sessions wait for both peers.
const DefaultRecoveryGrace = 1 * time.Minute

// =============================================================================
// STORAGE AND COLLABORATORS
// =============================================================================

// DefaultStoragePath is the sqlite database file.
const DefaultStoragePath = "data/sessiond.db"

// DefaultCollaboratorTimeout is the HTTP timeout for ledger and profile clients.
const DefaultCollaboratorTimeout = 5 * time.Second

// DefaultHistoryLimit is the session history page size when none is given.
const DefaultHistoryLimit = 50

// MaxHistoryLimit caps session history listings.
const MaxHistoryLimit = 500

// =============================================================================
// MONITORING
// =============================================================================

// DefaultTelemetryDir is where JSONL audit logs are written.
const DefaultTelemetryDir = "logs"

// DefaultServiceName identifies this process in traces.
const DefaultServiceName = "sessiond"
