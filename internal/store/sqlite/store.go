// Package sqlite provides SQLite-backed session persistence.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/soulseer/sessiond/internal/lifecycle"
	"github.com/soulseer/sessiond/internal/money"
)

//go:embed schema.sql
var schema string

// Store implements lifecycle.Store on SQLite.
type Store struct {
	sqlDB *sql.DB
}

var _ lifecycle.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0750); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under concurrent sessions.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// =============================================================================
// SESSIONS
// =============================================================================

const sessionColumns = `
	id,
	client_id,
	reader_id,
	kind,
	rate_per_minute,
	status,
	created_at,
	updated_at,
	started_at,
	ended_at,
	accrued_seconds,
	amount_charged,
	end_reason,
	finalized`

// CreateSession inserts a session and its creation log entry in one transaction.
func (s *Store) CreateSession(ctx context.Context, sess *lifecycle.Session, t lifecycle.Transition) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, sessionArgs(sess)...)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if err := insertTransition(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

// GetSession loads one session.
func (s *Store) GetSession(ctx context.Context, id string) (*lifecycle.Session, error) {
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lifecycle.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// SaveTransition updates the session row and appends the log entry atomically.
func (s *Store) SaveTransition(ctx context.Context, sess *lifecycle.Session, t lifecycle.Transition) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := updateSession(ctx, tx, sess); err != nil {
		return err
	}
	if err := insertTransition(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateSession overwrites a session row.
func (s *Store) UpdateSession(ctx context.Context, sess *lifecycle.Session) error {
	return updateSession(ctx, s.sqlDB, sess)
}

// ListSessionsByUser returns newest-first sessions where userID is a party.
func (s *Store) ListSessionsByUser(ctx context.Context, userID string, limit int) ([]*lifecycle.Session, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT `+sessionColumns+`
FROM sessions
WHERE client_id = ? OR reader_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`, userID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions by user: %w", err)
	}
	return collectSessions(rows)
}

// ListSessionsByStatus returns oldest-first sessions in status.
func (s *Store) ListSessionsByStatus(ctx context.Context, status lifecycle.Status) ([]*lifecycle.Session, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT `+sessionColumns+`
FROM sessions
WHERE status = ?
ORDER BY created_at ASC, id ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list sessions by status: %w", err)
	}
	return collectSessions(rows)
}

// =============================================================================
// TRANSITIONS AND CHECKPOINTS
// =============================================================================

// ListTransitions returns the transition log in commit order.
func (s *Store) ListTransitions(ctx context.Context, id string) ([]lifecycle.Transition, error) {
	if err := s.exists(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, session_id, from_status, to_status, event, at
FROM session_transitions
WHERE session_id = ?
ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []lifecycle.Transition
	for rows.Next() {
		var t lifecycle.Transition
		var from, to, ev string
		var at int64
		if err := rows.Scan(&t.ID, &t.SessionID, &from, &to, &ev, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.From = lifecycle.Status(from)
		t.To = lifecycle.Status(to)
		t.Event = lifecycle.Event(ev)
		t.At = fromMillis(at)
		out = append(out, t)
	}
	return out, rows.Err()
}

// AppendCheckpoint records a committed debit.
func (s *Store) AppendCheckpoint(ctx context.Context, cp lifecycle.Checkpoint) error {
	if err := s.exists(ctx, cp.SessionID); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO billing_checkpoints (
	id,
	session_id,
	seq,
	seconds,
	amount,
	idempotency_key,
	at
) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cp.ID,
		cp.SessionID,
		cp.Seq,
		cp.Seconds,
		int64(cp.Amount),
		cp.IdempotencyKey,
		toMillis(cp.At),
	)
	if err != nil {
		return fmt.Errorf("append checkpoint: %w", err)
	}
	return nil
}

// ListCheckpoints returns committed debits in sequence order.
func (s *Store) ListCheckpoints(ctx context.Context, id string) ([]lifecycle.Checkpoint, error) {
	if err := s.exists(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, session_id, seq, seconds, amount, idempotency_key, at
FROM billing_checkpoints
WHERE session_id = ?
ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []lifecycle.Checkpoint
	for rows.Next() {
		var cp lifecycle.Checkpoint
		var amount, at int64
		if err := rows.Scan(&cp.ID, &cp.SessionID, &cp.Seq, &cp.Seconds, &amount, &cp.IdempotencyKey, &at); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.Amount = money.Cents(amount)
		cp.At = fromMillis(at)
		out = append(out, cp)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) exists(ctx context.Context, id string) error {
	var one int
	err := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return lifecycle.ErrSessionNotFound
	}
	return err
}

func updateSession(ctx context.Context, db execer, sess *lifecycle.Session) error {
	res, err := db.ExecContext(ctx, `
UPDATE sessions SET
	status = ?,
	updated_at = ?,
	started_at = ?,
	ended_at = ?,
	accrued_seconds = ?,
	amount_charged = ?,
	end_reason = ?,
	finalized = ?
WHERE id = ?`,
		string(sess.Status),
		toMillis(sess.UpdatedAt),
		toMillis(sess.StartedAt),
		toMillis(sess.EndedAt),
		sess.AccruedSeconds,
		int64(sess.AmountCharged),
		string(sess.EndReason),
		sess.Finalized,
		sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return lifecycle.ErrSessionNotFound
	}
	return nil
}

func insertTransition(ctx context.Context, db execer, t lifecycle.Transition) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO session_transitions (id, session_id, from_status, to_status, event, at)
VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID,
		t.SessionID,
		string(t.From),
		string(t.To),
		string(t.Event),
		toMillis(t.At),
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

func sessionArgs(sess *lifecycle.Session) []any {
	return []any{
		sess.ID,
		sess.ClientID,
		sess.ReaderID,
		string(sess.Kind),
		int64(sess.RatePerMinute),
		string(sess.Status),
		toMillis(sess.CreatedAt),
		toMillis(sess.UpdatedAt),
		toMillis(sess.StartedAt),
		toMillis(sess.EndedAt),
		sess.AccruedSeconds,
		int64(sess.AmountCharged),
		string(sess.EndReason),
		sess.Finalized,
	}
}

func scanSession(row scanner) (*lifecycle.Session, error) {
	var (
		sess                                     lifecycle.Session
		kind, status, reason                     string
		rate, amount                             int64
		createdAt, updatedAt, startedAt, endedAt int64
	)
	err := row.Scan(
		&sess.ID,
		&sess.ClientID,
		&sess.ReaderID,
		&kind,
		&rate,
		&status,
		&createdAt,
		&updatedAt,
		&startedAt,
		&endedAt,
		&sess.AccruedSeconds,
		&amount,
		&reason,
		&sess.Finalized,
	)
	if err != nil {
		return nil, err
	}
	sess.Kind = lifecycle.Kind(kind)
	sess.Status = lifecycle.Status(status)
	sess.EndReason = lifecycle.EndReason(reason)
	sess.RatePerMinute = money.Cents(rate)
	sess.AmountCharged = money.Cents(amount)
	sess.CreatedAt = fromMillis(createdAt)
	sess.UpdatedAt = fromMillis(updatedAt)
	sess.StartedAt = fromMillis(startedAt)
	sess.EndedAt = fromMillis(endedAt)
	return &sess, nil
}

func collectSessions(rows *sql.Rows) ([]*lifecycle.Session, error) {
	defer rows.Close()
	var out []*lifecycle.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Zero times are stored as 0 so "unset" survives a round trip.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
