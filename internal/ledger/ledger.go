// Package ledger talks to the balance ledger that owns client funds.
//
// DESIGN: The ledger is the source of truth for money. sessiond never keeps
// its own balance; it reads a snapshot before a session and debits at each
// billing checkpoint. Every debit carries an idempotency key so a retried
// debit can never charge the same interval twice.
//
// FILES:
//   - ledger.go: Client interface and sentinel errors
//   - memory.go: in-process ledger (development, tests)
//   - http.go:   HTTP client for a remote ledger service
package ledger

import (
	"context"
	"errors"

	"github.com/soulseer/sessiond/internal/money"
)

var (
	// ErrInsufficientFunds is returned when the balance cannot cover a debit.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrUnknownAccount is returned for users the ledger has never seen.
	ErrUnknownAccount = errors.New("unknown account")
	// ErrInvalidAmount is returned for negative debits.
	ErrInvalidAmount = errors.New("invalid amount")
)

// Client is the balance ledger. Debit must be idempotent under idempotencyKey:
// repeating a successful key is a no-op success.
type Client interface {
	Balance(ctx context.Context, userID string) (money.Cents, error)
	Debit(ctx context.Context, userID string, amount money.Cents, idempotencyKey string) error
}
