package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/soulseer/sessiond/internal/money"
)

// Memory is an in-process ledger. Unknown users have a zero balance.
type Memory struct {
	mu       sync.Mutex
	balances map[string]money.Cents
	applied  map[string]money.Cents // idempotency key -> amount
}

var _ Client = (*Memory)(nil)

// NewMemory creates a ledger seeded with balances.
func NewMemory(balances map[string]money.Cents) *Memory {
	m := &Memory{
		balances: make(map[string]money.Cents, len(balances)),
		applied:  make(map[string]money.Cents),
	}
	for user, amount := range balances {
		m.balances[user] = amount
	}
	return m
}

// Balance returns the user's current balance.
func (m *Memory) Balance(_ context.Context, userID string) (money.Cents, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}

// Debit subtracts amount once per idempotency key.
func (m *Memory) Debit(_ context.Context, userID string, amount money.Cents, idempotencyKey string) error {
	if amount < 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.applied[idempotencyKey]; ok {
		if prev != amount {
			return fmt.Errorf("idempotency key %q reused with a different amount", idempotencyKey)
		}
		return nil
	}
	if m.balances[userID] < amount {
		return ErrInsufficientFunds
	}
	m.balances[userID] -= amount
	m.applied[idempotencyKey] = amount

	log.Debug().
		Str("user_id", userID).
		Str("amount", amount.String()).
		Str("balance", m.balances[userID].String()).
		Str("key", idempotencyKey).
		Msg("ledger: debit applied")
	return nil
}

// Credit adds amount to the user's balance.
func (m *Memory) Credit(userID string, amount money.Cents) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] += amount
}
