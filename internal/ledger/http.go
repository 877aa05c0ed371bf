package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/soulseer/sessiond/internal/money"
	"github.com/soulseer/sessiond/internal/upstream"
)

// HTTPClient is a Client backed by a remote ledger service.
//
//	GET  /balances/{user_id}  -> {"data":{"user_id":"...","balance_cents":1000}}
//	POST /debits              <- {"user_id","amount_cents","idempotency_key"}
//
// 402 maps to ErrInsufficientFunds and 404 to ErrUnknownAccount; everything
// else is surfaced as a transient error.
type HTTPClient struct {
	api *upstream.Client
}

var _ Client = (*HTTPClient)(nil)

type balanceData struct {
	UserID       string `json:"user_id"`
	BalanceCents int64  `json:"balance_cents"`
}

type debitRequest struct {
	UserID         string `json:"user_id"`
	AmountCents    int64  `json:"amount_cents"`
	IdempotencyKey string `json:"idempotency_key"`
}

// NewHTTPClient creates a ledger client for baseURL.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, opts ...upstream.ClientOption) *HTTPClient {
	opts = append([]upstream.ClientOption{upstream.WithTimeout(timeout)}, opts...)
	return &HTTPClient{api: upstream.NewClient("ledger", baseURL, apiKey, opts...)}
}

// Balance fetches the user's balance.
func (c *HTTPClient) Balance(ctx context.Context, userID string) (money.Cents, error) {
	var data balanceData
	if err := c.api.Get(ctx, "/balances/"+url.PathEscape(userID), &data); err != nil {
		return 0, mapError(err)
	}
	return money.Cents(data.BalanceCents), nil
}

// Debit posts a debit. The ledger deduplicates on idempotencyKey.
func (c *HTTPClient) Debit(ctx context.Context, userID string, amount money.Cents, idempotencyKey string) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	req := debitRequest{
		UserID:         userID,
		AmountCents:    int64(amount),
		IdempotencyKey: idempotencyKey,
	}
	if err := c.api.Post(ctx, "/debits", req, nil); err != nil {
		return mapError(err)
	}
	return nil
}

func mapError(err error) error {
	switch upstream.StatusCode(err) {
	case http.StatusPaymentRequired:
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", ErrUnknownAccount, err)
	}
	if errors.Is(err, upstream.ErrUnavailable) {
		return err
	}
	return fmt.Errorf("ledger: %w", err)
}
