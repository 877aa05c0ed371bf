// Package profile resolves a reader's current per-minute rate.
//
// The rate is read once, when a session is requested, and snapshotted onto
// the session record. Later rate changes never affect a running session.
package profile

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

// ErrUnknownReader is returned when the reader does not exist or has no rate.
var ErrUnknownReader = errors.New("unknown reader")

// Resolver returns a reader's per-minute rate.
type Resolver interface {
	RatePerMinute(ctx context.Context, readerID string) (money.Cents, error)
}

// =============================================================================
// Static
// =============================================================================

// Static resolves rates from a fixed table (the config `readers:` section).
type Static map[string]money.Cents

var _ Resolver = Static(nil)

// NewStatic parses a reader -> "$x.yy" table.
func NewStatic(rates map[string]string) (Static, error) {
	out := make(Static, len(rates))
	for reader, raw := range rates {
		rate, err := money.ParseDollars(raw)
		if err != nil {
			return nil, fmt.Errorf("reader %s: %w", reader, err)
		}
		if rate <= 0 {
			return nil, fmt.Errorf("reader %s: rate must be positive", reader)
		}
		out[reader] = rate
	}
	return out, nil
}

// RatePerMinute looks up readerID.
func (s Static) RatePerMinute(_ context.Context, readerID string) (money.Cents, error) {
	rate, ok := s[readerID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownReader, readerID)
	}
	return rate, nil
}

// =============================================================================
// HTTP
// =============================================================================

// HTTPClient resolves rates from a profile service:
//
//	GET /readers/{reader_id}/rate -> {"data":{"reader_id":"...","rate_per_minute_cents":250}}
type HTTPClient struct {
	api *upstream.Client
}

var _ Resolver = (*HTTPClient)(nil)

type rateData struct {
	ReaderID           string `json:"reader_id"`
	RatePerMinuteCents int64  `json:"rate_per_minute_cents"`
}

// NewHTTPClient creates a profile client for baseURL.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, opts ...upstream.ClientOption) *HTTPClient {
	opts = append([]upstream.ClientOption{upstream.WithTimeout(timeout)}, opts...)
	return &HTTPClient{api: upstream.NewClient("profile", baseURL, apiKey, opts...)}
}

// RatePerMinute fetches the reader's current rate.
func (c *HTTPClient) RatePerMinute(ctx context.Context, readerID string) (money.Cents, error) {
	var data rateData
	if err := c.api.Get(ctx, "/readers/"+url.PathEscape(readerID)+"/rate", &data); err != nil {
		if upstream.StatusCode(err) == http.StatusNotFound {
			return 0, fmt.Errorf("%w: %s", ErrUnknownReader, readerID)
		}
		return 0, fmt.Errorf("profile: %w", err)
	}
	if data.RatePerMinuteCents <= 0 {
		return 0, fmt.Errorf("%w: %s has no rate", ErrUnknownReader, readerID)
	}
	return money.Cents(data.RatePerMinuteCents), nil
}
