// Package upstream provides the JSON HTTP client shared by the ledger and
// profile collaborators.
//
// Every upstream speaks the same envelope:
//
//	{"success": true, "message": "", "data": {...}}
//
// Non-2xx statuses come back as *StatusError so callers can map specific codes
// (402 from the ledger, 404 from the profile service) onto their own sentinels.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/soulseer/sessiond/internal/utils"
)

const userAgent = "sessiond/1.0"

// maxResponseSize caps how much of an upstream body is read.
const maxResponseSize = 1 << 20

// APIResponse is the generic wrapper for all upstream responses.
type APIResponse[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    T      `json:"data"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Message)
}

// ErrUnavailable marks transport failures (timeouts, refused connections,
// 5xx). Callers treat it as transient.
var ErrUnavailable = errors.New("upstream unavailable")

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// =============================================================================
// Client
// =============================================================================

// Client is a small JSON client bound to one base URL.
type Client struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(client *Client) {
		if timeout > 0 {
			client.httpClient.Timeout = timeout
		}
	}
}

// NewClient creates a client. name only appears in logs and errors.
func NewClient(name, baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	log.Debug().
		Str("upstream", name).
		Str("base_url", c.baseURL).
		Str("api_key", utils.MaskKey(apiKey)).
		Msg("upstream: client configured")
	return c
}

// Name returns the upstream's log name.
func (c *Client) Name() string {
	return c.name
}

// =============================================================================
// HTTP Helpers
// =============================================================================

// Get fetches path and decodes the envelope's data into result.
func (c *Client) Get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return c.do(req, result)
}

// Post sends payload as JSON to path and decodes the envelope's data into result.
func (c *Client) Post(ctx context.Context, path string, payload, result any) error {
	body, err := utils.MarshalNoEscape(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) error {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %w: %v", c.name, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%s %w: reading response: %v", c.name, ErrUnavailable, err)
	}

	var envelope APIResponse[json.RawMessage]
	decodeErr := json.Unmarshal(body, &envelope)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%s %w: %w", c.name, ErrUnavailable, statusError(resp.StatusCode, envelope.Message, body, decodeErr))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp.StatusCode, envelope.Message, body, decodeErr)
	}
	if decodeErr != nil {
		return fmt.Errorf("parsing response: %w", decodeErr)
	}
	if !envelope.Success {
		return fmt.Errorf("%s API error: %s", c.name, envelope.Message)
	}
	if result == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, result); err != nil {
		return fmt.Errorf("parsing response data: %w", err)
	}
	return nil
}

func statusError(code int, message string, body []byte, decodeErr error) *StatusError {
	if decodeErr != nil || message == "" {
		message = strings.TrimSpace(string(body))
	}
	return &StatusError{Code: code, Message: message}
}
