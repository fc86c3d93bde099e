// Package transport implements the relay's HTTP client for the gateway. All
// outbound calls are routed through a shared circuit breaker so a dead
// gateway trips fast instead of burning a timeout per message batch.
//
// The client performs exactly one attempt per call: retry cadence and
// backoff belong to the sync engine, which owns the per-message attempt
// budget. Batch bodies are gzip-compressed; narrative payloads are prose and
// compress well.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sony/gobreaker/v2"

	"realmrelay/internal/types"
)

// Compile-time assertion that Client implements types.RemoteEndpoint.
var _ types.RemoteEndpoint = (*Client)(nil)

// Client talks to the gateway's session message API.
type Client struct {
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	baseURL   string
	token     types.SecretString
	userAgent string
	logger    types.Logger
}

// pushRequest is the wire body for POST /v1/sessions/{id}/messages.
type pushRequest struct {
	Messages []wireMessage `json:"messages"`
}

// wireMessage is the subset of a Message that crosses the wire. Local
// bookkeeping (status, attempts) stays local.
type wireMessage struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// pushResponse mirrors the gateway's response envelope.
type pushResponse struct {
	Data struct {
		Results []types.BatchResult `json:"results"`
	} `json:"data"`
}

type cursorResponse struct {
	Data types.SyncCursor `json:"data"`
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying *http.Client (tests, custom TLS).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *gobreaker.CircuitBreaker[*http.Response]) Option {
	return func(c *Client) { c.breaker = cb }
}

// New creates a gateway client. baseURL has no trailing slash.
func New(baseURL string, token types.SecretString, timeout time.Duration, logger types.Logger, opts ...Option) *Client {
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "gateway",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	c := &Client{
		http:      &http.Client{Timeout: timeout},
		breaker:   cb,
		baseURL:   baseURL,
		token:     token,
		userAgent: "RealmRelay/1.0",
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PushBatch delivers a batch of messages in order and returns the gateway's
// per-message verdicts. A non-nil error means the batch outcome is unknown
// (network failure, 5xx, breaker open) and the whole batch should be retried
// after backoff.
func (c *Client) PushBatch(ctx context.Context, sessionID string, batch []*types.Message) ([]types.BatchResult, error) {
	wire := make([]wireMessage, 0, len(batch))
	for _, m := range batch {
		wire = append(wire, wireMessage{
			ID:        m.ID,
			Kind:      string(m.Kind),
			Payload:   m.Payload,
			CreatedAt: m.CreatedAt,
		})
	}

	body, err := json.Marshal(pushRequest{Messages: wire})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal batch", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to compress batch", err)
	}
	if err := zw.Close(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to compress batch", err)
	}

	url := fmt.Sprintf("%s/v1/sessions/%s/messages", c.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}

	var decoded pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable, "failed to decode batch response", err)
	}
	return decoded.Data.Results, nil
}

// LastAcknowledged fetches the gateway's sync cursor for a session. A
// session the gateway has never seen yields a zero cursor, not an error.
func (c *Client) LastAcknowledged(ctx context.Context, sessionID string) (*types.SyncCursor, error) {
	url := fmt.Sprintf("%s/v1/sessions/%s/last-acknowledged", c.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build request", err)
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &types.SyncCursor{SessionID: sessionID}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}

	var decoded cursorResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable, "failed to decode cursor response", err)
	}
	cursor := decoded.Data
	cursor.SessionID = sessionID
	return &cursor, nil
}

// Probe reports whether the gateway health endpoint answers. Used by the
// connection monitor; it deliberately bypasses the circuit breaker so the
// monitor can detect recovery while the breaker is still open.
func (c *Client) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// do executes the request through the circuit breaker with auth and trace
// headers injected. 5xx and 429 count as breaker failures.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	if traceID := types.GetRequestID(req.Context()); traceID != "" {
		req.Header.Set("X-Request-Id", traceID)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Authorization", "Bearer "+c.token.Unmask())

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		r, doErr := c.http.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
			// Drain so the transport can reuse the connection.
			io.Copy(io.Discard, r.Body)
			r.Body.Close()
			return nil, fmt.Errorf("gateway returned %d", r.StatusCode)
		}
		return r, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable, "gateway circuit open", err)
		}
		return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable, "gateway unreachable", err)
	}
	return resp, nil
}

// statusError maps a non-OK gateway response to an AppError.
func (c *Client) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	code := types.ErrCodeUpstreamUnavailable
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		code = types.ErrCodeAuthTokenInvalid
	case http.StatusBadRequest:
		code = types.ErrCodeValidationBatchSize
	case http.StatusNotFound:
		code = types.ErrCodeNotFoundSession
	}

	return types.NewAppErrorWithDetails(code,
		fmt.Sprintf("gateway returned %d", resp.StatusCode),
		nil,
		map[string]any{"body": string(body)},
	)
}
