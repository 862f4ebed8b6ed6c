// Package httptransport implements the possync Transport over HTTP/JSON.
//
// The remote contract, per entity resource:
//
//	POST {resource}                                  body {"data": [record, ...]}
//	  -> {"conflicts": [{"local_id", "server_data", "local_data"}, ...]}
//	GET  {resource}?last_sync=<ISO8601>&limit=<n>&offset=<n>
//	  -> {"data": [record, ...], "has_more": bool, "conflicts": [...]}
//
// Failures are classified per the engine's taxonomy: 401/403 abort the
// whole run, other 4xx are terminal for the single request, and network
// errors, timeouts and 5xx are retried with backoff.
package httptransport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"

	"github.com/c0deZ3R0/possync"
	syncErrors "github.com/c0deZ3R0/possync/errors"
	"github.com/c0deZ3R0/possync/logging"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultMaxRetries   = 3
	defaultMaxBodyBytes = 8 << 20 // 8MB
)

// Client implements possync.Transport against the remote service.
type Client struct {
	baseURL    string
	token      string
	http       *http.Client
	maxRetries int
	newBackoff BackoffFactory
	maxBody    int64
	userAgent  string
	logger     *logging.Logger
}

var _ possync.Transport = (*Client)(nil)

// Option configures a Client using the functional options pattern.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client. Bulk workloads may want a
// larger timeout than the 30s default.
func WithHTTPClient(cl *http.Client) Option {
	return func(c *Client) { c.http = cl }
}

// WithMaxRetries bounds retries of transient failures per request.
// Negative values are treated as 0 (a single attempt).
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n < 0 {
			n = 0
		}
		c.maxRetries = n
	}
}

// WithBackoffFactory injects the retry delay policy.
func WithBackoffFactory(f BackoffFactory) Option {
	return func(c *Client) { c.newBackoff = f }
}

// WithMaxBodyBytes caps how much of a response body the client will read.
func WithMaxBodyBytes(n int64) Option {
	return func(c *Client) { c.maxBody = n }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithLogger sets a custom logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a transport client for the given endpoint root and
// bearer credential.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		http:       &http.Client{Timeout: defaultTimeout},
		maxRetries: defaultMaxRetries,
		newBackoff: DefaultBackoff,
		maxBody:    defaultMaxBodyBytes,
		userAgent:  "possync",
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.WithComponent("transport")
	}
	return c
}

// Push submits one sub-batch of records to the entity's resource and
// interprets the per-record outcome.
func (c *Client) Push(ctx context.Context, resource string, records []possync.Record) (*possync.PushResult, error) {
	if len(records) == 0 {
		return &possync.PushResult{}, nil
	}

	req := pushRequest{Data: make([]map[string]any, len(records))}
	for i, rec := range records {
		req.Data[i] = toWireRecord(rec)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, syncErrors.NewWithComponent(syncErrors.OpPush, "transport",
			fmt.Errorf("failed to marshal records: %w", err))
	}

	body, err := c.do(ctx, syncErrors.OpPush, http.MethodPost, c.baseURL+resource, payload)
	if err != nil {
		return nil, err
	}

	var resp pushResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, syncErrors.NewWithComponent(syncErrors.OpPush, "transport",
			fmt.Errorf("failed to decode push response: %w", err))
	}

	c.logger.DebugContext(ctx, "push batch completed",
		slog.String("resource", resource),
		slog.Int("submitted", len(records)),
		slog.Int("conflicts", len(resp.Conflicts)))

	return &possync.PushResult{Conflicts: fromWireConflicts(resp.Conflicts)}, nil
}

// Pull fetches one page of the entity's resource filtered by the
// last-sync watermark.
func (c *Client) Pull(ctx context.Context, resource string, q possync.PullQuery) (*possync.PullPage, error) {
	params := url.Values{}
	if !q.LastSync.IsZero() {
		params.Set("last_sync", q.LastSync.UTC().Format(time.RFC3339Nano))
	}
	params.Set("limit", strconv.Itoa(q.Limit))
	params.Set("offset", strconv.Itoa(q.Offset))

	body, err := c.do(ctx, syncErrors.OpPull, http.MethodGet, c.baseURL+resource+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var resp pullResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, syncErrors.NewWithComponent(syncErrors.OpPull, "transport",
			fmt.Errorf("failed to decode pull response: %w", err))
	}

	page := &possync.PullPage{
		Records:   make([]possync.Record, 0, len(resp.Data)),
		HasMore:   resp.HasMore,
		Conflicts: fromWireConflicts(resp.Conflicts),
	}
	for _, obj := range resp.Data {
		rec, err := fromWireRecord(obj)
		if err != nil {
			return nil, syncErrors.NewWithComponent(syncErrors.OpPull, "transport",
				fmt.Errorf("malformed record in pull response: %w", err))
		}
		page.Records = append(page.Records, rec)
	}

	c.logger.DebugContext(ctx, "pull page completed",
		slog.String("resource", resource),
		slog.Int("records", len(page.Records)),
		slog.Bool("has_more", page.HasMore))

	return page, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// do performs one logical request with bounded retries. Each attempt
// rebuilds the request from the buffered payload, so retried requests are
// byte-identical and the server can deduplicate.
func (c *Client) do(ctx context.Context, op syncErrors.Operation, method, rawURL string, payload []byte) ([]byte, error) {
	var (
		result  []byte
		attempt int
	)

	operation := func() error {
		attempt++

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
		if err != nil {
			return backoff.Permanent(syncErrors.NewWithComponent(op, "transport",
				fmt.Errorf("failed to create request: %w", err)))
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			// Connection failure or timeout: retryable.
			c.logger.WarnContext(ctx, "request failed",
				slog.String("url", rawURL),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			return syncErrors.NewNetworkError(op, err)
		}
		defer resp.Body.Close()

		data, readErr := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(syncErrors.NewAuthError(op,
				fmt.Errorf("remote returned %s: %s", resp.Status, truncate(data, 200))))

		case resp.StatusCode >= 500:
			c.logger.WarnContext(ctx, "server error",
				slog.String("url", rawURL),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt))
			return syncErrors.NewNetworkError(op,
				fmt.Errorf("server error (status %d): %s", resp.StatusCode, truncate(data, 200)))

		case resp.StatusCode >= 400:
			return backoff.Permanent(syncErrors.NewRejectedError(op,
				fmt.Errorf("request rejected (status %d): %s", resp.StatusCode, truncate(data, 200))))

		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(syncErrors.NewWithComponent(op, "transport",
				fmt.Errorf("unexpected status %d", resp.StatusCode)))
		}

		if readErr != nil {
			return syncErrors.NewNetworkError(op,
				fmt.Errorf("failed to read response: %w", readErr))
		}
		result = data
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(c.newBackoff(), uint64(c.maxRetries)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
