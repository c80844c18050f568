package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Client wraps http.Client with bounded retry and JSON helpers. Ledger
// lookups, facilitator calls and the risk API all go through it.
type Client struct {
	httpClient *http.Client
	retry      RetryConfig
	service    string
}

type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

func New(service string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		retry:      DefaultRetryConfig(),
		service:    service,
	}
}

func NewWithRetry(service string, timeout time.Duration, retry RetryConfig) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		retry:      retry,
		service:    service,
	}
}

// HTTPError is a non-2xx response surfaced as an error.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %s: %s", e.Status, truncate(e.Body, 256))
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Do executes the request, retrying transport errors and retryable status
// codes with exponential backoff. Request bodies must be rebuildable, so
// callers go through the JSON helpers.
func (c *Client) do(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	backoff := c.retry.InitialBackoff

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			slog.DebugContext(ctx, "retrying request",
				"service", c.service,
				"attempt", attempt,
				"backoff", backoff,
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
			if backoff > c.retry.MaxBackoff {
				backoff = c.retry.MaxBackoff
			}
		}

		req, err := build()
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req.WithContext(ctx))
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}
		if retryableStatus(resp.StatusCode) {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
			resp.Body.Close()
			lastErr = &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: body}
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("%s: max retries exceeded: %w", c.service, lastErr)
}

// GetJSON performs a GET and decodes the JSON response into result.
func (c *Client) GetJSON(ctx context.Context, url string, headers map[string]string, result any) error {
	resp, err := c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		applyHeaders(req, headers)
		return req, nil
	})
	if err != nil {
		return err
	}
	return decodeResponse(resp, result)
}

// PostJSON performs a POST with a JSON body and decodes the JSON response
// into result when result is non-nil.
func (c *Client) PostJSON(ctx context.Context, url string, headers map[string]string, body, result any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	resp, err := c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		applyHeaders(req, headers)
		return req, nil
	})
	if err != nil {
		return err
	}
	return decodeResponse(resp, result)
}

func decodeResponse(resp *http.Response, result any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: body}
	}
	if result == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
