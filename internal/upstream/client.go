// Package upstream talks to the native inference backend with bounded retries
// and uniform error translation.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"ollama-openai-adapter/internal/metrics"
)

const (
	contentTypeJSON  = "application/json"
	userAgent        = "ollama-openai-adapter/1.0.0"
	maxResponseBytes = 32 << 20 // 32 MiB

	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// ErrUnsupportedMethod is returned for HTTP methods other than GET and POST.
var ErrUnsupportedMethod = errors.New("unsupported HTTP method")

// UpstreamError reports a backend response with status >= 400.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("Ollama API error (status %d): %s", e.Status, e.Body)
}

// TransportError reports a failure to obtain a usable response: connection
// refused, DNS failure, timeout, truncated body or a non-JSON payload.
type TransportError struct {
	Method   string
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ollama %s %s: %v", e.Method, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Client issues calls against the backend. It is safe for concurrent use; the
// only shared state is the underlying http.Client connection pool.
type Client struct {
	baseURL string
	client  *http.Client
	retry   RetryPolicy
	log     *zap.Logger
}

// New constructs a backend client rooted at baseURL.
func New(baseURL string, client *http.Client, retry RetryPolicy, log *zap.Logger) (*Client, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	if log == nil {
		log = zap.NewNop()
	}

	return &Client{
		baseURL: baseURL,
		client:  client,
		retry:   retry.normalised(),
		log:     log.Named("upstream"),
	}, nil
}

// NewHTTPClient returns an http.Client whose connect and overall request
// deadlines are both timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: timeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// Call sends body (JSON-encoded, may be nil) to baseURL+endpoint and returns
// the raw JSON reply. Every failure, whether transport-level or a status
// >= 400, is retried under the client's RetryPolicy; the last one is returned
// once attempts run out. Cancelling ctx aborts the in-flight attempt and any
// pending wait.
func (c *Client) Call(ctx context.Context, method, endpoint string, body any) (json.RawMessage, error) {
	switch method {
	case http.MethodGet, http.MethodPost:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
	}

	url := c.baseURL + endpoint

	op := func(attempt int) (json.RawMessage, error) {
		return c.attempt(ctx, method, url, endpoint, payload)
	}
	onRetry := func(attempt int, err error, wait time.Duration) {
		c.log.Error("ollama call failed, retrying",
			zap.String("method", method),
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.retry.MaxAttempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	result, err := Retry(ctx, c.retry, op, onRetry)
	if err != nil {
		c.log.Error("ollama call failed",
			zap.String("method", method),
			zap.String("endpoint", endpoint),
			zap.Int("max_attempts", c.retry.MaxAttempts),
			zap.Error(err),
		)
		return nil, err
	}
	return result, nil
}

func (c *Client) attempt(ctx context.Context, method, url, endpoint string, payload []byte) (json.RawMessage, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("construct request: %w", err))
	}

	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		metrics.ObserveUpstream(endpoint, metrics.OutcomeTransportError, time.Since(start))
		return nil, &TransportError{Method: method, Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		metrics.ObserveUpstream(endpoint, metrics.OutcomeTransportError, time.Since(start))
		return nil, &TransportError{Method: method, Endpoint: endpoint, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode >= 400 {
		metrics.ObserveUpstream(endpoint, metrics.OutcomeHTTPError, time.Since(start))
		text := strings.TrimSpace(string(data))
		c.log.Error("Ollama API error",
			zap.String("endpoint", endpoint),
			zap.Int("status", resp.StatusCode),
			zap.String("body", text),
		)
		return nil, &UpstreamError{Status: resp.StatusCode, Body: text}
	}

	if !json.Valid(data) {
		metrics.ObserveUpstream(endpoint, metrics.OutcomeBadResponse, time.Since(start))
		return nil, &TransportError{Method: method, Endpoint: endpoint, Err: errors.New("response body is not valid JSON")}
	}

	metrics.ObserveUpstream(endpoint, metrics.OutcomeOK, time.Since(start))
	return json.RawMessage(data), nil
}
