// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

package resilience

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/caretrace/caretrace/internal/logging"
)

// Version is stamped into the User-Agent header.
const Version = "1.0.0"

const defaultRequestTimeout = 30 * time.Second

// Client is the reliability HTTP client: every request runs under retry and
// per-endpoint circuit breaking, carries JSON headers and is paced by a
// client-side rate limiter.
type Client struct {
	httpClient *http.Client
	executor   *Executor
	limiter    *rate.Limiter
	baseURL    string
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying transport, for tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit paces outbound requests at r per second with burst b.
func WithRateLimit(r float64, b int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(r), b) }
}

// NewClient builds a resilient client for the given base URL.
func NewClient(baseURL string, executor *Executor, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		executor:   executor,
		limiter:    rate.NewLimiter(rate.Inf, 0),
		baseURL:    baseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do issues method path with an optional JSON body and returns the response
// body bytes. Retryable statuses and network failures are retried with
// backoff; an open circuit rejects immediately.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	call := CallContext{Endpoint: c.baseURL + path, Method: method}
	result, err := c.executor.Execute(ctx, call, func(ctx context.Context) (any, error) {
		return c.doOnce(ctx, method, path, body)
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "audit-client/"+Version)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		logging.Component("http-client").Debug().
			Int("status", resp.StatusCode).
			Str("method", method).
			Str("path", path).
			Msg("request failed")
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return data, nil
}
