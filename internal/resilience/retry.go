// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

// Package resilience provides the generic resilient-call primitive: retry
// with exponential backoff and full jitter, wrapped around a per-endpoint
// circuit breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/caretrace/caretrace/internal/auditerrors"
	"github.com/caretrace/caretrace/internal/metrics"
)

// RetryConfig controls the backoff loop.
type RetryConfig struct {
	// MaxAttempts bounds total attempts including the first.
	MaxAttempts int `koanf:"maxAttempts" json:"maxAttempts" validate:"min=1"`

	// InitialDelayMs is the base delay before the first retry.
	InitialDelayMs int `koanf:"initialDelayMs" json:"initialDelayMs" validate:"min=0"`

	// MaxDelayMs caps the exponential growth.
	MaxDelayMs int `koanf:"maxDelayMs" json:"maxDelayMs" validate:"min=0"`

	// BackoffMultiplier is the exponential factor per attempt.
	BackoffMultiplier float64 `koanf:"backoffMultiplier" json:"backoffMultiplier" validate:"min=1"`

	// RetryableStatusCodes lists HTTP statuses that qualify as transient.
	RetryableStatusCodes []int `koanf:"retryableStatusCodes" json:"retryableStatusCodes"`

	// RetryableErrors lists substrings that mark an error message transient
	// (ECONNRESET, timeout, ...).
	RetryableErrors []string `koanf:"retryableErrors" json:"retryableErrors"`
}

// DefaultRetryConfig returns production defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:          3,
		InitialDelayMs:       100,
		MaxDelayMs:           5000,
		BackoffMultiplier:    2.0,
		RetryableStatusCodes: []int{408, 429, 500, 502, 503, 504},
		RetryableErrors:      []string{"ECONNRESET", "ECONNREFUSED", "ETIMEDOUT", "EPIPE", "timeout", "connection reset", "connection refused", "no such host", "broken pipe"},
	}
}

// HTTPStatusError marks an operation failure with an HTTP status so the
// retry loop can consult RetryableStatusCodes.
type HTTPStatusError struct {
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d %s", e.StatusCode, e.Status)
}

// Retrier executes operations under the retry policy.
type Retrier struct {
	config RetryConfig

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewRetrier creates a retrier. A zero seed uses a time-based source; tests
// pass a fixed seed for reproducible jitter.
func NewRetrier(cfg RetryConfig, seed int64) *Retrier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 2.0
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Retrier{
		config: cfg,
		//nolint:gosec // G404: weak random is fine for backoff jitter
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Do runs op until it succeeds, a non-retryable error occurs, the context is
// canceled, or MaxAttempts is reached. On exhaustion the returned error is a
// RetryExhaustedError wrapping the final cause.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			metrics.RetryAttempts.WithLabelValues("aborted").Inc()
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !r.IsRetryable(lastErr) {
			metrics.RetryAttempts.WithLabelValues("aborted").Inc()
			return lastErr
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		metrics.RetryAttempts.WithLabelValues("retried").Inc()
		delay := r.backoff(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	metrics.RetryAttempts.WithLabelValues("exhausted").Inc()
	return &auditerrors.RetryExhaustedError{Attempts: r.config.MaxAttempts, Cause: lastErr}
}

// backoff computes the full-jitter delay for a 1-indexed attempt:
//
//	base  = min(initial * multiplier^(n-1), max)
//	delay = Uniform(0, base)
func (r *Retrier) backoff(attempt int) time.Duration {
	base := float64(r.config.InitialDelayMs) * math.Pow(r.config.BackoffMultiplier, float64(attempt-1))
	if maxMs := float64(r.config.MaxDelayMs); maxMs > 0 && base > maxMs {
		base = maxMs
	}
	r.rngMu.Lock()
	jittered := r.rng.Float64() * base
	r.rngMu.Unlock()
	return time.Duration(jittered * float64(time.Millisecond))
}

// IsRetryable classifies an error under the retry policy. Circuit breaker
// rejections and typed non-transient kinds never retry.
func (r *Retrier) IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var open *auditerrors.CircuitOpenError
	if errors.As(err, &open) {
		return false
	}
	if kind := auditerrors.KindOf(err); kind != "" && kind != auditerrors.KindTransient {
		return false
	}

	var status *HTTPStatusError
	if errors.As(err, &status) {
		for _, code := range r.config.RetryableStatusCodes {
			if status.StatusCode == code {
				return true
			}
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := err.Error()
	for _, pattern := range r.config.RetryableErrors {
		if containsFold(msg, pattern) {
			return true
		}
	}
	return auditerrors.KindOf(err) == auditerrors.KindTransient
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
