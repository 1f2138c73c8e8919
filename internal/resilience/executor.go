// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

package resilience

import (
	"context"
	"sync/atomic"
)

// CallContext identifies the dependency a resilient call targets. The
// breaker key is "endpoint:method".
type CallContext struct {
	Endpoint string
	Method   string
}

// Key returns the circuit breaker key for the call.
func (c CallContext) Key() string {
	return c.Endpoint + ":" + c.Method
}

// Executor is the public resilient-call primitive: retry with backoff and
// jitter around a per-endpoint circuit breaker. Breaker rejections are not
// retried within the failing call.
//
// The retry policy is swappable at runtime (config hot reload); breaker
// state survives policy swaps.
type Executor struct {
	retrier  atomic.Pointer[Retrier]
	breakers *BreakerSet
}

// NewExecutor assembles the primitive from its two halves.
func NewExecutor(retryCfg RetryConfig, breakerCfg BreakerConfig) *Executor {
	e := &Executor{breakers: NewBreakerSet(breakerCfg)}
	e.retrier.Store(NewRetrier(retryCfg, 0))
	return e
}

// NewExecutorWithSeed is NewExecutor with deterministic jitter for tests.
func NewExecutorWithSeed(retryCfg RetryConfig, breakerCfg BreakerConfig, seed int64) *Executor {
	e := &Executor{breakers: NewBreakerSet(breakerCfg)}
	e.retrier.Store(NewRetrier(retryCfg, seed))
	return e
}

// UpdateRetryConfig swaps the retry policy at runtime. In-flight calls
// finish under the policy they started with; breaker counters are
// untouched.
func (e *Executor) UpdateRetryConfig(cfg RetryConfig) {
	e.retrier.Store(NewRetrier(cfg, 0))
}

// Execute runs op under retry and circuit breaking for the given call
// context. The typed result is whatever op returns on success.
func (e *Executor) Execute(ctx context.Context, call CallContext, op func(ctx context.Context) (any, error)) (any, error) {
	var result any
	err := e.retrier.Load().Do(ctx, func(ctx context.Context) error {
		res, opErr := e.breakers.Execute(call.Key(), func() (any, error) {
			return op(ctx)
		})
		if opErr != nil {
			return opErr
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Breakers exposes the breaker map for stats and health reporting.
func (e *Executor) Breakers() *BreakerSet { return e.breakers }

// Retrier exposes the current retry policy, for callers that need
// classification.
func (e *Executor) Retrier() *Retrier { return e.retrier.Load() }
