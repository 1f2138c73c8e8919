// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

package resilience

import (
	"errors"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/caretrace/caretrace/internal/auditerrors"
	"github.com/caretrace/caretrace/internal/logging"
	"github.com/caretrace/caretrace/internal/metrics"
	"github.com/caretrace/caretrace/internal/models"
)

// BreakerConfig controls the per-endpoint circuit breakers.
type BreakerConfig struct {
	// Enabled gates breaker enforcement; when false all calls pass through.
	Enabled bool `koanf:"enabled" json:"enabled"`

	// FailureThreshold is the failure count that opens the circuit once the
	// minimum request threshold is met.
	FailureThreshold uint32 `koanf:"failureThreshold" json:"failureThreshold" validate:"min=1"`

	// RecoveryTimeoutMs is how long an open circuit waits before admitting a
	// half-open trial.
	RecoveryTimeoutMs int `koanf:"recoveryTimeoutMs" json:"recoveryTimeoutMs" validate:"min=1"`

	// MonitoringWindowMs is the closed-state window after which counters
	// reset.
	MonitoringWindowMs int `koanf:"monitoringWindowMs" json:"monitoringWindowMs" validate:"min=1"`

	// MinimumRequestThreshold is the request count required before the
	// failure threshold can trip the circuit.
	MinimumRequestThreshold uint32 `koanf:"minimumRequestThreshold" json:"minimumRequestThreshold"`
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:                 true,
		FailureThreshold:        5,
		RecoveryTimeoutMs:       30000,
		MonitoringWindowMs:      60000,
		MinimumRequestThreshold: 5,
	}
}

// BreakerSet holds one circuit breaker per endpoint:method key. Breakers are
// created lazily; updates to a key's state are serialized by gobreaker.
type BreakerSet struct {
	config BreakerConfig

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
	// nextRetry tracks, per key, when an open circuit will admit a trial.
	nextRetry map[string]time.Time
	// lastFailure tracks the most recent failure per key for stats.
	lastFailure map[string]time.Time
}

// NewBreakerSet creates an empty breaker map.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{
		config:      cfg,
		breakers:    make(map[string]*gobreaker.CircuitBreaker[any]),
		nextRetry:   make(map[string]time.Time),
		lastFailure: make(map[string]time.Time),
	}
}

// Execute runs op under the breaker for key. When the circuit is open the
// call is rejected immediately with a CircuitOpenError carrying the next
// retry time; the operation is not invoked.
func (s *BreakerSet) Execute(key string, op func() (any, error)) (any, error) {
	if !s.config.Enabled {
		return op()
	}

	cb := s.breaker(key)
	result, err := cb.Execute(func() (any, error) {
		res, opErr := op()
		if opErr != nil {
			s.mu.Lock()
			s.lastFailure[key] = time.Now()
			s.mu.Unlock()
		}
		return res, opErr
	})

	if err != nil && (errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)) {
		metrics.CircuitBreakerRejections.WithLabelValues(key).Inc()
		s.mu.RLock()
		next := s.nextRetry[key]
		s.mu.RUnlock()
		return nil, &auditerrors.CircuitOpenError{Key: key, NextRetryTime: next}
	}
	return result, err
}

// breaker returns the breaker for key, creating it on first use.
func (s *BreakerSet) breaker(key string) *gobreaker.CircuitBreaker[any] {
	s.mu.RLock()
	cb, ok := s.breakers[key]
	s.mu.RUnlock()
	if ok {
		return cb
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok = s.breakers[key]; ok {
		return cb
	}

	recovery := time.Duration(s.config.RecoveryTimeoutMs) * time.Millisecond
	settings := gobreaker.Settings{
		Name: key,
		// A single half-open trial decides recovery.
		MaxRequests: 1,
		Interval:    time.Duration(s.config.MonitoringWindowMs) * time.Millisecond,
		Timeout:     recovery,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= s.config.MinimumRequestThreshold &&
				counts.TotalFailures >= s.config.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Component("breaker").Info().
				Str("key", name).
				Str("from", stateToString(from)).
				Str("to", stateToString(to)).
				Msg("circuit state transition")
			metrics.SetBreakerState(name, stateToFloat(to))

			s.mu.Lock()
			if to == gobreaker.StateOpen {
				s.nextRetry[name] = time.Now().Add(recovery)
			} else {
				delete(s.nextRetry, name)
			}
			s.mu.Unlock()
		},
	}

	cb = gobreaker.NewCircuitBreaker[any](settings)
	s.breakers[key] = cb
	metrics.SetBreakerState(key, 0)
	return cb
}

// Stats returns the observable state of one breaker, or nil when the key has
// never been used.
func (s *BreakerSet) Stats(key string) *models.CircuitBreakerStats {
	s.mu.RLock()
	cb, ok := s.breakers[key]
	next, hasNext := s.nextRetry[key]
	lastFail, hasFail := s.lastFailure[key]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	counts := cb.Counts()
	stats := &models.CircuitBreakerStats{
		Key:           key,
		State:         stateToModel(cb.State()),
		FailureCount:  int64(counts.TotalFailures),
		SuccessCount:  int64(counts.TotalSuccesses),
		TotalRequests: int64(counts.Requests),
	}
	if hasNext {
		t := next
		stats.NextRetryTime = &t
	}
	if hasFail {
		t := lastFail
		stats.LastFailureTime = &t
	}
	return stats
}

// AllStats snapshots every known breaker.
func (s *BreakerSet) AllStats() []models.CircuitBreakerStats {
	s.mu.RLock()
	keys := make([]string, 0, len(s.breakers))
	for k := range s.breakers {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	out := make([]models.CircuitBreakerStats, 0, len(keys))
	for _, k := range keys {
		if st := s.Stats(k); st != nil {
			out = append(out, *st)
		}
	}
	return out
}

func stateToModel(state gobreaker.State) models.BreakerState {
	switch state {
	case gobreaker.StateOpen:
		return models.BreakerOpen
	case gobreaker.StateHalfOpen:
		return models.BreakerHalfOpen
	default:
		return models.BreakerClosed
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
