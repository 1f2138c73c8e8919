// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

package queue

import (
	"errors"
	"strings"
)

// ErrorCategory categorizes failures for dead-letter routing and metrics.
type ErrorCategory int

const (
	// ErrorCategoryUnknown is the default category for unclassified errors.
	ErrorCategoryUnknown ErrorCategory = iota
	// ErrorCategoryConnection indicates network or connection failures.
	ErrorCategoryConnection
	// ErrorCategoryTimeout indicates operation timeout.
	ErrorCategoryTimeout
	// ErrorCategoryValidation indicates event validation failures.
	ErrorCategoryValidation
	// ErrorCategoryStore indicates persistence failures.
	ErrorCategoryStore
	// ErrorCategoryConflict indicates an idempotency-key collision with a
	// differing payload.
	ErrorCategoryConflict
	// ErrorCategoryCapacity indicates resource capacity issues.
	ErrorCategoryCapacity
)

// String returns the category label used in metrics and logs.
func (c ErrorCategory) String() string {
	switch c {
	case ErrorCategoryConnection:
		return "connection"
	case ErrorCategoryTimeout:
		return "timeout"
	case ErrorCategoryValidation:
		return "validation"
	case ErrorCategoryStore:
		return "store"
	case ErrorCategoryConflict:
		return "conflict"
	case ErrorCategoryCapacity:
		return "capacity"
	default:
		return "unknown"
	}
}

// CategorizeError derives a category from an error's message when the
// producer did not classify it explicitly.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "connection", "connect", "refused", "reset", "network"):
		return ErrorCategoryConnection
	case containsAny(msg, "timeout", "deadline", "timed out"):
		return ErrorCategoryTimeout
	case containsAny(msg, "invalid", "validation", "malformed", "parse"):
		return ErrorCategoryValidation
	case containsAny(msg, "conflict", "idempotency"):
		return ErrorCategoryConflict
	case containsAny(msg, "database", "sql", "store", "duckdb"):
		return ErrorCategoryStore
	case containsAny(msg, "capacity", "full", "limit", "exceeded"):
		return ErrorCategoryCapacity
	default:
		return ErrorCategoryUnknown
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

var (
	// ErrJobNotFound is returned for operations on unknown or already
	// settled jobs.
	ErrJobNotFound = errors.New("job not found or not in flight")

	// ErrQueueClosed is returned once the queue has shut down.
	ErrQueueClosed = errors.New("queue closed")
)
