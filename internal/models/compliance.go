// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

package models

import "time"

// PseudonymStrategy selects how a pseudonym is derived from an original ID.
type PseudonymStrategy string

const (
	// StrategyHash derives a deterministic pseudonym from SHA-256(id || salt).
	StrategyHash PseudonymStrategy = "hash"
	// StrategyToken draws a random pseudonym; only the stored mapping binds it.
	StrategyToken PseudonymStrategy = "token"
	// StrategyEncryption encrypts the original ID; reversible by the key holder.
	StrategyEncryption PseudonymStrategy = "encryption"
)

// Valid reports whether the strategy is known.
func (s PseudonymStrategy) Valid() bool {
	switch s {
	case StrategyHash, StrategyToken, StrategyEncryption:
		return true
	}
	return false
}

// PseudonymMapping binds an original subject identifier to its pseudonym.
// Both directions are unique; mappings are durable because they back GDPR
// erasure audit trails.
type PseudonymMapping struct {
	OriginalID  string            `json:"originalId"`
	PseudonymID string            `json:"pseudonymId"`
	Strategy    PseudonymStrategy `json:"strategy"`
	CreatedAt   time.Time         `json:"createdAt"`
	Context     string            `json:"context,omitempty"`
}

// VerificationStatus is the outcome of an integrity check.
type VerificationStatus string

const (
	VerificationOK          VerificationStatus = "ok"
	VerificationMismatch    VerificationStatus = "mismatch"
	VerificationMissingHash VerificationStatus = "missing_hash"
)

// IntegrityVerification records the outcome of re-hashing a stored event.
type IntegrityVerification struct {
	AuditLogID   int64              `json:"auditLogId"`
	VerifiedAt   time.Time          `json:"verifiedAt"`
	Status       VerificationStatus `json:"status"`
	ExpectedHash string             `json:"expectedHash,omitempty"`
	ObservedHash string             `json:"observedHash,omitempty"`
	VerifiedBy   string             `json:"verifiedBy,omitempty"`
	Details      string             `json:"details,omitempty"`
}

// VerificationSummary aggregates a sweep's outcomes.
type VerificationSummary struct {
	Checked     int64 `json:"checked"`
	OK          int64 `json:"ok"`
	Mismatched  int64 `json:"mismatched"`
	MissingHash int64 `json:"missingHash"`
}

// AlertType categorizes alerts.
type AlertType string

const (
	AlertSecurity    AlertType = "SECURITY"
	AlertPerformance AlertType = "PERFORMANCE"
	AlertCompliance  AlertType = "COMPLIANCE"
	AlertSystem      AlertType = "SYSTEM"
)

// AlertSeverity orders alerts by urgency.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "LOW"
	SeverityMedium   AlertSeverity = "MEDIUM"
	SeverityHigh     AlertSeverity = "HIGH"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// Alert is a threshold-driven notification raised by the monitor.
// Every read path is scoped by OrganizationID.
type Alert struct {
	ID              string        `json:"id"`
	OrganizationID  string        `json:"organizationId"`
	Type            AlertType     `json:"type"`
	Severity        AlertSeverity `json:"severity"`
	Source          string        `json:"source"`
	Title           string        `json:"title"`
	Description     string        `json:"description"`
	Timestamp       time.Time     `json:"timestamp"`
	Resolved        bool          `json:"resolved"`
	ResolvedAt      *time.Time    `json:"resolvedAt,omitempty"`
	ResolvedBy      string        `json:"resolvedBy,omitempty"`
	ResolutionNotes string        `json:"resolutionNotes,omitempty"`

	// CorrelationKey participates in the deduplication identity
	// {source, title, correlationKey} together with the dedup window.
	CorrelationKey string `json:"correlationKey,omitempty"`
}

// BreakerState mirrors the circuit breaker state machine.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// CircuitBreakerStats is the observable state of one endpoint:method breaker.
type CircuitBreakerStats struct {
	Key             string       `json:"key"`
	State           BreakerState `json:"state"`
	FailureCount    int64        `json:"failureCount"`
	SuccessCount    int64        `json:"successCount"`
	TotalRequests   int64        `json:"totalRequests"`
	LastFailureTime *time.Time   `json:"lastFailureTime,omitempty"`
	NextRetryTime   *time.Time   `json:"nextRetryTime,omitempty"`
}
