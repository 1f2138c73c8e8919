// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

// Package models defines the persistent data model of the audit platform:
// audit events, retention policies, pseudonym mappings, integrity
// verifications, alerts and circuit breaker statistics.
package models

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// EventStatus is the outcome of the audited action.
type EventStatus string

const (
	StatusSuccess EventStatus = "success"
	StatusFailure EventStatus = "failure"
	StatusAttempt EventStatus = "attempt"
)

// Valid reports whether the status is one of the known values.
func (s EventStatus) Valid() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusAttempt:
		return true
	}
	return false
}

// DataClassification drives retention and access rules.
type DataClassification string

const (
	ClassificationPublic       DataClassification = "PUBLIC"
	ClassificationInternal     DataClassification = "INTERNAL"
	ClassificationConfidential DataClassification = "CONFIDENTIAL"
	ClassificationPHI          DataClassification = "PHI"
)

// Valid reports whether the classification is one of the known values.
func (c DataClassification) Valid() bool {
	switch c {
	case ClassificationPublic, ClassificationInternal, ClassificationConfidential, ClassificationPHI:
		return true
	}
	return false
}

// Well-known audit actions emitted by the platform itself.
const (
	ActionLoginSuccess       = "auth.login.success"
	ActionLoginFailure       = "auth.login.failure"
	ActionUnauthorizedAccess = "data.access.unauthorized"
	ActionGDPRExport         = "gdpr.data.export"
	ActionGDPRPseudonymize   = "gdpr.data.pseudonymize"
	ActionGDPRDelete         = "gdpr.data.delete"
	ActionRetentionApply     = "gdpr.retention.apply"
)

// MaxActionLength bounds the free-form dotted action string.
const MaxActionLength = 255

// SessionContext captures where the audited request originated.
type SessionContext struct {
	// SessionID identifies the client session, if any.
	SessionID string `json:"sessionId,omitempty"`

	// IPAddress of the client.
	IPAddress string `json:"ipAddress,omitempty"`

	// UserAgent of the client.
	UserAgent string `json:"userAgent,omitempty"`
}

// AuditEvent is an immutable, hash-sealed record of a security- or
// compliance-relevant action. Once persisted it is never mutated except for
// ArchivedAt (set exactly once by retention) and the pseudonymization of
// PrincipalID under a GDPR erasure.
type AuditEvent struct {
	// ID is assigned monotonically by the store on insert.
	ID int64 `json:"id,omitempty"`

	// Timestamp is when the audited action occurred, UTC.
	Timestamp time.Time `json:"timestamp"`

	// PrincipalID identifies the acting subject. Nullable.
	PrincipalID string `json:"principalId,omitempty"`

	// OrganizationID scopes the event to a tenant. Nullable.
	OrganizationID string `json:"organizationId,omitempty"`

	// Action is a free-form dotted string, e.g. "auth.login.success".
	Action string `json:"action"`

	// Status is the outcome of the action.
	Status EventStatus `json:"status"`

	// TargetResourceType and TargetResourceID identify the object acted on.
	TargetResourceType string `json:"targetResourceType,omitempty"`
	TargetResourceID   string `json:"targetResourceId,omitempty"`

	// OutcomeDescription provides human-readable details.
	OutcomeDescription string `json:"outcomeDescription,omitempty"`

	// DataClassification of the event payload.
	DataClassification DataClassification `json:"dataClassification,omitempty"`

	// RetentionPolicy names the policy governing this event's lifecycle.
	RetentionPolicy string `json:"retentionPolicy,omitempty"`

	// CorrelationID links related events across services.
	CorrelationID string `json:"correlationId,omitempty"`

	// SessionContext captures the originating session.
	SessionContext *SessionContext `json:"sessionContext,omitempty"`

	// Details contains arbitrary structured event metadata.
	Details map[string]any `json:"details,omitempty"`

	// Hash seals the canonical form of all fields except Hash, ArchivedAt
	// and post-write audit columns. Lowercase hex SHA-256.
	Hash string `json:"hash,omitempty"`

	// HashAlgorithm names the sealing algorithm.
	HashAlgorithm string `json:"hashAlgorithm,omitempty"`

	// EventVersion is the producer's schema version for Details.
	EventVersion string `json:"eventVersion,omitempty"`

	// ProcessingLatencyMs is wall-clock from receipt to ack.
	ProcessingLatencyMs int64 `json:"processingLatencyMs,omitempty"`

	// ArchivedAt is set by retention archival. Once set the event is read-only.
	ArchivedAt *time.Time `json:"archivedAt,omitempty"`
}

// DefaultHashAlgorithm seals events unless a producer overrides it.
const DefaultHashAlgorithm = "SHA-256"

// ClockSkewTolerance is how far into the future an event timestamp may lie.
const ClockSkewTolerance = 60 * time.Second

// Validate checks the event invariants that do not require store access.
// It returns a human-readable reason for the first violation found.
func (e *AuditEvent) Validate(now time.Time) error {
	if strings.TrimSpace(e.Action) == "" {
		return &ValidationError{Field: "action", Reason: "required"}
	}
	if len(e.Action) > MaxActionLength {
		return &ValidationError{Field: "action", Reason: "exceeds 255 characters"}
	}
	if e.Status == "" {
		return &ValidationError{Field: "status", Reason: "required"}
	}
	if !e.Status.Valid() {
		return &ValidationError{Field: "status", Reason: "must be success, failure or attempt"}
	}
	if e.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "required"}
	}
	if e.Timestamp.After(now.Add(ClockSkewTolerance)) {
		return &ValidationError{Field: "timestamp", Reason: "in the future beyond clock skew tolerance"}
	}
	if e.DataClassification != "" && !e.DataClassification.Valid() {
		return &ValidationError{Field: "dataClassification", Reason: "unknown classification"}
	}
	if e.ArchivedAt != nil {
		return &ValidationError{Field: "archivedAt", Reason: "must not be set by producers"}
	}
	return nil
}

// ValidationError describes a single invariant violation on an event.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid event: " + e.Field + " " + e.Reason
}

// IdempotencyKey returns the consumer deduplication key for the event: the
// producer-supplied (producerID, eventID) pair when present in Details, else
// the canonical hash.
func (e *AuditEvent) IdempotencyKey() string {
	if e.Details != nil {
		producer, pok := e.Details["producerId"].(string)
		eventID, eok := e.Details["eventId"].(string)
		if pok && eok && producer != "" && eventID != "" {
			return producer + ":" + eventID
		}
	}
	return e.Hash
}

// MarshalDetails serializes Details for column storage. A nil map encodes as
// JSON null so absence survives a round trip.
func (e *AuditEvent) MarshalDetails() ([]byte, error) {
	return json.Marshal(e.Details)
}
