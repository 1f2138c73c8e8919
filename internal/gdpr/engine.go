// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

// Package gdpr implements the data-subject compliance engine: access
// exports, pseudonymization with referential integrity, retention-driven
// archival and deletion, and right-to-be-forgotten erasure that preserves
// compliance-critical audit trails.
//
// Operations on one subject are serialized through the store's advisory
// locks so pseudonymize and erase can never interleave.
package gdpr

import (
	"context"
	"fmt"
	"time"

	"github.com/caretrace/caretrace/internal/canonical"
	"github.com/caretrace/caretrace/internal/logging"
	"github.com/caretrace/caretrace/internal/metrics"
	"github.com/caretrace/caretrace/internal/models"
	"github.com/caretrace/caretrace/internal/pseudonym"
	"github.com/caretrace/caretrace/internal/storage"
)

// ComplianceCriticalActions is the default set of actions whose audit
// records survive erasure (pseudonymized, never deleted).
var ComplianceCriticalActions = []string{
	models.ActionLoginSuccess,
	models.ActionLoginFailure,
	models.ActionUnauthorizedAccess,
	models.ActionGDPRExport,
	models.ActionGDPRPseudonymize,
	models.ActionGDPRDelete,
}

// Engine drives all GDPR operations against the persisted store.
type Engine struct {
	store    *storage.Store
	registry *pseudonym.Registry
}

// NewEngine creates the engine.
func NewEngine(store *storage.Store, registry *pseudonym.Registry) *Engine {
	return &Engine{store: store, registry: registry}
}

// recordOperation audits a GDPR operation as a first-class sealed event.
func (e *Engine) recordOperation(ctx context.Context, action, subject, requestedBy string, details map[string]any) error {
	if details == nil {
		details = make(map[string]any, 2)
	}
	details["subject"] = subject
	details["requestedBy"] = requestedBy

	event := &models.AuditEvent{
		Timestamp:          time.Now().UTC(),
		PrincipalID:        requestedBy,
		Action:             action,
		Status:             models.StatusSuccess,
		TargetResourceType: "principal",
		TargetResourceID:   subject,
		DataClassification: models.ClassificationConfidential,
		RetentionPolicy:    "standard",
		CorrelationID:      logging.CorrelationIDFromContext(ctx),
		Details:            details,
		HashAlgorithm:      models.DefaultHashAlgorithm,
	}

	hash, err := canonical.Hash(event)
	if err != nil {
		return fmt.Errorf("seal %s record: %w", action, err)
	}
	event.Hash = hash

	if _, err := e.store.InsertEvent(ctx, event); err != nil {
		return fmt.Errorf("audit %s: %w", action, err)
	}
	return nil
}

// PseudonymizeResult reports a pseudonymization run.
type PseudonymizeResult struct {
	PseudonymID     string `json:"pseudonymId"`
	RecordsAffected int64  `json:"recordsAffected"`
}

// Pseudonymize rewrites every event of the subject to the chosen pseudonym
// and stamps each event's details with the pseudonymization marker. The
// operation is audited as gdpr.data.pseudonymize.
func (e *Engine) Pseudonymize(ctx context.Context, principalID string, strategy models.PseudonymStrategy, requestedBy string) (*PseudonymizeResult, error) {
	if principalID == "" {
		return nil, fmt.Errorf("principalId required")
	}

	unlock := e.store.Locks().Lock(principalID)
	defer unlock()

	result, err := e.pseudonymizeLocked(ctx, principalID, strategy, nil)
	if err != nil {
		metrics.GDPROperations.WithLabelValues("pseudonymize", "error").Inc()
		return nil, err
	}

	if err := e.recordOperation(ctx, models.ActionGDPRPseudonymize, principalID, requestedBy, map[string]any{
		"pseudonymId":     result.PseudonymID,
		"recordsAffected": result.RecordsAffected,
		"strategy":        string(strategy),
	}); err != nil {
		return nil, err
	}
	metrics.GDPROperations.WithLabelValues("pseudonymize", "ok").Inc()
	return result, nil
}

// pseudonymizeLocked performs the rewrite; the caller holds the subject
// lock. A non-nil actions slice restricts the rewrite to those actions.
func (e *Engine) pseudonymizeLocked(ctx context.Context, principalID string, strategy models.PseudonymStrategy, actions []string) (*PseudonymizeResult, error) {
	mapping, err := e.registry.Create(ctx, principalID, strategy, "gdpr")
	if err != nil {
		return nil, fmt.Errorf("create pseudonym: %w", err)
	}

	filter := storage.EventFilter{PrincipalID: principalID, Actions: actions}
	affected, err := e.store.PseudonymizeEvents(ctx, filter, mapping.PseudonymID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("pseudonymize events: %w", err)
	}

	return &PseudonymizeResult{PseudonymID: mapping.PseudonymID, RecordsAffected: affected}, nil
}

// ErasureRequest asks for right-to-be-forgotten deletion.
type ErasureRequest struct {
	PrincipalID             string
	RequestedBy             string
	PreserveComplianceAudits bool
}

// ErasureResult reports an erasure run.
type ErasureResult struct {
	RecordsDeleted             int64 `json:"recordsDeleted"`
	ComplianceRecordsPreserved int64 `json:"complianceRecordsPreserved"`
}

// Erase deletes the subject's events. With preservation enabled the
// compliance-critical records are pseudonymized first and only the rest are
// deleted. Audited as gdpr.data.delete.
func (e *Engine) Erase(ctx context.Context, req ErasureRequest) (*ErasureResult, error) {
	if req.PrincipalID == "" {
		return nil, fmt.Errorf("principalId required")
	}

	unlock := e.store.Locks().Lock(req.PrincipalID)
	defer unlock()

	result := &ErasureResult{}

	if req.PreserveComplianceAudits {
		preserved, err := e.store.CountEvents(ctx, storage.EventFilter{
			PrincipalID: req.PrincipalID,
			Actions:     ComplianceCriticalActions,
		})
		if err != nil {
			return nil, err
		}

		if preserved > 0 {
			pres, err := e.pseudonymizeLocked(ctx, req.PrincipalID, models.StrategyHash, ComplianceCriticalActions)
			if err != nil {
				metrics.GDPROperations.WithLabelValues("erasure", "error").Inc()
				return nil, err
			}
			result.ComplianceRecordsPreserved = pres.RecordsAffected
		}

		deleted, err := e.store.DeleteEvents(ctx, storage.EventFilter{PrincipalID: req.PrincipalID})
		if err != nil {
			metrics.GDPROperations.WithLabelValues("erasure", "error").Inc()
			return nil, err
		}
		result.RecordsDeleted = deleted
	} else {
		deleted, err := e.store.DeleteEvents(ctx, storage.EventFilter{PrincipalID: req.PrincipalID})
		if err != nil {
			metrics.GDPROperations.WithLabelValues("erasure", "error").Inc()
			return nil, err
		}
		result.RecordsDeleted = deleted
	}

	if err := e.recordOperation(ctx, models.ActionGDPRDelete, req.PrincipalID, req.RequestedBy, map[string]any{
		"recordsDeleted":             result.RecordsDeleted,
		"complianceRecordsPreserved": result.ComplianceRecordsPreserved,
		"preserveComplianceAudits":   req.PreserveComplianceAudits,
	}); err != nil {
		return nil, err
	}

	metrics.GDPROperations.WithLabelValues("erasure", "ok").Inc()
	logging.Ctx(ctx).Info().
		Int64("deleted", result.RecordsDeleted).
		Int64("preserved", result.ComplianceRecordsPreserved).
		Msg("erasure complete")
	return result, nil
}
