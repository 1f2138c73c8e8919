// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

package gdpr

import (
	"context"
	"time"

	"github.com/caretrace/caretrace/internal/logging"
	"github.com/caretrace/caretrace/internal/metrics"
	"github.com/caretrace/caretrace/internal/models"
	"github.com/caretrace/caretrace/internal/storage"
)

// PolicyResult reports one policy's retention application.
type PolicyResult struct {
	PolicyName       string             `json:"policyName"`
	RecordsArchived  int64              `json:"recordsArchived"`
	RecordsDeleted   int64              `json:"recordsDeleted"`
	ByClassification map[string]int64   `json:"byClassification"`
	ByAction         map[string]int64   `json:"byAction"`
	DateRange        *ResultDateRange   `json:"dateRange,omitempty"`
}

// ResultDateRange brackets the affected events.
type ResultDateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// ApplyRetention walks the active policies in creation order: first
// archiving events past archiveAfterDays, then deleting archived events
// past deleteAfterDays. The application is audited as gdpr.retention.apply.
func (e *Engine) ApplyRetention(ctx context.Context, now time.Time, requestedBy string) ([]*PolicyResult, error) {
	return e.ApplyRetentionPhases(ctx, now, requestedBy, true, true)
}

// ApplyRetentionPhases runs only the selected lifecycle phases; the
// archival CLI uses it to split `archive` from `cleanup`.
func (e *Engine) ApplyRetentionPhases(ctx context.Context, now time.Time, requestedBy string, doArchive, doDelete bool) ([]*PolicyResult, error) {
	policies, err := e.store.ListPolicies(ctx, true)
	if err != nil {
		metrics.GDPROperations.WithLabelValues("retention", "error").Inc()
		return nil, err
	}

	var results []*PolicyResult
	var totalArchived, totalDeleted int64

	for _, policy := range policies {
		result := &PolicyResult{
			PolicyName:       policy.PolicyName,
			ByClassification: make(map[string]int64),
			ByAction:         make(map[string]int64),
		}

		if doArchive && policy.ArchiveAfterDays != nil {
			cutoff := now.AddDate(0, 0, -*policy.ArchiveAfterDays)

			// Snapshot the affected window before mutating.
			pending := storage.EventFilter{
				Classification: policy.DataClassification,
				To:             &cutoff,
				Archived:       boolPtr(false),
			}
			byAction, err := e.store.CountsByColumn(ctx, pending, "action")
			if err != nil {
				return nil, err
			}
			oldest, newest, err := e.store.TimeRange(ctx, pending)
			if err != nil {
				return nil, err
			}

			archived, err := e.store.ArchiveEvents(ctx, policy.DataClassification, cutoff, now)
			if err != nil {
				metrics.GDPROperations.WithLabelValues("retention", "error").Inc()
				return nil, err
			}
			result.RecordsArchived = archived
			if archived > 0 {
				result.ByClassification[string(policy.DataClassification)] += archived
				for action, count := range byAction {
					result.ByAction[action] += count
				}
				result.DateRange = &ResultDateRange{From: oldest, To: newest}
				metrics.RetentionRecords.WithLabelValues("archived", string(policy.DataClassification)).Add(float64(archived))
			}
		}

		if doDelete && policy.DeleteAfterDays != nil {
			cutoff := now.AddDate(0, 0, -*policy.DeleteAfterDays)
			deleted, err := e.store.DeleteArchivedEvents(ctx, policy.DataClassification, cutoff)
			if err != nil {
				metrics.GDPROperations.WithLabelValues("retention", "error").Inc()
				return nil, err
			}
			result.RecordsDeleted = deleted
			if deleted > 0 {
				result.ByClassification[string(policy.DataClassification)] += deleted
				metrics.RetentionRecords.WithLabelValues("deleted", string(policy.DataClassification)).Add(float64(deleted))
			}
		}

		totalArchived += result.RecordsArchived
		totalDeleted += result.RecordsDeleted
		results = append(results, result)

		logging.Component("gdpr").Info().
			Str("policy", policy.PolicyName).
			Int64("archived", result.RecordsArchived).
			Int64("deleted", result.RecordsDeleted).
			Msg("retention policy applied")
	}

	if err := e.recordOperation(ctx, models.ActionRetentionApply, "retention", requestedBy, map[string]any{
		"policiesApplied": len(results),
		"recordsArchived": totalArchived,
		"recordsDeleted":  totalDeleted,
	}); err != nil {
		return nil, err
	}

	metrics.GDPROperations.WithLabelValues("retention", "ok").Inc()
	return results, nil
}

func boolPtr(b bool) *bool { return &b }
