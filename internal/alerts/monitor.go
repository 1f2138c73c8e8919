// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/caretrace/caretrace/internal/config"
	"github.com/caretrace/caretrace/internal/models"
)

// SystemOrganization is the reserved scope for alerts about the platform
// itself (queue backlog, error rate, dead letters); operators query it like
// any tenant scope.
const SystemOrganization = "system"

// Monitor applies threshold rules over a sliding window of processed
// events. It observes the ingestion stream; rule hits raise alerts through
// the Service (which deduplicates).
type Monitor struct {
	service    *Service
	thresholds func() config.AlertThresholds

	mu sync.Mutex
	// failures tracks recent auth.login.failure timestamps per
	// organization/principal pair.
	failures map[string][]time.Time
	// lastProcessed/lastFailed are the previous probe's counter sample.
	lastProcessed int64
	lastFailed    int64
}

// NewMonitor creates a monitor. thresholds is read per observation so hot
// reload applies live.
func NewMonitor(service *Service, thresholds func() config.AlertThresholds) *Monitor {
	return &Monitor{
		service:    service,
		thresholds: thresholds,
		failures:   make(map[string][]time.Time),
	}
}

// Observe inspects one processed event against the rules. Errors raising
// alerts are returned so the worker can log them; rule evaluation itself
// never fails.
func (m *Monitor) Observe(ctx context.Context, event *models.AuditEvent) error {
	t := m.thresholds()

	if event.Action == models.ActionLoginFailure {
		if hit, count := m.recordFailure(event, t); hit {
			_, err := m.service.Raise(ctx, &models.Alert{
				OrganizationID: event.OrganizationID,
				Type:           models.AlertSecurity,
				Severity:       models.SeverityHigh,
				Source:         "auth-monitor",
				Title:          "repeated login failures",
				Description: fmt.Sprintf("%d failed logins for principal %s within %ds",
					count, event.PrincipalID, t.FailedLoginWindowSec),
				CorrelationKey: event.PrincipalID,
			})
			if err != nil {
				return err
			}
		}
	}

	if event.Action == models.ActionUnauthorizedAccess {
		if _, err := m.service.Raise(ctx, &models.Alert{
			OrganizationID: event.OrganizationID,
			Type:           models.AlertSecurity,
			Severity:       models.SeverityCritical,
			Source:         "access-monitor",
			Title:          "unauthorized data access",
			Description:    event.OutcomeDescription,
			CorrelationKey: event.PrincipalID,
		}); err != nil {
			return err
		}
	}

	if t.ProcessingLatency > 0 && event.ProcessingLatencyMs > int64(t.ProcessingLatency) {
		if _, err := m.service.Raise(ctx, &models.Alert{
			OrganizationID: event.OrganizationID,
			Type:           models.AlertPerformance,
			Severity:       models.SeverityMedium,
			Source:         "latency-monitor",
			Title:          "processing latency threshold exceeded",
			Description: fmt.Sprintf("event %s processed in %dms (threshold %dms)",
				event.Action, event.ProcessingLatencyMs, t.ProcessingLatency),
			CorrelationKey: event.Action,
		}); err != nil {
			return err
		}
	}

	return nil
}

// recordFailure updates the per-principal sliding window and reports
// whether the failed-login rule fired.
func (m *Monitor) recordFailure(event *models.AuditEvent, t config.AlertThresholds) (bool, int) {
	window := time.Duration(t.FailedLoginWindowSec) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	key := event.OrganizationID + "/" + event.PrincipalID
	now := event.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	cutoff := now.Add(-window)

	m.mu.Lock()
	defer m.mu.Unlock()

	recent := m.failures[key]
	kept := recent[:0]
	for _, ts := range recent {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	m.failures[key] = kept

	threshold := t.FailedLoginCount
	if threshold <= 0 {
		threshold = 5
	}
	return len(kept) >= threshold, len(kept)
}

// RaiseDeadLetterAlert is wired to the dead-letter store's threshold
// callback.
func (m *Monitor) RaiseDeadLetterAlert(ctx context.Context, entries int64, threshold int) {
	m.service.Raise(ctx, &models.Alert{ //nolint:errcheck // alert failure must not break the queue path
		OrganizationID: SystemOrganization,
		Type:           models.AlertSystem,
		Severity:       models.SeverityHigh,
		Source:         "dead-letter-monitor",
		Title:          "dead-letter backlog threshold exceeded",
		Description:    fmt.Sprintf("%d entries in the dead-letter stream (threshold %d)", entries, threshold),
		CorrelationKey: "dead-letter",
	})
}

// SystemStats feeds the periodic threshold probe.
type SystemStats struct {
	QueueDepth int64
	// Processed and Failed are cumulative counters; the probe derives the
	// error rate from deltas between cycles.
	Processed int64
	Failed    int64
}

// Probe evaluates the system-level thresholds (error rate, queue depth)
// against one stats sample. The worker's stats loop calls it periodically.
func (m *Monitor) Probe(ctx context.Context, stats SystemStats) error {
	t := m.thresholds()

	m.mu.Lock()
	deltaProcessed := stats.Processed - m.lastProcessed
	deltaFailed := stats.Failed - m.lastFailed
	m.lastProcessed = stats.Processed
	m.lastFailed = stats.Failed
	m.mu.Unlock()

	if total := deltaProcessed + deltaFailed; total > 0 && t.ErrorRate > 0 {
		rate := float64(deltaFailed) / float64(total)
		if rate >= t.ErrorRate {
			if _, err := m.service.Raise(ctx, &models.Alert{
				OrganizationID: SystemOrganization,
				Type:           models.AlertSystem,
				Severity:       models.SeverityHigh,
				Source:         "pipeline-monitor",
				Title:          "ingestion error rate threshold exceeded",
				Description:    fmt.Sprintf("error rate %.2f over the last interval (threshold %.2f)", rate, t.ErrorRate),
				CorrelationKey: "error-rate",
			}); err != nil {
				return err
			}
		}
	}

	if t.QueueDepth > 0 && stats.QueueDepth >= int64(t.QueueDepth) {
		if _, err := m.service.Raise(ctx, &models.Alert{
			OrganizationID: SystemOrganization,
			Type:           models.AlertPerformance,
			Severity:       models.SeverityMedium,
			Source:         "pipeline-monitor",
			Title:          "queue depth threshold exceeded",
			Description:    fmt.Sprintf("%d ready jobs (threshold %d)", stats.QueueDepth, t.QueueDepth),
			CorrelationKey: "queue-depth",
		}); err != nil {
			return err
		}
	}
	return nil
}

// RaiseIntegrityAlert reports a detected integrity mismatch.
func (m *Monitor) RaiseIntegrityAlert(ctx context.Context, orgID string, auditLogID int64) error {
	_, err := m.service.Raise(ctx, &models.Alert{
		OrganizationID: orgID,
		Type:           models.AlertCompliance,
		Severity:       models.SeverityHigh,
		Source:         "integrity-verifier",
		Title:          "audit event hash mismatch",
		Description:    fmt.Sprintf("stored hash for audit_log id %d does not match its canonical form", auditLogID),
		CorrelationKey: fmt.Sprintf("audit-%d", auditLogID),
	})
	return err
}
