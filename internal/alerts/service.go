// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

// Package alerts raises and serves threshold-driven alerts. Every read path
// is organization-scoped; cross-organization access fails with Forbidden.
package alerts

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/caretrace/caretrace/internal/auditerrors"
	"github.com/caretrace/caretrace/internal/logging"
	"github.com/caretrace/caretrace/internal/metrics"
	"github.com/caretrace/caretrace/internal/models"
	"github.com/caretrace/caretrace/internal/storage"
)

// Service is the alert store facade. Creation is idempotent within the
// deduplication window: an unresolved alert with the same
// {source, title, correlationKey} suppresses new copies.
type Service struct {
	store       *storage.Store
	dedupWindow func() time.Duration
}

// NewService creates the alert service. dedupWindow is read per call so
// config hot reload takes effect without restarting.
func NewService(store *storage.Store, dedupWindow func() time.Duration) *Service {
	if dedupWindow == nil {
		dedupWindow = func() time.Duration { return 5 * time.Minute }
	}
	return &Service{store: store, dedupWindow: dedupWindow}
}

// Raise creates an alert unless an open duplicate exists inside the window.
// Returns the stored alert (existing one when deduplicated).
func (s *Service) Raise(ctx context.Context, a *models.Alert) (*models.Alert, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	since := time.Now().Add(-s.dedupWindow())
	existing, err := s.store.FindOpenDuplicate(ctx, a.OrganizationID, a.Source, a.Title, a.CorrelationKey, since)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		metrics.AlertsDeduplicated.Inc()
		return existing, nil
	}

	if err := s.store.InsertAlert(ctx, a); err != nil {
		return nil, err
	}
	metrics.AlertsRaised.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
	logging.Component("alerts").Warn().
		Str("type", string(a.Type)).
		Str("severity", string(a.Severity)).
		Str("organization", a.OrganizationID).
		Str("title", a.Title).
		Msg("alert raised")
	return a, nil
}

// requireOrg guards every read path: the caller's organization must match
// the requested scope.
func requireOrg(callerOrg, requestedOrg string) error {
	if requestedOrg == "" {
		return auditerrors.New(auditerrors.KindForbidden, "organization scope required")
	}
	if callerOrg != requestedOrg {
		return auditerrors.New(auditerrors.KindForbidden, "cross-organization access denied").
			WithMeta("requested", requestedOrg)
	}
	return nil
}

// GetAlerts returns alerts matching the filter for the caller's own
// organization.
func (s *Service) GetAlerts(ctx context.Context, callerOrg string, f storage.AlertFilter) ([]*models.Alert, error) {
	if err := requireOrg(callerOrg, f.OrganizationID); err != nil {
		return nil, err
	}
	return s.store.QueryAlerts(ctx, f)
}

// GetActiveAlerts returns the organization's unresolved alerts, newest
// first.
func (s *Service) GetActiveAlerts(ctx context.Context, callerOrg, orgID string) ([]*models.Alert, error) {
	if err := requireOrg(callerOrg, orgID); err != nil {
		return nil, err
	}
	unresolved := false
	return s.store.QueryAlerts(ctx, storage.AlertFilter{
		OrganizationID: orgID,
		Resolved:       &unresolved,
		SortBy:         "timestamp",
		SortOrder:      "desc",
	})
}

// ResolveAlert marks an alert resolved after checking it belongs to the
// caller's organization.
func (s *Service) ResolveAlert(ctx context.Context, callerOrg, id, resolver, notes string) error {
	alert, err := s.store.GetAlert(ctx, id)
	if err != nil {
		return err
	}
	if err := requireOrg(callerOrg, alert.OrganizationID); err != nil {
		return err
	}
	return s.store.ResolveAlert(ctx, id, resolver, notes, time.Now())
}

// GetAlertStatistics aggregates the organization's alerts.
func (s *Service) GetAlertStatistics(ctx context.Context, callerOrg, orgID string) (*storage.AlertStatistics, error) {
	if err := requireOrg(callerOrg, orgID); err != nil {
		return nil, err
	}
	return s.store.AlertStats(ctx, orgID)
}

// CleanupResolvedAlerts deletes the organization's resolved alerts older
// than olderThanDays.
func (s *Service) CleanupResolvedAlerts(ctx context.Context, callerOrg, orgID string, olderThanDays int) (int64, error) {
	if err := requireOrg(callerOrg, orgID); err != nil {
		return 0, err
	}
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	return s.store.CleanupResolvedAlerts(ctx, orgID, cutoff)
}
