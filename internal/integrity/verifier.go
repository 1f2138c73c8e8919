// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

// Package integrity re-verifies stored event seals. Sweeps stream through
// the store in batches; a mismatch is recorded and alerted but never stops
// the batch.
package integrity

import (
	"context"
	"time"

	"github.com/caretrace/caretrace/internal/canonical"
	"github.com/caretrace/caretrace/internal/logging"
	"github.com/caretrace/caretrace/internal/metrics"
	"github.com/caretrace/caretrace/internal/models"
	"github.com/caretrace/caretrace/internal/storage"
)

// AlertSink receives mismatch notifications; the alert monitor implements
// it.
type AlertSink interface {
	RaiseIntegrityAlert(ctx context.Context, orgID string, auditLogID int64) error
}

// Verifier recomputes event hashes and records verification outcomes.
type Verifier struct {
	store  *storage.Store
	alerts AlertSink
	// batchSize bounds memory per sweep page.
	batchSize int
}

// NewVerifier creates a verifier. alerts may be nil (CLI usage).
func NewVerifier(store *storage.Store, alerts AlertSink) *Verifier {
	return &Verifier{store: store, alerts: alerts, batchSize: 500}
}

// Selection narrows a sweep: by time range, by organization, or single ID.
type Selection struct {
	EventID        int64
	OrganizationID string
	From, To       *time.Time
	VerifiedBy     string
}

// VerifyEvent checks one stored event and records the outcome.
func (v *Verifier) VerifyEvent(ctx context.Context, event *models.AuditEvent, verifiedBy string) (models.VerificationStatus, error) {
	status, observed, err := canonical.Verify(event)
	if err != nil {
		return "", err
	}

	record := &models.IntegrityVerification{
		AuditLogID:   event.ID,
		VerifiedAt:   time.Now().UTC(),
		Status:       status,
		ExpectedHash: event.Hash,
		ObservedHash: observed,
		VerifiedBy:   verifiedBy,
	}
	if status == models.VerificationMismatch {
		record.Details = "canonical form does not reproduce the stored hash"
	}
	if err := v.store.InsertVerification(ctx, record); err != nil {
		return status, err
	}

	metrics.IntegrityChecks.WithLabelValues(string(status)).Inc()

	if status == models.VerificationMismatch {
		logging.Component("integrity").Error().
			Int64("audit_log_id", event.ID).
			Str("expected", event.Hash).
			Str("observed", observed).
			Msg("integrity mismatch detected")
		if v.alerts != nil {
			if err := v.alerts.RaiseIntegrityAlert(ctx, event.OrganizationID, event.ID); err != nil {
				logging.Component("integrity").Error().Err(err).Msg("mismatch alert failed")
			}
		}
	}
	return status, nil
}

// Sweep verifies the selected events and returns the summary. Mismatches
// and missing hashes are counted, recorded and alerted; only infrastructure
// failures abort the sweep.
func (v *Verifier) Sweep(ctx context.Context, sel Selection) (*models.VerificationSummary, error) {
	start := time.Now()
	defer func() {
		metrics.IntegritySweepDuration.Observe(time.Since(start).Seconds())
	}()

	summary := &models.VerificationSummary{}

	if sel.EventID != 0 {
		event, err := v.store.GetEvent(ctx, sel.EventID)
		if err != nil {
			return nil, err
		}
		if err := v.tally(ctx, event, sel.VerifiedBy, summary); err != nil {
			return nil, err
		}
		return summary, nil
	}

	filter := storage.EventFilter{
		OrganizationID: sel.OrganizationID,
		From:           sel.From,
		To:             sel.To,
		Limit:          v.batchSize,
	}

	for offset := 0; ; offset += v.batchSize {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		filter.Offset = offset
		events, err := v.store.QueryEvents(ctx, filter)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			break
		}
		for _, event := range events {
			if err := v.tally(ctx, event, sel.VerifiedBy, summary); err != nil {
				return nil, err
			}
		}
		if len(events) < v.batchSize {
			break
		}
	}

	logging.Component("integrity").Info().
		Int64("checked", summary.Checked).
		Int64("ok", summary.OK).
		Int64("mismatched", summary.Mismatched).
		Int64("missing_hash", summary.MissingHash).
		Dur("elapsed", time.Since(start)).
		Msg("integrity sweep complete")
	return summary, nil
}

func (v *Verifier) tally(ctx context.Context, event *models.AuditEvent, verifiedBy string, summary *models.VerificationSummary) error {
	status, err := v.VerifyEvent(ctx, event, verifiedBy)
	if err != nil {
		return err
	}
	summary.Checked++
	switch status {
	case models.VerificationOK:
		summary.OK++
	case models.VerificationMismatch:
		summary.Mismatched++
	case models.VerificationMissingHash:
		summary.MissingHash++
	}
	return nil
}

// Sweeper runs scheduled sweeps until its context is canceled. It
// implements suture.Service.
type Sweeper struct {
	verifier *Verifier
	interval func() time.Duration
}

// NewSweeper creates the background sweeper; interval is read per cycle so
// config hot reload applies.
func NewSweeper(verifier *Verifier, interval func() time.Duration) *Sweeper {
	return &Sweeper{verifier: verifier, interval: interval}
}

// Serve runs the sweep loop.
func (s *Sweeper) Serve(ctx context.Context) error {
	for {
		interval := s.interval()
		if interval <= 0 {
			interval = time.Hour
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		if _, err := s.verifier.Sweep(ctx, Selection{VerifiedBy: "scheduled-sweep"}); err != nil && ctx.Err() == nil {
			logging.Component("integrity").Error().Err(err).Msg("scheduled sweep failed")
		}
	}
}

// String names the service in supervisor logs.
func (s *Sweeper) String() string { return "integrity-sweeper" }
