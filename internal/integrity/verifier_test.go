// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

package integrity

import (
	"context"
	"testing"
	"time"

	"github.com/caretrace/caretrace/internal/canonical"
	"github.com/caretrace/caretrace/internal/models"
	"github.com/caretrace/caretrace/internal/storage"
)

type recordingSink struct {
	mismatches []int64
}

func (s *recordingSink) RaiseIntegrityAlert(_ context.Context, _ string, auditLogID int64) error {
	s.mismatches = append(s.mismatches, auditLogID)
	return nil
}

func setup(t *testing.T) (*storage.Store, *Verifier, *recordingSink) {
	t.Helper()
	store, err := storage.Open("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	sink := &recordingSink{}
	return store, NewVerifier(store, sink), sink
}

func insert(t *testing.T, store *storage.Store, principal string, seal bool) int64 {
	t.Helper()
	e := &models.AuditEvent{
		Timestamp:      time.Now().UTC().Add(-time.Minute),
		PrincipalID:    principal,
		OrganizationID: "org-1",
		Action:         "data.read",
		Status:         models.StatusSuccess,
		HashAlgorithm:  models.DefaultHashAlgorithm,
	}
	if seal {
		h, err := canonical.Hash(e)
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		e.Hash = h
	}
	id, err := store.InsertEvent(context.Background(), e)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return id
}

func TestSweepAllOK(t *testing.T) {
	t.Parallel()

	store, verifier, sink := setup(t)
	for i := 0; i < 5; i++ {
		insert(t, store, "ok-user", true)
	}

	summary, err := verifier.Sweep(context.Background(), Selection{VerifiedBy: "test"})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if summary.Checked != 5 || summary.OK != 5 || summary.Mismatched != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if len(sink.mismatches) != 0 {
		t.Errorf("unexpected alerts: %v", sink.mismatches)
	}
}

func TestSweepDetectsTamper(t *testing.T) {
	t.Parallel()

	store, verifier, sink := setup(t)
	insert(t, store, "honest", true)
	tamperedID := insert(t, store, "victim", true)
	missingID := insert(t, store, "unsealed", false)

	// Simulate direct database tampering.
	if _, err := store.DB().Exec(
		`UPDATE audit_log SET outcome_description = 'altered' WHERE id = ?`, tamperedID); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	summary, err := verifier.Sweep(context.Background(), Selection{VerifiedBy: "test"})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if summary.Checked != 3 || summary.OK != 1 || summary.Mismatched != 1 || summary.MissingHash != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if len(sink.mismatches) != 1 || sink.mismatches[0] != tamperedID {
		t.Errorf("alerts = %v, want [%d]", sink.mismatches, tamperedID)
	}

	// The mismatch and the missing hash are both on record.
	recs, err := store.ListVerifications(context.Background(), tamperedID)
	if err != nil {
		t.Fatalf("ListVerifications: %v", err)
	}
	if len(recs) != 1 || recs[0].Status != models.VerificationMismatch {
		t.Errorf("tampered record = %+v", recs)
	}
	recs, _ = store.ListVerifications(context.Background(), missingID)
	if len(recs) != 1 || recs[0].Status != models.VerificationMissingHash {
		t.Errorf("unsealed record = %+v", recs)
	}
}

func TestSweepSingleEvent(t *testing.T) {
	t.Parallel()

	store, verifier, _ := setup(t)
	id := insert(t, store, "solo", true)
	insert(t, store, "other", true)

	summary, err := verifier.Sweep(context.Background(), Selection{EventID: id, VerifiedBy: "test"})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if summary.Checked != 1 || summary.OK != 1 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestSweepByTimeRange(t *testing.T) {
	t.Parallel()

	store, verifier, _ := setup(t)
	insert(t, store, "recent", true)

	from := time.Now().Add(-2 * time.Hour)
	to := time.Now()
	summary, err := verifier.Sweep(context.Background(), Selection{From: &from, To: &to, VerifiedBy: "test"})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if summary.Checked != 1 {
		t.Errorf("summary = %+v", summary)
	}

	// A disjoint range checks nothing.
	past := time.Now().Add(-48 * time.Hour)
	pastEnd := time.Now().Add(-24 * time.Hour)
	summary, _ = verifier.Sweep(context.Background(), Selection{From: &past, To: &pastEnd})
	if summary.Checked != 0 {
		t.Errorf("disjoint range checked %d", summary.Checked)
	}
}
