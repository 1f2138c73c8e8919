// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/caretrace/caretrace/internal/auditerrors"
	"github.com/caretrace/caretrace/internal/canonical"
	"github.com/caretrace/caretrace/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func sealedEvent(t *testing.T, principal, action string, ts time.Time) *models.AuditEvent {
	t.Helper()
	e := &models.AuditEvent{
		Timestamp:          ts,
		PrincipalID:        principal,
		OrganizationID:     "org-1",
		Action:             action,
		Status:             models.StatusSuccess,
		DataClassification: models.ClassificationInternal,
		RetentionPolicy:    "standard",
		HashAlgorithm:      models.DefaultHashAlgorithm,
	}
	h, err := canonical.Hash(e)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	e.Hash = h
	return e
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	e := sealedEvent(t, "u1", "auth.login.success", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	e.Details = map[string]any{"producerId": "svc-a", "eventId": "1"}
	e.SessionContext = &models.SessionContext{IPAddress: "10.0.0.1", UserAgent: "test"}
	h, _ := canonical.Hash(e)
	e.Hash = h

	id, err := s.InsertEvent(ctx, e)
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	if id <= 0 {
		t.Fatalf("id = %d", id)
	}

	got, err := s.GetEvent(ctx, id)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if got.PrincipalID != "u1" || got.Action != "auth.login.success" || got.Hash != e.Hash {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.SessionContext == nil || got.SessionContext.IPAddress != "10.0.0.1" {
		t.Errorf("session context lost: %+v", got.SessionContext)
	}
	if got.Details["producerId"] != "svc-a" {
		t.Errorf("details lost: %+v", got.Details)
	}

	// Verification passes immediately after persist.
	status, _, err := canonical.Verify(got)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if status != models.VerificationOK {
		t.Errorf("verify after persist = %s", status)
	}
}

func TestIdempotentInsert(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	e := sealedEvent(t, "u2", "data.read", time.Now().UTC().Add(-time.Minute))
	id1, err := s.InsertEvent(ctx, e)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}

	// Same payload: returns the existing row.
	id2, err := s.InsertEvent(ctx, e)
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if id1 != id2 {
		t.Errorf("duplicate created a new row: %d vs %d", id1, id2)
	}

	count, _ := s.CountEvents(ctx, EventFilter{PrincipalID: "u2"})
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestIdempotencyConflict(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	e1 := sealedEvent(t, "u3", "data.read", time.Now().UTC().Add(-time.Minute))
	e1.Details = map[string]any{"producerId": "svc", "eventId": "7"}
	h, _ := canonical.Hash(e1)
	e1.Hash = h
	if _, err := s.InsertEvent(ctx, e1); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Same idempotency key, different payload.
	e2 := sealedEvent(t, "u3", "data.write", time.Now().UTC().Add(-time.Minute))
	e2.Details = map[string]any{"producerId": "svc", "eventId": "7"}
	h2, _ := canonical.Hash(e2)
	e2.Hash = h2

	_, err := s.InsertEvent(ctx, e2)
	if auditerrors.KindOf(err) != auditerrors.KindConflict {
		t.Errorf("kind = %s, want conflict (%v)", auditerrors.KindOf(err), err)
	}
}

func TestPseudonymizeEvents(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := sealedEvent(t, "subject-a", "data.read", time.Now().UTC().Add(-time.Duration(i+1)*time.Hour))
		e.Details = map[string]any{"seq": i}
		h, _ := canonical.Hash(e)
		e.Hash = h
		if _, err := s.InsertEvent(ctx, e); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	at := time.Now().UTC()
	n, err := s.PseudonymizeEvents(ctx, EventFilter{PrincipalID: "subject-a"}, "pseudo-abc123", at)
	if err != nil {
		t.Fatalf("PseudonymizeEvents: %v", err)
	}
	if n != 3 {
		t.Errorf("affected = %d, want 3", n)
	}

	events, err := s.QueryEvents(ctx, EventFilter{PrincipalID: "pseudo-abc123"})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("pseudonymized events = %d, want 3", len(events))
	}
	for _, e := range events {
		if e.Details["pseudonymized"] != true {
			t.Errorf("event %d missing pseudonymized marker: %+v", e.ID, e.Details)
		}
		// Events remain verifiable after the authorized mutation.
		status, _, err := canonical.Verify(e)
		if err != nil || status != models.VerificationOK {
			t.Errorf("event %d fails verification after pseudonymize: %s %v", e.ID, status, err)
		}
	}

	remaining, _ := s.CountEvents(ctx, EventFilter{PrincipalID: "subject-a"})
	if remaining != 0 {
		t.Errorf("original principal still present: %d", remaining)
	}
}

func TestRetentionArchiveAndDelete(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ages := []int{10, 45, 120}
	for _, age := range ages {
		e := sealedEvent(t, "phi-subject", "data.read", now.AddDate(0, 0, -age))
		e.DataClassification = models.ClassificationPHI
		h, _ := canonical.Hash(e)
		e.Hash = h
		if _, err := s.InsertEvent(ctx, e); err != nil {
			t.Fatalf("insert age %d: %v", age, err)
		}
	}

	// Archive events older than 30 days.
	archived, err := s.ArchiveEvents(ctx, models.ClassificationPHI, now.AddDate(0, 0, -30), now)
	if err != nil {
		t.Fatalf("ArchiveEvents: %v", err)
	}
	if archived != 2 {
		t.Errorf("archived = %d, want 2", archived)
	}

	// Delete archived events older than 90 days.
	deleted, err := s.DeleteArchivedEvents(ctx, models.ClassificationPHI, now.AddDate(0, 0, -90))
	if err != nil {
		t.Fatalf("DeleteArchivedEvents: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	remaining, _ := s.QueryEvents(ctx, EventFilter{Classification: models.ClassificationPHI})
	if len(remaining) != 2 {
		t.Fatalf("remaining = %d, want 2", len(remaining))
	}
	for _, e := range remaining {
		age := int(now.Sub(e.Timestamp).Hours() / 24)
		switch {
		case age >= 40 && age <= 50:
			if e.ArchivedAt == nil {
				t.Errorf("45-day event not archived")
			}
		case age <= 15:
			if e.ArchivedAt != nil {
				t.Errorf("10-day event wrongly archived")
			}
		default:
			t.Errorf("unexpected survivor age %d", age)
		}
	}
}

func TestPolicyRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	for _, p := range models.DefaultPolicies(time.Now().UTC()) {
		policy := p
		if err := s.UpsertPolicy(ctx, &policy); err != nil {
			t.Fatalf("UpsertPolicy %s: %v", p.PolicyName, err)
		}
	}

	policies, err := s.ListPolicies(ctx, true)
	if err != nil {
		t.Fatalf("ListPolicies: %v", err)
	}
	if len(policies) != 4 {
		t.Errorf("policies = %d, want 4", len(policies))
	}

	// Upsert updates in place.
	p := *policies[0]
	p.RetentionDays = p.RetentionDays + 10
	if err := s.UpsertPolicy(ctx, &p); err != nil {
		t.Fatalf("update policy: %v", err)
	}
	updated, _ := s.ListPolicies(ctx, true)
	if len(updated) != 4 {
		t.Errorf("upsert duplicated a policy: %d", len(updated))
	}
}

func TestIntegrityLog(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	v := &models.IntegrityVerification{
		AuditLogID:   42,
		VerifiedAt:   time.Now().UTC(),
		Status:       models.VerificationMismatch,
		ExpectedHash: "aaaa",
		ObservedHash: "bbbb",
		VerifiedBy:   "sweeper",
	}
	if err := s.InsertVerification(ctx, v); err != nil {
		t.Fatalf("InsertVerification: %v", err)
	}

	list, err := s.ListVerifications(ctx, 42)
	if err != nil {
		t.Fatalf("ListVerifications: %v", err)
	}
	if len(list) != 1 || list[0].Status != models.VerificationMismatch {
		t.Errorf("verifications = %+v", list)
	}

	counts, err := s.VerificationCounts(ctx)
	if err != nil {
		t.Fatalf("VerificationCounts: %v", err)
	}
	if counts["mismatch"] != 1 {
		t.Errorf("counts = %+v", counts)
	}
}

func TestMigrateIdempotentAndRollback(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	// Second migrate is a no-op.
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	// Rollback removes the alert table (the newest step).
	if err := s.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `SELECT COUNT(*) FROM alert`); err == nil {
		t.Error("alert table survived rollback")
	}
	// Re-apply.
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("re-migrate: %v", err)
	}
}

func TestSubjectLocksSerialize(t *testing.T) {
	t.Parallel()

	locks := NewSubjectLocks()
	unlock := locks.Lock("subject")

	acquired := make(chan struct{})
	go func() {
		inner := locks.Lock("subject")
		close(acquired)
		inner()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired after release")
	}
}
