// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

package gdpr

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/caretrace/caretrace/internal/canonical"
	"github.com/caretrace/caretrace/internal/models"
	"github.com/caretrace/caretrace/internal/pseudonym"
	"github.com/caretrace/caretrace/internal/storage"
)

func newTestEngine(t *testing.T) (*Engine, *storage.Store) {
	t.Helper()

	store, err := storage.Open("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLogger(nil))
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	registry, err := pseudonym.NewRegistry(db, "gdpr-test-salt", nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return NewEngine(store, registry), store
}

func insertEvent(t *testing.T, store *storage.Store, principal, action string, ts time.Time, mutate func(*models.AuditEvent)) int64 {
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
	if mutate != nil {
		mutate(e)
	}
	h, err := canonical.Hash(e)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	e.Hash = h
	id, err := store.InsertEvent(context.Background(), e)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return id
}

func TestExportJSON(t *testing.T) {
	t.Parallel()

	engine, store := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC().Add(-time.Hour)

	insertEvent(t, store, "u9", "data.read", now, nil)
	insertEvent(t, store, "u9", "data.write", now.Add(time.Minute), nil)
	insertEvent(t, store, "someone-else", "data.read", now, nil)

	result, err := engine.Export(ctx, ExportRequest{
		PrincipalID:     "u9",
		RequestType:     "access",
		Format:          FormatJSON,
		IncludeMetadata: true,
		RequestedBy:     "dpo",
	})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	if result.Metadata.RecordCount != 2 {
		t.Errorf("RecordCount = %d, want 2", result.Metadata.RecordCount)
	}
	if result.Metadata.DataSize != len(result.Data) {
		t.Errorf("DataSize = %d, len = %d", result.Metadata.DataSize, len(result.Data))
	}

	s := string(result.Data)
	if !strings.Contains(s, `"auditLogs"`) || !strings.Contains(s, `"exportMetadata"`) {
		t.Errorf("wrapper keys missing: %s", s[:min(200, len(s))])
	}
	if strings.Contains(s, "someone-else") {
		t.Error("export leaked another subject's events")
	}
	// Pretty-printed with two-space indent.
	if !strings.Contains(s, "\n  \"") {
		t.Error("export not pretty-printed")
	}

	// The export itself is audited.
	audits, err := store.QueryEvents(ctx, storage.EventFilter{Action: models.ActionGDPRExport})
	if err != nil {
		t.Fatalf("query audit trail: %v", err)
	}
	if len(audits) != 1 || audits[0].TargetResourceID != "u9" {
		t.Errorf("export audit trail = %+v", audits)
	}
}

func TestExportCSVQuoting(t *testing.T) {
	t.Parallel()

	engine, store := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC().Add(-time.Hour)

	insertEvent(t, store, "u9", "data.read", now, func(e *models.AuditEvent) {
		e.OutcomeDescription = `read "patient, alpha" chart`
	})
	insertEvent(t, store, "u9", "data.write", now.Add(time.Minute), func(e *models.AuditEvent) {
		e.OutcomeDescription = "plain"
	})

	result, err := engine.Export(ctx, ExportRequest{
		PrincipalID: "u9",
		RequestType: "portability",
		Format:      FormatCSV,
		RequestedBy: "dpo",
	})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	lines := strings.Split(strings.TrimRight(string(result.Data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want header + 2 rows", len(lines))
	}
	// Header from the first record's keys.
	if !strings.Contains(lines[0], "action") || !strings.Contains(lines[0], "principalId") {
		t.Errorf("header = %s", lines[0])
	}
	// Quoting: comma and doubled inner quotes.
	if !strings.Contains(string(result.Data), `"read ""patient, alpha"" chart"`) {
		t.Errorf("csv quoting wrong:\n%s", result.Data)
	}
	if result.Metadata.DataSize != len(result.Data) {
		t.Errorf("DataSize = %d, len = %d", result.Metadata.DataSize, len(result.Data))
	}
}

func TestExportXML(t *testing.T) {
	t.Parallel()

	engine, store := newTestEngine(t)
	ctx := context.Background()

	insertEvent(t, store, "u9", "data.read", time.Now().UTC().Add(-time.Hour), func(e *models.AuditEvent) {
		e.OutcomeDescription = `viewed <chart> & "notes"`
	})

	result, err := engine.Export(ctx, ExportRequest{
		PrincipalID: "u9",
		RequestType: "access",
		Format:      FormatXML,
		RequestedBy: "dpo",
	})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	s := string(result.Data)
	if !strings.HasPrefix(s, `<?xml version="1.0" encoding="UTF-8"?>`) {
		t.Errorf("missing prologue: %s", s[:min(60, len(s))])
	}
	if !strings.Contains(s, "<gdprExport>") || !strings.Contains(s, "</gdprExport>") {
		t.Error("missing root element")
	}
	if !strings.Contains(s, "viewed &lt;chart&gt; &amp; &quot;notes&quot;") {
		t.Errorf("xml escaping wrong:\n%s", s)
	}
}

func TestPseudonymizeDeterministic(t *testing.T) {
	t.Parallel()

	engine, store := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC().Add(-time.Hour)

	insertEvent(t, store, "subject-x", "data.read", now, nil)
	insertEvent(t, store, "subject-x", "data.write", now.Add(time.Minute), nil)

	result, err := engine.Pseudonymize(ctx, "subject-x", models.StrategyHash, "dpo")
	if err != nil {
		t.Fatalf("Pseudonymize: %v", err)
	}
	if result.RecordsAffected != 2 {
		t.Errorf("RecordsAffected = %d, want 2", result.RecordsAffected)
	}
	if !strings.HasPrefix(result.PseudonymID, "pseudo-") {
		t.Errorf("PseudonymID = %s", result.PseudonymID)
	}

	// Re-running yields the same pseudonym and touches nothing new.
	again, err := engine.Pseudonymize(ctx, "subject-x", models.StrategyHash, "dpo")
	if err != nil {
		t.Fatalf("second Pseudonymize: %v", err)
	}
	if again.PseudonymID != result.PseudonymID {
		t.Errorf("pseudonym unstable: %s vs %s", again.PseudonymID, result.PseudonymID)
	}
	if again.RecordsAffected != 0 {
		t.Errorf("second run affected %d records", again.RecordsAffected)
	}
}

func TestErasureWithPreservation(t *testing.T) {
	t.Parallel()

	engine, store := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC().Add(-time.Hour)

	// 5 events, 2 compliance-critical.
	insertEvent(t, store, "u9", models.ActionLoginFailure, now, nil)
	insertEvent(t, store, "u9", models.ActionLoginFailure, now.Add(time.Minute), func(e *models.AuditEvent) {
		e.Details = map[string]any{"attempt": 2}
	})
	insertEvent(t, store, "u9", "data.read", now.Add(2*time.Minute), nil)
	insertEvent(t, store, "u9", "data.write", now.Add(3*time.Minute), nil)
	insertEvent(t, store, "u9", "profile.update", now.Add(4*time.Minute), nil)

	result, err := engine.Erase(ctx, ErasureRequest{
		PrincipalID:              "u9",
		RequestedBy:              "admin",
		PreserveComplianceAudits: true,
	})
	if err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if result.RecordsDeleted != 3 {
		t.Errorf("RecordsDeleted = %d, want 3", result.RecordsDeleted)
	}
	if result.ComplianceRecordsPreserved != 2 {
		t.Errorf("ComplianceRecordsPreserved = %d, want 2", result.ComplianceRecordsPreserved)
	}

	// Nothing remains under the original principal.
	remaining, _ := store.CountEvents(ctx, storage.EventFilter{PrincipalID: "u9"})
	if remaining != 0 {
		t.Errorf("events under original principal: %d", remaining)
	}

	// The preserved records carry the deterministic pseudonym and marker.
	mapping, err := engine.registry.Lookup(ctx, "u9")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	preserved, err := store.QueryEvents(ctx, storage.EventFilter{PrincipalID: mapping.PseudonymID})
	if err != nil {
		t.Fatalf("query preserved: %v", err)
	}
	if len(preserved) != 2 {
		t.Fatalf("preserved = %d, want 2", len(preserved))
	}
	for _, e := range preserved {
		if e.Action != models.ActionLoginFailure {
			t.Errorf("non-compliance record preserved: %s", e.Action)
		}
		if e.Details["pseudonymized"] != true {
			t.Errorf("preserved record missing marker: %+v", e.Details)
		}
	}

	// Erasure is audited.
	audits, _ := store.QueryEvents(ctx, storage.EventFilter{Action: models.ActionGDPRDelete})
	if len(audits) != 1 {
		t.Errorf("erasure audit trail = %d records", len(audits))
	}
}

func TestErasureWithoutPreservation(t *testing.T) {
	t.Parallel()

	engine, store := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC().Add(-time.Hour)

	insertEvent(t, store, "gone", models.ActionLoginFailure, now, nil)
	insertEvent(t, store, "gone", "data.read", now.Add(time.Minute), nil)

	result, err := engine.Erase(ctx, ErasureRequest{
		PrincipalID:              "gone",
		RequestedBy:              "admin",
		PreserveComplianceAudits: false,
	})
	if err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if result.RecordsDeleted != 2 || result.ComplianceRecordsPreserved != 0 {
		t.Errorf("result = %+v", result)
	}
}

func TestApplyRetention(t *testing.T) {
	t.Parallel()

	engine, store := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	archiveAfter, deleteAfter := 30, 90
	policy := &models.RetentionPolicy{
		PolicyName:         "phi-test",
		DataClassification: models.ClassificationPHI,
		RetentionDays:      90,
		ArchiveAfterDays:   &archiveAfter,
		DeleteAfterDays:    &deleteAfter,
		IsActive:           true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := store.UpsertPolicy(ctx, policy); err != nil {
		t.Fatalf("UpsertPolicy: %v", err)
	}

	for _, age := range []int{10, 45, 120} {
		insertEvent(t, store, "phi-subject", "data.read", now.AddDate(0, 0, -age), func(e *models.AuditEvent) {
			e.DataClassification = models.ClassificationPHI
			e.RetentionPolicy = "phi-test"
		})
	}

	results, err := engine.ApplyRetention(ctx, now, "scheduler")
	if err != nil {
		t.Fatalf("ApplyRetention: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d", len(results))
	}
	r := results[0]
	// Ages 45 and 120 get archived; 120 is then deleted.
	if r.RecordsArchived != 2 {
		t.Errorf("RecordsArchived = %d, want 2", r.RecordsArchived)
	}
	if r.RecordsDeleted != 1 {
		t.Errorf("RecordsDeleted = %d, want 1", r.RecordsDeleted)
	}

	remaining, _ := store.QueryEvents(ctx, storage.EventFilter{Classification: models.ClassificationPHI})
	if len(remaining) != 2 {
		t.Fatalf("remaining = %d, want 2", len(remaining))
	}
	for _, e := range remaining {
		age := int(now.Sub(e.Timestamp).Hours() / 24)
		if age > 40 && e.ArchivedAt == nil {
			t.Errorf("age-%d event not archived", age)
		}
		if age < 15 && e.ArchivedAt != nil {
			t.Errorf("age-%d event wrongly archived", age)
		}
	}

	// The application is audited.
	audits, _ := store.QueryEvents(ctx, storage.EventFilter{Action: models.ActionRetentionApply})
	if len(audits) != 1 {
		t.Errorf("retention audit trail = %d records", len(audits))
	}
}
