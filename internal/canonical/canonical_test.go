// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

package canonical

import (
	"strings"
	"testing"
	"time"

	"github.com/caretrace/caretrace/internal/models"
)

func baseEvent() *models.AuditEvent {
	return &models.AuditEvent{
		Timestamp:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		PrincipalID:   "u1",
		Action:        "auth.login.success",
		Status:        models.StatusSuccess,
		HashAlgorithm: models.DefaultHashAlgorithm,
	}
}

func TestHashDeterministic(t *testing.T) {
	t.Parallel()

	e := baseEvent()
	h1, err := Hash(e)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	h2, err := Hash(e)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hash not deterministic: %s != %s", h1, h2)
	}
	if len(h1) != 64 || strings.ToLower(h1) != h1 {
		t.Errorf("hash must be lowercase hex SHA-256, got %q", h1)
	}
}

func TestKeyOrderPermutationsSameHash(t *testing.T) {
	t.Parallel()

	// Two logically identical events whose details maps are built in
	// different insertion orders must canonicalize identically.
	a := baseEvent()
	a.Details = map[string]any{"zebra": 1, "alpha": "x", "nested": map[string]any{"b": 2, "a": 1}}

	b := baseEvent()
	b.Details = map[string]any{"nested": map[string]any{"a": 1, "b": 2}, "alpha": "x", "zebra": 1}

	ha, err := Hash(a)
	if err != nil {
		t.Fatalf("Hash(a): %v", err)
	}
	hb, err := Hash(b)
	if err != nil {
		t.Fatalf("Hash(b): %v", err)
	}
	if ha != hb {
		t.Errorf("permuted maps hashed differently: %s vs %s", ha, hb)
	}
}

func TestCanonicalFormShape(t *testing.T) {
	t.Parallel()

	e := baseEvent()
	got, err := Canonicalize(e)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	s := string(got)

	// Absent fields appear as null, present fields as JSON strings.
	for _, want := range []string{
		`"action":"auth.login.success"`,
		`"correlationId":null`,
		`"details":null`,
		`"organizationId":null`,
		`"principalId":"u1"`,
		`"sessionContext":null`,
		`"status":"success"`,
		`"timestamp":"2024-01-01T00:00:00.000Z"`,
	} {
		if !strings.Contains(s, want) {
			t.Errorf("canonical form missing %s in %s", want, s)
		}
	}

	// Lexicographic top-level key order.
	if strings.Index(s, `"action"`) > strings.Index(s, `"correlationId"`) ||
		strings.Index(s, `"status"`) > strings.Index(s, `"timestamp"`) {
		t.Errorf("keys not in lexicographic order: %s", s)
	}
}

func TestHashExcludesSealAndArchival(t *testing.T) {
	t.Parallel()

	e := baseEvent()
	h1, err := Hash(e)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	archived := time.Now()
	e.ID = 42
	e.Hash = h1
	e.ArchivedAt = &archived
	e.ProcessingLatencyMs = 17

	h2, err := Hash(e)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if h1 != h2 {
		t.Errorf("post-write columns leaked into the hash: %s vs %s", h1, h2)
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()

	e := baseEvent()
	h, err := Hash(e)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	e.Hash = h

	status, _, err := Verify(e)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if status != models.VerificationOK {
		t.Errorf("verify after seal = %s, want ok", status)
	}

	// Any byte-altering change must be detected.
	e.OutcomeDescription = "tampered"
	status, observed, err := Verify(e)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if status != models.VerificationMismatch {
		t.Errorf("verify after tamper = %s, want mismatch", status)
	}
	if observed == e.Hash {
		t.Error("observed hash should differ after tamper")
	}

	e.Hash = ""
	status, _, err = Verify(e)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if status != models.VerificationMissingHash {
		t.Errorf("verify without hash = %s, want missing_hash", status)
	}
}

func TestCanonicalizeRequiredFields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		event *models.AuditEvent
	}{
		{"nil event", nil},
		{"missing action", &models.AuditEvent{Status: models.StatusSuccess, Timestamp: time.Now()}},
		{"missing status", &models.AuditEvent{Action: "a.b", Timestamp: time.Now()}},
		{"missing timestamp", &models.AuditEvent{Action: "a.b", Status: models.StatusSuccess}},
	}

	for _, tt := range tests {
		if _, err := Canonicalize(tt.event); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestNumberRendering(t *testing.T) {
	t.Parallel()

	e := baseEvent()
	e.Details = map[string]any{"count": float64(3), "ratio": 0.25, "big": int64(1 << 40)}
	got, err := Canonicalize(e)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	s := string(got)
	for _, want := range []string{`"count":3`, `"ratio":0.25`, `"big":1099511627776`} {
		if !strings.Contains(s, want) {
			t.Errorf("number rendering: missing %s in %s", want, s)
		}
	}
}

func TestStringEscaping(t *testing.T) {
	t.Parallel()

	e := baseEvent()
	e.OutcomeDescription = "line1\nline2\t\"quoted\" <tag> & more"
	got, err := Canonicalize(e)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	s := string(got)
	if !strings.Contains(s, `line1\nline2\t\"quoted\" <tag> & more`) {
		t.Errorf("string escaping wrong: %s", s)
	}
}

func TestTimezoneNormalization(t *testing.T) {
	t.Parallel()

	// The same instant in different zones must hash identically.
	zone := time.FixedZone("CET", 3600)
	a := baseEvent()
	b := baseEvent()
	b.Timestamp = a.Timestamp.In(zone)

	ha, _ := Hash(a)
	hb, _ := Hash(b)
	if ha != hb {
		t.Errorf("timezone changed the hash: %s vs %s", ha, hb)
	}
}
