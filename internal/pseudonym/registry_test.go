// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

package pseudonym

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dgraph-io/badger/v4"

	"github.com/caretrace/caretrace/internal/models"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir()).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(openTestDB(t), "unit-test-salt", nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestEmptySaltRejected(t *testing.T) {
	t.Parallel()

	if _, err := NewRegistry(openTestDB(t), "", nil); !errors.Is(err, ErrEmptySalt) {
		t.Errorf("err = %v, want ErrEmptySalt", err)
	}
}

func TestHashStrategyDeterministic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newTestRegistry(t)

	m1, err := r.Create(ctx, "patient-123", models.StrategyHash, "gdpr")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(m1.PseudonymID, "pseudo-") {
		t.Errorf("pseudonym %q missing prefix", m1.PseudonymID)
	}
	if len(m1.PseudonymID) != len("pseudo-")+16 {
		t.Errorf("pseudonym %q should carry 16 hex chars", m1.PseudonymID)
	}

	// Same ID yields the same mapping, not a new one.
	m2, err := r.Create(ctx, "patient-123", models.StrategyHash, "gdpr")
	if err != nil {
		t.Fatalf("Create again: %v", err)
	}
	if m2.PseudonymID != m1.PseudonymID {
		t.Errorf("hash strategy not stable: %s vs %s", m1.PseudonymID, m2.PseudonymID)
	}

	// Same salt in a fresh registry over the same store: still stable.
	r2, err := NewRegistry(r.db, "unit-test-salt", nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	m3, err := r2.Create(ctx, "patient-123", models.StrategyHash, "gdpr")
	if err != nil {
		t.Fatalf("Create on second registry: %v", err)
	}
	if m3.PseudonymID != m1.PseudonymID {
		t.Errorf("hash strategy not stable across instances")
	}
}

func TestTokenStrategyPersistedBinding(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newTestRegistry(t)

	m, err := r.Create(ctx, "patient-9", models.StrategyToken, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Lookup and reverse both resolve through the stored mapping.
	got, err := r.Lookup(ctx, "patient-9")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.PseudonymID != m.PseudonymID {
		t.Errorf("Lookup = %s, want %s", got.PseudonymID, m.PseudonymID)
	}

	orig, err := r.Reverse(ctx, m.PseudonymID)
	if err != nil {
		t.Fatalf("Reverse: %v", err)
	}
	if orig != "patient-9" {
		t.Errorf("Reverse = %s, want patient-9", orig)
	}
}

func TestStrategyMismatchRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newTestRegistry(t)

	if _, err := r.Create(ctx, "subject-1", models.StrategyHash, ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Create(ctx, "subject-1", models.StrategyToken, ""); !errors.Is(err, ErrStrategyMismatch) {
		t.Errorf("err = %v, want ErrStrategyMismatch", err)
	}
}

func TestExists(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newTestRegistry(t)

	ok, err := r.Exists(ctx, "nobody")
	if err != nil || ok {
		t.Errorf("Exists(nobody) = %v, %v", ok, err)
	}

	r.Create(ctx, "somebody", models.StrategyHash, "")
	ok, err = r.Exists(ctx, "somebody")
	if err != nil || !ok {
		t.Errorf("Exists(somebody) = %v, %v", ok, err)
	}
}

func TestReverseUnknownPseudonym(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	if _, err := r.Reverse(context.Background(), "pseudo-ffffffffffffffff"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSaltCheckValue(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	check := r.SaltCheckValue()
	if !r.VerifySalt(check) {
		t.Error("VerifySalt rejected its own check value")
	}
	if r.VerifySalt("deadbeef") {
		t.Error("VerifySalt accepted a wrong reference")
	}
}
