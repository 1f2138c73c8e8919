// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

// audit-db manages the audit store's schema and seed data:
//
//	audit-db rollback           revert the newest schema migration step
//	audit-db seed-policies      install the default retention policies
//	audit-db seed-presets       install monitor threshold preset policies
//	audit-db verify             re-hash every stored event and report
//	audit-db verify-compliance  check retention policies and coverage
//
// Exit codes: 0 success, 1 runtime error, 2 configuration error.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/caretrace/caretrace/internal/config"
	"github.com/caretrace/caretrace/internal/integrity"
	"github.com/caretrace/caretrace/internal/logging"
	"github.com/caretrace/caretrace/internal/models"
	"github.com/caretrace/caretrace/internal/storage"
)

const (
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := flag.NewFlagSet("audit-db", flag.ContinueOnError)
	org := flags.String("org", "", "restrict verify to one organization")
	if err := flags.Parse(args); err != nil {
		return exitConfig
	}
	if flags.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: audit-db [flags] {rollback|seed-policies|seed-presets|verify|verify-compliance}")
		return exitConfig
	}
	verb := flags.Arg(0)

	manager, err := config.Load(config.LoadOptions{})
	if err != nil {
		logging.Err(err).Msg("configuration rejected")
		return exitConfig
	}
	cfg := manager.Snapshot()
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: logging.FormatText})

	store, err := storage.Open(cfg.Database.URL)
	if err != nil {
		logging.Err(err).Msg("store open failed")
		return exitRuntime
	}
	defer store.Close()

	ctx := context.Background()

	switch verb {
	case "rollback":
		if err := store.Rollback(ctx); err != nil {
			logging.Err(err).Msg("rollback failed")
			return exitRuntime
		}
		fmt.Println("rolled back newest migration")
		return 0

	case "seed-policies":
		if err := store.Migrate(ctx); err != nil {
			logging.Err(err).Msg("migrations failed")
			return exitRuntime
		}
		now := time.Now().UTC()
		for _, p := range models.DefaultPolicies(now) {
			policy := p
			if err := store.UpsertPolicy(ctx, &policy); err != nil {
				logging.Err(err).Str("policy", p.PolicyName).Msg("seed failed")
				return exitConfig
			}
			fmt.Printf("seeded %s (%s, %dd)\n", p.PolicyName, p.DataClassification, p.RetentionDays)
		}
		return 0

	case "seed-presets":
		if err := store.Migrate(ctx); err != nil {
			logging.Err(err).Msg("migrations failed")
			return exitRuntime
		}
		for _, p := range presetPolicies(time.Now().UTC(), cfg.Compliance.DefaultRetentionDays) {
			policy := p
			if err := store.UpsertPolicy(ctx, &policy); err != nil {
				logging.Err(err).Str("policy", p.PolicyName).Msg("seed failed")
				return exitConfig
			}
			fmt.Printf("seeded preset %s\n", p.PolicyName)
		}
		return 0

	case "verify":
		verifier := integrity.NewVerifier(store, nil)
		summary, err := verifier.Sweep(ctx, integrity.Selection{
			OrganizationID: *org,
			VerifiedBy:     "audit-db",
		})
		if err != nil {
			logging.Err(err).Msg("verification sweep failed")
			return exitRuntime
		}
		fmt.Printf("checked=%d ok=%d mismatched=%d missing_hash=%d\n",
			summary.Checked, summary.OK, summary.Mismatched, summary.MissingHash)
		if summary.Mismatched > 0 {
			return exitRuntime
		}
		return 0

	case "verify-compliance":
		return verifyCompliance(ctx, store)

	default:
		fmt.Fprintf(os.Stderr, "unknown verb %q\n", verb)
		return exitConfig
	}
}

// presetPolicies derives conservative presets from the configured default
// retention horizon.
func presetPolicies(now time.Time, defaultDays int) []models.RetentionPolicy {
	if defaultDays < 30 {
		defaultDays = 365
	}
	archive := defaultDays / 4
	return []models.RetentionPolicy{
		{
			PolicyName:         "preset-default",
			DataClassification: models.ClassificationInternal,
			RetentionDays:      defaultDays,
			ArchiveAfterDays:   &archive,
			IsActive:           false,
			CreatedAt:          now,
			UpdatedAt:          now,
		},
	}
}

// verifyCompliance checks policy invariants and that every classification
// present in the store has an active policy.
func verifyCompliance(ctx context.Context, store *storage.Store) int {
	policies, err := store.ListPolicies(ctx, false)
	if err != nil {
		logging.Err(err).Msg("list policies")
		return exitRuntime
	}

	failures := 0
	covered := make(map[models.DataClassification]bool)
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			failures++
			fmt.Fprintf(os.Stderr, "policy %s: %v\n", p.PolicyName, err)
			continue
		}
		if p.IsActive {
			covered[p.DataClassification] = true
		}
	}

	byClassification, err := store.CountsByColumn(ctx, storage.EventFilter{}, "data_classification")
	if err != nil {
		logging.Err(err).Msg("aggregate classifications")
		return exitRuntime
	}
	for classification, count := range byClassification {
		if count > 0 && !covered[models.DataClassification(classification)] {
			failures++
			fmt.Fprintf(os.Stderr, "classification %s has %d events but no active policy\n", classification, count)
		}
	}

	if failures > 0 {
		fmt.Fprintf(os.Stderr, "%d compliance findings\n", failures)
		return exitConfig
	}
	fmt.Println("compliance checks passed")
	return 0
}
