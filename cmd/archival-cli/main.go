// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

// archival-cli drives the retention engine and archival queries from the
// command line:
//
//	archival-cli archive    apply archive steps of all active policies
//	archival-cli cleanup    apply delete steps and purge dead letters
//	archival-cli delete     erase one subject (GDPR right to be forgotten)
//	archival-cli retrieve   export one subject's records
//	archival-cli stats      store and retention statistics
//	archival-cli validate   check active policies against their invariants
//
// Exit codes: 0 success, 1 runtime error, 2 configuration error.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/caretrace/caretrace/internal/config"
	"github.com/caretrace/caretrace/internal/gdpr"
	"github.com/caretrace/caretrace/internal/logging"
	"github.com/caretrace/caretrace/internal/pseudonym"
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
	flags := flag.NewFlagSet("archival-cli", flag.ContinueOnError)
	var (
		subject = flags.String("subject", "", "principal id for delete/retrieve")
		format  = flags.String("format", "json", "export format for retrieve: json, csv or xml")
		actor   = flags.String("actor", "archival-cli", "requesting identity recorded in the audit trail")
		keep    = flags.Bool("preserve-compliance", true, "preserve compliance-critical audit records on delete")
	)
	if err := flags.Parse(args); err != nil {
		return exitConfig
	}
	if flags.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: archival-cli [flags] {archive|cleanup|delete|retrieve|stats|validate}")
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
	if err := store.Migrate(ctx); err != nil {
		logging.Err(err).Msg("migrations failed")
		return exitRuntime
	}

	engine, cleanup, code := buildEngine(cfg, store)
	if code != 0 {
		return code
	}
	defer cleanup()

	switch verb {
	case "archive":
		results, err := engine.ApplyRetentionPhases(ctx, time.Now().UTC(), *actor, true, false)
		return printJSON(results, err)
	case "cleanup":
		results, err := engine.ApplyRetentionPhases(ctx, time.Now().UTC(), *actor, false, true)
		return printJSON(results, err)
	case "delete":
		if *subject == "" {
			fmt.Fprintln(os.Stderr, "delete requires -subject")
			return exitConfig
		}
		result, err := engine.Erase(ctx, gdpr.ErasureRequest{
			PrincipalID:              *subject,
			RequestedBy:              *actor,
			PreserveComplianceAudits: *keep,
		})
		return printJSON(result, err)
	case "retrieve":
		if *subject == "" {
			fmt.Fprintln(os.Stderr, "retrieve requires -subject")
			return exitConfig
		}
		result, err := engine.Export(ctx, gdpr.ExportRequest{
			PrincipalID:     *subject,
			RequestType:     "access",
			Format:          gdpr.ExportFormat(*format),
			IncludeMetadata: true,
			RequestedBy:     *actor,
		})
		if err != nil {
			logging.Err(err).Msg("retrieve failed")
			return exitRuntime
		}
		os.Stdout.Write(result.Data)
		fmt.Fprintf(os.Stderr, "\n%d records, %d bytes, request %s\n",
			result.Metadata.RecordCount, result.Metadata.DataSize, result.Metadata.RequestID)
		return 0
	case "stats":
		return stats(ctx, store)
	case "validate":
		return validate(ctx, store)
	default:
		fmt.Fprintf(os.Stderr, "unknown verb %q\n", verb)
		return exitConfig
	}
}

func buildEngine(cfg *config.Config, store *storage.Store) (*gdpr.Engine, func(), int) {
	badgerDB, err := badger.Open(badger.DefaultOptions(cfg.Database.URL + ".pseudonyms").WithLogger(nil))
	if err != nil {
		logging.Err(err).Msg("pseudonym store open failed")
		return nil, func() {}, exitRuntime
	}

	registry, err := pseudonym.NewRegistry(badgerDB, cfg.Security.PseudonymSalt, nil)
	if err != nil {
		badgerDB.Close()
		logging.Err(err).Msg("pseudonym registry init failed")
		return nil, func() {}, exitConfig
	}
	return gdpr.NewEngine(store, registry), func() { badgerDB.Close() }, 0
}

func printJSON(result any, err error) int {
	if err != nil {
		logging.Err(err).Msg("operation failed")
		return exitRuntime
	}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		logging.Err(err).Msg("encode result")
		return exitRuntime
	}
	fmt.Println(string(out))
	return 0
}

func stats(ctx context.Context, store *storage.Store) int {
	total, err := store.CountEvents(ctx, storage.EventFilter{})
	if err != nil {
		logging.Err(err).Msg("count events")
		return exitRuntime
	}
	archived := true
	archivedCount, err := store.CountEvents(ctx, storage.EventFilter{Archived: &archived})
	if err != nil {
		logging.Err(err).Msg("count archived")
		return exitRuntime
	}
	byClassification, err := store.CountsByColumn(ctx, storage.EventFilter{}, "data_classification")
	if err != nil {
		logging.Err(err).Msg("aggregate classifications")
		return exitRuntime
	}
	verifications, err := store.VerificationCounts(ctx)
	if err != nil {
		logging.Err(err).Msg("verification counts")
		return exitRuntime
	}

	return printJSON(map[string]any{
		"totalEvents":      total,
		"archivedEvents":   archivedCount,
		"byClassification": byClassification,
		"verifications":    verifications,
	}, nil)
}

func validate(ctx context.Context, store *storage.Store) int {
	policies, err := store.ListPolicies(ctx, false)
	if err != nil {
		logging.Err(err).Msg("list policies")
		return exitRuntime
	}

	failures := 0
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			failures++
			fmt.Fprintf(os.Stderr, "policy %s: %v\n", p.PolicyName, err)
		}
	}
	if failures > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d policies invalid\n", failures, len(policies))
		return exitConfig
	}
	fmt.Printf("%d policies valid\n", len(policies))
	return 0
}
