// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

// Package storage persists audit events, retention policies, integrity
// verifications and alerts in DuckDB. Events are immutable after insert;
// the only later mutations are retention archival (archived_at) and GDPR
// pseudonymization of principal_id.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2" // registers the duckdb driver

	"github.com/caretrace/caretrace/internal/logging"
)

// Store wraps the DuckDB handle.
type Store struct {
	db    *sql.DB
	locks *SubjectLocks
}

// Open opens (or creates) the database at path. An empty path opens an
// in-memory database, used by tests and the validate CLI verb.
func Open(path string) (*Store, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	return &Store{db: db, locks: NewSubjectLocks()}, nil
}

// DB exposes the raw handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Locks returns the per-subject advisory locks serializing GDPR operations.
func (s *Store) Locks() *SubjectLocks { return s.locks }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// migration is one ordered schema step.
type migration struct {
	name string
	up   string
	down string
}

var migrations = []migration{
	{
		name: "001_audit_log",
		up: `
		CREATE SEQUENCE IF NOT EXISTS audit_log_id_seq;
		CREATE TABLE IF NOT EXISTS audit_log (
			id BIGINT PRIMARY KEY DEFAULT nextval('audit_log_id_seq'),
			timestamp TIMESTAMPTZ NOT NULL,
			principal_id TEXT,
			organization_id TEXT,
			action TEXT NOT NULL,
			status TEXT NOT NULL,
			target_resource_type TEXT,
			target_resource_id TEXT,
			outcome_description TEXT,
			data_classification VARCHAR(20) NOT NULL DEFAULT 'INTERNAL',
			retention_policy VARCHAR(50) NOT NULL DEFAULT 'standard',
			correlation_id TEXT,
			session_id TEXT,
			ip_address TEXT,
			user_agent TEXT,
			details JSON,
			hash VARCHAR(64),
			hash_algorithm VARCHAR(20) DEFAULT 'SHA-256',
			event_version TEXT,
			processing_latency_ms BIGINT,
			idempotency_key TEXT,
			archived_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
		CREATE INDEX IF NOT EXISTS idx_audit_principal ON audit_log(principal_id);
		CREATE INDEX IF NOT EXISTS idx_audit_organization ON audit_log(organization_id);
		CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action);
		CREATE INDEX IF NOT EXISTS idx_audit_status ON audit_log(status);
		CREATE INDEX IF NOT EXISTS idx_audit_hash ON audit_log(hash);
		CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_log(target_resource_type, target_resource_id);
		CREATE INDEX IF NOT EXISTS idx_audit_correlation ON audit_log(correlation_id);
		CREATE INDEX IF NOT EXISTS idx_audit_classification ON audit_log(data_classification);
		CREATE INDEX IF NOT EXISTS idx_audit_retention ON audit_log(retention_policy);
		CREATE INDEX IF NOT EXISTS idx_audit_archived ON audit_log(archived_at);
		CREATE INDEX IF NOT EXISTS idx_audit_ts_status ON audit_log(timestamp, status);
		CREATE INDEX IF NOT EXISTS idx_audit_principal_action ON audit_log(principal_id, action);
		CREATE INDEX IF NOT EXISTS idx_audit_class_retention ON audit_log(data_classification, retention_policy);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_idempotency ON audit_log(idempotency_key);
		`,
		down: `DROP TABLE IF EXISTS audit_log; DROP SEQUENCE IF EXISTS audit_log_id_seq;`,
	},
	{
		name: "002_audit_integrity_log",
		up: `
		CREATE SEQUENCE IF NOT EXISTS audit_integrity_log_id_seq;
		CREATE TABLE IF NOT EXISTS audit_integrity_log (
			id BIGINT PRIMARY KEY DEFAULT nextval('audit_integrity_log_id_seq'),
			audit_log_id BIGINT NOT NULL,
			verified_at TIMESTAMPTZ NOT NULL,
			status VARCHAR(20) NOT NULL,
			expected_hash VARCHAR(64),
			observed_hash VARCHAR(64),
			verified_by TEXT,
			details TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_integrity_audit_log ON audit_integrity_log(audit_log_id);
		CREATE INDEX IF NOT EXISTS idx_integrity_status ON audit_integrity_log(status);
		CREATE INDEX IF NOT EXISTS idx_integrity_verified_at ON audit_integrity_log(verified_at);
		`,
		down: `DROP TABLE IF EXISTS audit_integrity_log; DROP SEQUENCE IF EXISTS audit_integrity_log_id_seq;`,
	},
	{
		name: "003_audit_retention_policy",
		up: `
		CREATE TABLE IF NOT EXISTS audit_retention_policy (
			policy_name VARCHAR(50) PRIMARY KEY,
			data_classification VARCHAR(20) NOT NULL,
			retention_days INTEGER NOT NULL,
			archive_after_days INTEGER,
			delete_after_days INTEGER,
			is_active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_retention_classification ON audit_retention_policy(data_classification);
		`,
		down: `DROP TABLE IF EXISTS audit_retention_policy;`,
	},
	{
		name: "004_alert",
		up: `
		CREATE TABLE IF NOT EXISTS alert (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			type VARCHAR(20) NOT NULL,
			severity VARCHAR(10) NOT NULL,
			source TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT,
			timestamp TIMESTAMPTZ NOT NULL,
			resolved BOOLEAN NOT NULL DEFAULT false,
			resolved_at TIMESTAMPTZ,
			resolved_by TEXT,
			resolution_notes TEXT,
			correlation_key TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_alert_org ON alert(organization_id);
		CREATE INDEX IF NOT EXISTS idx_alert_org_resolved ON alert(organization_id, resolved);
		CREATE INDEX IF NOT EXISTS idx_alert_timestamp ON alert(timestamp);
		CREATE INDEX IF NOT EXISTS idx_alert_dedup ON alert(source, title, correlation_key);
		`,
		down: `DROP TABLE IF EXISTS alert;`,
	},
}

// Migrate applies all pending schema steps.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var applied int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM schema_migrations WHERE name = ?`, m.name).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", m.name, err)
		}
		if applied > 0 {
			continue
		}

		for _, stmt := range splitStatements(m.up) {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply %s: %w", m.name, err)
			}
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (name) VALUES (?)`, m.name); err != nil {
			return fmt.Errorf("record %s: %w", m.name, err)
		}
		logging.Component("storage").Info().Str("migration", m.name).Msg("migration applied")
	}
	return nil
}

// Rollback reverts the most recently applied migration step.
func (s *Store) Rollback(ctx context.Context) error {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM schema_migrations ORDER BY name DESC LIMIT 1`).Scan(&name)
	if err == sql.ErrNoRows {
		return fmt.Errorf("no migrations to roll back")
	}
	if err != nil {
		return fmt.Errorf("find last migration: %w", err)
	}

	for _, m := range migrations {
		if m.name != name {
			continue
		}
		for _, stmt := range splitStatements(m.down) {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("rollback %s: %w", name, err)
			}
		}
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM schema_migrations WHERE name = ?`, name); err != nil {
			return fmt.Errorf("unrecord %s: %w", name, err)
		}
		logging.Component("storage").Info().Str("migration", name).Msg("migration rolled back")
		return nil
	}
	return fmt.Errorf("unknown migration %s", name)
}

func splitStatements(block string) []string {
	parts := strings.Split(block, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
