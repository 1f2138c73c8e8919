// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

package storage

import (
	"context"
	"fmt"

	"database/sql"

	"github.com/caretrace/caretrace/internal/models"
)

// InsertVerification appends an integrity verification record.
func (s *Store) InsertVerification(ctx context.Context, v *models.IntegrityVerification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_integrity_log
			(audit_log_id, verified_at, status, expected_hash, observed_hash, verified_by, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.AuditLogID, v.VerifiedAt.UTC(), string(v.Status),
		nullable(v.ExpectedHash), nullable(v.ObservedHash),
		nullable(v.VerifiedBy), nullable(v.Details))
	if err != nil {
		return fmt.Errorf("insert verification: %w", err)
	}
	return nil
}

// ListVerifications returns the verification history for one event, newest
// first.
func (s *Store) ListVerifications(ctx context.Context, auditLogID int64) ([]*models.IntegrityVerification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT audit_log_id, verified_at, status, expected_hash, observed_hash, verified_by, details
		FROM audit_integrity_log
		WHERE audit_log_id = ?
		ORDER BY verified_at DESC`, auditLogID)
	if err != nil {
		return nil, fmt.Errorf("list verifications: %w", err)
	}
	defer rows.Close()

	var out []*models.IntegrityVerification
	for rows.Next() {
		var (
			v                        models.IntegrityVerification
			status                   string
			expected, observed       sql.NullString
			verifiedBy, details      sql.NullString
		)
		if err := rows.Scan(&v.AuditLogID, &v.VerifiedAt, &status,
			&expected, &observed, &verifiedBy, &details); err != nil {
			return nil, err
		}
		v.Status = models.VerificationStatus(status)
		v.ExpectedHash = expected.String
		v.ObservedHash = observed.String
		v.VerifiedBy = verifiedBy.String
		v.Details = details.String
		out = append(out, &v)
	}
	return out, rows.Err()
}

// VerificationCounts aggregates sweep outcomes for the verify CLI verb.
func (s *Store) VerificationCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM audit_integrity_log GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("verification counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[status] = count
	}
	return out, rows.Err()
}
