// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/caretrace/caretrace/internal/models"
)

// UpsertPolicy inserts or updates a retention policy. The policy is
// validated first; invariant violations are configuration errors.
func (s *Store) UpsertPolicy(ctx context.Context, p *models.RetentionPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}

	var archiveAfter, deleteAfter any
	if p.ArchiveAfterDays != nil {
		archiveAfter = *p.ArchiveAfterDays
	}
	if p.DeleteAfterDays != nil {
		deleteAfter = *p.DeleteAfterDays
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_retention_policy
			(policy_name, data_classification, retention_days, archive_after_days, delete_after_days, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (policy_name) DO UPDATE SET
			data_classification = EXCLUDED.data_classification,
			retention_days = EXCLUDED.retention_days,
			archive_after_days = EXCLUDED.archive_after_days,
			delete_after_days = EXCLUDED.delete_after_days,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at`,
		p.PolicyName, string(p.DataClassification), p.RetentionDays,
		archiveAfter, deleteAfter, p.IsActive,
		p.CreatedAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert policy %s: %w", p.PolicyName, err)
	}
	return nil
}

// ListPolicies returns policies in creation order; activeOnly filters to
// policies retention application considers.
func (s *Store) ListPolicies(ctx context.Context, activeOnly bool) ([]*models.RetentionPolicy, error) {
	query := `
		SELECT policy_name, data_classification, retention_days,
		       archive_after_days, delete_after_days, is_active, created_at, updated_at
		FROM audit_retention_policy`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY created_at ASC, policy_name ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var out []*models.RetentionPolicy
	for rows.Next() {
		var (
			p                        models.RetentionPolicy
			classification           string
			archiveAfter, deleteAfter sql.NullInt64
		)
		if err := rows.Scan(&p.PolicyName, &classification, &p.RetentionDays,
			&archiveAfter, &deleteAfter, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.DataClassification = models.DataClassification(classification)
		if archiveAfter.Valid {
			v := int(archiveAfter.Int64)
			p.ArchiveAfterDays = &v
		}
		if deleteAfter.Valid {
			v := int(deleteAfter.Int64)
			p.DeleteAfterDays = &v
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// ArchiveEvents sets archived_at on unarchived events of the classification
// older than cutoff, returning the number archived.
func (s *Store) ArchiveEvents(ctx context.Context, classification models.DataClassification, cutoff, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE audit_log SET archived_at = ?
		WHERE data_classification = ? AND timestamp <= ? AND archived_at IS NULL`,
		now.UTC(), string(classification), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("archive events: %w", err)
	}
	return res.RowsAffected()
}

// DeleteArchivedEvents removes archived events of the classification older
// than cutoff, returning the number deleted.
func (s *Store) DeleteArchivedEvents(ctx context.Context, classification models.DataClassification, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM audit_log
		WHERE data_classification = ? AND timestamp <= ? AND archived_at IS NOT NULL`,
		string(classification), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete archived events: %w", err)
	}
	return res.RowsAffected()
}
