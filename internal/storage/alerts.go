// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caretrace/caretrace/internal/models"
)

// ErrAlertNotFound is returned for unknown alert IDs.
var ErrAlertNotFound = errors.New("alert not found")

// InsertAlert persists a new alert.
func (s *Store) InsertAlert(ctx context.Context, a *models.Alert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert
			(id, organization_id, type, severity, source, title, description,
			 timestamp, resolved, resolved_at, resolved_by, resolution_notes, correlation_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OrganizationID, string(a.Type), string(a.Severity),
		a.Source, a.Title, nullable(a.Description),
		a.Timestamp.UTC(), a.Resolved, nil, nullable(a.ResolvedBy),
		nullable(a.ResolutionNotes), nullable(a.CorrelationKey))
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// FindOpenDuplicate returns an unresolved alert with the same deduplication
// identity {source, title, correlationKey} raised after `since`, or nil.
func (s *Store) FindOpenDuplicate(ctx context.Context, orgID, source, title, correlationKey string, since time.Time) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+alertColumns+` FROM alert
		WHERE organization_id = ? AND source = ? AND title = ?
		  AND COALESCE(correlation_key, '') = ?
		  AND NOT resolved AND timestamp >= ?
		ORDER BY timestamp DESC LIMIT 1`,
		orgID, source, title, correlationKey, since.UTC())
	a, err := scanAlert(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

const alertColumns = `
	id, organization_id, type, severity, source, title, description,
	timestamp, resolved, resolved_at, resolved_by, resolution_notes, correlation_key`

func scanAlert(scan func(dest ...any) error) (*models.Alert, error) {
	var (
		a                         models.Alert
		alertType, severity       string
		description, resolvedBy   sql.NullString
		notes, correlationKey     sql.NullString
		resolvedAt                sql.NullTime
	)
	err := scan(&a.ID, &a.OrganizationID, &alertType, &severity, &a.Source,
		&a.Title, &description, &a.Timestamp, &a.Resolved,
		&resolvedAt, &resolvedBy, &notes, &correlationKey)
	if err != nil {
		return nil, err
	}
	a.Type = models.AlertType(alertType)
	a.Severity = models.AlertSeverity(severity)
	a.Description = description.String
	a.ResolvedBy = resolvedBy.String
	a.ResolutionNotes = notes.String
	a.CorrelationKey = correlationKey.String
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		a.ResolvedAt = &t
	}
	a.Timestamp = a.Timestamp.UTC()
	return &a, nil
}

// AlertFilter selects alerts. OrganizationID is mandatory: alert reads are
// always organization-scoped.
type AlertFilter struct {
	OrganizationID string
	Severity       models.AlertSeverity
	Type           models.AlertType
	Source         string
	Resolved       *bool
	SortBy         string // "timestamp" or "severity"
	SortOrder      string // "asc" or "desc"
	Limit, Offset  int
}

// QueryAlerts returns alerts matching the filter.
func (s *Store) QueryAlerts(ctx context.Context, f AlertFilter) ([]*models.Alert, error) {
	if f.OrganizationID == "" {
		return nil, fmt.Errorf("alert queries require an organization scope")
	}

	conds := []string{"organization_id = ?"}
	args := []any{f.OrganizationID}
	if f.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, f.Source)
	}
	if f.Resolved != nil {
		if *f.Resolved {
			conds = append(conds, "resolved")
		} else {
			conds = append(conds, "NOT resolved")
		}
	}

	order := "timestamp"
	if f.SortBy == "severity" {
		// CRITICAL > HIGH > MEDIUM > LOW
		order = `CASE severity WHEN 'CRITICAL' THEN 4 WHEN 'HIGH' THEN 3 WHEN 'MEDIUM' THEN 2 ELSE 1 END`
	}
	dir := "DESC"
	if strings.EqualFold(f.SortOrder, "asc") {
		dir = "ASC"
	}

	query := `SELECT ` + alertColumns + ` FROM alert WHERE ` +
		strings.Join(conds, " AND ") +
		fmt.Sprintf(" ORDER BY %s %s, id ASC", order, dir)
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []*models.Alert
	for rows.Next() {
		a, err := scanAlert(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAlert returns one alert by ID regardless of organization; the alert
// service enforces the organization check and raises Forbidden.
func (s *Store) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alert WHERE id = ?`, id)
	a, err := scanAlert(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	return a, err
}

// ResolveAlert marks an alert resolved.
func (s *Store) ResolveAlert(ctx context.Context, id, resolver, notes string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alert SET resolved = true, resolved_at = ?, resolved_by = ?, resolution_notes = ?
		WHERE id = ? AND NOT resolved`,
		at.UTC(), resolver, nullable(notes), id)
	if err != nil {
		return fmt.Errorf("resolve alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlertNotFound
	}
	return nil
}

// AlertStatistics summarizes one organization's alerts.
type AlertStatistics struct {
	Total      int64            `json:"total"`
	Unresolved int64            `json:"unresolved"`
	BySeverity map[string]int64 `json:"bySeverity"`
	ByType     map[string]int64 `json:"byType"`
	Oldest     *time.Time       `json:"oldest,omitempty"`
	Newest     *time.Time       `json:"newest,omitempty"`
}

// AlertStats aggregates alert counts for an organization.
func (s *Store) AlertStats(ctx context.Context, orgID string) (*AlertStatistics, error) {
	if orgID == "" {
		return nil, fmt.Errorf("alert statistics require an organization scope")
	}

	stats := &AlertStatistics{
		BySeverity: make(map[string]int64),
		ByType:     make(map[string]int64),
	}

	var lo, hi sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE NOT resolved),
		       MIN(timestamp), MAX(timestamp)
		FROM alert WHERE organization_id = ?`, orgID).
		Scan(&stats.Total, &stats.Unresolved, &lo, &hi)
	if err != nil {
		return nil, fmt.Errorf("alert stats: %w", err)
	}
	if lo.Valid {
		t := lo.Time.UTC()
		stats.Oldest = &t
	}
	if hi.Valid {
		t := hi.Time.UTC()
		stats.Newest = &t
	}

	for _, agg := range []struct {
		column string
		dest   map[string]int64
	}{
		{"severity", stats.BySeverity},
		{"type", stats.ByType},
	} {
		rows, err := s.db.QueryContext(ctx,
			fmt.Sprintf(`SELECT %s, COUNT(*) FROM alert WHERE organization_id = ? GROUP BY %s`,
				agg.column, agg.column), orgID)
		if err != nil {
			return nil, fmt.Errorf("alert stats by %s: %w", agg.column, err)
		}
		for rows.Next() {
			var key string
			var count int64
			if err := rows.Scan(&key, &count); err != nil {
				rows.Close()
				return nil, err
			}
			agg.dest[key] = count
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return stats, nil
}

// CleanupResolvedAlerts deletes resolved alerts older than the cutoff for
// one organization, returning the count removed.
func (s *Store) CleanupResolvedAlerts(ctx context.Context, orgID string, olderThan time.Time) (int64, error) {
	if orgID == "" {
		return 0, fmt.Errorf("alert cleanup requires an organization scope")
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM alert
		WHERE organization_id = ? AND resolved AND resolved_at < ?`,
		orgID, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("cleanup alerts: %w", err)
	}
	return res.RowsAffected()
}
