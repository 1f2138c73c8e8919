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

	"github.com/goccy/go-json"

	"github.com/caretrace/caretrace/internal/auditerrors"
	"github.com/caretrace/caretrace/internal/canonical"
	"github.com/caretrace/caretrace/internal/models"
)

// ErrEventNotFound is returned when no event matches the queried ID.
var ErrEventNotFound = errors.New("audit event not found")

// InsertEvent persists an event in a single transaction and returns its
// monotonically assigned ID. Inserts are idempotent with respect to the
// event's idempotency key: a duplicate with an identical hash returns the
// existing row's ID; a duplicate with a differing hash is a Conflict.
func (s *Store) InsertEvent(ctx context.Context, e *models.AuditEvent) (int64, error) {
	key := e.IdempotencyKey()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	if key != "" {
		var existingID int64
		var existingHash sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT id, hash FROM audit_log WHERE idempotency_key = ?`, key).
			Scan(&existingID, &existingHash)
		switch {
		case err == nil:
			if existingHash.String == e.Hash {
				return existingID, nil
			}
			return 0, auditerrors.New(auditerrors.KindConflict,
				fmt.Sprintf("idempotency key %s bound to a different payload", key)).
				WithCorrelation("", e.CorrelationID)
		case errors.Is(err, sql.ErrNoRows):
			// fall through to insert
		default:
			return 0, fmt.Errorf("idempotency check: %w", err)
		}
	}

	details, err := e.MarshalDetails()
	if err != nil {
		return 0, fmt.Errorf("marshal details: %w", err)
	}

	var sessionID, ipAddress, userAgent any
	if sc := e.SessionContext; sc != nil {
		sessionID = nullable(sc.SessionID)
		ipAddress = nullable(sc.IPAddress)
		userAgent = nullable(sc.UserAgent)
	}

	classification := string(e.DataClassification)
	if classification == "" {
		classification = string(models.ClassificationInternal)
	}
	retention := e.RetentionPolicy
	if retention == "" {
		retention = "standard"
	}
	algorithm := e.HashAlgorithm
	if algorithm == "" {
		algorithm = models.DefaultHashAlgorithm
	}

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO audit_log (
			timestamp, principal_id, organization_id, action, status,
			target_resource_type, target_resource_id, outcome_description,
			data_classification, retention_policy, correlation_id,
			session_id, ip_address, user_agent, details,
			hash, hash_algorithm, event_version, processing_latency_ms,
			idempotency_key
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		e.Timestamp.UTC(), nullable(e.PrincipalID), nullable(e.OrganizationID),
		e.Action, string(e.Status),
		nullable(e.TargetResourceType), nullable(e.TargetResourceID), nullable(e.OutcomeDescription),
		classification, retention, nullable(e.CorrelationID),
		sessionID, ipAddress, userAgent, string(details),
		nullable(e.Hash), algorithm, nullable(e.EventVersion), e.ProcessingLatencyMs,
		nullable(key),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert: %w", err)
	}
	return id, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const eventColumns = `
	id, timestamp, principal_id, organization_id, action, status,
	target_resource_type, target_resource_id, outcome_description,
	data_classification, retention_policy, correlation_id,
	session_id, ip_address, user_agent, details,
	hash, hash_algorithm, event_version, processing_latency_ms, archived_at`

func scanEvent(scan func(dest ...any) error) (*models.AuditEvent, error) {
	var (
		e                                  models.AuditEvent
		principal, org, targetType, target sql.NullString
		outcome, correlation               sql.NullString
		sessionID, ipAddress, userAgent    sql.NullString
		details, hash, algorithm, version  sql.NullString
		latency                            sql.NullInt64
		archivedAt                         sql.NullTime
		classification, retention, status  string
	)

	err := scan(
		&e.ID, &e.Timestamp, &principal, &org, &e.Action, &status,
		&targetType, &target, &outcome,
		&classification, &retention, &correlation,
		&sessionID, &ipAddress, &userAgent, &details,
		&hash, &algorithm, &version, &latency, &archivedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = models.EventStatus(status)
	e.DataClassification = models.DataClassification(classification)
	e.RetentionPolicy = retention
	e.PrincipalID = principal.String
	e.OrganizationID = org.String
	e.TargetResourceType = targetType.String
	e.TargetResourceID = target.String
	e.OutcomeDescription = outcome.String
	e.CorrelationID = correlation.String
	e.Hash = hash.String
	e.HashAlgorithm = algorithm.String
	e.EventVersion = version.String
	if latency.Valid {
		e.ProcessingLatencyMs = latency.Int64
	}
	if archivedAt.Valid {
		t := archivedAt.Time
		e.ArchivedAt = &t
	}
	if sessionID.Valid || ipAddress.Valid || userAgent.Valid {
		e.SessionContext = &models.SessionContext{
			SessionID: sessionID.String,
			IPAddress: ipAddress.String,
			UserAgent: userAgent.String,
		}
	}
	if details.Valid && details.String != "" && details.String != "null" {
		if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
			return nil, fmt.Errorf("unmarshal details: %w", err)
		}
	}
	e.Timestamp = e.Timestamp.UTC()
	return &e, nil
}

// GetEvent returns one event by ID.
func (s *Store) GetEvent(ctx context.Context, id int64) (*models.AuditEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM audit_log WHERE id = ?`, id)
	e, err := scanEvent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return e, err
}

// EventFilter selects events for queries, sweeps and GDPR operations.
type EventFilter struct {
	PrincipalID    string
	OrganizationID string
	Action         string
	Actions        []string
	ExcludeActions []string
	Classification models.DataClassification
	From, To       *time.Time
	Archived       *bool
	Limit, Offset  int
	OrderDesc      bool
}

func (f *EventFilter) where(args *[]any) string {
	var conds []string
	add := func(cond string, vals ...any) {
		conds = append(conds, cond)
		*args = append(*args, vals...)
	}

	if f.PrincipalID != "" {
		add("principal_id = ?", f.PrincipalID)
	}
	if f.OrganizationID != "" {
		add("organization_id = ?", f.OrganizationID)
	}
	if f.Action != "" {
		add("action = ?", f.Action)
	}
	if len(f.Actions) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(f.Actions)), ",")
		vals := make([]any, len(f.Actions))
		for i, a := range f.Actions {
			vals[i] = a
		}
		add("action IN ("+ph+")", vals...)
	}
	if len(f.ExcludeActions) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(f.ExcludeActions)), ",")
		vals := make([]any, len(f.ExcludeActions))
		for i, a := range f.ExcludeActions {
			vals[i] = a
		}
		add("action NOT IN ("+ph+")", vals...)
	}
	if f.Classification != "" {
		add("data_classification = ?", string(f.Classification))
	}
	if f.From != nil {
		add("timestamp >= ?", f.From.UTC())
	}
	if f.To != nil {
		add("timestamp <= ?", f.To.UTC())
	}
	if f.Archived != nil {
		if *f.Archived {
			conds = append(conds, "archived_at IS NOT NULL")
		} else {
			conds = append(conds, "archived_at IS NULL")
		}
	}

	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

// QueryEvents returns events matching the filter, ordered by timestamp.
func (s *Store) QueryEvents(ctx context.Context, f EventFilter) ([]*models.AuditEvent, error) {
	var args []any
	query := `SELECT ` + eventColumns + ` FROM audit_log` + f.where(&args)
	if f.OrderDesc {
		query += " ORDER BY timestamp DESC, id DESC"
	} else {
		query += " ORDER BY timestamp ASC, id ASC"
	}
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*models.AuditEvent
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountEvents counts events matching the filter.
func (s *Store) CountEvents(ctx context.Context, f EventFilter) (int64, error) {
	var args []any
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_log`+f.where(&args), args...).Scan(&count)
	return count, err
}

// PseudonymizeEvents rewrites principal_id to the pseudonym for the
// filtered events, stamps details with the pseudonymization marker, and
// re-seals each mutated event so integrity sweeps keep passing. The GDPR
// engine records the operation in its own audit event, preserving the
// trail for the authorized mutation.
func (s *Store) PseudonymizeEvents(ctx context.Context, f EventFilter, pseudonymID string, at time.Time) (int64, error) {
	if f.PrincipalID == "" {
		return 0, fmt.Errorf("pseudonymize requires a principal filter")
	}

	events, err := s.QueryEvents(ctx, f)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin pseudonymize: %w", err)
	}
	defer tx.Rollback()

	stamp := at.UTC().Format(time.RFC3339)
	var affected int64
	for _, e := range events {
		details := e.Details
		if details == nil {
			details = make(map[string]any, 2)
		}
		details["pseudonymized"] = true
		details["pseudonymizedAt"] = stamp
		encoded, err := json.Marshal(details)
		if err != nil {
			return 0, fmt.Errorf("marshal details: %w", err)
		}

		e.PrincipalID = pseudonymID
		e.Details = details
		newHash, err := canonical.Hash(e)
		if err != nil {
			return 0, fmt.Errorf("reseal event %d: %w", e.ID, err)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE audit_log SET principal_id = ?, details = ?, hash = ? WHERE id = ?`,
			pseudonymID, string(encoded), newHash, e.ID)
		if err != nil {
			return 0, fmt.Errorf("pseudonymize event %d: %w", e.ID, err)
		}
		n, _ := res.RowsAffected()
		affected += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit pseudonymize: %w", err)
	}
	return affected, nil
}

// DeleteEvents removes the filtered events, returning the count. Used only
// by the GDPR erasure and retention paths.
func (s *Store) DeleteEvents(ctx context.Context, f EventFilter) (int64, error) {
	var args []any
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log`+f.where(&args), args...)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	return res.RowsAffected()
}

// CountsByColumn aggregates matching events per action or classification,
// feeding the retention and erasure result envelopes.
func (s *Store) CountsByColumn(ctx context.Context, f EventFilter, column string) (map[string]int64, error) {
	switch column {
	case "action", "data_classification":
	default:
		return nil, fmt.Errorf("unsupported aggregation column %s", column)
	}

	var args []any
	query := fmt.Sprintf(`SELECT %s, COUNT(*) FROM audit_log%s GROUP BY %s`,
		column, f.where(&args), column)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", column, err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var key sql.NullString
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		out[key.String] = count
	}
	return out, rows.Err()
}

// TimeRange returns the oldest and newest timestamps among matching events.
func (s *Store) TimeRange(ctx context.Context, f EventFilter) (oldest, newest time.Time, err error) {
	var args []any
	var lo, hi sql.NullTime
	err = s.db.QueryRowContext(ctx,
		`SELECT MIN(timestamp), MAX(timestamp) FROM audit_log`+f.where(&args), args...).
		Scan(&lo, &hi)
	if err != nil {
		return
	}
	if lo.Valid {
		oldest = lo.Time.UTC()
	}
	if hi.Valid {
		newest = hi.Time.UTC()
	}
	return
}
