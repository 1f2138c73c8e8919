// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

package gdpr

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/caretrace/caretrace/internal/metrics"
	"github.com/caretrace/caretrace/internal/models"
	"github.com/caretrace/caretrace/internal/storage"
)

// ExportFormat selects the output encoding.
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
	FormatXML  ExportFormat = "xml"
)

// DateRange bounds an export request.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// ExportRequest asks for a data subject access/portability export.
type ExportRequest struct {
	PrincipalID     string       `json:"principalId"`
	RequestType     string       `json:"requestType"`
	Format          ExportFormat `json:"format"`
	DateRange       *DateRange   `json:"dateRange,omitempty"`
	IncludeMetadata bool         `json:"includeMetadata"`
	RequestedBy     string       `json:"requestedBy"`
}

// ExportMetadata describes a produced export.
type ExportMetadata struct {
	RequestID         string     `json:"requestId"`
	RecordCount       int        `json:"recordCount"`
	DataSize          int        `json:"dataSize"`
	ExportedBy        string     `json:"exportedBy"`
	Categories        []string   `json:"categories"`
	RetentionPolicies []string   `json:"retentionPolicies"`
	DateRange         *DateRange `json:"dateRange,omitempty"`
}

// ExportResult is the export envelope: one byte buffer plus metadata.
type ExportResult struct {
	Data     []byte
	Metadata ExportMetadata
}

// Export produces the subject's records in the requested format. The export
// itself is audited as gdpr.data.export.
func (e *Engine) Export(ctx context.Context, req ExportRequest) (*ExportResult, error) {
	if req.PrincipalID == "" {
		return nil, fmt.Errorf("principalId required")
	}
	switch req.Format {
	case FormatJSON, FormatCSV, FormatXML:
	default:
		return nil, fmt.Errorf("unsupported export format %q", req.Format)
	}

	filter := storage.EventFilter{PrincipalID: req.PrincipalID}
	if req.DateRange != nil {
		filter.From = &req.DateRange.From
		filter.To = &req.DateRange.To
	}

	events, err := e.store.QueryEvents(ctx, filter)
	if err != nil {
		metrics.GDPROperations.WithLabelValues("export", "error").Inc()
		return nil, err
	}

	meta := ExportMetadata{
		RequestID:         uuid.New().String(),
		RecordCount:       len(events),
		ExportedBy:        req.RequestedBy,
		Categories:        distinct(events, func(e *models.AuditEvent) string { return string(e.DataClassification) }),
		RetentionPolicies: distinct(events, func(e *models.AuditEvent) string { return e.RetentionPolicy }),
		DateRange:         req.DateRange,
	}

	records := make([]map[string]any, len(events))
	for i, event := range events {
		record, err := eventRecord(event)
		if err != nil {
			return nil, err
		}
		records[i] = record
	}

	var data []byte
	switch req.Format {
	case FormatJSON:
		data, err = encodeJSON(records, meta, req.IncludeMetadata)
	case FormatCSV:
		data, err = encodeCSV(records)
	case FormatXML:
		data, err = encodeXML(records)
	}
	if err != nil {
		metrics.GDPROperations.WithLabelValues("export", "error").Inc()
		return nil, err
	}
	meta.DataSize = len(data)

	if err := e.recordOperation(ctx, models.ActionGDPRExport, req.PrincipalID, req.RequestedBy, map[string]any{
		"requestId":   meta.RequestID,
		"requestType": req.RequestType,
		"format":      string(req.Format),
		"recordCount": meta.RecordCount,
		"dataSize":    meta.DataSize,
	}); err != nil {
		return nil, err
	}

	metrics.GDPROperations.WithLabelValues("export", "ok").Inc()
	return &ExportResult{Data: data, Metadata: meta}, nil
}

func distinct(events []*models.AuditEvent, key func(*models.AuditEvent) string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range events {
		k := key(e)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// eventRecord converts an event to its export map via its JSON form, so
// export field names match the wire contract.
func eventRecord(event *models.AuditEvent) (map[string]any, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event %d: %w", event.ID, err)
	}
	var record map[string]any
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("rebuild event %d: %w", event.ID, err)
	}
	return record, nil
}

// encodeJSON renders {exportMetadata?, auditLogs} pretty-printed with
// two-space indentation.
func encodeJSON(records []map[string]any, meta ExportMetadata, includeMetadata bool) ([]byte, error) {
	wrapper := make(map[string]any, 2)
	if includeMetadata {
		wrapper["exportMetadata"] = meta
	}
	if records == nil {
		records = []map[string]any{}
	}
	wrapper["auditLogs"] = records
	return json.MarshalIndent(wrapper, "", "  ")
}

// encodeCSV renders one header row from the first record's keys followed by
// one row per record. Values containing commas or quotes are quoted with
// inner quotes doubled.
func encodeCSV(records []map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	if len(records) == 0 {
		return buf.Bytes(), nil
	}

	header := make([]string, 0, len(records[0]))
	for k := range records[0] {
		header = append(header, k)
	}
	sort.Strings(header)

	writeRow := func(cells []string) {
		for i, cell := range cells {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(csvEscape(cell))
		}
		buf.WriteByte('\n')
	}
	writeRow(header)

	for _, record := range records {
		cells := make([]string, len(header))
		for i, key := range header {
			cells[i] = cellValue(record[key])
		}
		writeRow(cells)
	}
	return buf.Bytes(), nil
}

func csvEscape(cell string) string {
	if strings.ContainsAny(cell, ",\"\n") {
		return `"` + strings.ReplaceAll(cell, `"`, `""`) + `"`
	}
	return cell
}

// cellValue flattens one record value for CSV: scalars render natively,
// structured values as compact JSON.
func cellValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(raw)
	}
}

// encodeXML renders the export with a <gdprExport> root. Arrays become
// repeated child elements; map keys render in sorted order for
// deterministic output.
func encodeXML(records []map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	buf.WriteString("<gdprExport>\n")
	for _, record := range records {
		writeXMLValue(&buf, "auditLog", record, 1)
	}
	buf.WriteString("</gdprExport>\n")
	return buf.Bytes(), nil
}

func writeXMLValue(buf *bytes.Buffer, name string, v any, depth int) {
	indent := strings.Repeat("  ", depth)
	switch val := v.(type) {
	case nil:
		fmt.Fprintf(buf, "%s<%s/>\n", indent, name)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(buf, "%s<%s>\n", indent, name)
		for _, k := range keys {
			writeXMLValue(buf, k, val[k], depth+1)
		}
		fmt.Fprintf(buf, "%s</%s>\n", indent, name)
	case []any:
		// Arrays repeat the element name per item.
		for _, item := range val {
			writeXMLValue(buf, name, item, depth)
		}
	default:
		fmt.Fprintf(buf, "%s<%s>%s</%s>\n", indent, name, xmlEscape(cellValue(v)), name)
	}
}

func xmlEscape(s string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"'", "&apos;",
		`"`, "&quot;",
	)
	return replacer.Replace(s)
}
