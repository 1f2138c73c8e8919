// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

// Package canonical produces the deterministic byte representation of audit
// events and the SHA-256 seal computed over it.
//
// The canonical form is a JSON document with:
//   - top-level and nested object keys in lexicographic (byte) order
//   - arrays in insertion order
//   - absent or null fields emitted as the literal `null`
//   - numbers in shortest round-trip decimal
//   - strings JSON-escaped without HTML escaping
//
// The fields `id`, `hash`, `archivedAt` and `processingLatencyMs` are
// excluded: they are assigned at or after persistence and cannot participate
// in a seal computed before the write. Any byte difference in the canonical
// form changes the hash, so this encoder must never change behavior for an
// already-sealed field set; re-hashing a store after an encoder change is a
// recorded migration, not a silent upgrade.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/caretrace/caretrace/internal/models"
)

// Algorithm is the only sealing algorithm this encoder produces.
const Algorithm = models.DefaultHashAlgorithm

// timestampLayout fixes the canonical timestamp rendering. Events are stored
// in UTC; the explicit offset keeps the form self-describing.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Canonicalize returns the canonical byte form of the event.
// It fails with a validation error when required fields are missing, so a
// hash is never computed over an event that could not be persisted.
func Canonicalize(e *models.AuditEvent) ([]byte, error) {
	if e == nil {
		return nil, &models.ValidationError{Field: "event", Reason: "required"}
	}
	if e.Action == "" {
		return nil, &models.ValidationError{Field: "action", Reason: "required"}
	}
	if e.Status == "" {
		return nil, &models.ValidationError{Field: "status", Reason: "required"}
	}
	if e.Timestamp.IsZero() {
		return nil, &models.ValidationError{Field: "timestamp", Reason: "required"}
	}

	var b []byte
	b = append(b, '{')
	b = appendField(b, "action", e.Action, false)
	b = appendField(b, "correlationId", e.CorrelationID, true)
	b = appendField(b, "dataClassification", string(e.DataClassification), true)

	b = append(b, `,"details":`...)
	if e.Details == nil {
		b = append(b, "null"...)
	} else {
		var err error
		b, err = appendValue(b, mapToAny(e.Details))
		if err != nil {
			return nil, err
		}
	}

	b = appendField(b, "eventVersion", e.EventVersion, true)
	b = appendField(b, "hashAlgorithm", e.HashAlgorithm, true)
	b = appendField(b, "organizationId", e.OrganizationID, true)
	b = appendField(b, "outcomeDescription", e.OutcomeDescription, true)
	b = appendField(b, "principalId", e.PrincipalID, true)
	b = appendField(b, "retentionPolicy", e.RetentionPolicy, true)

	b = append(b, `,"sessionContext":`...)
	if e.SessionContext == nil {
		b = append(b, "null"...)
	} else {
		b = append(b, '{')
		b = appendField(b, "ipAddress", e.SessionContext.IPAddress, false)
		b = appendField(b, "sessionId", e.SessionContext.SessionID, true)
		b = appendField(b, "userAgent", e.SessionContext.UserAgent, true)
		b = append(b, '}')
	}

	b = appendField(b, "status", string(e.Status), true)
	b = appendField(b, "targetResourceId", e.TargetResourceID, true)
	b = appendField(b, "targetResourceType", e.TargetResourceType, true)

	b = append(b, `,"timestamp":`...)
	b = appendString(b, e.Timestamp.UTC().Format(timestampLayout))

	b = append(b, '}')
	return b, nil
}

// Hash seals the event: lowercase hex SHA-256 over the canonical form.
func Hash(e *models.AuditEvent) (string, error) {
	b, err := Canonicalize(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Verify recomputes the seal and compares it against the stored hash.
func Verify(e *models.AuditEvent) (models.VerificationStatus, string, error) {
	if e.Hash == "" {
		return models.VerificationMissingHash, "", nil
	}
	observed, err := Hash(e)
	if err != nil {
		return "", "", err
	}
	if observed != e.Hash {
		return models.VerificationMismatch, observed, nil
	}
	return models.VerificationOK, observed, nil
}

// appendField writes `,"name":value` for a string field; empty strings render
// as null because absence is part of the canonical form.
func appendField(b []byte, name, value string, comma bool) []byte {
	if comma {
		b = append(b, ',')
	}
	b = appendString(b, name)
	b = append(b, ':')
	if value == "" {
		return append(b, "null"...)
	}
	return appendString(b, value)
}

// appendValue canonicalizes an arbitrary details value.
func appendValue(b []byte, v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(b, "null"...), nil
	case bool:
		if val {
			return append(b, "true"...), nil
		}
		return append(b, "false"...), nil
	case string:
		return appendString(b, val), nil
	case float64:
		return appendNumber(b, val)
	case float32:
		return appendNumber(b, float64(val))
	case int:
		return strconv.AppendInt(b, int64(val), 10), nil
	case int32:
		return strconv.AppendInt(b, int64(val), 10), nil
	case int64:
		return strconv.AppendInt(b, val, 10), nil
	case uint64:
		return strconv.AppendUint(b, val, 10), nil
	case time.Time:
		return appendString(b, val.UTC().Format(timestampLayout)), nil
	case []any:
		b = append(b, '[')
		for i, item := range val {
			if i > 0 {
				b = append(b, ',')
			}
			var err error
			b, err = appendValue(b, item)
			if err != nil {
				return nil, err
			}
		}
		return append(b, ']'), nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b = append(b, '{')
		for i, k := range keys {
			if i > 0 {
				b = append(b, ',')
			}
			b = appendString(b, k)
			b = append(b, ':')
			var err error
			b, err = appendValue(b, val[k])
			if err != nil {
				return nil, err
			}
		}
		return append(b, '}'), nil
	default:
		return nil, fmt.Errorf("canonical: unsupported value type %T", v)
	}
}

// appendNumber renders the shortest decimal that round-trips to the same
// float64. Integral values in the safe range render without an exponent or
// fraction, matching how producers wrote them.
func appendNumber(b []byte, f float64) ([]byte, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("canonical: non-finite number")
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.AppendInt(b, int64(f), 10), nil
	}
	return strconv.AppendFloat(b, f, 'g', -1, 64), nil
}

// appendString writes a JSON string without HTML escaping. Control characters
// escape as \u00XX; invalid UTF-8 is replaced with U+FFFD so equal logical
// strings always produce equal bytes.
func appendString(b []byte, s string) []byte {
	b = append(b, '"')
	for _, r := range s {
		switch r {
		case '"':
			b = append(b, '\\', '"')
		case '\\':
			b = append(b, '\\', '\\')
		case '\n':
			b = append(b, '\\', 'n')
		case '\r':
			b = append(b, '\\', 'r')
		case '\t':
			b = append(b, '\\', 't')
		default:
			if r < 0x20 {
				b = append(b, fmt.Sprintf(`\u%04x`, r)...)
			} else if r == utf8.RuneError {
				b = append(b, "�"...)
			} else {
				b = utf8.AppendRune(b, r)
			}
		}
	}
	return append(b, '"')
}

// mapToAny normalizes a details map so nested maps of concrete types
// canonicalize identically to their map[string]any equivalents.
func mapToAny(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			out[k] = mapToAny(val)
		case map[string]string:
			inner := make(map[string]any, len(val))
			for ik, iv := range val {
				inner[ik] = iv
			}
			out[k] = inner
		default:
			out[k] = v
		}
	}
	return out
}
