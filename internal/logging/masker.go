// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

package logging

import (
	"regexp"
	"strings"
)

// maxMaskLength bounds replacement runs so masked values never leak length
// information beyond this many characters.
const maxMaskLength = 20

// defaultSensitiveFields are matched as case-insensitive substrings of field
// names. A field whose name contains any of these has its value masked.
var defaultSensitiveFields = []string{
	"password", "token", "apikey", "api_key", "authorization", "cookie",
	"session", "secret", "ssn", "credit", "cvv", "pin", "email", "phone",
}

// Patterns that identify sensitive data inside free-form strings.
var (
	creditCardPattern = regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`)
	ssnPattern        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	emailPattern      = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phonePattern      = regexp.MustCompile(`\+?\d{1,3}[ .-]?\(?\d{2,4}\)?[ .-]?\d{3,4}[ .-]?\d{3,4}\b`)
	bearerPattern     = regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._~+/=-]+`)
	basicPattern      = regexp.MustCompile(`(?i)\bBasic\s+[A-Za-z0-9+/=]+`)
)

// Masker replaces sensitive field values and string patterns with bounded
// runs of '*' before they reach any log sink or exported error metadata.
type Masker struct {
	fields []string
}

// NewMasker creates a masker with the default sensitive-field list plus any
// extra field names from configuration.
func NewMasker(extraFields ...string) *Masker {
	fields := make([]string, 0, len(defaultSensitiveFields)+len(extraFields))
	fields = append(fields, defaultSensitiveFields...)
	for _, f := range extraFields {
		fields = append(fields, strings.ToLower(f))
	}
	return &Masker{fields: fields}
}

// IsSensitiveField reports whether a field name warrants masking its value.
func (m *Masker) IsSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, f := range m.fields {
		if strings.Contains(lower, f) {
			return true
		}
	}
	return false
}

// Mask returns a '*' run sized to the value, capped at maxMaskLength.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	n := len(value)
	if n > maxMaskLength {
		n = maxMaskLength
	}
	return strings.Repeat("*", n)
}

// MaskString scrubs recognized sensitive patterns out of a free-form string.
func (m *Masker) MaskString(s string) string {
	if s == "" {
		return s
	}
	for _, p := range []*regexp.Regexp{bearerPattern, basicPattern, creditCardPattern, ssnPattern, emailPattern, phonePattern} {
		s = p.ReplaceAllStringFunc(s, Mask)
	}
	return s
}

// MaskValue masks a value given its field name: sensitive names are fully
// masked, others are pattern-scrubbed.
func (m *Masker) MaskValue(name, value string) string {
	if m.IsSensitiveField(name) {
		return Mask(value)
	}
	return m.MaskString(value)
}

// MaskMap returns a deep copy with sensitive entries masked. Safe to call on
// event details before they are attached to errors or log entries.
func (m *Masker) MaskMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case string:
			out[k] = m.MaskValue(k, val)
		case map[string]any:
			if m.IsSensitiveField(k) {
				out[k] = Mask("redacted-object")
			} else {
				out[k] = m.MaskMap(val)
			}
		case []any:
			items := make([]any, len(val))
			for i, item := range val {
				if s, ok := item.(string); ok {
					items[i] = m.MaskValue(k, s)
				} else {
					items[i] = item
				}
			}
			out[k] = items
		default:
			if m.IsSensitiveField(k) {
				out[k] = Mask("redacted")
			} else {
				out[k] = v
			}
		}
	}
	return out
}
