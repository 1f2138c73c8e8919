// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

package models

import (
	"fmt"
	"time"
)

// RetentionPolicy describes the archive/delete lifecycle for a data
// classification. ArchiveAfterDays <= DeleteAfterDays <= RetentionDays must
// hold whenever the optional fields are set; violations are configuration
// errors caught at load/seed time, never at runtime.
type RetentionPolicy struct {
	// PolicyName is unique across the store.
	PolicyName string `json:"policyName"`

	// DataClassification selects the events the policy governs.
	DataClassification DataClassification `json:"dataClassification"`

	// RetentionDays is the total lifetime of governed events.
	RetentionDays int `json:"retentionDays"`

	// ArchiveAfterDays, when set, archives events older than this.
	ArchiveAfterDays *int `json:"archiveAfterDays,omitempty"`

	// DeleteAfterDays, when set, deletes archived events older than this.
	DeleteAfterDays *int `json:"deleteAfterDays,omitempty"`

	// IsActive gates whether retention application considers the policy.
	IsActive bool `json:"isActive"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate enforces the policy invariants.
func (p *RetentionPolicy) Validate() error {
	if p.PolicyName == "" {
		return fmt.Errorf("retention policy: policyName required")
	}
	if !p.DataClassification.Valid() {
		return fmt.Errorf("retention policy %s: unknown data classification %q", p.PolicyName, p.DataClassification)
	}
	if p.RetentionDays < 1 {
		return fmt.Errorf("retention policy %s: retentionDays must be >= 1", p.PolicyName)
	}
	if p.ArchiveAfterDays != nil && *p.ArchiveAfterDays > p.RetentionDays {
		return fmt.Errorf("retention policy %s: archiveAfterDays %d exceeds retentionDays %d",
			p.PolicyName, *p.ArchiveAfterDays, p.RetentionDays)
	}
	if p.DeleteAfterDays != nil {
		if p.ArchiveAfterDays != nil && *p.DeleteAfterDays <= *p.ArchiveAfterDays {
			return fmt.Errorf("retention policy %s: deleteAfterDays %d must exceed archiveAfterDays %d",
				p.PolicyName, *p.DeleteAfterDays, *p.ArchiveAfterDays)
		}
		if *p.DeleteAfterDays > p.RetentionDays {
			return fmt.Errorf("retention policy %s: deleteAfterDays %d exceeds retentionDays %d",
				p.PolicyName, *p.DeleteAfterDays, p.RetentionDays)
		}
	}
	return nil
}

// DefaultPolicies returns the seed policy set, one per classification.
func DefaultPolicies(now time.Time) []RetentionPolicy {
	archive := func(d int) *int { return &d }
	return []RetentionPolicy{
		{
			PolicyName:         "phi-hipaa",
			DataClassification: ClassificationPHI,
			RetentionDays:      2555, // six years per HIPAA §164.316(b)(2)(i), plus margin
			ArchiveAfterDays:   archive(365),
			IsActive:           true,
			CreatedAt:          now,
			UpdatedAt:          now,
		},
		{
			PolicyName:         "confidential-extended",
			DataClassification: ClassificationConfidential,
			RetentionDays:      1095,
			ArchiveAfterDays:   archive(180),
			DeleteAfterDays:    archive(1095),
			IsActive:           true,
			CreatedAt:          now,
			UpdatedAt:          now,
		},
		{
			PolicyName:         "standard",
			DataClassification: ClassificationInternal,
			RetentionDays:      365,
			ArchiveAfterDays:   archive(90),
			DeleteAfterDays:    archive(365),
			IsActive:           true,
			CreatedAt:          now,
			UpdatedAt:          now,
		},
		{
			PolicyName:         "public-short",
			DataClassification: ClassificationPublic,
			RetentionDays:      90,
			DeleteAfterDays:    archive(90),
			ArchiveAfterDays:   archive(30),
			IsActive:           true,
			CreatedAt:          now,
			UpdatedAt:          now,
		},
	}
}
