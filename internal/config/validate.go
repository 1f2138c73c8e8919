// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/caretrace/caretrace/internal/auditerrors"
)

// ValidationError carries the offending field, its value and the violated
// constraint. It is fatal at startup (exit code 2).
type ValidationError struct {
	Field      string
	Value      any
	Constraint string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation: field %s = %v violates %s", e.Field, e.Value, e.Constraint)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate runs schema validation, cross-field rules and environment rules.
// The first violation is returned as a ValidationError wrapped in the
// ConfigValidation kind.
func (c *Config) Validate() error {
	if !c.Environment.Valid() {
		return wrapValidation(&ValidationError{
			Field: "environment", Value: c.Environment,
			Constraint: "one of development|staging|production|test",
		})
	}

	if err := validate.Struct(c); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return auditerrors.Wrap(auditerrors.KindConfigValidation, "schema validation failed", err)
		}
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return wrapValidation(&ValidationError{
				Field:      fe.Namespace(),
				Value:      fe.Value(),
				Constraint: fe.Tag(),
			})
		}
		return auditerrors.Wrap(auditerrors.KindConfigValidation, "schema validation failed", err)
	}

	if err := c.validateCrossField(); err != nil {
		return err
	}
	return c.validateEnvironmentRules()
}

func (c *Config) validateCrossField() error {
	if c.Retry.MaxDelayMs < c.Retry.InitialDelayMs {
		return wrapValidation(&ValidationError{
			Field: "retry.maxDelayMs", Value: c.Retry.MaxDelayMs,
			Constraint: fmt.Sprintf("must be >= retry.initialDelayMs (%d)", c.Retry.InitialDelayMs),
		})
	}
	if rate := c.Monitoring.AlertThresholds.ErrorRate; rate < 0 || rate > 1 {
		return wrapValidation(&ValidationError{
			Field: "monitoring.alertThresholds.errorRate", Value: rate,
			Constraint: "must be within [0,1]",
		})
	}
	if c.Security.EnableLogEncryption && c.Security.EncryptionKey == "" {
		return wrapValidation(&ValidationError{
			Field: "security.encryptionKey", Value: "",
			Constraint: "required when enableLogEncryption is set",
		})
	}
	if c.Compliance.ReportingSchedule.Enabled && len(c.Compliance.ReportingSchedule.Recipients) == 0 {
		return wrapValidation(&ValidationError{
			Field: "compliance.reportingSchedule.recipients", Value: nil,
			Constraint: "must be non-empty when reporting is enabled",
		})
	}
	if c.Compliance.EnableGDPR && c.Security.PseudonymSalt == "" {
		return wrapValidation(&ValidationError{
			Field: "security.pseudonymSalt", Value: "",
			Constraint: "required when GDPR is enabled; set PSEUDONYM_SALT",
		})
	}
	return nil
}

func (c *Config) validateEnvironmentRules() error {
	if c.Environment != EnvProduction {
		return nil
	}
	if !c.Security.EnableIntegrityVerification {
		return wrapValidation(&ValidationError{
			Field: "security.enableIntegrityVerification", Value: false,
			Constraint: "must be true in production",
		})
	}
	if !c.Database.SSL {
		return wrapValidation(&ValidationError{
			Field: "database.ssl", Value: false,
			Constraint: "must be true in production",
		})
	}
	if c.Logging.Level == "debug" {
		return wrapValidation(&ValidationError{
			Field: "logging.level", Value: "debug",
			Constraint: "must not be debug in production",
		})
	}
	return nil
}

func wrapValidation(ve *ValidationError) error {
	return auditerrors.Wrap(auditerrors.KindConfigValidation, ve.Error(), ve)
}
