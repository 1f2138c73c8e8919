// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

// Package config is the configuration core: load, decrypt, validate, publish
// an atomic snapshot, watch for changes and apply hot-reloadable updates.
package config

import (
	"time"

	"github.com/caretrace/caretrace/internal/resilience"
)

// Environment names the deployment mode.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
	EnvTest        Environment = "test"
)

// Valid reports whether the environment is a known mode.
func (e Environment) Valid() bool {
	switch e {
	case EnvDevelopment, EnvStaging, EnvProduction, EnvTest:
		return true
	}
	return false
}

// Config is the full configuration snapshot. The on-disk form is JSON with
// the same key names; environment variables override individual fields.
type Config struct {
	Environment Environment `koanf:"environment" json:"environment"`
	Version     int64       `koanf:"version" json:"version"`
	LastUpdated string      `koanf:"lastUpdated" json:"lastUpdated"`

	Redis          RedisConfig      `koanf:"redis" json:"redis"`
	Database       DatabaseConfig   `koanf:"database" json:"database"`
	Queue          QueueConfig      `koanf:"queue" json:"queue"`
	Worker         WorkerConfig     `koanf:"worker" json:"worker"`

	// Retry and CircuitBreaker are the resilience package's own config
	// types: the file feeds the live Executor without a translation layer.
	Retry          resilience.RetryConfig   `koanf:"retry" json:"retry"`
	CircuitBreaker resilience.BreakerConfig `koanf:"circuitBreaker" json:"circuitBreaker"`
	DeadLetter     DeadLetterConfig `koanf:"deadLetter" json:"deadLetter"`
	Monitoring     MonitoringConfig `koanf:"monitoring" json:"monitoring"`
	Security       SecurityConfig   `koanf:"security" json:"security"`
	Compliance     ComplianceConfig `koanf:"compliance" json:"compliance"`
	Logging        LoggingConfig    `koanf:"logging" json:"logging"`
	HotReload      HotReloadConfig  `koanf:"hotReloadConfig" json:"hotReloadConfig"`
}

// RedisConfig configures the legacy Redis-backed queue transport. The
// section remains part of the config surface for deployments migrating from
// the Redis queue; the NATS transport in QueueConfig is the default.
type RedisConfig struct {
	URL                  string `koanf:"url" json:"url" validate:"omitempty,uri"`
	ConnectTimeout       int    `koanf:"connectTimeout" json:"connectTimeout" validate:"min=0"`
	CommandTimeout       int    `koanf:"commandTimeout" json:"commandTimeout" validate:"min=0"`
	MaxRetriesPerRequest int    `koanf:"maxRetriesPerRequest" json:"maxRetriesPerRequest" validate:"min=0"`
}

// DatabaseConfig configures the relational store.
type DatabaseConfig struct {
	URL               string `koanf:"url" json:"url" validate:"required"`
	SSL               bool   `koanf:"ssl" json:"ssl"`
	PoolSize          int    `koanf:"poolSize" json:"poolSize" validate:"min=1"`
	ConnectionTimeout int    `koanf:"connectionTimeout" json:"connectionTimeout" validate:"min=0"`
	QueryTimeout      int    `koanf:"queryTimeout" json:"queryTimeout" validate:"min=0"`
}

// QueueConfig configures the NATS JetStream transport behind the reliable
// queue adapter.
type QueueConfig struct {
	URL            string `koanf:"url" json:"url"`
	EmbeddedServer bool   `koanf:"embeddedServer" json:"embeddedServer"`
	StoreDir       string `koanf:"storeDir" json:"storeDir"`
	StreamName     string `koanf:"streamName" json:"streamName"`
}

// WorkerConfig configures the ingestion worker.
type WorkerConfig struct {
	Concurrency     int    `koanf:"concurrency" json:"concurrency" validate:"min=1"`
	QueueName       string `koanf:"queueName" json:"queueName" validate:"required"`
	Port            int    `koanf:"port" json:"port" validate:"min=1,max=65535"`
	ShutdownTimeout int    `koanf:"shutdownTimeout" json:"shutdownTimeout" validate:"min=1"`
}

// DeadLetterConfig configures the dead-letter stream.
type DeadLetterConfig struct {
	QueueName        string `koanf:"queueName" json:"queueName" validate:"required"`
	AlertThreshold   int    `koanf:"alertThreshold" json:"alertThreshold" validate:"min=1"`
	MaxRetentionTime int    `koanf:"maxRetentionTime" json:"maxRetentionTime" validate:"min=1"`
}

// AlertThresholds drive the monitor's rules.
type AlertThresholds struct {
	ErrorRate         float64 `koanf:"errorRate" json:"errorRate"`
	ProcessingLatency int     `koanf:"processingLatency" json:"processingLatency" validate:"min=0"`
	QueueDepth        int     `koanf:"queueDepth" json:"queueDepth" validate:"min=0"`
	MemoryUsage       float64 `koanf:"memoryUsage" json:"memoryUsage" validate:"min=0,max=1"`

	// FailedLoginCount/FailedLoginWindowSec drive the brute-force rule.
	FailedLoginCount     int `koanf:"failedLoginCount" json:"failedLoginCount" validate:"min=1"`
	FailedLoginWindowSec int `koanf:"failedLoginWindowSec" json:"failedLoginWindowSec" validate:"min=1"`
}

// MonitoringConfig configures metrics and the alert monitor.
type MonitoringConfig struct {
	Enabled             bool            `koanf:"enabled" json:"enabled"`
	MetricsInterval     int             `koanf:"metricsInterval" json:"metricsInterval" validate:"min=1"`
	HealthCheckInterval int             `koanf:"healthCheckInterval" json:"healthCheckInterval" validate:"min=1"`
	AlertThresholds     AlertThresholds `koanf:"alertThresholds" json:"alertThresholds"`

	// AlertDedupWindowSec suppresses duplicate alerts.
	AlertDedupWindowSec int `koanf:"alertDedupWindowSec" json:"alertDedupWindowSec" validate:"min=1"`
}

// SecurityConfig gates the trust machinery.
type SecurityConfig struct {
	EnableIntegrityVerification bool   `koanf:"enableIntegrityVerification" json:"enableIntegrityVerification"`
	EnableEventSigning          bool   `koanf:"enableEventSigning" json:"enableEventSigning"`
	EnableLogEncryption         bool   `koanf:"enableLogEncryption" json:"enableLogEncryption"`
	EncryptionKey               string `koanf:"encryptionKey" json:"encryptionKey,omitempty"`

	// PseudonymSalt feeds the deterministic pseudonym strategy. Loaded from
	// PSEUDONYM_SALT; an empty value is a startup error, never a fallback.
	PseudonymSalt string `koanf:"pseudonymSalt" json:"pseudonymSalt,omitempty"`

	// IntegritySweepIntervalSec schedules background verification sweeps.
	IntegritySweepIntervalSec int `koanf:"integritySweepIntervalSec" json:"integritySweepIntervalSec" validate:"min=0"`
}

// ReportingSchedule configures compliance report delivery.
type ReportingSchedule struct {
	Enabled    bool     `koanf:"enabled" json:"enabled"`
	Frequency  string   `koanf:"frequency" json:"frequency" validate:"omitempty,oneof=daily weekly monthly"`
	Recipients []string `koanf:"recipients" json:"recipients" validate:"dive,email"`
}

// ComplianceConfig configures the GDPR engine and retention defaults.
type ComplianceConfig struct {
	EnableGDPR           bool              `koanf:"enableGDPR" json:"enableGDPR"`
	DefaultRetentionDays int               `koanf:"defaultRetentionDays" json:"defaultRetentionDays" validate:"min=1"`
	AutoArchival         bool              `koanf:"autoArchival" json:"autoArchival"`
	ReportingSchedule    ReportingSchedule `koanf:"reportingSchedule" json:"reportingSchedule"`
}

// LoggingConfig configures the log pipeline.
type LoggingConfig struct {
	Level         string `koanf:"level" json:"level" validate:"oneof=debug info warn error"`
	Structured    bool   `koanf:"structured" json:"structured"`
	RetentionDays int    `koanf:"retentionDays" json:"retentionDays" validate:"min=1"`
}

// HotReloadConfig whitelists the fields that may change at runtime.
type HotReloadConfig struct {
	Enabled         bool     `koanf:"enabled" json:"enabled"`
	ReloadableFields []string `koanf:"reloadableFields" json:"reloadableFields"`
}

// Default returns the built-in defaults, overridden by file and environment.
func Default() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Version:     1,
		LastUpdated: time.Now().UTC().Format(time.RFC3339),
		Redis: RedisConfig{
			ConnectTimeout:       10000,
			CommandTimeout:       5000,
			MaxRetriesPerRequest: 3,
		},
		Database: DatabaseConfig{
			URL:               "/data/caretrace.duckdb",
			SSL:               false,
			PoolSize:          4,
			ConnectionTimeout: 10000,
			QueryTimeout:      30000,
		},
		Queue: QueueConfig{
			URL:            "nats://127.0.0.1:4222",
			EmbeddedServer: true,
			StoreDir:       "/data/nats/jetstream",
			StreamName:     "AUDIT",
		},
		Worker: WorkerConfig{
			Concurrency:     2,
			QueueName:       "audit.events",
			Port:            8480,
			ShutdownTimeout: 30,
		},
		Retry:          resilience.DefaultRetryConfig(),
		CircuitBreaker: resilience.DefaultBreakerConfig(),
		DeadLetter: DeadLetterConfig{
			QueueName:        "audit.events.dead",
			AlertThreshold:   100,
			MaxRetentionTime: 7 * 24 * 3600,
		},
		Monitoring: MonitoringConfig{
			Enabled:             true,
			MetricsInterval:     15,
			HealthCheckInterval: 30,
			AlertThresholds: AlertThresholds{
				ErrorRate:            0.05,
				ProcessingLatency:    5000,
				QueueDepth:           10000,
				MemoryUsage:          0.9,
				FailedLoginCount:     5,
				FailedLoginWindowSec: 60,
			},
			AlertDedupWindowSec: 300,
		},
		Security: SecurityConfig{
			EnableIntegrityVerification: true,
			EnableEventSigning:          false,
			EnableLogEncryption:         false,
			IntegritySweepIntervalSec:   3600,
		},
		Compliance: ComplianceConfig{
			EnableGDPR:           true,
			DefaultRetentionDays: 365,
			AutoArchival:         true,
			ReportingSchedule: ReportingSchedule{
				Enabled:   false,
				Frequency: "weekly",
			},
		},
		Logging: LoggingConfig{
			Level:         "info",
			Structured:    true,
			RetentionDays: 90,
		},
		HotReload: HotReloadConfig{
			Enabled: true,
			ReloadableFields: []string{
				"logging.level",
				"worker.concurrency",
				"monitoring.alertThresholds.errorRate",
				"monitoring.alertThresholds.processingLatency",
				"monitoring.alertThresholds.queueDepth",
				"monitoring.alertThresholds.failedLoginCount",
				"monitoring.alertThresholds.failedLoginWindowSec",
				"monitoring.alertDedupWindowSec",
				"retry.maxAttempts",
				"retry.initialDelayMs",
				"retry.maxDelayMs",
			},
		},
	}
}

// applyEnvironmentDefaults adjusts defaults that depend on the deployment
// mode: production raises the worker pool unless explicitly configured.
func (c *Config) applyEnvironmentDefaults() {
	if c.Environment == EnvProduction && c.Worker.Concurrency == 2 {
		c.Worker.Concurrency = 8
	}
}
