// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

// Package metrics provides Prometheus instrumentation for the audit pipeline:
// ingestion throughput, processing latency, queue and dead-letter depth,
// circuit breaker state, integrity sweeps and GDPR operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion worker metrics
	EventsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_events_received_total",
			Help: "Total audit events claimed from the queue",
		},
	)

	EventsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_events_processed_total",
			Help: "Total audit events validated, hashed and persisted",
		},
	)

	EventsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_events_failed_total",
			Help: "Total audit events that failed processing",
		},
		[]string{"reason"}, // "invalid", "transient", "conflict", "store"
	)

	EventsDeadLettered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_events_dead_lettered_total",
			Help: "Total audit events routed to the dead-letter stream",
		},
	)

	ProcessingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "audit_processing_latency_seconds",
			Help:    "Wall-clock latency from claim to ack, per action",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"action"},
	)

	WorkerInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audit_worker_in_flight_jobs",
			Help: "Jobs currently being processed by the worker pool",
		},
	)

	// Queue metrics
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "audit_queue_depth",
			Help: "Current depth of the work queue",
		},
		[]string{"queue"},
	)

	QueueRedeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_queue_redeliveries_total",
			Help: "Jobs redelivered after visibility timeout expiry",
		},
	)

	// Dead-letter metrics
	DLQEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audit_dlq_entries",
			Help: "Current number of dead-letter entries",
		},
	)

	DLQOldestAge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audit_dlq_oldest_age_seconds",
			Help: "Age of the oldest dead-letter entry",
		},
	)

	DLQByCategory = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "audit_dlq_entries_by_category",
			Help: "Dead-letter entries by error category",
		},
		[]string{"category"},
	)

	// Retry / circuit breaker metrics
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_retry_attempts_total",
			Help: "Retry attempts by outcome",
		},
		[]string{"outcome"}, // "retried", "exhausted", "aborted"
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "audit_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"key"},
	)

	CircuitBreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_circuit_breaker_rejections_total",
			Help: "Calls rejected while the circuit was open",
		},
		[]string{"key"},
	)

	// Integrity metrics
	IntegrityChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_integrity_checks_total",
			Help: "Integrity verification outcomes",
		},
		[]string{"status"}, // "ok", "mismatch", "missing_hash"
	)

	IntegritySweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_integrity_sweep_duration_seconds",
			Help:    "Duration of integrity verification sweeps",
			Buckets: prometheus.DefBuckets,
		},
	)

	// GDPR metrics
	GDPROperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_gdpr_operations_total",
			Help: "GDPR engine operations by type and outcome",
		},
		[]string{"operation", "outcome"}, // operation: export/pseudonymize/retention/erasure
	)

	RetentionRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_retention_records_total",
			Help: "Records archived or deleted by retention application",
		},
		[]string{"action", "classification"}, // action: "archived", "deleted"
	)

	// Alert metrics
	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_alerts_raised_total",
			Help: "Alerts raised by the monitor",
		},
		[]string{"type", "severity"},
	)

	AlertsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_alerts_deduplicated_total",
			Help: "Alert creations suppressed by the deduplication window",
		},
	)

	// Config metrics
	ConfigReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_config_reloads_total",
			Help: "Configuration reloads by outcome",
		},
		[]string{"outcome"}, // "applied", "rejected"
	)
)

// ObserveProcessingLatency records one job's claim-to-ack latency.
func ObserveProcessingLatency(action string, d time.Duration) {
	ProcessingLatency.WithLabelValues(action).Observe(d.Seconds())
}

// SetBreakerState publishes a breaker state transition.
func SetBreakerState(key string, state float64) {
	CircuitBreakerState.WithLabelValues(key).Set(state)
}

// UpdateDLQGauges refreshes the dead-letter gauges from a stats snapshot.
func UpdateDLQGauges(entries int64, oldestAge float64, byCategory map[string]int64) {
	DLQEntries.Set(float64(entries))
	DLQOldestAge.Set(oldestAge)
	for category, count := range byCategory {
		DLQByCategory.WithLabelValues(category).Set(float64(count))
	}
}
