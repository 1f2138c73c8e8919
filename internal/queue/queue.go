// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

// Package queue provides the reliable work queue behind the ingestion
// pipeline: at-least-once delivery with visibility timeouts, delayed
// retries, and dead-letter routing. Two implementations exist: an in-memory
// queue for development and tests, and a NATS JetStream transport for
// production.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/caretrace/caretrace/internal/models"
)

// Job is one claimed unit of work. Delivery is at-least-once: consumers
// must be idempotent with respect to the event's idempotency key.
type Job struct {
	// ID identifies the job for ack/nack.
	ID string

	// Event is the decoded audit event.
	Event *models.AuditEvent

	// Attempts counts deliveries including this one.
	Attempts int

	// EnqueuedAt is when the producer submitted the event.
	EnqueuedAt time.Time

	// ClaimedAt is when this delivery was claimed.
	ClaimedAt time.Time

	// LastError carries the most recent processing failure, if any.
	LastError string
}

// Queue is the reliable queue adapter contract.
type Queue interface {
	// Enqueue submits an event for processing.
	Enqueue(ctx context.Context, event *models.AuditEvent) error

	// Claim leases up to count jobs. A job not acked within
	// visibilityTimeout is redelivered to a later Claim.
	Claim(ctx context.Context, count int, visibilityTimeout time.Duration) ([]*Job, error)

	// Ack settles a job permanently.
	Ack(ctx context.Context, jobID string) error

	// Nack records a processing failure. After maxRetries failures the job
	// moves to the dead-letter stream with the last error preserved.
	Nack(ctx context.Context, jobID string, category ErrorCategory, cause error) error

	// ScheduleRetry re-delivers a job after the given delay without
	// counting a failure.
	ScheduleRetry(ctx context.Context, jobID string, delay time.Duration) error

	// DeadLetter moves a job to the dead-letter stream immediately.
	DeadLetter(ctx context.Context, jobID string, reason string) error

	// Depth returns the number of ready (claimable) jobs.
	Depth(ctx context.Context) (int64, error)

	// DeadLetters exposes the dead-letter store for inspection.
	DeadLetters() *DeadLetterStore

	// Close stops the queue; outstanding claims become redeliverable.
	Close() error
}

// Serializer encodes audit events for the wire. Validation happens before
// marshal so malformed events never reach the stream.
type Serializer struct{}

// NewSerializer creates a serializer.
func NewSerializer() *Serializer { return &Serializer{} }

// Marshal converts an event to JSON bytes.
func (s *Serializer) Marshal(event *models.AuditEvent) ([]byte, error) {
	if event == nil {
		return nil, fmt.Errorf("marshal nil event")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}

// Unmarshal converts JSON bytes to an event.
func (s *Serializer) Unmarshal(data []byte) (*models.AuditEvent, error) {
	var event models.AuditEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return &event, nil
}
