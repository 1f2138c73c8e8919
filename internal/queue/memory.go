// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caretrace/caretrace/internal/metrics"
	"github.com/caretrace/caretrace/internal/models"
)

// MemoryConfig configures the in-memory queue.
type MemoryConfig struct {
	// MaxRetries is how many nacks a job survives before dead-lettering.
	MaxRetries int

	// DeadLetterRetention bounds how long dead-letter entries are kept.
	DeadLetterRetention time.Duration

	// DeadLetterAlertThreshold raises an alert when the stream grows past it.
	DeadLetterAlertThreshold int
}

// DefaultMemoryConfig returns development defaults.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		MaxRetries:               5,
		DeadLetterRetention:      7 * 24 * time.Hour,
		DeadLetterAlertThreshold: 100,
	}
}

type jobState int

const (
	stateReady jobState = iota
	stateInFlight
	stateDelayed
)

type memJob struct {
	id            string
	payload       []byte
	event         *models.AuditEvent
	state         jobState
	attempts      int
	failures      int
	enqueuedAt    time.Time
	visibleAt     time.Time // inflight: lease expiry; delayed: ready time
	originalError string
	lastError     string
	firstFailure  time.Time
}

// MemoryQueue is a single-process Queue with full redelivery semantics.
// Suitable for development and tests; production uses the JetStream
// transport.
type MemoryQueue struct {
	config     MemoryConfig
	serializer *Serializer
	dlq        *DeadLetterStore

	mu     sync.Mutex
	jobs   map[string]*memJob
	order  []string
	closed bool
	// wakeup signals blocked Claim calls that work may be available.
	wakeup chan struct{}
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue(cfg MemoryConfig) *MemoryQueue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &MemoryQueue{
		config:     cfg,
		serializer: NewSerializer(),
		dlq:        NewDeadLetterStore(cfg.DeadLetterRetention, cfg.DeadLetterAlertThreshold),
		jobs:       make(map[string]*memJob),
		wakeup:     make(chan struct{}, 1),
	}
}

// Enqueue submits an event.
func (q *MemoryQueue) Enqueue(_ context.Context, event *models.AuditEvent) error {
	payload, err := q.serializer.Marshal(event)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	job := &memJob{
		id:         uuid.New().String(),
		payload:    payload,
		state:      stateReady,
		enqueuedAt: time.Now(),
	}
	q.jobs[job.id] = job
	q.order = append(q.order, job.id)
	metrics.QueueDepth.WithLabelValues("memory").Set(float64(q.readyCountLocked()))
	q.signal()
	return nil
}

func (q *MemoryQueue) signal() {
	select {
	case q.wakeup <- struct{}{}:
	default:
	}
}

// Claim leases up to count jobs, blocking until at least one is available
// or the context is canceled.
func (q *MemoryQueue) Claim(ctx context.Context, count int, visibilityTimeout time.Duration) ([]*Job, error) {
	if count <= 0 {
		count = 1
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 30 * time.Second
	}

	for {
		jobs, err := q.tryClaim(count, visibilityTimeout)
		if err != nil || len(jobs) > 0 {
			return jobs, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wakeup:
		case <-time.After(100 * time.Millisecond):
			// Periodic poll catches lease expiries and due delays.
		}
	}
}

func (q *MemoryQueue) tryClaim(count int, visibilityTimeout time.Duration) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}

	now := time.Now()
	var claimed []*Job
	for _, id := range q.order {
		if len(claimed) >= count {
			break
		}
		job, ok := q.jobs[id]
		if !ok {
			continue
		}

		switch job.state {
		case stateReady:
			// claimable
		case stateDelayed:
			if job.visibleAt.After(now) {
				continue
			}
		case stateInFlight:
			if job.visibleAt.After(now) {
				continue
			}
			// Lease expired: redeliver.
			metrics.QueueRedeliveries.Inc()
		}

		event := job.event
		if event == nil {
			decoded, err := q.serializer.Unmarshal(job.payload)
			if err != nil {
				// Undecodable payloads go straight to the dead-letter stream.
				q.deadLetterLocked(job, "payload unmarshal failed: "+err.Error(), ErrorCategoryValidation)
				continue
			}
			job.event = decoded
			event = decoded
		}

		job.state = stateInFlight
		job.attempts++
		job.visibleAt = now.Add(visibilityTimeout)

		claimed = append(claimed, &Job{
			ID:         job.id,
			Event:      event,
			Attempts:   job.attempts,
			EnqueuedAt: job.enqueuedAt,
			ClaimedAt:  now,
			LastError:  job.lastError,
		})
	}

	metrics.QueueDepth.WithLabelValues("memory").Set(float64(q.readyCountLocked()))
	return claimed, nil
}

// Ack settles a job permanently.
func (q *MemoryQueue) Ack(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok || job.state != stateInFlight {
		return ErrJobNotFound
	}
	delete(q.jobs, jobID)
	return nil
}

// Nack records a failure. The job becomes ready again until MaxRetries
// failures accumulate, then moves to the dead-letter stream.
func (q *MemoryQueue) Nack(_ context.Context, jobID string, category ErrorCategory, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok || job.state != stateInFlight {
		return ErrJobNotFound
	}

	msg := "unknown failure"
	if cause != nil {
		msg = cause.Error()
	}
	job.failures++
	job.lastError = msg
	if job.originalError == "" {
		job.originalError = msg
		job.firstFailure = time.Now()
	}

	if job.failures >= q.config.MaxRetries {
		q.deadLetterLocked(job, "retry limit reached: "+msg, category)
		return nil
	}

	job.state = stateReady
	q.signal()
	return nil
}

// ScheduleRetry re-delivers a job after the delay without counting a
// failure.
func (q *MemoryQueue) ScheduleRetry(_ context.Context, jobID string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok || job.state != stateInFlight {
		return ErrJobNotFound
	}
	job.state = stateDelayed
	job.visibleAt = time.Now().Add(delay)
	return nil
}

// DeadLetter moves a job to the dead-letter stream immediately.
func (q *MemoryQueue) DeadLetter(_ context.Context, jobID string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	q.deadLetterLocked(job, reason, CategorizeErrorMessage(reason))
	return nil
}

// deadLetterLocked must be called with q.mu held.
func (q *MemoryQueue) deadLetterLocked(job *memJob, reason string, category ErrorCategory) {
	delete(q.jobs, job.id)

	first := job.firstFailure
	if first.IsZero() {
		first = time.Now()
	}
	original := job.originalError
	if original == "" {
		original = reason
	}
	last := job.lastError
	if last == "" {
		last = reason
	}

	q.dlq.Add(&DeadLetterEntry{
		JobID:         job.id,
		Event:         job.payload,
		OriginalError: original,
		LastError:     last,
		Attempts:      job.attempts,
		FirstFailure:  first,
		LastFailure:   time.Now(),
		Category:      category,
		Reason:        reason,
	})
}

// Depth returns the number of claimable jobs.
func (q *MemoryQueue) Depth(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(q.readyCountLocked()), nil
}

func (q *MemoryQueue) readyCountLocked() int {
	now := time.Now()
	n := 0
	for _, job := range q.jobs {
		switch job.state {
		case stateReady:
			n++
		case stateDelayed, stateInFlight:
			if !job.visibleAt.After(now) {
				n++
			}
		}
	}
	return n
}

// DeadLetters exposes the dead-letter store.
func (q *MemoryQueue) DeadLetters() *DeadLetterStore { return q.dlq }

// Close stops the queue.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.signal()
	return nil
}

// CategorizeErrorMessage mirrors CategorizeError for plain strings.
func CategorizeErrorMessage(msg string) ErrorCategory {
	if msg == "" {
		return ErrorCategoryUnknown
	}
	return CategorizeError(errMessage(msg))
}

type errMessage string

func (e errMessage) Error() string { return string(e) }
