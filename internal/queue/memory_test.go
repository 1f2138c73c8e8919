// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/caretrace/caretrace/internal/models"
)

func testEvent(principal string) *models.AuditEvent {
	return &models.AuditEvent{
		Timestamp:   time.Now().UTC().Add(-time.Second),
		PrincipalID: principal,
		Action:      "auth.login.success",
		Status:      models.StatusSuccess,
	}
}

func claimOne(t *testing.T, q *MemoryQueue, visibility time.Duration) *Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	jobs, err := q.Claim(ctx, 1, visibility)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("claimed %d jobs, want 1", len(jobs))
	}
	return jobs[0]
}

func TestEnqueueClaimAck(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(DefaultMemoryConfig())
	defer q.Close()

	if err := q.Enqueue(context.Background(), testEvent("u1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job := claimOne(t, q, time.Minute)
	if job.Event.PrincipalID != "u1" {
		t.Errorf("claimed wrong event: %+v", job.Event)
	}
	if job.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", job.Attempts)
	}

	if err := q.Ack(context.Background(), job.ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	// Double ack is an error.
	if err := q.Ack(context.Background(), job.ID); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("double ack: %v", err)
	}

	depth, _ := q.Depth(context.Background())
	if depth != 0 {
		t.Errorf("depth after ack = %d", depth)
	}
}

func TestVisibilityTimeoutRedelivery(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(DefaultMemoryConfig())
	defer q.Close()

	q.Enqueue(context.Background(), testEvent("u2"))

	first := claimOne(t, q, 50*time.Millisecond)
	// Do not ack; the lease expires and the job redelivers.
	second := claimOne(t, q, time.Minute)

	if second.ID != first.ID {
		t.Errorf("redelivered different job")
	}
	if second.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", second.Attempts)
	}
}

func TestNackUntilDeadLetter(t *testing.T) {
	t.Parallel()

	cfg := DefaultMemoryConfig()
	cfg.MaxRetries = 3
	q := NewMemoryQueue(cfg)
	defer q.Close()

	q.Enqueue(context.Background(), testEvent("u3"))

	var jobID string
	for i := 0; i < 3; i++ {
		job := claimOne(t, q, time.Minute)
		jobID = job.ID
		if err := q.Nack(context.Background(), job.ID, ErrorCategoryStore, errors.New("store down")); err != nil {
			t.Fatalf("Nack %d: %v", i, err)
		}
	}

	// Third nack dead-letters the job.
	entry := q.DeadLetters().Get(jobID)
	if entry == nil {
		t.Fatal("job not dead-lettered after max retries")
	}
	if entry.LastError != "store down" {
		t.Errorf("LastError = %q", entry.LastError)
	}
	if entry.OriginalError != "store down" {
		t.Errorf("OriginalError = %q", entry.OriginalError)
	}
	if entry.Category != ErrorCategoryStore {
		t.Errorf("Category = %s", entry.Category)
	}

	depth, _ := q.Depth(context.Background())
	if depth != 0 {
		t.Errorf("dead-lettered job still claimable: depth=%d", depth)
	}
}

func TestScheduleRetryDelays(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(DefaultMemoryConfig())
	defer q.Close()

	q.Enqueue(context.Background(), testEvent("u4"))
	job := claimOne(t, q, time.Minute)

	if err := q.ScheduleRetry(context.Background(), job.ID, 80*time.Millisecond); err != nil {
		t.Fatalf("ScheduleRetry: %v", err)
	}

	// Not claimable before the delay.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	jobs, err := q.Claim(ctx, 1, time.Minute)
	cancel()
	if err == nil && len(jobs) > 0 {
		t.Fatal("delayed job claimable before delay elapsed")
	}

	// Claimable after.
	redelivered := claimOne(t, q, time.Minute)
	if redelivered.ID != job.ID {
		t.Errorf("wrong job redelivered")
	}
}

func TestExplicitDeadLetter(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(DefaultMemoryConfig())
	defer q.Close()

	q.Enqueue(context.Background(), testEvent("u5"))
	job := claimOne(t, q, time.Minute)

	if err := q.DeadLetter(context.Background(), job.ID, "invalid event: action required"); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}

	entries := q.DeadLetters().List()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].Category != ErrorCategoryValidation {
		t.Errorf("Category = %s, want validation", entries[0].Category)
	}
}

func TestDeadLetterThresholdAlert(t *testing.T) {
	t.Parallel()

	cfg := DefaultMemoryConfig()
	cfg.MaxRetries = 1
	cfg.DeadLetterAlertThreshold = 2
	q := NewMemoryQueue(cfg)
	defer q.Close()

	var alerted int64
	q.DeadLetters().OnThresholdExceeded(func(entries int64, threshold int) {
		alerted = entries
	})

	for i := 0; i < 2; i++ {
		q.Enqueue(context.Background(), testEvent("u6"))
		job := claimOne(t, q, time.Minute)
		q.Nack(context.Background(), job.ID, ErrorCategoryUnknown, errors.New("boom"))
	}

	if alerted != 2 {
		t.Errorf("alert fired with %d entries, want 2", alerted)
	}
}

func TestDeadLetterCleanup(t *testing.T) {
	t.Parallel()

	store := NewDeadLetterStore(time.Hour, 0)
	old := time.Now().Add(-2 * time.Hour)
	store.Add(&DeadLetterEntry{JobID: "old", FirstFailure: old})
	store.Add(&DeadLetterEntry{JobID: "new", FirstFailure: time.Now()})

	removed := store.Cleanup(time.Now())
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if store.Get("old") != nil {
		t.Error("old entry survived cleanup")
	}
	if store.Get("new") == nil {
		t.Error("fresh entry purged")
	}

	stats := store.Stats()
	if stats.Entries != 1 || stats.TotalAdded != 2 || stats.TotalPurged != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestClaimBatch(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(DefaultMemoryConfig())
	defer q.Close()

	for i := 0; i < 5; i++ {
		q.Enqueue(context.Background(), testEvent("batch"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	jobs, err := q.Claim(ctx, 3, time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(jobs) != 3 {
		t.Errorf("claimed %d, want 3", len(jobs))
	}

	depth, _ := q.Depth(context.Background())
	if depth != 2 {
		t.Errorf("depth = %d, want 2", depth)
	}
}

func TestClosedQueue(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(DefaultMemoryConfig())
	q.Close()

	if err := q.Enqueue(context.Background(), testEvent("u7")); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Enqueue after close: %v", err)
	}
	if _, err := q.Claim(context.Background(), 1, time.Minute); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Claim after close: %v", err)
	}
}
