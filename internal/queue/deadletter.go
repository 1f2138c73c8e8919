// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

package queue

import (
	"sync"
	"time"

	"github.com/caretrace/caretrace/internal/metrics"
)

// DeadLetterEntry is one unprocessable job preserved for human review.
type DeadLetterEntry struct {
	// JobID of the failed job.
	JobID string

	// Event is the original audit event that failed processing.
	Event []byte

	// OriginalError is the error message from the first failure.
	OriginalError string

	// LastError is the error message from the most recent attempt.
	LastError string

	// Attempts is the number of deliveries before dead-lettering.
	Attempts int

	// FirstFailure and LastFailure bracket the failure history.
	FirstFailure time.Time
	LastFailure  time.Time

	// Category routes the entry for metrics and triage.
	Category ErrorCategory

	// Reason is the dead-letter disposition ("retry exhausted",
	// "invalid event", ...).
	Reason string
}

// DeadLetterStats summarizes the dead-letter stream.
type DeadLetterStats struct {
	Entries     int64
	TotalAdded  int64
	TotalPurged int64
	OldestEntry time.Time
	ByCategory  map[string]int64
}

// AlertFunc is invoked when the entry count crosses the configured
// threshold; the monitor wires this to a SYSTEM alert.
type AlertFunc func(entries int64, threshold int)

// DeadLetterStore retains unprocessable jobs with bounded retention. The
// worker never reads it; the archival CLI and monitor do.
type DeadLetterStore struct {
	mu         sync.RWMutex
	entries    map[string]*DeadLetterEntry
	order      []string
	retention  time.Duration
	threshold  int
	totalAdded int64
	purged     int64
	onOverflow AlertFunc
}

// NewDeadLetterStore creates a store with the given retention and alert
// threshold.
func NewDeadLetterStore(retention time.Duration, alertThreshold int) *DeadLetterStore {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &DeadLetterStore{
		entries:   make(map[string]*DeadLetterEntry),
		retention: retention,
		threshold: alertThreshold,
	}
}

// OnThresholdExceeded registers the alert callback.
func (s *DeadLetterStore) OnThresholdExceeded(fn AlertFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOverflow = fn
}

// Add records a dead-lettered job.
func (s *DeadLetterStore) Add(entry *DeadLetterEntry) {
	s.mu.Lock()
	s.entries[entry.JobID] = entry
	s.order = append(s.order, entry.JobID)
	s.totalAdded++
	count := int64(len(s.entries))
	overflow := s.threshold > 0 && count >= int64(s.threshold)
	fn := s.onOverflow
	s.mu.Unlock()

	metrics.EventsDeadLettered.Inc()
	metrics.DLQEntries.Set(float64(count))
	if overflow && fn != nil {
		fn(count, s.threshold)
	}
}

// Get returns an entry by job ID, or nil.
func (s *DeadLetterStore) Get(jobID string) *DeadLetterEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[jobID]
}

// Remove deletes an entry after successful manual replay.
func (s *DeadLetterStore) Remove(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[jobID]; !ok {
		return false
	}
	delete(s.entries, jobID)
	metrics.DLQEntries.Set(float64(len(s.entries)))
	return true
}

// List returns all entries, oldest first.
func (s *DeadLetterStore) List() []*DeadLetterEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*DeadLetterEntry, 0, len(s.entries))
	for _, id := range s.order {
		if e, ok := s.entries[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Cleanup purges entries older than the retention period, returning the
// number removed.
func (s *DeadLetterStore) Cleanup(now time.Time) int {
	cutoff := now.Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	kept := s.order[:0]
	for _, id := range s.order {
		e, ok := s.entries[id]
		if !ok {
			continue
		}
		if e.FirstFailure.Before(cutoff) {
			delete(s.entries, id)
			removed++
			s.purged++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	metrics.DLQEntries.Set(float64(len(s.entries)))
	return removed
}

// Stats snapshots the stream and refreshes the Prometheus gauges.
func (s *DeadLetterStore) Stats() DeadLetterStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := DeadLetterStats{
		Entries:     int64(len(s.entries)),
		TotalAdded:  s.totalAdded,
		TotalPurged: s.purged,
		ByCategory:  make(map[string]int64),
	}
	for _, e := range s.entries {
		stats.ByCategory[e.Category.String()]++
		if stats.OldestEntry.IsZero() || e.FirstFailure.Before(stats.OldestEntry) {
			stats.OldestEntry = e.FirstFailure
		}
	}

	oldestAge := float64(0)
	if !stats.OldestEntry.IsZero() {
		oldestAge = time.Since(stats.OldestEntry).Seconds()
	}
	metrics.UpdateDLQGauges(stats.Entries, oldestAge, stats.ByCategory)
	return stats
}
