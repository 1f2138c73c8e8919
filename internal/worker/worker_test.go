// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/caretrace/caretrace/internal/canonical"
	"github.com/caretrace/caretrace/internal/models"
	"github.com/caretrace/caretrace/internal/queue"
	"github.com/caretrace/caretrace/internal/resilience"
	"github.com/caretrace/caretrace/internal/storage"
)

func testConfig() Config {
	return Config{
		Concurrency:       2,
		VisibilityTimeout: 5 * time.Second,
		ShutdownTimeout:   2 * time.Second,
		StoreTimeout:      5 * time.Second,
	}
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

// runWorker starts the worker and returns a stop function that blocks
// until the worker exits.
func runWorker(t *testing.T, w *Worker) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Serve(ctx)
		close(done)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHappyPathIngest(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	q := queue.NewMemoryQueue(queue.DefaultMemoryConfig())
	defer q.Close()
	w := New(testConfig(), q, store, nil)
	stop := runWorker(t, w)
	defer stop()

	event := &models.AuditEvent{
		Timestamp:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		PrincipalID: "u1",
		Action:      "auth.login.success",
		Status:      models.StatusSuccess,
	}
	if err := q.Enqueue(context.Background(), event); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		n, _ := store.CountEvents(context.Background(), storage.EventFilter{PrincipalID: "u1"})
		return n == 1
	})

	events, err := store.QueryEvents(context.Background(), storage.EventFilter{PrincipalID: "u1"})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	persisted := events[0]

	// The row is sealed and verifiable.
	if persisted.Hash == "" {
		t.Fatal("persisted event missing hash")
	}
	status, _, err := canonical.Verify(persisted)
	if err != nil || status != models.VerificationOK {
		t.Errorf("verify after ingest = %s %v", status, err)
	}
	if persisted.ProcessingLatencyMs < 0 {
		t.Errorf("latency = %d", persisted.ProcessingLatencyMs)
	}

	// The queue is settled: no redelivery, no dead letters.
	if entries := q.DeadLetters().List(); len(entries) != 0 {
		t.Errorf("dead letters: %+v", entries)
	}
}

func TestInvalidEventDeadLetters(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	q := queue.NewMemoryQueue(queue.DefaultMemoryConfig())
	defer q.Close()
	w := New(testConfig(), q, store, nil)
	stop := runWorker(t, w)
	defer stop()

	// Missing status fails validation; no retry, straight to dead-letter.
	if err := q.Enqueue(context.Background(), &models.AuditEvent{
		Timestamp: time.Now().UTC(),
		Action:    "data.read",
		Status:    "bogus",
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return len(q.DeadLetters().List()) == 1
	})

	entry := q.DeadLetters().List()[0]
	if entry.Category != queue.ErrorCategoryValidation {
		t.Errorf("category = %s, want validation", entry.Category)
	}

	n, _ := store.CountEvents(context.Background(), storage.EventFilter{})
	if n != 0 {
		t.Errorf("invalid event persisted: %d rows", n)
	}
}

func TestTamperedProducerHashDeadLetters(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	q := queue.NewMemoryQueue(queue.DefaultMemoryConfig())
	defer q.Close()
	w := New(testConfig(), q, store, nil)
	stop := runWorker(t, w)
	defer stop()

	event := &models.AuditEvent{
		Timestamp:   time.Now().UTC().Add(-time.Minute),
		PrincipalID: "u2",
		Action:      "data.read",
		Status:      models.StatusSuccess,
		Hash:        "0000000000000000000000000000000000000000000000000000000000000000",
	}
	q.Enqueue(context.Background(), event)

	waitFor(t, 5*time.Second, func() bool {
		return len(q.DeadLetters().List()) == 1
	})
	n, _ := store.CountEvents(context.Background(), storage.EventFilter{})
	if n != 0 {
		t.Errorf("tampered event persisted")
	}
}

// failingStore fails a configurable number of inserts before delegating.
type failingStore struct {
	mu        sync.Mutex
	failures  int
	delegate  EventStore
	attempted int
}

func (s *failingStore) InsertEvent(ctx context.Context, e *models.AuditEvent) (int64, error) {
	s.mu.Lock()
	s.attempted++
	fail := s.attempted <= s.failures
	s.mu.Unlock()
	if fail {
		return 0, errors.New("store connection reset")
	}
	return s.delegate.InsertEvent(ctx, e)
}

func (s *failingStore) attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempted
}

// fastExecutor trims retry delays so tests exercise the real policy
// without waiting on production backoff.
func fastExecutor(breakerCfg resilience.BreakerConfig) *resilience.Executor {
	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.InitialDelayMs = 1
	retryCfg.MaxDelayMs = 5
	return resilience.NewExecutorWithSeed(retryCfg, breakerCfg, 1)
}

func TestTransientStoreFailureRetriesInProcess(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	flaky := &failingStore{failures: 2, delegate: store}
	q := queue.NewMemoryQueue(queue.DefaultMemoryConfig())
	defer q.Close()

	cfg := testConfig()
	cfg.Executor = fastExecutor(resilience.DefaultBreakerConfig())
	w := New(cfg, q, flaky, nil)
	stop := runWorker(t, w)
	defer stop()

	q.Enqueue(context.Background(), &models.AuditEvent{
		Timestamp:   time.Now().UTC().Add(-time.Minute),
		PrincipalID: "u3",
		Action:      "data.read",
		Status:      models.StatusSuccess,
	})

	// The retry loop absorbs both failures inside one delivery.
	waitFor(t, 10*time.Second, func() bool {
		n, _ := store.CountEvents(context.Background(), storage.EventFilter{PrincipalID: "u3"})
		return n == 1
	})
	if got := flaky.attempts(); got != 3 {
		t.Errorf("store attempts = %d, want 3 (2 failures + 1 success)", got)
	}
	if entries := q.DeadLetters().List(); len(entries) != 0 {
		t.Errorf("dead letters after eventual success: %+v", entries)
	}
}

func TestStoreFailureExhaustionDeadLetters(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	flaky := &failingStore{failures: 1000, delegate: store}
	q := queue.NewMemoryQueue(queue.DefaultMemoryConfig())
	defer q.Close()

	cfg := testConfig()
	cfg.Executor = fastExecutor(resilience.DefaultBreakerConfig())
	w := New(cfg, q, flaky, nil)
	stop := runWorker(t, w)
	defer stop()

	q.Enqueue(context.Background(), &models.AuditEvent{
		Timestamp:   time.Now().UTC().Add(-time.Minute),
		PrincipalID: "u4",
		Action:      "data.read",
		Status:      models.StatusSuccess,
	})

	// Retry exhaustion inside the delivery routes straight to the
	// dead-letter stream with the final cause preserved.
	waitFor(t, 10*time.Second, func() bool {
		return len(q.DeadLetters().List()) == 1
	})
	entry := q.DeadLetters().List()[0]
	if entry.LastError == "" {
		t.Error("dead letter lost its error")
	}
	if got := flaky.attempts(); got != 3 {
		t.Errorf("store attempts = %d, want maxAttempts (3)", got)
	}
}

func TestOpenCircuitParksJobWithoutStoreCall(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	// First three attempts fail (tripping the breaker), the fourth
	// succeeds.
	flaky := &failingStore{failures: 3, delegate: store}
	q := queue.NewMemoryQueue(queue.DefaultMemoryConfig())
	defer q.Close()

	breakerCfg := resilience.BreakerConfig{
		Enabled:                 true,
		FailureThreshold:        3,
		MinimumRequestThreshold: 3,
		RecoveryTimeoutMs:       200,
		MonitoringWindowMs:      60000,
	}
	cfg := testConfig()
	cfg.Executor = fastExecutor(breakerCfg)
	w := New(cfg, q, flaky, nil)
	stop := runWorker(t, w)
	defer stop()

	// Job one exhausts its retries and trips the breaker open.
	q.Enqueue(context.Background(), &models.AuditEvent{
		Timestamp:   time.Now().UTC().Add(-time.Minute),
		PrincipalID: "tripper",
		Action:      "data.read",
		Status:      models.StatusSuccess,
	})
	waitFor(t, 10*time.Second, func() bool {
		return len(q.DeadLetters().List()) == 1
	})
	if got := flaky.attempts(); got != 3 {
		t.Fatalf("store attempts = %d, want 3", got)
	}

	// Job two arrives while the circuit is open: it is parked via
	// delayed retry without invoking the store, then persists once the
	// breaker admits its half-open trial.
	q.Enqueue(context.Background(), &models.AuditEvent{
		Timestamp:   time.Now().UTC().Add(-time.Minute),
		PrincipalID: "patient",
		Action:      "data.read",
		Status:      models.StatusSuccess,
	})
	waitFor(t, 10*time.Second, func() bool {
		n, _ := store.CountEvents(context.Background(), storage.EventFilter{PrincipalID: "patient"})
		return n == 1
	})
	// Exactly one more store call: the rejected pass never reached it.
	if got := flaky.attempts(); got != 4 {
		t.Errorf("store attempts = %d, want 4 (open circuit must not call the store)", got)
	}
	if entries := q.DeadLetters().List(); len(entries) != 1 {
		t.Errorf("dead letters = %d, want only the tripper job", len(entries))
	}
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	q := queue.NewMemoryQueue(queue.DefaultMemoryConfig())
	defer q.Close()
	w := New(testConfig(), q, store, nil)
	stop := runWorker(t, w)
	defer stop()

	event := &models.AuditEvent{
		Timestamp:   time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		PrincipalID: "u5",
		Action:      "data.read",
		Status:      models.StatusSuccess,
		Details:     map[string]any{"producerId": "svc", "eventId": "dup-1"},
	}

	// The producer double-submits.
	q.Enqueue(context.Background(), event)
	q.Enqueue(context.Background(), event)

	waitFor(t, 5*time.Second, func() bool {
		depth, _ := q.Depth(context.Background())
		return depth == 0
	})
	time.Sleep(100 * time.Millisecond)

	n, _ := store.CountEvents(context.Background(), storage.EventFilter{PrincipalID: "u5"})
	if n != 1 {
		t.Errorf("duplicate delivery produced %d rows, want 1", n)
	}
}

type slowStore struct {
	delegate EventStore
	delay    time.Duration
}

func (s *slowStore) InsertEvent(ctx context.Context, e *models.AuditEvent) (int64, error) {
	time.Sleep(s.delay)
	return s.delegate.InsertEvent(ctx, e)
}

func TestGracefulShutdownFinishesInFlight(t *testing.T) {
	t.Parallel()

	store := openStore(t)
	slow := &slowStore{delegate: store, delay: 300 * time.Millisecond}
	q := queue.NewMemoryQueue(queue.DefaultMemoryConfig())
	defer q.Close()

	cfg := testConfig()
	cfg.ShutdownTimeout = 5 * time.Second
	w := New(cfg, q, slow, nil)
	stop := runWorker(t, w)

	q.Enqueue(context.Background(), &models.AuditEvent{
		Timestamp:   time.Now().UTC().Add(-time.Minute),
		PrincipalID: "u6",
		Action:      "data.read",
		Status:      models.StatusSuccess,
	})

	// Give the worker time to claim, then stop while the insert sleeps.
	time.Sleep(100 * time.Millisecond)
	stop()

	n, _ := store.CountEvents(context.Background(), storage.EventFilter{PrincipalID: "u6"})
	if n != 1 {
		t.Errorf("in-flight job not finished during graceful shutdown: %d rows", n)
	}
}
