// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

// Package worker is the ingestion engine: it claims events from the
// reliable queue, validates them, seals them with the canonical hash,
// persists them transactionally and acknowledges. Store writes run under
// the resilient-call primitive: transient failures retry with backoff,
// retry exhaustion dead-letters the job, and an open store circuit parks
// the job until the breaker may admit a trial.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caretrace/caretrace/internal/auditerrors"
	"github.com/caretrace/caretrace/internal/canonical"
	"github.com/caretrace/caretrace/internal/logging"
	"github.com/caretrace/caretrace/internal/metrics"
	"github.com/caretrace/caretrace/internal/models"
	"github.com/caretrace/caretrace/internal/queue"
	"github.com/caretrace/caretrace/internal/resilience"
)

// EventStore is the persistence dependency. storage.Store implements it.
type EventStore interface {
	InsertEvent(ctx context.Context, e *models.AuditEvent) (int64, error)
}

// Observer sees each successfully persisted event; the alert monitor
// implements it.
type Observer interface {
	Observe(ctx context.Context, event *models.AuditEvent) error
}

// Config tunes the worker.
type Config struct {
	// Concurrency bounds the processing pool. Default 2 in development,
	// 8 in production (applied by the config core).
	Concurrency int

	// ConcurrencyFn, when set, is read each claim cycle so the
	// hot-reloadable worker.concurrency setting takes effect live. Values
	// are clamped to [1, maxPoolSize].
	ConcurrencyFn func() int

	// VisibilityTimeout is the claim lease passed to the queue.
	VisibilityTimeout time.Duration

	// ShutdownTimeout bounds the graceful drain on stop.
	ShutdownTimeout time.Duration

	// StoreTimeout is the per-attempt deadline on store writes.
	StoreTimeout time.Duration

	// Executor is the resilient-call primitive guarding store writes:
	// transient failures retry with jittered backoff, repeated failures
	// open the store breaker. A nil Executor gets production defaults.
	Executor *resilience.Executor
}

// DefaultConfig returns development defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       2,
		VisibilityTimeout: 30 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		StoreTimeout:      30 * time.Second,
	}
}

// storeCall keys the store-write circuit breaker.
var storeCall = resilience.CallContext{Endpoint: "audit-store", Method: "insert"}

// Worker runs the claim/process loop.
type Worker struct {
	config   Config
	queue    queue.Queue
	store    EventStore
	observer Observer
	executor *resilience.Executor

	// processed/failed are cumulative counters for the system probe.
	processed atomic.Int64
	failed    atomic.Int64

	mu       sync.Mutex
	inflight map[string]struct{}
}

// Processed returns the cumulative count of persisted events.
func (w *Worker) Processed() int64 { return w.processed.Load() }

// Failed returns the cumulative count of failed events.
func (w *Worker) Failed() int64 { return w.failed.Load() }

// New creates a worker. observer may be nil.
func New(cfg Config, q queue.Queue, store EventStore, observer Observer) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 30 * time.Second
	}
	executor := cfg.Executor
	if executor == nil {
		executor = resilience.NewExecutor(resilience.DefaultRetryConfig(), resilience.DefaultBreakerConfig())
	}
	return &Worker{
		config:   cfg,
		queue:    q,
		store:    store,
		observer: observer,
		executor: executor,
		inflight: make(map[string]struct{}),
	}
}

// Serve runs the worker until ctx is canceled, then drains: claiming
// stops, in-flight jobs get up to ShutdownTimeout to finish, and anything
// still running is force-nacked so the queue redelivers it. Implements
// suture.Service.
func (w *Worker) Serve(ctx context.Context) error {
	logging.Component("worker").Info().
		Int("concurrency", w.config.Concurrency).
		Msg("ingestion worker started")

	var wg sync.WaitGroup

	for {
		if ctx.Err() != nil {
			break
		}

		// The claim batch is the pool: at most concurrency() jobs run at
		// once, and the next batch is claimed only when this one drains.
		jobs, err := w.queue.Claim(ctx, w.concurrency(), w.config.VisibilityTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrQueueClosed) {
				break
			}
			logging.Component("worker").Error().Err(err).Msg("claim failed")
			continue
		}

		var batch sync.WaitGroup
		for _, job := range jobs {
			wg.Add(1)
			batch.Add(1)
			w.track(job.ID, true)
			go func(job *queue.Job) {
				defer func() {
					w.track(job.ID, false)
					batch.Done()
					wg.Done()
				}()
				w.process(job)
			}(job)
		}
		// Wait for the batch, but let shutdown interrupt the wait; the
		// drain below owns stragglers.
		batchDone := make(chan struct{})
		go func() {
			batch.Wait()
			close(batchDone)
		}()
		select {
		case <-batchDone:
		case <-ctx.Done():
		}
	}

	// Graceful drain.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Component("worker").Info().Msg("worker drained cleanly")
	case <-time.After(w.config.ShutdownTimeout):
		remaining := w.snapshotInflight()
		logging.Component("worker").Warn().
			Int("remaining", len(remaining)).
			Msg("shutdown timeout; force-nacking in-flight jobs")
		for _, id := range remaining {
			w.forceNack(id)
		}
	}
	return ctx.Err()
}

// String names the service in supervisor logs.
func (w *Worker) String() string { return "ingestion-worker" }

// maxPoolSize is the hard ceiling on the claim batch, and therefore on the
// processing pool, whatever the live concurrency setting says.
const maxPoolSize = 64

func (w *Worker) concurrency() int {
	n := w.config.Concurrency
	if w.config.ConcurrencyFn != nil {
		n = w.config.ConcurrencyFn()
	}
	if n < 1 {
		n = 1
	}
	if n > maxPoolSize {
		n = maxPoolSize
	}
	return n
}

func (w *Worker) track(id string, add bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if add {
		w.inflight[id] = struct{}{}
	} else {
		delete(w.inflight, id)
	}
}

func (w *Worker) snapshotInflight() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.inflight))
	for id := range w.inflight {
		out = append(out, id)
	}
	return out
}

func (w *Worker) forceNack(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.queue.Nack(ctx, id, queue.ErrorCategoryCapacity, errors.New("worker shutdown")); err != nil &&
		!errors.Is(err, queue.ErrJobNotFound) {
		logging.Component("worker").Error().Err(err).Str("job", id).Msg("force-nack failed")
	}
}

// process drives one job through received → validated → hashed →
// persisted → acked; any failure jumps to nack or dead-letter.
func (w *Worker) process(job *queue.Job) {
	metrics.EventsReceived.Inc()
	metrics.WorkerInFlight.Inc()
	defer metrics.WorkerInFlight.Dec()

	// Processing runs to completion even during shutdown; only the
	// per-insert deadline bounds it.
	ctx := context.Background()
	if job.Event != nil && job.Event.CorrelationID != "" {
		ctx = logging.ContextWithCorrelationID(ctx, job.Event.CorrelationID)
	}

	event := job.Event

	// Validate.
	if err := event.Validate(time.Now()); err != nil {
		w.failed.Add(1)
		metrics.EventsFailed.WithLabelValues("invalid").Inc()
		w.deadLetter(ctx, job.ID, "invalid event: "+err.Error())
		return
	}

	// Hash. A producer-supplied seal must reproduce, otherwise the payload
	// was altered in transit.
	computed, err := canonical.Hash(event)
	if err != nil {
		w.failed.Add(1)
		metrics.EventsFailed.WithLabelValues("invalid").Inc()
		w.deadLetter(ctx, job.ID, "canonicalize: "+err.Error())
		return
	}
	if event.Hash != "" && event.Hash != computed {
		w.failed.Add(1)
		metrics.EventsFailed.WithLabelValues("invalid").Inc()
		w.deadLetter(ctx, job.ID, "producer hash does not match canonical form")
		return
	}
	event.Hash = computed
	if event.HashAlgorithm == "" {
		event.HashAlgorithm = models.DefaultHashAlgorithm
	}

	// Persist through the resilient-call primitive: transient store
	// failures retry with jittered backoff inside this delivery, repeated
	// failures open the store breaker. Each attempt carries its own
	// deadline. Latency covers claim to ack; the insert carries the
	// measurement so the row is complete.
	event.ProcessingLatencyMs = time.Since(job.ClaimedAt).Milliseconds()

	if _, err := w.executor.Execute(ctx, storeCall, func(ctx context.Context) (any, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, w.config.StoreTimeout)
		defer cancel()
		return w.store.InsertEvent(attemptCtx, event)
	}); err != nil {
		w.failed.Add(1)
		var open *auditerrors.CircuitOpenError
		var exhausted *auditerrors.RetryExhaustedError
		switch {
		case auditerrors.KindOf(err) == auditerrors.KindConflict:
			metrics.EventsFailed.WithLabelValues("conflict").Inc()
			w.deadLetter(ctx, job.ID, "idempotency conflict: "+err.Error())

		case errors.As(err, &open):
			// The breaker rejected the call without touching the store;
			// park the job until the circuit may admit a trial.
			metrics.EventsFailed.WithLabelValues("transient").Inc()
			delay := time.Until(open.NextRetryTime)
			if delay < 100*time.Millisecond {
				delay = 100 * time.Millisecond
			}
			logging.Ctx(ctx).Warn().
				Time("next_retry", open.NextRetryTime).
				Msg("store circuit open; delaying job")
			if retryErr := w.queue.ScheduleRetry(ctx, job.ID, delay); retryErr != nil &&
				!errors.Is(retryErr, queue.ErrJobNotFound) {
				logging.Ctx(ctx).Error().Err(retryErr).Msg("schedule retry failed")
			}

		case errors.As(err, &exhausted):
			metrics.EventsFailed.WithLabelValues("store").Inc()
			w.deadLetter(ctx, job.ID, "store retries exhausted: "+err.Error())

		default:
			metrics.EventsFailed.WithLabelValues("store").Inc()
			logging.Ctx(ctx).Error().Err(err).Msg("persist failed; nacking for redelivery")
			if nackErr := w.queue.Nack(ctx, job.ID, queue.CategorizeError(err), err); nackErr != nil &&
				!errors.Is(nackErr, queue.ErrJobNotFound) {
				logging.Ctx(ctx).Error().Err(nackErr).Msg("nack failed")
			}
		}
		return
	}

	// Ack.
	if err := w.queue.Ack(ctx, job.ID); err != nil && !errors.Is(err, queue.ErrJobNotFound) {
		// The insert is idempotent, so a redelivery after a lost ack is
		// settled as a duplicate.
		logging.Ctx(ctx).Error().Err(err).Msg("ack failed")
	}

	w.processed.Add(1)
	metrics.EventsProcessed.Inc()
	metrics.ObserveProcessingLatency(event.Action, time.Since(job.ClaimedAt))

	if w.observer != nil {
		if err := w.observer.Observe(ctx, event); err != nil {
			logging.Ctx(ctx).Error().Err(err).Msg("alert observation failed")
		}
	}
}

func (w *Worker) deadLetter(ctx context.Context, jobID, reason string) {
	logging.Ctx(ctx).Warn().Str("job", jobID).Str("reason", reason).Msg("dead-lettering job")
	if err := w.queue.DeadLetter(ctx, jobID, reason); err != nil && !errors.Is(err, queue.ErrJobNotFound) {
		logging.Ctx(ctx).Error().Err(err).Msg("dead-letter failed")
	}
}
