// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

// The worker daemon runs the audit ingestion pipeline: queue consumption,
// validation, sealing, persistence, alert monitoring, scheduled integrity
// sweeps, and the health/metrics endpoint. All long-running services run
// under a suture supervision tree.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/caretrace/caretrace/internal/alerts"
	"github.com/caretrace/caretrace/internal/api"
	"github.com/caretrace/caretrace/internal/auditerrors"
	"github.com/caretrace/caretrace/internal/config"
	"github.com/caretrace/caretrace/internal/gdpr"
	"github.com/caretrace/caretrace/internal/integrity"
	"github.com/caretrace/caretrace/internal/logging"
	"github.com/caretrace/caretrace/internal/models"
	"github.com/caretrace/caretrace/internal/pseudonym"
	"github.com/caretrace/caretrace/internal/queue"
	"github.com/caretrace/caretrace/internal/resilience"
	"github.com/caretrace/caretrace/internal/storage"
	"github.com/caretrace/caretrace/internal/worker"
)

const (
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	os.Exit(run())
}

//nolint:gocyclo // daemon wiring is inherently sequential
func run() int {
	manager, err := config.Load(config.LoadOptions{})
	if err != nil {
		logging.Err(err).Msg("configuration rejected")
		switch auditerrors.KindOf(err) {
		case auditerrors.KindConfigValidation, auditerrors.KindConfigEncryption:
			return exitConfig
		}
		return exitRuntime
	}
	cfg := manager.Snapshot()

	format := logging.FormatJSON
	if cfg.Logging.Structured {
		format = logging.FormatStructured
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: format})
	logging.Info().
		Str("environment", string(cfg.Environment)).
		Int64("config_version", cfg.Version).
		Msg("starting audit worker")

	// The resilient-call primitive guarding store writes. Retry fields are
	// hot-reloadable; breaker state survives policy swaps.
	executor := resilience.NewExecutor(cfg.Retry, cfg.CircuitBreaker)

	manager.OnChange(func(change config.Change) error {
		switch {
		case change.Field == "logging.level":
			logging.SetLevelString(manager.Snapshot().Logging.Level)
		case strings.HasPrefix(change.Field, "retry."):
			executor.UpdateRetryConfig(manager.Snapshot().Retry)
		}
		return nil
	})
	if err := manager.Watch(); err != nil {
		logging.Err(err).Msg("config watch failed; continuing without hot reload")
	}

	store, err := storage.Open(cfg.Database.URL)
	if err != nil {
		logging.Err(err).Msg("store open failed")
		return exitRuntime
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		logging.Err(err).Msg("migrations failed")
		return exitRuntime
	}

	// Durable pseudonym registry.
	badgerPath := cfg.Database.URL + ".pseudonyms"
	badgerDB, err := badger.Open(badger.DefaultOptions(badgerPath).WithLogger(nil))
	if err != nil {
		logging.Err(err).Msg("pseudonym store open failed")
		return exitRuntime
	}
	defer badgerDB.Close()

	var encryptor pseudonym.Encryptor
	if cfg.Security.EncryptionKey != "" {
		encryptor, err = config.NewCredentialEncryptor(cfg.Security.EncryptionKey)
		if err != nil {
			logging.Err(err).Msg("credential encryptor init failed")
			return exitConfig
		}
	}
	registry, err := pseudonym.NewRegistry(badgerDB, cfg.Security.PseudonymSalt, encryptor)
	if err != nil {
		logging.Err(err).Msg("pseudonym registry init failed")
		return exitConfig
	}

	// Queue: embedded JetStream by default, external broker when
	// configured, in-memory for test environments.
	var q queue.Queue
	var embedded *queue.EmbeddedServer
	switch {
	case cfg.Environment == config.EnvTest:
		q = queue.NewMemoryQueue(queue.MemoryConfig{
			MaxRetries:               5,
			DeadLetterRetention:      time.Duration(cfg.DeadLetter.MaxRetentionTime) * time.Second,
			DeadLetterAlertThreshold: cfg.DeadLetter.AlertThreshold,
		})
	default:
		url := cfg.Queue.URL
		if cfg.Queue.EmbeddedServer {
			embedded, err = queue.NewEmbeddedServer(queue.DefaultEmbeddedServerConfig(cfg.Queue.StoreDir))
			if err != nil {
				logging.Err(err).Msg("embedded broker start failed")
				return exitRuntime
			}
			url = embedded.ClientURL()
		}

		jsCfg := queue.DefaultJetStreamConfig(url)
		jsCfg.Topic = cfg.Worker.QueueName
		jsCfg.DeadLetterTopic = cfg.DeadLetter.QueueName
		jsCfg.DeadLetterRetention = time.Duration(cfg.DeadLetter.MaxRetentionTime) * time.Second
		jsCfg.DeadLetterAlertThreshold = cfg.DeadLetter.AlertThreshold

		q, err = queue.NewJetStreamQueue(ctx, jsCfg)
		if err != nil {
			logging.Err(err).Msg("queue init failed")
			return exitRuntime
		}
	}
	defer q.Close()

	alertService := alerts.NewService(store, func() time.Duration {
		return time.Duration(manager.Snapshot().Monitoring.AlertDedupWindowSec) * time.Second
	})
	monitor := alerts.NewMonitor(alertService, func() config.AlertThresholds {
		return manager.Snapshot().Monitoring.AlertThresholds
	})
	q.DeadLetters().OnThresholdExceeded(func(entries int64, threshold int) {
		monitor.RaiseDeadLetterAlert(context.Background(), entries, threshold)
	})

	verifier := integrity.NewVerifier(store, monitor)

	ingest := worker.New(worker.Config{
		Concurrency:       cfg.Worker.Concurrency,
		ConcurrencyFn:     func() int { return manager.Snapshot().Worker.Concurrency },
		ShutdownTimeout:   time.Duration(cfg.Worker.ShutdownTimeout) * time.Second,
		VisibilityTimeout: 30 * time.Second,
		StoreTimeout:      time.Duration(cfg.Database.QueryTimeout) * time.Millisecond,
		Executor:          executor,
	}, q, store, monitor)

	health := api.NewHealthChecker()
	health.Register("store", func(ctx context.Context) error {
		if stats := executor.Breakers().Stats("audit-store:insert"); stats != nil && stats.State == models.BreakerOpen {
			if stats.NextRetryTime != nil {
				return fmt.Errorf("store circuit open until %s", stats.NextRetryTime.UTC().Format(time.RFC3339))
			}
			return errors.New("store circuit open")
		}
		return store.DB().PingContext(ctx)
	})
	health.Register("queue", func(context.Context) error {
		if embedded != nil && !embedded.IsRunning() {
			return errors.New("embedded broker not running")
		}
		return nil
	})
	health.Register("pseudonym-registry", func(context.Context) error {
		if badgerDB.IsClosed() {
			return errors.New("badger closed")
		}
		return nil
	})
	health.Register("config", func(context.Context) error {
		if manager.Snapshot() == nil {
			return errors.New("no config snapshot")
		}
		return nil
	})

	// Supervision tree.
	logger := &sutureslog.Handler{Logger: slog.New(logging.NewSlogHandler())}
	root := suture.New("caretrace-worker", suture.Spec{
		EventHook: logger.MustHook(),
	})
	root.Add(ingest)
	root.Add(api.NewServer(fmt.Sprintf(":%d", cfg.Worker.Port), api.Router(health)))
	if cfg.Security.EnableIntegrityVerification {
		root.Add(integrity.NewSweeper(verifier, func() time.Duration {
			return time.Duration(manager.Snapshot().Security.IntegritySweepIntervalSec) * time.Second
		}))
	}
	if cfg.Compliance.EnableGDPR && cfg.Compliance.AutoArchival {
		engine := gdpr.NewEngine(store, registry)
		root.Add(newRetentionScheduler(engine))
	}

	if cfg.Monitoring.Enabled {
		root.Add(newSystemProbe(monitor, ingest, q, time.Duration(cfg.Monitoring.MetricsInterval)*time.Second))
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = root.Serve(runCtx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Err(err).Msg("supervisor exited")
		return exitRuntime
	}

	if embedded != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		embedded.Shutdown(shutdownCtx) //nolint:errcheck // best-effort drain
	}
	logging.Info().Msg("audit worker stopped")
	return 0
}

// retentionScheduler applies retention policies once a day.
type retentionScheduler struct {
	engine *gdpr.Engine
}

func newRetentionScheduler(engine *gdpr.Engine) *retentionScheduler {
	return &retentionScheduler{engine: engine}
}

func (s *retentionScheduler) Serve(ctx context.Context) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.engine.ApplyRetention(ctx, time.Now().UTC(), "retention-scheduler"); err != nil && ctx.Err() == nil {
				logging.Err(err).Msg("scheduled retention failed")
			}
		}
	}
}

func (s *retentionScheduler) String() string { return "retention-scheduler" }

// systemProbe periodically samples pipeline counters and queue depth for
// the threshold monitor.
type systemProbe struct {
	monitor  *alerts.Monitor
	ingest   *worker.Worker
	queue    queue.Queue
	interval time.Duration
}

func newSystemProbe(monitor *alerts.Monitor, ingest *worker.Worker, q queue.Queue, interval time.Duration) *systemProbe {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &systemProbe{monitor: monitor, ingest: ingest, queue: q, interval: interval}
}

func (p *systemProbe) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			depth, err := p.queue.Depth(ctx)
			if err != nil {
				continue
			}
			if err := p.monitor.Probe(ctx, alerts.SystemStats{
				QueueDepth: depth,
				Processed:  p.ingest.Processed(),
				Failed:     p.ingest.Failed(),
			}); err != nil && ctx.Err() == nil {
				logging.Err(err).Msg("system probe alert failed")
			}
		}
	}
}

func (p *systemProbe) String() string { return "system-probe" }
