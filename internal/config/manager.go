// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	koanfjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/caretrace/caretrace/internal/auditerrors"
	"github.com/caretrace/caretrace/internal/logging"
	"github.com/caretrace/caretrace/internal/metrics"
)

// ConfigFileName is the default file name inside AUDIT_CONFIG_DIR.
const ConfigFileName = "audit-config.json"

// changeHistorySize bounds the in-memory change ring.
const changeHistorySize = 100

// Change records one applied configuration mutation.
type Change struct {
	Field         string    `json:"field"`
	PreviousValue any       `json:"previousValue"`
	NewValue      any       `json:"newValue"`
	ChangedBy     string    `json:"changedBy"`
	Reason        string    `json:"reason"`
	Timestamp     time.Time `json:"timestamp"`
}

// ChangeHandler observes applied updates. Handlers run sequentially; a
// handler error is logged and does not abort the update.
type ChangeHandler func(change Change) error

// Manager owns the live configuration snapshot. The snapshot is published
// atomically; readers always see a coherent Config and never block writers.
type Manager struct {
	snapshot atomic.Pointer[Config]

	mu       sync.Mutex
	path     string
	storage  *SecureStorage
	version  int64
	history  []Change
	handlers []ChangeHandler
	watching bool
}

// LoadOptions controls Load.
type LoadOptions struct {
	// Path of the config file; empty resolves AUDIT_CONFIG_DIR/audit-config.json.
	Path string
	// Password decrypts an encrypted file; empty falls back to
	// AUDIT_CONFIG_PASSWORD.
	Password string
	// PBKDF2Iterations for key derivation; 0 means the production default.
	PBKDF2Iterations int
}

// Load builds the initial snapshot: defaults, then file (decrypting if the
// payload is an encrypted envelope), then environment variables. The result
// is validated before publication; validation failures are fatal for the
// caller (exit code 2).
func Load(opts LoadOptions) (*Manager, error) {
	m := &Manager{}

	path := opts.Path
	if path == "" {
		dir := os.Getenv("AUDIT_CONFIG_DIR")
		if dir != "" {
			path = filepath.Join(dir, ConfigFileName)
		}
	}
	m.path = path

	cfg, err := m.loadOnce(opts)
	if err != nil {
		return nil, err
	}

	m.version = cfg.Version
	m.snapshot.Store(cfg)
	return m, nil
}

func (m *Manager) loadOnce(opts LoadOptions) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, auditerrors.Wrap(auditerrors.KindConfigValidation, "load defaults", err)
	}

	if m.path != "" {
		if _, err := os.Stat(m.path); err == nil {
			raw, err := os.ReadFile(m.path)
			if err != nil {
				return nil, auditerrors.Wrap(auditerrors.KindConfigValidation, "read config file", err)
			}

			if payload, encrypted := DecodePayload(raw); encrypted {
				password := opts.Password
				if password == "" {
					password = os.Getenv("AUDIT_CONFIG_PASSWORD")
				}
				if password == "" {
					return nil, auditerrors.Wrap(auditerrors.KindConfigEncryption, "config file is encrypted", ErrMissingPassword)
				}
				storage, err := NewSecureStorage(password, os.Getenv("AUDIT_CONFIG_SALT"), opts.PBKDF2Iterations)
				if err != nil {
					return nil, err
				}
				m.storage = storage
				raw, err = storage.Decrypt(payload)
				if err != nil {
					return nil, auditerrors.Wrap(auditerrors.KindConfigEncryption, "decrypt config file", err)
				}
			}

			if err := k.Load(rawProvider{raw}, koanfjson.Parser()); err != nil {
				return nil, auditerrors.Wrap(auditerrors.KindConfigValidation, "parse config file", err)
			}
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, auditerrors.Wrap(auditerrors.KindConfigValidation, "load environment", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, auditerrors.Wrap(auditerrors.KindConfigValidation, "unmarshal config", err)
	}
	cfg.applyEnvironmentDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// rawProvider feeds already-read (possibly decrypted) bytes into koanf.
type rawProvider struct{ raw []byte }

func (p rawProvider) ReadBytes() ([]byte, error) { return p.raw, nil }
func (p rawProvider) Read() (map[string]any, error) {
	return nil, fmt.Errorf("raw provider only supports ReadBytes")
}

// envTransform maps the platform's environment variables onto config paths.
// Unmapped variables are dropped so arbitrary environment noise cannot
// reach the snapshot.
func envTransform(key string) string {
	switch key {
	case "REDIS_URL":
		return "redis.url"
	case "DATABASE_URL", "AUDIT_DB_URL":
		return "database.url"
	case "AUDIT_QUEUE_NAME":
		return "worker.queueName"
	case "AUDIT_WORKER_PORT":
		return "worker.port"
	case "AUDIT_CRYPTO_SECRET":
		return "security.encryptionKey"
	case "PSEUDONYM_SALT":
		return "security.pseudonymSalt"
	case "LOG_LEVEL":
		return "logging.level"
	case "NODE_ENV", "ENVIRONMENT":
		return "environment"
	case "NATS_URL":
		return "queue.url"
	}
	return ""
}

// Snapshot returns the current configuration. The pointer must be treated
// as immutable.
func (m *Manager) Snapshot() *Config {
	return m.snapshot.Load()
}

// Version returns the monotonic snapshot version.
func (m *Manager) Version() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// OnChange registers a change handler.
func (m *Manager) OnChange(h ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// History returns a copy of the recorded changes, newest last.
func (m *Manager) History() []Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Change, len(m.history))
	copy(out, m.history)
	return out
}

// UpdateField applies one runtime mutation. Only fields whitelisted in
// hotReloadConfig.reloadableFields may change; anything else requires a
// process restart and is rejected.
func (m *Manager) UpdateField(field string, value any, changedBy, reason string) error {
	current := m.Snapshot()
	if !current.HotReload.Enabled {
		return auditerrors.New(auditerrors.KindConfigValidation, "hot reload disabled")
	}
	if !m.isReloadable(current, field) {
		return auditerrors.New(auditerrors.KindConfigValidation,
			fmt.Sprintf("field %s is not hot-reloadable; restart required", field))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := *current
	previous, err := applyField(&next, field, value)
	if err != nil {
		return auditerrors.Wrap(auditerrors.KindConfigValidation, "apply update", err)
	}
	if err := next.Validate(); err != nil {
		metrics.ConfigReloads.WithLabelValues("rejected").Inc()
		return err
	}

	m.version++
	next.Version = m.version
	next.LastUpdated = time.Now().UTC().Format(time.RFC3339)

	change := Change{
		Field:         field,
		PreviousValue: previous,
		NewValue:      value,
		ChangedBy:     changedBy,
		Reason:        reason,
		Timestamp:     time.Now().UTC(),
	}
	m.recordLocked(change)
	m.snapshot.Store(&next)
	metrics.ConfigReloads.WithLabelValues("applied").Inc()

	m.notifyLocked(change)
	return nil
}

// Watch begins observing the config file for changes. On each change the
// file is re-loaded; reloadable field deltas are applied, others are logged
// and ignored until restart. Watching without a file path is a no-op.
func (m *Manager) Watch() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.path == "" || m.watching {
		return nil
	}
	m.watching = true

	provider := file.Provider(m.path)
	return provider.Watch(func(event any, err error) {
		if err != nil {
			logging.Component("config").Error().Err(err).Msg("config watch error")
			return
		}
		m.reloadFromFile()
	})
}

func (m *Manager) reloadFromFile() {
	fresh, err := m.loadOnce(LoadOptions{})
	if err != nil {
		metrics.ConfigReloads.WithLabelValues("rejected").Inc()
		logging.Component("config").Error().Err(err).Msg("config reload rejected")
		return
	}

	current := m.Snapshot()
	for _, field := range current.HotReload.ReloadableFields {
		newVal, ok := fieldValue(fresh, field)
		if !ok {
			continue
		}
		oldVal, _ := fieldValue(current, field)
		if fmt.Sprint(oldVal) == fmt.Sprint(newVal) {
			continue
		}
		if err := m.UpdateField(field, newVal, "file-watch", "config file changed"); err != nil {
			logging.Component("config").Warn().Err(err).Str("field", field).Msg("reload field rejected")
		}
	}
}

func (m *Manager) isReloadable(cfg *Config, field string) bool {
	for _, f := range cfg.HotReload.ReloadableFields {
		if f == field {
			return true
		}
	}
	return false
}

// recordLocked appends to the bounded change ring.
func (m *Manager) recordLocked(change Change) {
	if len(m.history) >= changeHistorySize {
		m.history = m.history[1:]
	}
	m.history = append(m.history, change)
}

// notifyLocked invokes handlers sequentially; failures are logged only.
func (m *Manager) notifyLocked(change Change) {
	for _, h := range m.handlers {
		if err := h(change); err != nil {
			logging.Component("config").Error().Err(err).
				Str("field", change.Field).
				Msg("config change handler failed")
		}
	}
}

// applyField mutates one dotted field on the config copy, returning the
// previous value. Only fields that appear in reloadable whitelists are
// supported here.
func applyField(c *Config, field string, value any) (any, error) {
	switch field {
	case "logging.level":
		prev := c.Logging.Level
		s, err := asString(value)
		if err != nil {
			return nil, err
		}
		c.Logging.Level = s
		return prev, nil
	case "worker.concurrency":
		prev := c.Worker.Concurrency
		n, err := asInt(value)
		if err != nil {
			return nil, err
		}
		c.Worker.Concurrency = n
		return prev, nil
	case "monitoring.alertThresholds.errorRate":
		prev := c.Monitoring.AlertThresholds.ErrorRate
		f, err := asFloat(value)
		if err != nil {
			return nil, err
		}
		c.Monitoring.AlertThresholds.ErrorRate = f
		return prev, nil
	case "monitoring.alertThresholds.processingLatency":
		prev := c.Monitoring.AlertThresholds.ProcessingLatency
		n, err := asInt(value)
		if err != nil {
			return nil, err
		}
		c.Monitoring.AlertThresholds.ProcessingLatency = n
		return prev, nil
	case "monitoring.alertThresholds.queueDepth":
		prev := c.Monitoring.AlertThresholds.QueueDepth
		n, err := asInt(value)
		if err != nil {
			return nil, err
		}
		c.Monitoring.AlertThresholds.QueueDepth = n
		return prev, nil
	case "monitoring.alertThresholds.failedLoginCount":
		prev := c.Monitoring.AlertThresholds.FailedLoginCount
		n, err := asInt(value)
		if err != nil {
			return nil, err
		}
		c.Monitoring.AlertThresholds.FailedLoginCount = n
		return prev, nil
	case "monitoring.alertThresholds.failedLoginWindowSec":
		prev := c.Monitoring.AlertThresholds.FailedLoginWindowSec
		n, err := asInt(value)
		if err != nil {
			return nil, err
		}
		c.Monitoring.AlertThresholds.FailedLoginWindowSec = n
		return prev, nil
	case "monitoring.alertDedupWindowSec":
		prev := c.Monitoring.AlertDedupWindowSec
		n, err := asInt(value)
		if err != nil {
			return nil, err
		}
		c.Monitoring.AlertDedupWindowSec = n
		return prev, nil
	case "retry.maxAttempts":
		prev := c.Retry.MaxAttempts
		n, err := asInt(value)
		if err != nil {
			return nil, err
		}
		c.Retry.MaxAttempts = n
		return prev, nil
	case "retry.initialDelayMs":
		prev := c.Retry.InitialDelayMs
		n, err := asInt(value)
		if err != nil {
			return nil, err
		}
		c.Retry.InitialDelayMs = n
		return prev, nil
	case "retry.maxDelayMs":
		prev := c.Retry.MaxDelayMs
		n, err := asInt(value)
		if err != nil {
			return nil, err
		}
		c.Retry.MaxDelayMs = n
		return prev, nil
	}
	return nil, fmt.Errorf("unsupported field %s", field)
}

// fieldValue reads one dotted field from a snapshot.
func fieldValue(c *Config, field string) (any, bool) {
	switch field {
	case "logging.level":
		return c.Logging.Level, true
	case "worker.concurrency":
		return c.Worker.Concurrency, true
	case "monitoring.alertThresholds.errorRate":
		return c.Monitoring.AlertThresholds.ErrorRate, true
	case "monitoring.alertThresholds.processingLatency":
		return c.Monitoring.AlertThresholds.ProcessingLatency, true
	case "monitoring.alertThresholds.queueDepth":
		return c.Monitoring.AlertThresholds.QueueDepth, true
	case "monitoring.alertThresholds.failedLoginCount":
		return c.Monitoring.AlertThresholds.FailedLoginCount, true
	case "monitoring.alertThresholds.failedLoginWindowSec":
		return c.Monitoring.AlertThresholds.FailedLoginWindowSec, true
	case "monitoring.alertDedupWindowSec":
		return c.Monitoring.AlertDedupWindowSec, true
	case "retry.maxAttempts":
		return c.Retry.MaxAttempts, true
	case "retry.initialDelayMs":
		return c.Retry.InitialDelayMs, true
	case "retry.maxDelayMs":
		return c.Retry.MaxDelayMs, true
	}
	return nil, false
}

func asString(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("expected string, got %T", v)
}

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	}
	return 0, fmt.Errorf("expected integer, got %T", v)
}

func asFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	}
	return 0, fmt.Errorf("expected number, got %T", v)
}

// Export returns a copy of the snapshot for display. Unless includeSecrets
// is set, URL credentials render as user:***@host and key material is
// masked.
func (m *Manager) Export(includeSecrets bool) Config {
	out := *m.Snapshot()
	if includeSecrets {
		return out
	}
	out.Redis.URL = MaskURLCredentials(out.Redis.URL)
	out.Database.URL = MaskURLCredentials(out.Database.URL)
	out.Queue.URL = MaskURLCredentials(out.Queue.URL)
	if out.Security.EncryptionKey != "" {
		out.Security.EncryptionKey = "***"
	}
	if out.Security.PseudonymSalt != "" {
		out.Security.PseudonymSalt = "***"
	}
	return out
}

// MaskURLCredentials hides the password component of a URL, keeping the
// user name visible for debugging: user:***@host.
func MaskURLCredentials(raw string) string {
	if raw == "" || !strings.Contains(raw, "@") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, has := u.User.Password(); !has {
		return raw
	}
	masked := *u
	masked.User = url.UserPassword(u.User.Username(), "***")
	// url.String escapes *** as-is; keep the literal form.
	return strings.Replace(masked.String(), url.QueryEscape("***"), "***", 1)
}
