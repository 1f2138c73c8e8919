// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

// Package api exposes the worker's operational surface: the health
// endpoint and Prometheus metrics. Everything else (ingest APIs, UI,
// authentication) lives in external collaborators.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caretrace/caretrace/internal/logging"
)

// CheckFunc probes one component. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// HealthChecker aggregates component probes.
type HealthChecker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	// timeout bounds each probe.
	timeout time.Duration
}

// NewHealthChecker creates an empty registry.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks:  make(map[string]CheckFunc),
		timeout: 5 * time.Second,
	}
}

// Register adds a component probe.
func (h *HealthChecker) Register(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// componentStatus is one component's health in the response body.
type componentStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Check probes every component and reports overall health.
func (h *HealthChecker) Check(ctx context.Context) (bool, map[string]componentStatus) {
	h.mu.RLock()
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, fn := range h.checks {
		checks[name] = fn
	}
	h.mu.RUnlock()

	ok := true
	components := make(map[string]componentStatus, len(checks))
	for name, fn := range checks {
		probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
		err := fn(probeCtx)
		cancel()
		if err != nil {
			ok = false
			components[name] = componentStatus{Status: "FAIL", Error: err.Error()}
		} else {
			components[name] = componentStatus{Status: "OK"}
		}
	}
	return ok, components
}

// Router builds the operational HTTP surface: GET /healthz and
// GET /metrics.
func Router(health *HealthChecker) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		ok, components := health.Check(req.Context())

		status := "OK"
		code := http.StatusOK
		if !ok {
			status = "DEGRADED"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(map[string]any{
			"status":     status,
			"components": components,
		}); err != nil {
			logging.Component("api").Error().Err(err).Msg("health response encode failed")
		}
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// Server wraps the operational HTTP server as a suture.Service.
type Server struct {
	addr    string
	handler http.Handler
}

// NewServer creates the operational server.
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{addr: addr, handler: handler}
}

// Serve runs the server until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck // best-effort drain
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// String names the service in supervisor logs.
func (s *Server) String() string { return "health-server" }
