// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
)

func TestHealthzAllOK(t *testing.T) {
	t.Parallel()

	health := NewHealthChecker()
	health.Register("store", func(context.Context) error { return nil })
	health.Register("queue", func(context.Context) error { return nil })

	srv := httptest.NewServer(Router(health))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Status     string                       `json:"status"`
		Components map[string]map[string]string `json:"components"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "OK" {
		t.Errorf("status = %s", body.Status)
	}
	if len(body.Components) != 2 {
		t.Errorf("components = %+v", body.Components)
	}
}

func TestHealthzDegraded(t *testing.T) {
	t.Parallel()

	health := NewHealthChecker()
	health.Register("store", func(context.Context) error { return nil })
	health.Register("queue", func(context.Context) error { return errors.New("broker unreachable") })

	srv := httptest.NewServer(Router(health))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(Router(NewHealthChecker()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
