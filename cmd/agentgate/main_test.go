package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/agentgate/internal/config"
	"github.com/austindbirch/agentgate/internal/logging"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Data.Dir = t.TempDir()
	cfg.Operator.Token = "op-token"
	return cfg
}

func TestBuildFileStores(t *testing.T) {
	cfg := testConfig(t)
	var logs bytes.Buffer
	a, err := build(context.Background(), cfg, logging.New(serviceName, logging.WithOutput(&logs)), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	defer a.close(context.Background())

	if a.pinger() != nil {
		t.Error("file-backed app reports a database pinger")
	}

	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"stores":"file"`) {
		t.Errorf("healthz = %d %s", w.Code, w.Body.String())
	}

	body := `{"event":"task.created","payload":{"id":"t1"}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer op-token")
	w = httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("emit status = %d body %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	a.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), `agentgate_events_emitted_total{event="task.created"}`) {
		t.Errorf("metrics missing emitted counter:\n%s", w.Body.String())
	}

	w = httptest.NewRecorder()
	a.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/activity", nil))
	var feed struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &feed); err != nil || len(feed.Events) != 1 {
		t.Errorf("activity = %s (%v)", w.Body.String(), err)
	}
}

func TestBuildWithoutNSQKeepsRunning(t *testing.T) {
	cfg := testConfig(t)
	cfg.NSQ.NsqdTCPAddr = "127.0.0.1:1"
	var logs bytes.Buffer
	a, err := build(context.Background(), cfg, logging.New(serviceName, logging.WithOutput(&logs)), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	defer a.close(context.Background())
	if a.sink != nil {
		t.Error("sink set for unreachable nsqd")
	}
	if !strings.Contains(logs.String(), "NSQ activity mirror disabled") {
		t.Errorf("expected warning, logs:\n%s", logs.String())
	}
}

func TestOperatorValidator(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.pem")
	if err := os.WriteFile(garbage, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name        string
		cfg         config.Operator
		wantEnabled bool
		expectError bool
	}{
		{name: "nothing configured"},
		{name: "static token", cfg: config.Operator{Token: "x"}, wantEnabled: true},
		{name: "missing key file", cfg: config.Operator{JWTPublicKeyFile: filepath.Join(dir, "nope.pem")}, expectError: true},
		{name: "malformed key file", cfg: config.Operator{JWTPublicKeyFile: garbage}, expectError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := operatorValidator(tt.cfg)
			if (err != nil) != tt.expectError {
				t.Fatalf("operatorValidator() error = %v, expectError %v", err, tt.expectError)
			}
			if err == nil && v.Enabled() != tt.wantEnabled {
				t.Errorf("Enabled() = %v, want %v", v.Enabled(), tt.wantEnabled)
			}
		})
	}
}

func TestBuildFailsOnBadOperatorKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Operator.JWTPublicKeyFile = filepath.Join(t.TempDir(), "missing.pem")
	if _, err := build(context.Background(), cfg, logging.Nop(), prometheus.NewRegistry()); err == nil {
		t.Fatal("build() succeeded with a missing operator key file")
	}
}
