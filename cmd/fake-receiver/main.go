package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/austindbirch/agentgate/internal/config"
	"github.com/austindbirch/agentgate/internal/logging"
	"github.com/austindbirch/agentgate/internal/signing"
	"github.com/austindbirch/agentgate/internal/tracing"
)

// receiver is a webhook target for local testing. It checks the sha256=
// signature when a secret is set and fails the first failFirstN requests
// with a 500 so the retry ladder can be watched.
type receiver struct {
	secret     string
	failFirstN int64
	delay      time.Duration
	headers    config.Webhook
	logger     *logging.Logger

	count atomic.Int64
}

func newReceiver(cfg config.Config, logger *logging.Logger) *receiver {
	return &receiver{
		secret:     cfg.FakeReceiver.Secret,
		failFirstN: int64(cfg.FakeReceiver.FailFirstN),
		delay:      time.Duration(cfg.FakeReceiver.ResponseDelayMS) * time.Millisecond,
		headers:    cfg.Webhook,
		logger:     logger,
	}
}

func (rc *receiver) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("POST /hook", rc.handleHook)
	return mux
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	n := rc.count.Add(1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	// Deliveries carry traceparent, so receiver lines join the sender's trace.
	entry := rc.logger.WithContext(tracing.ExtractHTTP(r.Context(), r.Header)).
		WithEvent(r.Header.Get(rc.headers.EventHeader)).
		WithFields(map[string]any{
			"delivery_id": r.Header.Get(rc.headers.DeliveryHeader),
			"request":     n,
			"body":        truncate(string(b), 160),
		})

	if rc.secret != "" {
		if ok, msg := verifySignature(rc.secret, b, r.Header.Get(rc.headers.SignatureHeader)); !ok {
			entry.WithField("reason", msg).Warn("Signature rejected")
			http.Error(w, "invalid signature: "+msg, http.StatusUnauthorized)
			return
		}
	}

	if rc.delay > 0 {
		time.Sleep(rc.delay)
	}

	// Simulate flakiness: first N requests -> 500
	if n <= rc.failFirstN {
		entry.Warnf("Failing request %d/%d", n, rc.failFirstN)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	entry.Info("Webhook received")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

func verifySignature(secret string, body []byte, header string) (bool, string) {
	if header == "" {
		return false, "missing signature header"
	}
	if !signing.VerifyHMACHeader(secret, body, header) {
		return false, "sig mismatch"
	}
	return true, ""
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}

func main() {
	logger := logging.New("fake-receiver")
	cfg, err := config.Load(os.Getenv("AGENTGATE_CONFIG"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to load configuration")
	}

	shutdownTracing, err := tracing.InitTracing(context.Background(), "fake-receiver")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing()

	rc := newReceiver(cfg, logger)
	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Addr,
		Handler:      rc.routes(),
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}
	logger.Plain().WithFields(map[string]any{
		"addr":         srv.Addr,
		"fail_first_n": rc.failFirstN,
		"verify":       rc.secret != "",
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil {
		logger.Plain().WithError(err).Fatal("fake-receiver stopped")
	}
}
