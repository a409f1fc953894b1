// Package api is the HTTP JSON surface: webhook subscriptions, event
// emission, scheduled jobs, manifest verification and the activity feed.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/austindbirch/agentgate/internal/auth"
	"github.com/austindbirch/agentgate/internal/delivery"
	"github.com/austindbirch/agentgate/internal/health"
	"github.com/austindbirch/agentgate/internal/jobs"
	"github.com/austindbirch/agentgate/internal/keystore"
	"github.com/austindbirch/agentgate/internal/logging"
	"github.com/austindbirch/agentgate/internal/manifest"
	"github.com/austindbirch/agentgate/internal/subscription"
)

const maxBodyBytes = 1 << 20

// Deps are the collaborators the API serves. Health and Metrics are optional.
type Deps struct {
	Dispatcher *delivery.Dispatcher
	Jobs       *jobs.Runner
	Keys       *keystore.Store
	Verifier   *manifest.Verifier
	Auth       *auth.Authenticator
	// Limiter bounds outbound manifest fetches from /v1/verify and /v1/handshake.
	Limiter *rate.Limiter
	Health  http.Handler
	Metrics http.Handler
	Logger  *logging.Logger
}

type Server struct {
	dispatcher *delivery.Dispatcher
	subs       subscription.Store
	jobs       *jobs.Runner
	keys       *keystore.Store
	verifier   *manifest.Verifier
	handshake  *manifest.Verifier
	auth       *auth.Authenticator
	limiter    *rate.Limiter
	logger     *logging.Logger
	mux        *http.ServeMux
}

func New(d Deps) *Server {
	s := &Server{
		dispatcher: d.Dispatcher,
		subs:       d.Dispatcher.Subscriptions(),
		jobs:       d.Jobs,
		keys:       d.Keys,
		verifier:   d.Verifier,
		auth:       d.Auth,
		limiter:    d.Limiter,
		logger:     d.Logger,
		mux:        http.NewServeMux(),
	}
	if s.verifier == nil {
		s.verifier = manifest.NewVerifier(manifest.WithKeyRecorder(s.keys, keystore.SourceVerified))
	}
	s.handshake = s.verifier.WithSource(keystore.SourceHandshake)
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(1), 5)
	}
	if s.logger == nil {
		s.logger = logging.Nop()
	}
	if s.auth == nil {
		s.auth = auth.New(s.keys)
	}

	healthHandler := d.Health
	if healthHandler == nil {
		healthHandler = health.HTTPHandler(nil)
	}
	s.mux.Handle("GET /healthz", healthHandler)
	if d.Metrics != nil {
		s.mux.Handle("GET /metrics", d.Metrics)
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// routes registers the /v1 surface. Manifest verification and handshake sit
// outside the signed-request middleware: the proofs they check are the
// caller's credential, and an agent cannot sign before it is known.
func (s *Server) routes() {
	signed := func(h http.HandlerFunc) http.Handler { return s.auth.Middleware(h) }

	s.mux.Handle("POST /v1/webhooks", signed(s.handleSubscribe))
	s.mux.Handle("GET /v1/webhooks", signed(s.handleListSubscriptions))
	s.mux.Handle("GET /v1/webhooks/events", signed(s.handleEventTypes))
	s.mux.Handle("GET /v1/webhooks/{id}", signed(s.handleGetSubscription))
	s.mux.Handle("DELETE /v1/webhooks/{id}", signed(s.handleUnsubscribe))
	s.mux.Handle("GET /v1/webhooks/{id}/deliveries", signed(s.handleDeliveries))
	s.mux.Handle("POST /v1/webhooks/{id}/test", signed(s.handleTestDelivery))

	s.mux.Handle("POST /v1/events", signed(s.handleEmit))

	s.mux.Handle("POST /v1/jobs", signed(s.handleCreateJob))
	s.mux.Handle("GET /v1/jobs", signed(s.handleListJobs))
	s.mux.Handle("GET /v1/jobs/{id}", signed(s.handleGetJob))
	s.mux.Handle("PATCH /v1/jobs/{id}", signed(s.handleUpdateJob))
	s.mux.Handle("DELETE /v1/jobs/{id}", signed(s.handleDeleteJob))
	s.mux.Handle("POST /v1/jobs/{id}/run", signed(s.handleRunJob))

	s.mux.Handle("POST /v1/verify", s.auth.Optional(http.HandlerFunc(s.handleVerify)))
	s.mux.Handle("POST /v1/handshake", s.auth.Optional(http.HandlerFunc(s.handleHandshake)))
	s.mux.Handle("GET /v1/keys/{handle}", signed(s.handleGetKey))

	s.mux.Handle("GET /v1/activity", signed(s.handleActivity))
	s.mux.Handle("GET /v1/activity/stream", signed(s.handleActivityStream))
}

// canActOn reports whether the caller may mutate a record owned by owner.
func canActOn(r *http.Request, owner string) bool {
	if auth.IsOperator(r.Context()) {
		return true
	}
	handle, ok := auth.HandleFromContext(r.Context())
	return ok && handle == owner
}

// ownerFor resolves the owner of a new record: a signed agent always owns
// what it creates, the operator must name an owner.
func ownerFor(r *http.Request, requested string) (string, bool) {
	requested = keystore.NormalizeHandle(requested)
	if auth.IsOperator(r.Context()) {
		return requested, true
	}
	handle, ok := auth.HandleFromContext(r.Context())
	if !ok || (requested != "" && requested != handle) {
		return "", false
	}
	return handle, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func queryLimit(r *http.Request, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		return n
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps package sentinels onto HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, subscription.ErrNotFound), errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, subscription.ErrInvalidURL),
		errors.Is(err, subscription.ErrNoEventTypes),
		errors.Is(err, subscription.ErrInvalidEvent),
		errors.Is(err, subscription.ErrMissingOwner),
		errors.Is(err, jobs.ErrInvalidURL),
		errors.Is(err, jobs.ErrInvalidInterval),
		errors.Is(err, jobs.ErrInvalidMethod),
		errors.Is(err, jobs.ErrInvalidPayload),
		errors.Is(err, jobs.ErrMissingOwner):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, jobs.ErrInactive), errors.Is(err, jobs.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.WithContext(r.Context()).WithError(err).
			WithFields(map[string]any{"method": r.Method, "path": r.URL.Path}).Error("Request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
