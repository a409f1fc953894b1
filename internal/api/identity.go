package api

import (
	"net/http"
	"strings"

	"github.com/austindbirch/agentgate/internal/auth"
	"github.com/austindbirch/agentgate/internal/event"
	"github.com/austindbirch/agentgate/internal/keystore"
	"github.com/austindbirch/agentgate/internal/manifest"
)

type manifestRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	s.verifyManifest(w, r, s.verifier, event.AgentVerified, keystore.SourceVerified)
}

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	s.verifyManifest(w, r, s.handshake, event.AgentHandshake, keystore.SourceHandshake)
}

// verifyManifest fetches and checks a peer manifest. A verified result is
// announced as eventType; an unverified one is still a 200 with the per-proof
// breakdown.
func (s *Server) verifyManifest(w http.ResponseWriter, r *http.Request, v *manifest.Verifier, eventType, source string) {
	if !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "manifest verification rate limit exceeded")
		return
	}
	var req manifestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	ctx := r.Context()
	if auth.IsOperator(ctx) {
		ctx = keystore.AllowRebind(ctx)
	}
	res := v.Verify(ctx, req.URL)
	if res.Verified && res.Agent != "" {
		payload := event.AgentPayload{
			Handle:      keystore.NormalizeHandle(res.Agent),
			PublicKey:   res.PublicKey,
			ManifestURL: req.URL,
			Source:      source,
		}
		if _, err := s.dispatcher.Emit(r.Context(), eventType, payload); err != nil {
			s.logger.WithContext(r.Context()).WithAgent(res.Agent).WithEvent(eventType).WithError(err).Error("Failed to emit identity event")
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.keys.Get(r.Context(), r.PathValue("handle"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown agent")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
