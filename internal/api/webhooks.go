package api

import (
	"encoding/json"
	"net/http"

	"github.com/austindbirch/agentgate/internal/auth"
	"github.com/austindbirch/agentgate/internal/delivery"
	"github.com/austindbirch/agentgate/internal/event"
	"github.com/austindbirch/agentgate/internal/subscription"
)

type subscribeRequest struct {
	Owner  string   `json:"owner"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

type subscriptionView struct {
	subscription.Subscription
	PendingRetries []delivery.PendingRetry `json:"pendingRetries"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	owner, ok := ownerFor(r, req.Owner)
	if !ok {
		writeError(w, http.StatusForbidden, "owner must match the signing agent")
		return
	}
	sub, created, err := s.subs.Subscribe(r.Context(), owner, req.URL, req.Events)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.logger.WithContext(r.Context()).WithSubscription(sub.ID).WithAgent(owner).
		WithFields(map[string]any{"created": created, "events": sub.Events}).Info("Subscription registered")
	writeJSON(w, status, sub)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	var (
		subs []subscription.Subscription
		err  error
	)
	if owner := r.URL.Query().Get("owner"); owner != "" {
		subs, err = s.subs.ListByOwner(r.Context(), owner)
	} else {
		subs, err = s.subs.List(r.Context())
	}
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

type eventTypeView struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Strict      bool   `json:"strict"`
}

func (s *Server) handleEventTypes(w http.ResponseWriter, r *http.Request) {
	schemas := s.dispatcher.Registry().Types()
	out := make([]eventTypeView, 0, len(schemas))
	for _, sc := range schemas {
		out = append(out, eventTypeView{Type: sc.Type, Description: sc.Description, Strict: sc.Strict})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out, "wildcard": event.Wildcard})
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sub, err := s.subs.Get(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionView{
		Subscription:   sub,
		PendingRetries: s.dispatcher.Retries().PendingFor(id),
	})
}

// ownedSubscription loads id and checks the caller may act on it.
func (s *Server) ownedSubscription(w http.ResponseWriter, r *http.Request) (subscription.Subscription, bool) {
	sub, err := s.subs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return sub, false
	}
	if !canActOn(r, sub.Owner) {
		writeError(w, http.StatusForbidden, "subscription belongs to another agent")
		return sub, false
	}
	return sub, true
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.ownedSubscription(w, r)
	if !ok {
		return
	}
	if err := s.dispatcher.Unsubscribe(r.Context(), sub.ID); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.subs.Get(r.Context(), id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deliveries": s.dispatcher.Deliveries().List(id, queryLimit(r, 0)),
	})
}

func (s *Server) handleTestDelivery(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.ownedSubscription(w, r)
	if !ok {
		return
	}
	attempt, err := s.dispatcher.Test(r.Context(), sub.ID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

type emitRequest struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// handleEmit lets collaborators outside the process report a state change.
func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	if !auth.IsOperator(r.Context()) {
		writeError(w, http.StatusForbidden, "operator credential required")
		return
	}
	var req emitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ev, err := s.dispatcher.Emit(r.Context(), req.Event, req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": ev.ID, "event": ev.Type})
}
