package api

import (
	"net/http"

	"github.com/austindbirch/agentgate/internal/jobs"
)

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var spec jobs.Spec
	if !decodeJSON(w, r, &spec) {
		return
	}
	owner, ok := ownerFor(r, spec.Owner)
	if !ok {
		writeError(w, http.StatusForbidden, "owner must match the signing agent")
		return
	}
	spec.Owner = owner
	j, err := s.jobs.Create(r.Context(), spec)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.jobs.List(r.Context(), r.URL.Query().Get("owner"))})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) (jobs.Job, bool) {
	j, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return j, false
	}
	if !canActOn(r, j.Owner) {
		writeError(w, http.StatusForbidden, "job belongs to another agent")
		return j, false
	}
	return j, true
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	j, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	var patch jobs.Patch
	if !decodeJSON(w, r, &patch) {
		return
	}
	updated, err := s.jobs.Update(r.Context(), j.ID, patch)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	j, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	if err := s.jobs.Delete(r.Context(), j.ID); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	j, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	run, err := s.jobs.RunOnce(r.Context(), j.ID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
