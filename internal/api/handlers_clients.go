package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/reyestr-project/dispatch/internal/registry"
)

type registerClientRequest struct {
	ClientName string  `json:"client_name"`
	ClientHost *string `json:"client_host"`
	APIKey     string  `json:"api_key"`
}

// registerClient is the one anonymous write: it is how a worker obtains
// (or re-obtains) its credential.
func (s *Server) registerClient(w http.ResponseWriter, r *http.Request) {
	var req registerClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientName == "" {
		badRequest(w, "client_name is required")
		return
	}
	client, err := s.dispatch.RegisterClient(r.Context(), req.ClientName, req.ClientHost, req.APIKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"client_id": client.ID,
		"api_key":   client.APIKey,
	})
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if err := s.dispatch.HeartbeatClient(r.Context(), p.client.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) listClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.dispatch.ListClients(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if clients == nil {
		clients = []registry.Client{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": clients})
}

// clientStatistics serves the admin and the worker itself; other workers
// are rejected.
func (s *Server) clientStatistics(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "client_id")
	p := principalFrom(r.Context())
	switch {
	case p.admin || !s.cfg.Auth.Enabled:
	case p.worker() && p.client.ID == clientID:
	case p.worker():
		writeErrorKind(w, http.StatusForbidden, kindForbidden, "not permitted", nil)
		return
	default:
		writeErrorKind(w, http.StatusUnauthorized, kindUnauthorized, "credential required", nil)
		return
	}

	st, err := s.dispatch.ClientStatistics(r.Context(), clientID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// myStatistics is shorthand for a worker reading its own statistics.
func (s *Server) myStatistics(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	st, err := s.dispatch.ClientStatistics(r.Context(), p.client.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) clientActivity(w http.ResponseWriter, r *http.Request) {
	activity, err := s.dispatch.ClientActivity(r.Context(), chi.URLParam(r, "client_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, activity)
}
