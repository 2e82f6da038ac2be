package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/reyestr-project/dispatch/internal/registry"
)

type registerDocumentRequest struct {
	Metadata     registry.DocumentMetadata `json:"metadata"`
	TaskID       *string                   `json:"task_id"`
	SearchParams map[string]any            `json:"search_params"`
}

func (s *Server) registerDocument(w http.ResponseWriter, r *http.Request) {
	var req registerDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	if req.Metadata.ExternalID == "" {
		badRequest(w, "metadata.external_id is required")
		return
	}

	var params *registry.SearchParams
	if len(req.SearchParams) > 0 {
		p := registry.ParamsFromMap(req.SearchParams)
		if !p.IsZero() {
			params = &p
		}
	}

	p := principalFrom(r.Context())
	doc, err := s.registrar.Register(r.Context(), req.Metadata, params, req.TaskID, &p.client.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	classified := doc.ClassificationSrc != nil
	resp := map[string]any{
		"system_id":  doc.SystemID,
		"classified": classified,
	}
	if classified {
		resp["classification"] = map[string]any{
			"court_region":  doc.CourtRegion,
			"instance_type": doc.InstanceType,
			"source":        doc.ClassificationSrc,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// getDocument serves any authenticated principal.
func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if s.cfg.Auth.Enabled && !p.admin && !p.worker() {
		writeErrorKind(w, http.StatusUnauthorized, kindUnauthorized, "credential required", nil)
		return
	}
	doc, err := s.registrar.Get(r.Context(), chi.URLParam(r, "system_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type openProgressRequest struct {
	TaskID     string  `json:"task_id"`
	DocumentID string  `json:"document_id"`
	RegNumber  *string `json:"reg_number"`
}

func (s *Server) openProgress(w http.ResponseWriter, r *http.Request) {
	var req openProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" || req.DocumentID == "" {
		badRequest(w, "task_id and document_id are required")
		return
	}
	p := principalFrom(r.Context())
	if err := s.registrar.OpenProgress(r.Context(), req.TaskID, req.DocumentID, req.RegNumber, &p.client.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

type closeProgressRequest struct {
	TaskID     string `json:"task_id"`
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
}

func (s *Server) closeProgress(w http.ResponseWriter, r *http.Request) {
	var req closeProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" || req.DocumentID == "" {
		badRequest(w, "task_id and document_id are required")
		return
	}
	status := registry.ProgressStatus(req.Status)
	if status != registry.ProgressCompleted && status != registry.ProgressFailed {
		badRequest(w, "status must be completed or failed")
		return
	}
	if err := s.registrar.CloseProgress(r.Context(), req.TaskID, req.DocumentID, status); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}
