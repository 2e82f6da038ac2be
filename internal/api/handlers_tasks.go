package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/reyestr-project/dispatch/internal/registry"
)

const (
	defaultListLimit   = 50
	maxListLimit       = 500
	defaultConnections = 5
)

type createTaskRequest struct {
	SearchParams          map[string]any `json:"search_params"`
	StartPage             int            `json:"start_page"`
	MaxDocuments          int            `json:"max_documents"`
	ConcurrentConnections int            `json:"concurrent_connections"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	if req.StartPage == 0 {
		req.StartPage = 1
	}
	if req.StartPage < 1 {
		badRequest(w, "start_page must be >= 1")
		return
	}
	if req.MaxDocuments < 1 {
		badRequest(w, "max_documents must be >= 1")
		return
	}
	if req.ConcurrentConnections == 0 {
		req.ConcurrentConnections = defaultConnections
	}
	if req.ConcurrentConnections < 1 {
		badRequest(w, "concurrent_connections must be >= 1")
		return
	}

	params := registry.ParamsFromMap(req.SearchParams)
	task, err := s.dispatch.CreateTask(r.Context(), params, req.StartPage, req.MaxDocuments, req.ConcurrentConnections)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"task_id": task.ID})
}

func (s *Server) requestTask(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	task, err := s.dispatch.RequestTask(r.Context(), p.client.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type progressRequest struct {
	TaskID     string `json:"task_id"`
	Downloaded int    `json:"downloaded"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
}

func (s *Server) reportProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" {
		badRequest(w, "task_id is required")
		return
	}
	if req.Downloaded < 0 || req.Failed < 0 || req.Skipped < 0 {
		badRequest(w, "counters must be non-negative")
		return
	}
	p := principalFrom(r.Context())
	_, err := s.dispatch.ReportProgress(r.Context(), req.TaskID, p.client.ID,
		registry.TaskCounters{Downloaded: req.Downloaded, Failed: req.Failed, Skipped: req.Skipped})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

type completeRequest struct {
	TaskID              string         `json:"task_id"`
	DocumentsDownloaded int            `json:"documents_downloaded"`
	DocumentsFailed     int            `json:"documents_failed"`
	DocumentsSkipped    int            `json:"documents_skipped"`
	ResultSummary       map[string]any `json:"result_summary"`
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" {
		badRequest(w, "task_id is required")
		return
	}
	p := principalFrom(r.Context())
	err := s.dispatch.CompleteTask(r.Context(), req.TaskID, p.client.ID,
		registry.TaskCounters{
			Downloaded: req.DocumentsDownloaded,
			Failed:     req.DocumentsFailed,
			Skipped:    req.DocumentsSkipped,
		}, req.ResultSummary)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

type failRequest struct {
	TaskID       string `json:"task_id"`
	ErrorMessage string `json:"error_message"`
}

func (s *Server) failTask(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" {
		badRequest(w, "task_id is required")
		return
	}
	if req.ErrorMessage == "" {
		badRequest(w, "error_message is required")
		return
	}
	p := principalFrom(r.Context())
	if err := s.dispatch.FailTask(r.Context(), req.TaskID, p.client.ID, req.ErrorMessage); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

type cancelRequest struct {
	TaskID string `json:"task_id"`
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" {
		badRequest(w, "task_id is required")
		return
	}
	if err := s.dispatch.CancelTask(r.Context(), req.TaskID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	var status *registry.TaskStatus
	if f := r.URL.Query().Get("status_filter"); f != "" {
		st := registry.TaskStatus(f)
		switch st {
		case registry.TaskStatusPending, registry.TaskStatusAssigned, registry.TaskStatusInProgress,
			registry.TaskStatusCompleted, registry.TaskStatusFailed, registry.TaskStatusCancelled:
			status = &st
		default:
			badRequest(w, "unknown status_filter")
			return
		}
	}
	limit := defaultListLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 || n > maxListLimit {
			badRequest(w, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	summary, err := s.dispatch.ListTasks(r.Context(), status, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.dispatch.GetTask(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) taskIndexes(w http.ResponseWriter, r *http.Request) {
	indexes, err := s.dispatch.TaskIndexes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if indexes == nil {
		indexes = []registry.TaskIndex{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"indexes": indexes})
}

func (s *Server) tasksByIndex(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	region := q.Get("court_region")
	instance := q.Get("instance_type")
	if region == "" || instance == "" {
		badRequest(w, "court_region and instance_type are required")
		return
	}
	dateStart, err := parseQueryDate(q.Get("date_start"))
	if err != nil {
		badRequest(w, "date_start must be YYYY-MM-DD")
		return
	}
	dateEnd, err := parseQueryDate(q.Get("date_end"))
	if err != nil {
		badRequest(w, "date_end must be YYYY-MM-DD")
		return
	}

	tasks, err := s.dispatch.TasksByIndex(r.Context(), region, instance, dateStart, dateEnd)
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []registry.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) taskStatistics(w http.ResponseWriter, r *http.Request) {
	st, err := s.dispatch.TaskStatistics(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func parseQueryDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
