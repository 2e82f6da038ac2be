// Package api exposes the HTTP interface for the dispatch service.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/reyestr-project/dispatch/internal/config"
	"github.com/reyestr-project/dispatch/internal/dispatcher"
	"github.com/reyestr-project/dispatch/internal/metrics"
	"github.com/reyestr-project/dispatch/internal/registrar"
)

// Version is the service version reported by the root banner.
const Version = "1.0.0"

// Server wires HTTP handlers to the dispatcher and registrar services.
type Server struct {
	router    chi.Router
	dispatch  *dispatcher.Service
	registrar *registrar.Service
	cfg       config.Config
	log       *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(dispatch *dispatcher.Service, reg *registrar.Service, cfg config.Config, log *zap.Logger) *Server {
	s := &Server{
		dispatch:  dispatch,
		registrar: reg,
		cfg:       cfg,
		log:       log,
	}

	admin := requireAdmin(cfg.Auth.Enabled)
	pollLimiter := newIPLimiter(cfg.Limits.PollingRPS, cfg.Limits.Burst)
	statsLimiter := newIPLimiter(cfg.Limits.StatisticsRPS, cfg.Limits.Burst)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(log))
	r.Use(recoverMiddleware(log))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(time.Duration(cfg.Server.TimeoutSeconds) * time.Second))
	r.Use(rateLimitMiddleware(newIPLimiter(cfg.Limits.GlobalRPS, cfg.Limits.Burst)))
	r.Use(credentialMiddleware(cfg.Auth.AdminAPIKey, dispatch, log))

	r.Get("/", s.banner)
	r.Get("/health", s.health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/create", admin(s.createTask))
			r.Post("/request", rateLimit(pollLimiter, requireWorker(s.requestTask)))
			r.Post("/progress", requireWorker(s.reportProgress))
			r.Post("/complete", requireWorker(s.completeTask))
			r.Post("/fail", requireWorker(s.failTask))
			r.Post("/cancel", admin(s.cancelTask))
			r.Get("/", admin(s.listTasks))
			r.Get("/indexes", admin(s.taskIndexes))
			r.Get("/by-index", admin(s.tasksByIndex))
			r.Get("/{task_id}", admin(s.getTask))
			r.Get("/{task_id}/download-statistics", rateLimit(statsLimiter, admin(s.taskStatistics)))
		})

		r.Route("/documents", func(r chi.Router) {
			r.Post("/register", requireWorker(s.registerDocument))
			r.Post("/progress/open", requireWorker(s.openProgress))
			r.Post("/progress/close", requireWorker(s.closeProgress))
			r.Get("/{system_id}", s.getDocument)
		})

		r.Route("/clients", func(r chi.Router) {
			r.Post("/register", s.registerClient)
			r.Post("/heartbeat", requireWorker(s.heartbeat))
			r.Get("/", admin(s.listClients))
			r.Get("/me/statistics", rateLimit(statsLimiter, requireWorker(s.myStatistics)))
			r.Get("/{client_id}/statistics", rateLimit(statsLimiter, s.clientStatistics))
			r.Get("/{client_id}/activity", admin(s.clientActivity))
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) banner(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "reyestr-dispatch",
		"version": Version,
		"status":  "running",
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
