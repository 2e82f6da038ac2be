// Package metrics exposes Prometheus collectors for the dispatch service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	taskTransitionsTotal       *prometheus.CounterVec
	taskClaimEmptyTotal        prometheus.Counter
	taskConflictsTotal         *prometheus.CounterVec
	tasksReclaimedTotal        prometheus.Counter
	documentsRegisteredTotal   *prometheus.CounterVec
	activeClients              prometheus.Gauge
	clientsMarkedInactiveTotal prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		taskTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_task_transitions_total",
				Help: "Total task lifecycle transitions, labeled by resulting status.",
			},
			[]string{"status"},
		)

		taskClaimEmptyTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatch_task_claim_empty_total",
				Help: "Total task requests that found the pending queue empty.",
			},
		)

		taskConflictsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_task_conflicts_total",
				Help: "Total rejected task operations, labeled by reason.",
			},
			[]string{"reason"},
		)

		tasksReclaimedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatch_tasks_reclaimed_total",
				Help: "Total tasks returned to pending by the reclamation sweep.",
			},
		)

		documentsRegisteredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_documents_registered_total",
				Help: "Total document registrations, labeled by outcome (created, merged, unchanged).",
			},
			[]string{"outcome"},
		)

		activeClients = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispatch_active_clients",
				Help: "Number of download clients currently marked active.",
			},
		)

		clientsMarkedInactiveTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatch_clients_marked_inactive_total",
				Help: "Total clients flipped to inactive by the liveness sweep.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveTaskTransition counts one lifecycle transition.
func ObserveTaskTransition(status string) {
	taskTransitionsTotal.WithLabelValues(status).Inc()
}

// ObserveEmptyClaim counts a poll that found no pending work.
func ObserveEmptyClaim() {
	taskClaimEmptyTotal.Inc()
}

// ObserveTaskConflict counts a rejected task operation.
func ObserveTaskConflict(reason string) {
	taskConflictsTotal.WithLabelValues(reason).Inc()
}

// ObserveReclaimed counts tasks returned to the pending queue.
func ObserveReclaimed(n int) {
	tasksReclaimedTotal.Add(float64(n))
}

// ObserveDocumentRegistered counts one document registration outcome.
func ObserveDocumentRegistered(outcome string) {
	documentsRegisteredTotal.WithLabelValues(outcome).Inc()
}

// SetActiveClients records the current number of active clients.
func SetActiveClients(n int) {
	activeClients.Set(float64(n))
}

// ObserveClientsMarkedInactive counts clients swept to inactive.
func ObserveClientsMarkedInactive(n int) {
	clientsMarkedInactiveTotal.Add(float64(n))
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}

		ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
