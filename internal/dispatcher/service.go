// Package dispatcher implements the task lifecycle and worker registry.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/reyestr-project/dispatch/internal/cache"
	"github.com/reyestr-project/dispatch/internal/config"
	"github.com/reyestr-project/dispatch/internal/metrics"
	"github.com/reyestr-project/dispatch/internal/registry"
	"github.com/reyestr-project/dispatch/internal/stats"
)

// sessionWindow bounds the "current session" statistics in activity
// snapshots.
const sessionWindow = 24 * time.Hour

// Service coordinates tasks and clients over the stores, keeping the
// cache coherent after every write. All state lives in Postgres; the
// service itself holds nothing between calls.
type Service struct {
	tasks    registry.TaskStore
	clients  registry.ClientStore
	cache    registry.Cache
	cacheCfg config.CacheConfig
	clock    registry.Clock
	ids      registry.IDGenerator
	log      *zap.Logger
}

// NewService wires a dispatcher service.
func NewService(tasks registry.TaskStore, clients registry.ClientStore, c registry.Cache,
	cacheCfg config.CacheConfig, clock registry.Clock, ids registry.IDGenerator, log *zap.Logger) *Service {
	return &Service{
		tasks:    tasks,
		clients:  clients,
		cache:    c,
		cacheCfg: cacheCfg,
		clock:    clock,
		ids:      ids,
		log:      log,
	}
}

// CreateTask inserts a new pending task. Duplicates are allowed; re-runs
// of the same search window are routine.
func (s *Service) CreateTask(ctx context.Context, params registry.SearchParams, startPage, maxDocuments, connections int) (registry.Task, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return registry.Task{}, fmt.Errorf("create task: %w", err)
	}
	task := registry.Task{
		ID:           id,
		SearchParams: params,
		StartPage:    startPage,
		MaxDocuments: maxDocuments,
		Connections:  connections,
		Status:       registry.TaskStatusPending,
		CreatedAt:    s.clock.Now(),
		UpdatedAt:    s.clock.Now(),
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		return registry.Task{}, err
	}
	metrics.ObserveTaskTransition(string(registry.TaskStatusPending))
	s.invalidateTaskLists(ctx)
	s.log.Info("task created", zap.String("task_id", id))
	return task, nil
}

// RequestTask hands the oldest pending task to the calling worker, or
// returns nil when the queue is empty. The call doubles as a heartbeat.
func (s *Service) RequestTask(ctx context.Context, clientID string) (*registry.Task, error) {
	s.touchClient(ctx, clientID)
	task, err := s.tasks.Claim(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		metrics.ObserveEmptyClaim()
		return nil, nil
	}
	metrics.ObserveTaskTransition(string(registry.TaskStatusAssigned))
	s.invalidateTask(ctx, task.ID)
	s.log.Info("task assigned",
		zap.String("task_id", task.ID), zap.String("client_id", clientID))
	return task, nil
}

// ReportProgress applies a progress update from the holding worker.
func (s *Service) ReportProgress(ctx context.Context, taskID, clientID string, counters registry.TaskCounters) (registry.Task, error) {
	s.touchClient(ctx, clientID)
	task, err := s.tasks.ReportProgress(ctx, taskID, clientID, counters)
	if err != nil {
		observeConflict(err)
		return registry.Task{}, err
	}
	metrics.ObserveTaskTransition(string(registry.TaskStatusInProgress))
	s.invalidateTask(ctx, taskID)
	return task, nil
}

// CompleteTask finishes a held task and credits the worker's counters.
func (s *Service) CompleteTask(ctx context.Context, taskID, clientID string, counters registry.TaskCounters, summary map[string]any) error {
	s.touchClient(ctx, clientID)
	if err := s.tasks.Complete(ctx, taskID, clientID, counters, summary); err != nil {
		observeConflict(err)
		return err
	}
	metrics.ObserveTaskTransition(string(registry.TaskStatusCompleted))
	s.invalidateTask(ctx, taskID)
	s.invalidateClientStats(ctx, clientID)
	s.log.Info("task completed",
		zap.String("task_id", taskID), zap.String("client_id", clientID),
		zap.Int("documents_downloaded", counters.Downloaded))
	return nil
}

// FailTask records a fatal failure from the holding worker. The worker is
// flipped to error until its next heartbeat restores it.
func (s *Service) FailTask(ctx context.Context, taskID, clientID, errorMessage string) error {
	if err := s.tasks.Fail(ctx, taskID, clientID, errorMessage); err != nil {
		observeConflict(err)
		return err
	}
	metrics.ObserveTaskTransition(string(registry.TaskStatusFailed))
	s.invalidateTask(ctx, taskID)
	s.invalidateClientStats(ctx, clientID)
	s.log.Warn("task failed",
		zap.String("task_id", taskID), zap.String("client_id", clientID),
		zap.String("error", errorMessage))
	return nil
}

// CancelTask moves a non-terminal task to cancelled (admin operation).
func (s *Service) CancelTask(ctx context.Context, taskID string) error {
	if err := s.tasks.Cancel(ctx, taskID); err != nil {
		observeConflict(err)
		return err
	}
	metrics.ObserveTaskTransition(string(registry.TaskStatusCancelled))
	s.invalidateTask(ctx, taskID)
	return nil
}

// GetTask reads one task, through the cache. Active tasks use a shorter
// TTL because their counters move.
func (s *Service) GetTask(ctx context.Context, taskID string) (registry.Task, error) {
	key := cache.TaskKey(taskID)
	var cached registry.Task
	if s.cache.Get(ctx, key, &cached) {
		return cached, nil
	}
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return registry.Task{}, err
	}
	ttl := s.cacheCfg.TTLTasks()
	if task.Status == registry.TaskStatusAssigned || task.Status == registry.TaskStatusInProgress {
		ttl = s.cacheCfg.TTLActiveTasks()
	}
	s.cache.Set(ctx, key, task, ttl)
	return task, nil
}

// ListTasks returns the status summary plus the newest tasks, optionally
// filtered, through the cache.
func (s *Service) ListTasks(ctx context.Context, status *registry.TaskStatus, limit int) (registry.TaskSummary, error) {
	filter := ""
	if status != nil {
		filter = string(*status)
	}
	key := cache.TaskListKey(filter, limit)
	var cached registry.TaskSummary
	if s.cache.Get(ctx, key, &cached) {
		return cached, nil
	}

	tasks, err := s.tasks.List(ctx, status, limit)
	if err != nil {
		return registry.TaskSummary{}, err
	}
	counts, err := s.tasks.StatusCounts(ctx)
	if err != nil {
		return registry.TaskSummary{}, err
	}

	summary := registry.TaskSummary{
		Pending:    counts[registry.TaskStatusPending],
		Assigned:   counts[registry.TaskStatusAssigned],
		InProgress: counts[registry.TaskStatusInProgress],
		Completed:  counts[registry.TaskStatusCompleted],
		Failed:     counts[registry.TaskStatusFailed],
		Cancelled:  counts[registry.TaskStatusCancelled],
		Tasks:      tasks,
	}
	for _, n := range counts {
		summary.TotalTasks += n
	}
	s.cache.Set(ctx, key, summary, s.cacheCfg.TTLTasks())
	return summary, nil
}

// TaskStatistics reports download speed and ETA for one task.
func (s *Service) TaskStatistics(ctx context.Context, taskID string) (registry.TaskStatistics, error) {
	key := cache.TaskStatisticsKey(taskID)
	var cached registry.TaskStatistics
	if s.cache.Get(ctx, key, &cached) {
		return cached, nil
	}
	st, err := s.tasks.Statistics(ctx, taskID)
	if err != nil {
		return registry.TaskStatistics{}, err
	}
	s.cache.Set(ctx, key, st, s.cacheCfg.TTLActiveTasks())
	return st, nil
}

// TaskIndexes groups tasks into (court region, instance type) buckets.
func (s *Service) TaskIndexes(ctx context.Context) ([]registry.TaskIndex, error) {
	return s.tasks.Indexes(ctx)
}

// TasksByIndex lists one bucket's tasks with optional date bounds.
func (s *Service) TasksByIndex(ctx context.Context, courtRegion, instanceType string, dateStart, dateEnd *time.Time) ([]registry.Task, error) {
	return s.tasks.ByIndex(ctx, courtRegion, instanceType, dateStart, dateEnd)
}

// RegisterClient registers a worker, reusing its row when the name and
// credential match a known client.
func (s *Service) RegisterClient(ctx context.Context, name string, host *string, apiKey string) (registry.Client, error) {
	client, err := s.clients.Register(ctx, name, host, apiKey)
	if err != nil {
		return registry.Client{}, err
	}
	s.log.Info("client registered",
		zap.String("client_id", client.ID), zap.String("client_name", name))
	return client, nil
}

// HeartbeatClient stamps the worker alive.
func (s *Service) HeartbeatClient(ctx context.Context, clientID string) error {
	return s.clients.Heartbeat(ctx, clientID)
}

// ClientByAPIKey resolves a worker credential.
func (s *Service) ClientByAPIKey(ctx context.Context, apiKey string) (registry.Client, error) {
	return s.clients.GetByAPIKey(ctx, apiKey)
}

// ListClients returns all workers and refreshes the active-clients gauge.
func (s *Service) ListClients(ctx context.Context) ([]registry.Client, error) {
	clients, err := s.clients.List(ctx)
	if err != nil {
		return nil, err
	}
	active := 0
	for _, c := range clients {
		if c.Status == registry.ClientStatusActive {
			active++
		}
	}
	metrics.SetActiveClients(active)
	return clients, nil
}

// ClientStatistics returns the derived per-worker view, through the cache.
func (s *Service) ClientStatistics(ctx context.Context, clientID string) (registry.ClientStatistics, error) {
	key := cache.ClientStatisticsKey(clientID)
	var cached registry.ClientStatistics
	if s.cache.Get(ctx, key, &cached) {
		return cached, nil
	}
	st, err := s.clients.Statistics(ctx, clientID)
	if err != nil {
		return registry.ClientStatistics{}, err
	}
	s.cache.Set(ctx, key, st, s.cacheCfg.TTLStatistics())
	return st, nil
}

// ClientActivity assembles the live snapshot: current task with
// throughput, session stats over the last day, lifetime counters and the
// latest errors.
func (s *Service) ClientActivity(ctx context.Context, clientID string) (registry.ClientActivity, error) {
	client, err := s.clients.Get(ctx, clientID)
	if err != nil {
		return registry.ClientActivity{}, err
	}

	activity := registry.ClientActivity{
		ClientID: clientID,
		Lifetime: registry.LifetimeStats{
			TotalTasks:     client.TasksCompleted + client.TasksFailed,
			TotalDocuments: client.DocumentsDownloaded,
		},
	}

	current, err := s.tasks.CurrentTask(ctx, clientID)
	if err != nil {
		return registry.ClientActivity{}, err
	}
	if current != nil {
		st, err := s.tasks.Statistics(ctx, current.ID)
		if err != nil {
			return registry.ClientActivity{}, err
		}
		activity.CurrentTask = &registry.CurrentTaskActivity{
			Task:          *current,
			DocsPerMinute: stats.PerMinute(st.DocsPerSecond),
			ETASeconds:    st.ETASeconds,
		}
	}

	session, err := s.tasks.SessionStats(ctx, clientID, s.clock.Now().Add(-sessionWindow))
	if err != nil {
		return registry.ClientActivity{}, err
	}
	activity.SessionStats = session

	taskErrors, err := s.tasks.RecentErrors(ctx, clientID, 10)
	if err != nil {
		return registry.ClientActivity{}, err
	}
	if taskErrors == nil {
		taskErrors = []registry.TaskError{}
	}
	activity.Errors = taskErrors

	return activity, nil
}

// touchClient refreshes the heartbeat as a side effect of any
// worker-authenticated call; a failure here never blocks the main
// operation.
func (s *Service) touchClient(ctx context.Context, clientID string) {
	if err := s.clients.Heartbeat(ctx, clientID); err != nil {
		s.log.Debug("heartbeat refresh failed",
			zap.String("client_id", clientID), zap.Error(err))
	}
}

func (s *Service) invalidateTask(ctx context.Context, taskID string) {
	s.cache.Delete(ctx, cache.TaskKey(taskID), cache.TaskStatisticsKey(taskID))
	s.invalidateTaskLists(ctx)
}

func (s *Service) invalidateTaskLists(ctx context.Context) {
	s.cache.DeletePattern(ctx, cache.TasksPattern)
	s.cache.Delete(ctx, cache.TaskSummaryKey)
}

func (s *Service) invalidateClientStats(ctx context.Context, clientID string) {
	s.cache.Delete(ctx, cache.ClientStatisticsKey(clientID))
}

func observeConflict(err error) {
	switch {
	case errors.Is(err, registry.ErrConflict):
		metrics.ObserveTaskConflict("terminal")
	case errors.Is(err, registry.ErrTaskNotHeld):
		metrics.ObserveTaskConflict("not_held")
	case errors.Is(err, registry.ErrInvalidProgress):
		metrics.ObserveTaskConflict("counter_regression")
	}
}
