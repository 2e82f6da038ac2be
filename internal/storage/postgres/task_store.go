package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reyestr-project/dispatch/internal/registry"
	"github.com/reyestr-project/dispatch/internal/stats"
)

// reclaimLockKey serializes the stalled-task sweep across replicas.
const reclaimLockKey int64 = 0x7245594553545231

const taskColumns = `id, client_id, search_params, start_page, max_documents,
	concurrent_connections, status, documents_downloaded, documents_failed,
	documents_skipped, error_message, result_summary, created_at, assigned_at,
	started_at, completed_at, updated_at`

// TaskStore is the Postgres implementation of registry.TaskStore.
type TaskStore struct {
	pool pgxPool
}

// NewTaskStore creates a TaskStore backed by the shared pool.
func NewTaskStore(pool *pgxpool.Pool) *TaskStore {
	return &TaskStore{pool: pool}
}

// NewTaskStoreWithPool accepts any pool implementation (used by tests).
func NewTaskStoreWithPool(pool pgxPool) *TaskStore {
	return &TaskStore{pool: pool}
}

// Create inserts a new pending task.
func (s *TaskStore) Create(ctx context.Context, task registry.Task) error {
	params, err := json.Marshal(task.SearchParams)
	if err != nil {
		return fmt.Errorf("marshal search params: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO download_tasks
			(id, search_params, start_page, max_documents, concurrent_connections,
			 status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', NOW(), NOW())`,
		task.ID, params, task.StartPage, task.MaxDocuments, task.Connections)
	return storeErr("create task", err)
}

// Claim atomically hands the oldest pending task to clientID. The inner
// select uses SKIP LOCKED so concurrent claimers never block or collide;
// when the queue is empty Claim returns (nil, nil).
func (s *TaskStore) Claim(ctx context.Context, clientID string) (*registry.Task, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE download_tasks
		SET client_id = $1, status = 'assigned', assigned_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT id FROM download_tasks
			WHERE status = 'pending'
			ORDER BY created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns,
		clientID)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("claim task", err)
	}
	return &task, nil
}

// ReportProgress applies a progress update from the holding client. The
// update is conditional on holdership, a live status, and monotonically
// non-decreasing counters; when it matches nothing the current row is read
// back to name the exact violation.
func (s *TaskStore) ReportProgress(ctx context.Context, taskID, clientID string, counters registry.TaskCounters) (registry.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return registry.Task{}, storeErr("report progress", err)
	}
	defer rollback(ctx, tx)

	row := tx.QueryRow(ctx, `
		UPDATE download_tasks
		SET status = 'in_progress',
			started_at = COALESCE(started_at, NOW()),
			documents_downloaded = $3,
			documents_failed = $4,
			documents_skipped = $5,
			updated_at = NOW()
		WHERE id = $1 AND client_id = $2
			AND status IN ('assigned', 'in_progress')
			AND documents_downloaded <= $3
			AND documents_failed <= $4
			AND documents_skipped <= $5
		RETURNING `+taskColumns,
		taskID, clientID, counters.Downloaded, counters.Failed, counters.Skipped)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		reason := s.classifyRejection(ctx, tx, taskID, clientID, &counters)
		return registry.Task{}, fmt.Errorf("report progress: %w", reason)
	}
	if err != nil {
		return registry.Task{}, storeErr("report progress", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return registry.Task{}, storeErr("report progress", err)
	}
	return task, nil
}

// Complete finishes a held task and credits the client's lifetime counters
// in the same transaction.
func (s *TaskStore) Complete(ctx context.Context, taskID, clientID string, counters registry.TaskCounters, summary map[string]any) error {
	var summaryJSON []byte
	if summary != nil {
		var err error
		summaryJSON, err = json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("marshal result summary: %w", err)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeErr("complete task", err)
	}
	defer rollback(ctx, tx)

	tag, err := tx.Exec(ctx, `
		UPDATE download_tasks
		SET status = 'completed',
			documents_downloaded = $3,
			documents_failed = $4,
			documents_skipped = $5,
			result_summary = $6,
			completed_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND client_id = $2
			AND status IN ('assigned', 'in_progress')`,
		taskID, clientID, counters.Downloaded, counters.Failed, counters.Skipped, summaryJSON)
	if err != nil {
		return storeErr("complete task", err)
	}
	if tag.RowsAffected() == 0 {
		reason := s.classifyRejection(ctx, tx, taskID, clientID, nil)
		return fmt.Errorf("complete task: %w", reason)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE download_clients
		SET total_tasks_completed = total_tasks_completed + 1,
			total_documents_downloaded = total_documents_downloaded + $2,
			updated_at = NOW()
		WHERE id = $1`,
		clientID, counters.Downloaded); err != nil {
		return storeErr("complete task", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return storeErr("complete task", err)
	}
	return nil
}

// Fail marks a held task failed, credits the client's failed counter and
// flips the client to error until its next heartbeat.
func (s *TaskStore) Fail(ctx context.Context, taskID, clientID, errorMessage string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeErr("fail task", err)
	}
	defer rollback(ctx, tx)

	tag, err := tx.Exec(ctx, `
		UPDATE download_tasks
		SET status = 'failed',
			error_message = $3,
			completed_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND client_id = $2
			AND status IN ('assigned', 'in_progress')`,
		taskID, clientID, errorMessage)
	if err != nil {
		return storeErr("fail task", err)
	}
	if tag.RowsAffected() == 0 {
		reason := s.classifyRejection(ctx, tx, taskID, clientID, nil)
		return fmt.Errorf("fail task: %w", reason)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE download_clients
		SET total_tasks_failed = total_tasks_failed + 1,
			status = 'error',
			updated_at = NOW()
		WHERE id = $1`,
		clientID); err != nil {
		return storeErr("fail task", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return storeErr("fail task", err)
	}
	return nil
}

// Cancel moves any non-terminal task to cancelled.
func (s *TaskStore) Cancel(ctx context.Context, taskID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE download_tasks
		SET status = 'cancelled', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		taskID)
	if err != nil {
		return storeErr("cancel task", err)
	}
	if tag.RowsAffected() == 0 {
		var status registry.TaskStatus
		err := s.pool.QueryRow(ctx, `SELECT status FROM download_tasks WHERE id = $1`, taskID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("cancel task: %w", registry.ErrNotFound)
		}
		if err != nil {
			return storeErr("cancel task", err)
		}
		return fmt.Errorf("cancel task %s: %w", status, registry.ErrConflict)
	}
	return nil
}

// Get returns one task by id.
func (s *TaskStore) Get(ctx context.Context, taskID string) (registry.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM download_tasks WHERE id = $1`, taskID)
	task, err := scanTask(row)
	if err != nil {
		return registry.Task{}, storeErr("get task", err)
	}
	return task, nil
}

// List returns tasks newest-first, optionally filtered by status.
func (s *TaskStore) List(ctx context.Context, status *registry.TaskStatus, limit int) ([]registry.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM download_tasks`
	args := []any{}
	if status != nil {
		query += ` WHERE status = $1`
		args = append(args, *status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list tasks", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// StatusCounts returns the number of tasks in each status.
func (s *TaskStore) StatusCounts(ctx context.Context) (map[registry.TaskStatus]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM download_tasks GROUP BY status`)
	if err != nil {
		return nil, storeErr("status counts", err)
	}
	defer rows.Close()

	counts := make(map[registry.TaskStatus]int)
	for rows.Next() {
		var status registry.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storeErr("status counts", err)
		}
		counts[status] = n
	}
	return counts, storeErr("status counts", rows.Err())
}

// ReclaimStalled returns tasks held by silent clients to the pending queue.
// An advisory lock scoped to the transaction keeps the sweep single-flight.
func (s *TaskStore) ReclaimStalled(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, storeErr("reclaim stalled", err)
	}
	defer rollback(ctx, tx)

	var locked bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, reclaimLockKey).Scan(&locked); err != nil {
		return 0, storeErr("reclaim stalled", err)
	}
	if !locked {
		return 0, nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE download_tasks t
		SET status = 'pending',
			client_id = NULL,
			assigned_at = NULL,
			started_at = NULL,
			updated_at = NOW()
		WHERE t.status IN ('assigned', 'in_progress')
			AND EXISTS (
				SELECT 1 FROM download_clients c
				WHERE c.id = t.client_id
					AND (c.last_heartbeat IS NULL OR c.last_heartbeat < $1)
			)`,
		cutoff)
	if err != nil {
		return 0, storeErr("reclaim stalled", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, storeErr("reclaim stalled", err)
	}
	return int(tag.RowsAffected()), nil
}

// Indexes groups tasks into (court region, instance type) buckets.
func (s *TaskStore) Indexes(ctx context.Context) ([]registry.TaskIndex, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT search_params->>'CourtRegion' AS court_region,
			search_params->>'INSType' AS instance_type,
			MIN(created_at), MAX(created_at),
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM download_tasks
		WHERE search_params->>'CourtRegion' IS NOT NULL
			AND search_params->>'INSType' IS NOT NULL
		GROUP BY 1, 2
		ORDER BY 1, 2`)
	if err != nil {
		return nil, storeErr("task indexes", err)
	}
	defer rows.Close()

	var indexes []registry.TaskIndex
	for rows.Next() {
		var idx registry.TaskIndex
		if err := rows.Scan(&idx.CourtRegion, &idx.InstanceType, &idx.DateStart, &idx.DateEnd,
			&idx.TotalTasks, &idx.PendingTasks, &idx.CompletedTasks, &idx.FailedTasks); err != nil {
			return nil, storeErr("task indexes", err)
		}
		indexes = append(indexes, idx)
	}
	return indexes, storeErr("task indexes", rows.Err())
}

// ByIndex returns the tasks of one bucket, optionally bounded by creation time.
func (s *TaskStore) ByIndex(ctx context.Context, courtRegion, instanceType string, dateStart, dateEnd *time.Time) ([]registry.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM download_tasks
		WHERE search_params->>'CourtRegion' = $1
			AND search_params->>'INSType' = $2
			AND ($3::timestamptz IS NULL OR created_at >= $3)
			AND ($4::timestamptz IS NULL OR created_at <= $4)
		ORDER BY created_at DESC`,
		courtRegion, instanceType, dateStart, dateEnd)
	if err != nil {
		return nil, storeErr("tasks by index", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// Statistics derives per-task download throughput from the progress log.
// Speed comes from the ten most recently completed documents so it tracks
// the current pace rather than the lifetime average.
func (s *TaskStore) Statistics(ctx context.Context, taskID string) (registry.TaskStatistics, error) {
	task, err := s.Get(ctx, taskID)
	if err != nil {
		return registry.TaskStatistics{}, err
	}

	var st registry.TaskStatistics
	st.TotalDocuments = task.MaxDocuments
	st.SkippedCount = task.Counters.Skipped

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			AVG(EXTRACT(EPOCH FROM completed_at - started_at)) FILTER (WHERE status = 'completed')
		FROM download_progress
		WHERE task_id = $1`,
		taskID).Scan(&st.StartedCount, &st.CompletedCount, &st.FailedCount, &st.AvgDownloadSecs)
	if err != nil {
		return registry.TaskStatistics{}, storeErr("task statistics", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT EXTRACT(EPOCH FROM completed_at - started_at)
		FROM download_progress
		WHERE task_id = $1 AND status = 'completed' AND completed_at IS NOT NULL
		ORDER BY completed_at DESC
		LIMIT 10`,
		taskID)
	if err != nil {
		return registry.TaskStatistics{}, storeErr("task statistics", err)
	}
	defer rows.Close()

	var recent []float64
	for rows.Next() {
		var d float64
		if err := rows.Scan(&d); err != nil {
			return registry.TaskStatistics{}, storeErr("task statistics", err)
		}
		recent = append(recent, d)
	}
	if err := rows.Err(); err != nil {
		return registry.TaskStatistics{}, storeErr("task statistics", err)
	}

	st.DocsPerSecond = stats.Speed(recent)
	st.ETASeconds = stats.ETA(task.MaxDocuments-st.CompletedCount, st.DocsPerSecond)
	return st, nil
}

// CurrentTask returns the task a client holds right now, or nil.
func (s *TaskStore) CurrentTask(ctx context.Context, clientID string) (*registry.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM download_tasks
		WHERE client_id = $1 AND status IN ('assigned', 'in_progress')
		ORDER BY updated_at DESC
		LIMIT 1`,
		clientID)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("current task", err)
	}
	return &task, nil
}

// SessionStats sums a client's completed work since the given time.
func (s *TaskStore) SessionStats(ctx context.Context, clientID string, since time.Time) (registry.SessionStats, error) {
	st := registry.SessionStats{StartTime: since}
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(documents_downloaded), 0)
		FROM download_tasks
		WHERE client_id = $1 AND status = 'completed' AND completed_at >= $2`,
		clientID, since).Scan(&st.TasksCompleted, &st.DocumentsDownloaded)
	if err != nil {
		return registry.SessionStats{}, storeErr("session stats", err)
	}
	return st, nil
}

// RecentErrors lists the newest failed tasks of a client.
func (s *TaskStore) RecentErrors(ctx context.Context, clientID string, limit int) ([]registry.TaskError, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, error_message, completed_at
		FROM download_tasks
		WHERE client_id = $1 AND status = 'failed' AND error_message IS NOT NULL
		ORDER BY completed_at DESC NULLS LAST
		LIMIT $2`,
		clientID, limit)
	if err != nil {
		return nil, storeErr("recent errors", err)
	}
	defer rows.Close()

	var errsOut []registry.TaskError
	for rows.Next() {
		var te registry.TaskError
		if err := rows.Scan(&te.TaskID, &te.ErrorMessage, &te.Timestamp); err != nil {
			return nil, storeErr("recent errors", err)
		}
		errsOut = append(errsOut, te)
	}
	return errsOut, storeErr("recent errors", rows.Err())
}

// classifyRejection reads the current row to explain why a conditional
// lifecycle update matched nothing.
func (s *TaskStore) classifyRejection(ctx context.Context, tx pgx.Tx, taskID, clientID string, counters *registry.TaskCounters) error {
	var (
		status registry.TaskStatus
		holder *string
		have   registry.TaskCounters
	)
	err := tx.QueryRow(ctx, `
		SELECT status, client_id, documents_downloaded, documents_failed, documents_skipped
		FROM download_tasks WHERE id = $1`,
		taskID).Scan(&status, &holder, &have.Downloaded, &have.Failed, &have.Skipped)
	if errors.Is(err, pgx.ErrNoRows) {
		return registry.ErrNotFound
	}
	if err != nil {
		return storeErr("inspect task", err)
	}
	switch {
	case status.Terminal():
		return registry.ErrConflict
	case holder == nil || *holder != clientID || status == registry.TaskStatusPending:
		return registry.ErrTaskNotHeld
	case counters != nil && !counters.AtLeast(have):
		return registry.ErrInvalidProgress
	default:
		return registry.ErrConflict
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (registry.Task, error) {
	var (
		task        registry.Task
		paramsJSON  []byte
		summaryJSON []byte
	)
	err := row.Scan(
		&task.ID, &task.ClientID, &paramsJSON, &task.StartPage, &task.MaxDocuments,
		&task.Connections, &task.Status, &task.Counters.Downloaded, &task.Counters.Failed,
		&task.Counters.Skipped, &task.ErrorMessage, &summaryJSON, &task.CreatedAt,
		&task.AssignedAt, &task.StartedAt, &task.CompletedAt, &task.UpdatedAt,
	)
	if err != nil {
		return registry.Task{}, err
	}
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &task.SearchParams); err != nil {
			return registry.Task{}, fmt.Errorf("decode search params: %w", err)
		}
	}
	if len(summaryJSON) > 0 {
		if err := json.Unmarshal(summaryJSON, &task.ResultSummary); err != nil {
			return registry.Task{}, fmt.Errorf("decode result summary: %w", err)
		}
	}
	return task, nil
}

func collectTasks(rows pgx.Rows) ([]registry.Task, error) {
	var tasks []registry.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, storeErr("scan task", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, storeErr("scan tasks", rows.Err())
}
