package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reyestr-project/dispatch/internal/registry"
)

// livenessLockKey serializes the inactivity sweep across replicas.
const livenessLockKey int64 = 0x7245594553545232

const clientColumns = `id, client_name, client_host, status, last_heartbeat,
	total_tasks_completed, total_tasks_failed, total_documents_downloaded,
	created_at, updated_at`

// ClientStore is the Postgres implementation of registry.ClientStore.
type ClientStore struct {
	pool pgxPool
	ids  registry.IDGenerator
}

// NewClientStore creates a ClientStore backed by the shared pool.
func NewClientStore(pool *pgxpool.Pool, ids registry.IDGenerator) *ClientStore {
	return &ClientStore{pool: pool, ids: ids}
}

// NewClientStoreWithPool accepts any pool implementation (used by tests).
func NewClientStoreWithPool(pool pgxPool, ids registry.IDGenerator) *ClientStore {
	return &ClientStore{pool: pool, ids: ids}
}

// Register reuses the row matching name+apiKey, refreshing its heartbeat,
// or creates a fresh client with a generated key. Registration is how a
// restarted worker gets its identity back without minting a duplicate.
// This is the one read that returns the api key.
func (s *ClientStore) Register(ctx context.Context, name string, host *string, apiKey string) (registry.Client, error) {
	if apiKey != "" {
		row := s.pool.QueryRow(ctx, `
			UPDATE download_clients
			SET client_host = COALESCE($3, client_host),
				status = 'active',
				last_heartbeat = NOW(),
				updated_at = NOW()
			WHERE client_name = $1 AND api_key = $2
			RETURNING api_key, `+clientColumns,
			name, apiKey, host)
		client, err := scanRegisteredClient(row)
		if err == nil {
			return client, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return registry.Client{}, storeErr("register client", err)
		}
	}

	id, err := s.ids.NewID()
	if err != nil {
		return registry.Client{}, err
	}
	key := apiKey
	if key == "" {
		if key, err = s.ids.NewID(); err != nil {
			return registry.Client{}, err
		}
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO download_clients
			(id, client_name, client_host, api_key, status, last_heartbeat,
			 total_tasks_completed, total_tasks_failed, total_documents_downloaded,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'active', NOW(), 0, 0, 0, NOW(), NOW())
		RETURNING api_key, `+clientColumns,
		id, name, host, key)
	client, err := scanRegisteredClient(row)
	if err != nil {
		return registry.Client{}, storeErr("register client", err)
	}
	return client, nil
}

func scanRegisteredClient(row scanner) (registry.Client, error) {
	var c registry.Client
	err := row.Scan(
		&c.APIKey,
		&c.ID, &c.Name, &c.Host, &c.Status, &c.LastHeartbeat,
		&c.TasksCompleted, &c.TasksFailed, &c.DocumentsDownloaded,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return registry.Client{}, err
	}
	return c, nil
}

// GetByAPIKey resolves a worker credential to its client row.
func (s *ClientStore) GetByAPIKey(ctx context.Context, apiKey string) (registry.Client, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+clientColumns+` FROM download_clients WHERE api_key = $1`, apiKey)
	client, err := scanClient(row)
	if err != nil {
		return registry.Client{}, storeErr("client by api key", err)
	}
	return client, nil
}

// Get returns one client by id.
func (s *ClientStore) Get(ctx context.Context, clientID string) (registry.Client, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+clientColumns+` FROM download_clients WHERE id = $1`, clientID)
	client, err := scanClient(row)
	if err != nil {
		return registry.Client{}, storeErr("get client", err)
	}
	return client, nil
}

// Heartbeat stamps the client alive and restores it to active.
func (s *ClientStore) Heartbeat(ctx context.Context, clientID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE download_clients
		SET last_heartbeat = NOW(), status = 'active', updated_at = NOW()
		WHERE id = $1`,
		clientID)
	if err != nil {
		return storeErr("heartbeat", err)
	}
	if tag.RowsAffected() == 0 {
		return storeErr("heartbeat", pgx.ErrNoRows)
	}
	return nil
}

// MarkInactive flips active clients whose last heartbeat is older than
// cutoff to inactive. Self-leased via an advisory lock like the task
// reclamation sweep.
func (s *ClientStore) MarkInactive(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, storeErr("mark inactive", err)
	}
	defer rollback(ctx, tx)

	var locked bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, livenessLockKey).Scan(&locked); err != nil {
		return 0, storeErr("mark inactive", err)
	}
	if !locked {
		return 0, nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE download_clients
		SET status = 'inactive', updated_at = NOW()
		WHERE status = 'active'
			AND (last_heartbeat IS NULL OR last_heartbeat < $1)`,
		cutoff)
	if err != nil {
		return 0, storeErr("mark inactive", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, storeErr("mark inactive", err)
	}
	return int(tag.RowsAffected()), nil
}

// List returns all clients, most recently heard-from first.
func (s *ClientStore) List(ctx context.Context) ([]registry.Client, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+clientColumns+`
		FROM download_clients
		ORDER BY last_heartbeat DESC NULLS LAST, client_name ASC`)
	if err != nil {
		return nil, storeErr("list clients", err)
	}
	defer rows.Close()

	var clients []registry.Client
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, storeErr("list clients", err)
		}
		clients = append(clients, client)
	}
	return clients, storeErr("list clients", rows.Err())
}

// Statistics assembles the full derived view for one client: the row
// itself, its task history buckets and its document registrations.
func (s *ClientStore) Statistics(ctx context.Context, clientID string) (registry.ClientStatistics, error) {
	client, err := s.Get(ctx, clientID)
	if err != nil {
		return registry.ClientStatistics{}, err
	}

	var tasks registry.ClientTaskStats
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'in_progress'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COALESCE(SUM(documents_downloaded), 0),
			COALESCE(SUM(documents_failed), 0),
			COALESCE(SUM(documents_skipped), 0),
			MIN(created_at), MAX(created_at)
		FROM download_tasks
		WHERE client_id = $1`,
		clientID).Scan(&tasks.TotalTasks, &tasks.CompletedTasks, &tasks.InProgressTasks,
		&tasks.FailedTasks, &tasks.PendingTasks, &tasks.DocsDownloaded, &tasks.DocsFailed,
		&tasks.DocsSkipped, &tasks.FirstTaskAt, &tasks.LastTaskAt)
	if err != nil {
		return registry.ClientStatistics{}, storeErr("client task stats", err)
	}

	var docs registry.ClientDocumentStats
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(DISTINCT court_region) FILTER (WHERE court_region IS NOT NULL),
			COUNT(DISTINCT instance_type) FILTER (WHERE instance_type IS NOT NULL),
			COUNT(DISTINCT case_type) FILTER (WHERE case_type IS NOT NULL),
			COUNT(*) FILTER (WHERE classification_source IS NOT NULL),
			MIN(created_at), MAX(created_at)
		FROM documents
		WHERE client_id = $1`,
		clientID).Scan(&docs.TotalDocuments, &docs.UniqueRegions, &docs.UniqueInstanceTypes,
		&docs.UniqueCaseTypes, &docs.ClassifiedDocuments, &docs.FirstDocumentAt, &docs.LastDocumentAt)
	if err != nil {
		return registry.ClientStatistics{}, storeErr("client document stats", err)
	}

	return registry.ClientStatistics{
		Client:             client,
		TaskStatistics:     tasks,
		DocumentStatistics: docs,
	}, nil
}

func scanClient(row scanner) (registry.Client, error) {
	var c registry.Client
	err := row.Scan(
		&c.ID, &c.Name, &c.Host, &c.Status, &c.LastHeartbeat,
		&c.TasksCompleted, &c.TasksFailed, &c.DocumentsDownloaded,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return registry.Client{}, err
	}
	return c, nil
}
