package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reyestr-project/dispatch/internal/cache"
	"github.com/reyestr-project/dispatch/internal/config"
	"github.com/reyestr-project/dispatch/internal/dispatcher"
	"github.com/reyestr-project/dispatch/internal/metrics"
	"github.com/reyestr-project/dispatch/internal/registrar"
	"github.com/reyestr-project/dispatch/internal/registry"
)

const adminKey = "admin-test-key"

func init() {
	metrics.Init()
}

// --- in-memory stores ---

type memTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*registry.Task
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{tasks: make(map[string]*registry.Task)}
}

func (m *memTaskStore) Create(_ context.Context, task registry.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := task
	m.tasks[task.ID] = &t
	return nil
}

func (m *memTaskStore) Claim(_ context.Context, clientID string) (*registry.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []*registry.Task
	for _, t := range m.tasks {
		if t.Status == registry.TaskStatusPending {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	t := pending[0]
	id := clientID
	now := time.Now().UTC()
	t.ClientID = &id
	t.Status = registry.TaskStatusAssigned
	t.AssignedAt = &now
	copied := *t
	return &copied, nil
}

func (m *memTaskStore) ReportProgress(_ context.Context, taskID, clientID string, counters registry.TaskCounters) (registry.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return registry.Task{}, registry.ErrNotFound
	}
	if t.Status.Terminal() {
		return registry.Task{}, registry.ErrConflict
	}
	if t.ClientID == nil || *t.ClientID != clientID || t.Status == registry.TaskStatusPending {
		return registry.Task{}, registry.ErrTaskNotHeld
	}
	if !counters.AtLeast(t.Counters) {
		return registry.Task{}, registry.ErrInvalidProgress
	}
	t.Status = registry.TaskStatusInProgress
	t.Counters = counters
	return *t, nil
}

func (m *memTaskStore) Complete(_ context.Context, taskID, clientID string, counters registry.TaskCounters, summary map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return registry.ErrNotFound
	}
	if t.Status.Terminal() {
		return registry.ErrConflict
	}
	if t.ClientID == nil || *t.ClientID != clientID || t.Status == registry.TaskStatusPending {
		return registry.ErrTaskNotHeld
	}
	t.Status = registry.TaskStatusCompleted
	t.Counters = counters
	t.ResultSummary = summary
	return nil
}

func (m *memTaskStore) Fail(_ context.Context, taskID, clientID, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return registry.ErrNotFound
	}
	if t.Status.Terminal() {
		return registry.ErrConflict
	}
	if t.ClientID == nil || *t.ClientID != clientID {
		return registry.ErrTaskNotHeld
	}
	t.Status = registry.TaskStatusFailed
	t.ErrorMessage = &msg
	return nil
}

func (m *memTaskStore) Cancel(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return registry.ErrNotFound
	}
	if t.Status.Terminal() {
		return registry.ErrConflict
	}
	t.Status = registry.TaskStatusCancelled
	return nil
}

func (m *memTaskStore) Get(_ context.Context, taskID string) (registry.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return registry.Task{}, registry.ErrNotFound
	}
	return *t, nil
}

func (m *memTaskStore) List(_ context.Context, status *registry.TaskStatus, limit int) ([]registry.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []registry.Task
	for _, t := range m.tasks {
		if status == nil || t.Status == *status {
			out = append(out, *t)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memTaskStore) StatusCounts(_ context.Context) (map[registry.TaskStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[registry.TaskStatus]int)
	for _, t := range m.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (m *memTaskStore) ReclaimStalled(context.Context, time.Time) (int, error) { return 0, nil }

func (m *memTaskStore) Indexes(context.Context) ([]registry.TaskIndex, error) { return nil, nil }

func (m *memTaskStore) ByIndex(context.Context, string, string, *time.Time, *time.Time) ([]registry.Task, error) {
	return nil, nil
}

func (m *memTaskStore) Statistics(context.Context, string) (registry.TaskStatistics, error) {
	return registry.TaskStatistics{}, nil
}

func (m *memTaskStore) CurrentTask(context.Context, string) (*registry.Task, error) {
	return nil, nil
}

func (m *memTaskStore) SessionStats(_ context.Context, _ string, since time.Time) (registry.SessionStats, error) {
	return registry.SessionStats{StartTime: since}, nil
}

func (m *memTaskStore) RecentErrors(context.Context, string, int) ([]registry.TaskError, error) {
	return nil, nil
}

type memClientStore struct {
	mu    sync.Mutex
	n     int
	byKey map[string]registry.Client
	byID  map[string]registry.Client
}

func newMemClientStore() *memClientStore {
	return &memClientStore{byKey: make(map[string]registry.Client), byID: make(map[string]registry.Client)}
}

func (m *memClientStore) Register(_ context.Context, name string, host *string, apiKey string) (registry.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if apiKey != "" {
		if c, ok := m.byKey[apiKey]; ok && c.Name == name {
			c.APIKey = apiKey
			return c, nil
		}
	}
	m.n++
	key := apiKey
	if key == "" {
		key = fmt.Sprintf("key-%d", m.n)
	}
	c := registry.Client{
		ID:     fmt.Sprintf("client-%d", m.n),
		APIKey: key,
		Name:   name,
		Host:   host,
		Status: registry.ClientStatusActive,
	}
	m.byKey[key] = c
	m.byID[c.ID] = c
	return c, nil
}

func (m *memClientStore) GetByAPIKey(_ context.Context, apiKey string) (registry.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byKey[apiKey]
	if !ok {
		return registry.Client{}, registry.ErrNotFound
	}
	c.APIKey = ""
	return c, nil
}

func (m *memClientStore) Get(_ context.Context, clientID string) (registry.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[clientID]
	if !ok {
		return registry.Client{}, registry.ErrNotFound
	}
	return c, nil
}

func (m *memClientStore) Heartbeat(context.Context, string) error { return nil }

func (m *memClientStore) MarkInactive(context.Context, time.Time) (int, error) { return 0, nil }

func (m *memClientStore) List(_ context.Context) ([]registry.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []registry.Client
	for _, c := range m.byID {
		out = append(out, c)
	}
	return out, nil
}

func (m *memClientStore) Statistics(_ context.Context, clientID string) (registry.ClientStatistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[clientID]
	if !ok {
		return registry.ClientStatistics{}, registry.ErrNotFound
	}
	return registry.ClientStatistics{Client: c}, nil
}

type memDocStore struct {
	mu   sync.Mutex
	n    int
	docs map[string]registry.Document
}

func newMemDocStore() *memDocStore {
	return &memDocStore{docs: make(map[string]registry.Document)}
}

func (m *memDocStore) Register(_ context.Context, meta registry.DocumentMetadata, cls registry.Classification, taskID, clientID *string) (registry.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc, ok := m.docs[meta.ExternalID]; ok {
		return doc, nil
	}
	m.n++
	now := time.Now().UTC()
	doc := registry.Document{
		SystemID:   fmt.Sprintf("sys-%d", m.n),
		ExternalID: meta.ExternalID,
		TaskID:     taskID,
		ClientID:   clientID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if cls.Complete() {
		src := string(cls.Source)
		doc.CourtRegion = &cls.CourtRegion
		doc.InstanceType = &cls.InstanceType
		doc.ClassificationSrc = &src
	}
	m.docs[meta.ExternalID] = doc
	return doc, nil
}

func (m *memDocStore) GetBySystemID(_ context.Context, systemID string) (registry.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.docs {
		if d.SystemID == systemID {
			return d, nil
		}
	}
	return registry.Document{}, registry.ErrNotFound
}

func (m *memDocStore) OpenProgress(context.Context, string, string, *string, *string) error {
	return nil
}

func (m *memDocStore) CloseProgress(context.Context, string, string, registry.ProgressStatus) error {
	return nil
}

type testIDs struct {
	mu sync.Mutex
	n  int
}

func (g *testIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("task-%d", g.n), nil
}

type testClock struct{}

func (testClock) Now() time.Time { return time.Now().UTC() }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := config.Config{
		Server: config.ServerConfig{TimeoutSeconds: 5},
		Auth:   config.AuthConfig{Enabled: true, AdminAPIKey: adminKey},
		Limits: config.LimitsConfig{GlobalRPS: 1000, PollingRPS: 1000, StatisticsRPS: 1000, Burst: 1000},
	}

	tasks := newMemTaskStore()
	clients := newMemClientStore()
	docs := newMemDocStore()

	dispatch := dispatcher.NewService(tasks, clients, cache.Noop{}, cfg.Cache,
		testClock{}, &testIDs{}, zap.NewNop())
	reg := registrar.NewService(docs, clients, cache.Noop{}, cfg.Cache, zap.NewNop())

	srv := NewServer(dispatch, reg, cfg, zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, apiKey string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, resp.Body.Close())
	})

	var decoded map[string]any
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&decoded)
	}
	return resp, decoded
}

func registerWorker(t *testing.T, ts *httptest.Server, name string) (clientID, apiKey string) {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/clients/register", "",
		map[string]any{"client_name": name})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return body["client_id"].(string), body["api_key"].(string)
}

// --- tests ---

func TestHealthAndBanner(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "reyestr-dispatch", body["service"])
}

func TestWorkerEndpointsRequireCredential(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/tasks/request", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Unauthorized", body["kind"])

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/v1/tasks/request", "bogus-key", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Unauthorized", body["kind"])
}

func TestAdminEndpointsRejectWorkerKey(t *testing.T) {
	ts := newTestServer(t)
	_, workerKey := registerWorker(t, ts, "worker-a")

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/v1/tasks/", workerKey, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Unauthorized", body["kind"])
}

func TestCreateRequestCompleteRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	_, workerKey := registerWorker(t, ts, "worker-a")

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/tasks/create", adminKey,
		map[string]any{
			"search_params": map[string]any{"CourtRegion": "14", "INSType": "1"},
			"start_page":    1,
			"max_documents": 100,
		})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	taskID := body["task_id"].(string)
	require.NotEmpty(t, taskID)

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/v1/tasks/request", workerKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, taskID, body["task_id"])
	assert.Equal(t, "assigned", body["status"])

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/tasks/complete", workerKey,
		map[string]any{"task_id": taskID, "documents_downloaded": 100})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/v1/tasks/"+taskID, adminKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
}

func TestRequestOnEmptyQueueReturns204(t *testing.T) {
	ts := newTestServer(t)
	_, workerKey := registerWorker(t, ts, "worker-a")

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/tasks/request", workerKey, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestCompleteTerminalTaskIsConflict(t *testing.T) {
	ts := newTestServer(t)
	_, workerKey := registerWorker(t, ts, "worker-a")

	_, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/tasks/create", adminKey,
		map[string]any{"search_params": map[string]any{}, "max_documents": 10})
	taskID := body["task_id"].(string)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/tasks/request", workerKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/tasks/complete", workerKey,
		map[string]any{"task_id": taskID, "documents_downloaded": 10})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/v1/tasks/complete", workerKey,
		map[string]any{"task_id": taskID, "documents_downloaded": 10})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "Conflict", body["kind"])
	assert.NotEmpty(t, body["message"])
}

func TestCreateTaskValidation(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/tasks/create", adminKey,
		map[string]any{"search_params": map[string]any{}, "max_documents": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "BadRequest", body["kind"])
}

func TestRegisterDocumentClassifies(t *testing.T) {
	ts := newTestServer(t)
	_, workerKey := registerWorker(t, ts, "worker-a")

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/documents/register", workerKey,
		map[string]any{
			"metadata": map[string]any{
				"external_id": "ext-1",
				"court_name":  "Харківський апеляційний суд",
			},
		})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["classified"])
	assert.NotEmpty(t, body["system_id"])

	cls := body["classification"].(map[string]any)
	assert.Equal(t, "19", cls["court_region"])
	assert.Equal(t, "2", cls["instance_type"])
}

func TestClientStatisticsSelfAndForbidden(t *testing.T) {
	ts := newTestServer(t)
	idA, keyA := registerWorker(t, ts, "worker-a")
	idB, keyB := registerWorker(t, ts, "worker-b")

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/v1/clients/"+idA+"/statistics", keyA, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/v1/clients/"+idA+"/statistics", keyB, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "Forbidden", body["kind"])

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/v1/clients/"+idB+"/statistics", adminKey, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRegisterClientReturnsCredential(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/clients/register", "",
		map[string]any{"client_name": "worker-x"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, body["client_id"])
	assert.NotEmpty(t, body["api_key"])
}
