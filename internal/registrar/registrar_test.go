package registrar

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reyestr-project/dispatch/internal/cache"
	"github.com/reyestr-project/dispatch/internal/config"
	"github.com/reyestr-project/dispatch/internal/metrics"
	"github.com/reyestr-project/dispatch/internal/registry"
)

func init() {
	metrics.Init()
}

type fakeDocStore struct {
	lastMeta registry.DocumentMetadata
	lastCls  registry.Classification
	existing map[string]registry.Document
}

func (f *fakeDocStore) Register(_ context.Context, meta registry.DocumentMetadata, cls registry.Classification, taskID, clientID *string) (registry.Document, error) {
	f.lastMeta = meta
	f.lastCls = cls
	if doc, ok := f.existing[meta.ExternalID]; ok {
		return doc, nil
	}
	now := time.Unix(1700000000, 0).UTC()
	return registry.Document{
		SystemID:   "sys-" + meta.ExternalID,
		ExternalID: meta.ExternalID,
		TaskID:     taskID,
		ClientID:   clientID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (f *fakeDocStore) GetBySystemID(_ context.Context, systemID string) (registry.Document, error) {
	return registry.Document{}, registry.ErrNotFound
}

func (f *fakeDocStore) OpenProgress(context.Context, string, string, *string, *string) error {
	return nil
}

func (f *fakeDocStore) CloseProgress(context.Context, string, string, registry.ProgressStatus) error {
	return nil
}

type fakeClients struct {
	heartbeats int
}

func (f *fakeClients) Register(context.Context, string, *string, string) (registry.Client, error) {
	return registry.Client{}, nil
}

func (f *fakeClients) GetByAPIKey(context.Context, string) (registry.Client, error) {
	return registry.Client{}, registry.ErrNotFound
}

func (f *fakeClients) Get(context.Context, string) (registry.Client, error) {
	return registry.Client{}, registry.ErrNotFound
}

func (f *fakeClients) Heartbeat(context.Context, string) error {
	f.heartbeats++
	return nil
}


func (f *fakeClients) MarkInactive(context.Context, time.Time) (int, error) { return 0, nil }

func (f *fakeClients) List(context.Context) ([]registry.Client, error) { return nil, nil }

func (f *fakeClients) Statistics(context.Context, string) (registry.ClientStatistics, error) {
	return registry.ClientStatistics{}, nil
}

func newTestService(docs *fakeDocStore, clients *fakeClients) *Service {
	return NewService(docs, clients, cache.Noop{}, config.CacheConfig{}, zap.NewNop())
}

func TestRegisterClassifiesFromSearchParams(t *testing.T) {
	t.Parallel()

	docs := &fakeDocStore{}
	svc := newTestService(docs, &fakeClients{})

	params := &registry.SearchParams{CourtRegion: "11", INSType: "2"}
	_, err := svc.Register(context.Background(),
		registry.DocumentMetadata{ExternalID: "ext-1", CourtName: "Львівський районний суд"},
		params, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "11", docs.lastCls.CourtRegion)
	assert.Equal(t, "2", docs.lastCls.InstanceType)
	assert.Equal(t, registry.SourceSearchParams, docs.lastCls.Source)
}

func TestRegisterClassifiesFromCourtName(t *testing.T) {
	t.Parallel()

	docs := &fakeDocStore{}
	svc := newTestService(docs, &fakeClients{})

	_, err := svc.Register(context.Background(),
		registry.DocumentMetadata{ExternalID: "ext-2", CourtName: "Одеський апеляційний суд"},
		nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "15", docs.lastCls.CourtRegion)
	assert.Equal(t, "2", docs.lastCls.InstanceType)
	assert.Equal(t, registry.SourceExtracted, docs.lastCls.Source)
}

func TestRegisterRequiresExternalID(t *testing.T) {
	t.Parallel()

	svc := newTestService(&fakeDocStore{}, &fakeClients{})
	_, err := svc.Register(context.Background(), registry.DocumentMetadata{}, nil, nil, nil)
	assert.ErrorIs(t, err, registry.ErrBadInput)
}

func TestRegisterRefreshesWorkerHeartbeat(t *testing.T) {
	t.Parallel()

	clients := &fakeClients{}
	svc := newTestService(&fakeDocStore{}, clients)

	clientID := "client-1"
	_, err := svc.Register(context.Background(),
		registry.DocumentMetadata{ExternalID: "ext-3"}, nil, nil, &clientID)
	require.NoError(t, err)
	assert.Equal(t, 1, clients.heartbeats)
}
