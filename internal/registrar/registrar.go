// Package registrar implements document registration and classification.
package registrar

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/reyestr-project/dispatch/internal/cache"
	"github.com/reyestr-project/dispatch/internal/classify"
	"github.com/reyestr-project/dispatch/internal/config"
	"github.com/reyestr-project/dispatch/internal/metrics"
	"github.com/reyestr-project/dispatch/internal/registry"
)

// Service registers downloaded documents under stable system ids.
type Service struct {
	docs     registry.DocumentStore
	clients  registry.ClientStore
	cache    registry.Cache
	cacheCfg config.CacheConfig
	log      *zap.Logger
}

// NewService wires a registrar Service.
func NewService(docs registry.DocumentStore, clients registry.ClientStore, c registry.Cache,
	cacheCfg config.CacheConfig, log *zap.Logger) *Service {
	return &Service{
		docs:     docs,
		clients:  clients,
		cache:    c,
		cacheCfg: cacheCfg,
		log:      log,
	}
}

// Register classifies and persists one document. Re-registering an
// external id merges into the existing row (null columns only) and keeps
// its system id. Worker-authenticated calls refresh the heartbeat.
func (s *Service) Register(ctx context.Context, meta registry.DocumentMetadata, params *registry.SearchParams, taskID, clientID *string) (registry.Document, error) {
	if strings.TrimSpace(meta.ExternalID) == "" {
		return registry.Document{}, fmt.Errorf("external_id is required: %w", registry.ErrBadInput)
	}
	if clientID != nil {
		s.touchClient(ctx, *clientID)
	}

	cls := classify.Document(meta, params)

	doc, err := s.docs.Register(ctx, meta, cls, taskID, clientID)
	if err != nil {
		return registry.Document{}, err
	}

	outcome := "merged"
	if doc.CreatedAt.Equal(doc.UpdatedAt) {
		outcome = "created"
	}
	metrics.ObserveDocumentRegistered(outcome)

	// Post-commit invalidation; the row is already durable.
	s.cache.Delete(ctx, cache.DocumentKey(doc.SystemID))
	if clientID != nil {
		s.cache.Delete(ctx, cache.ClientStatisticsKey(*clientID))
	}

	s.log.Debug("document registered",
		zap.String("system_id", doc.SystemID),
		zap.String("external_id", doc.ExternalID),
		zap.String("outcome", outcome))
	return doc, nil
}

// Get reads one document by system id, through the cache.
func (s *Service) Get(ctx context.Context, systemID string) (registry.Document, error) {
	key := cache.DocumentKey(systemID)
	var cached registry.Document
	if s.cache.Get(ctx, key, &cached) {
		return cached, nil
	}
	doc, err := s.docs.GetBySystemID(ctx, systemID)
	if err != nil {
		return registry.Document{}, err
	}
	s.cache.Set(ctx, key, doc, s.cacheCfg.TTLDocuments())
	return doc, nil
}

// OpenProgress records the start of one document download attempt.
func (s *Service) OpenProgress(ctx context.Context, taskID, externalID string, regNumber, clientID *string) error {
	if clientID != nil {
		s.touchClient(ctx, *clientID)
	}
	return s.docs.OpenProgress(ctx, taskID, externalID, regNumber, clientID)
}

// CloseProgress finishes a download attempt with the given outcome.
func (s *Service) CloseProgress(ctx context.Context, taskID, externalID string, status registry.ProgressStatus) error {
	return s.docs.CloseProgress(ctx, taskID, externalID, status)
}

func (s *Service) touchClient(ctx context.Context, clientID string) {
	if err := s.clients.Heartbeat(ctx, clientID); err != nil {
		s.log.Debug("heartbeat refresh failed",
			zap.String("client_id", clientID), zap.Error(err))
	}
}
