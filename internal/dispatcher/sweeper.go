package dispatcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/reyestr-project/dispatch/internal/cache"
	"github.com/reyestr-project/dispatch/internal/config"
	"github.com/reyestr-project/dispatch/internal/metrics"
	"github.com/reyestr-project/dispatch/internal/registry"
)

// Sweeper runs the two background sweeps: worker liveness and task
// reclamation. The store methods hold an advisory lock, so running the
// sweeper in several replicas is safe; only one instance does the work
// per tick.
type Sweeper struct {
	tasks   registry.TaskStore
	clients registry.ClientStore
	cache   registry.Cache
	clock   registry.Clock
	cfg     config.LivenessConfig
	log     *zap.Logger
}

// NewSweeper wires a Sweeper.
func NewSweeper(tasks registry.TaskStore, clients registry.ClientStore, c registry.Cache,
	clock registry.Clock, cfg config.LivenessConfig, log *zap.Logger) *Sweeper {
	return &Sweeper{
		tasks:   tasks,
		clients: clients,
		cache:   c,
		clock:   clock,
		cfg:     cfg,
		log:     log,
	}
}

// Run blocks until ctx is cancelled, ticking the liveness sweep at half
// the heartbeat interval and the reclamation sweep at the heartbeat
// interval.
func (s *Sweeper) Run(ctx context.Context) {
	liveness := time.NewTicker(s.cfg.HeartbeatInterval() / 2)
	defer liveness.Stop()
	reclaim := time.NewTicker(s.cfg.ReclaimInterval())
	defer reclaim.Stop()

	s.log.Info("sweeper started",
		zap.Duration("liveness_interval", s.cfg.HeartbeatInterval()/2),
		zap.Duration("reclaim_interval", s.cfg.ReclaimInterval()),
		zap.Duration("inactivity_threshold", s.cfg.InactivityThreshold()))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return
		case <-liveness.C:
			s.sweepLiveness(ctx)
		case <-reclaim.C:
			s.sweepStalled(ctx)
		}
	}
}

func (s *Sweeper) sweepLiveness(ctx context.Context) {
	cutoff := s.clock.Now().Add(-s.cfg.InactivityThreshold())
	n, err := s.clients.MarkInactive(ctx, cutoff)
	if err != nil {
		s.log.Error("liveness sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		metrics.ObserveClientsMarkedInactive(n)
		s.cache.DeletePattern(ctx, cache.ClientStatsPattern)
		s.log.Info("clients marked inactive", zap.Int("count", n))
	}
}

func (s *Sweeper) sweepStalled(ctx context.Context) {
	cutoff := s.clock.Now().Add(-s.cfg.InactivityThreshold())
	n, err := s.tasks.ReclaimStalled(ctx, cutoff)
	if err != nil {
		s.log.Error("reclamation sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		metrics.ObserveReclaimed(n)
		s.cache.DeletePattern(ctx, cache.TaskEntryPattern)
		s.cache.DeletePattern(ctx, cache.TasksPattern)
		s.log.Info("stalled tasks reclaimed", zap.Int("count", n))
	}
}
