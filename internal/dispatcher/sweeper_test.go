package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/reyestr-project/dispatch/internal/cache"
	"github.com/reyestr-project/dispatch/internal/config"
)

// sweepTaskStore records reclamation calls and reports work done.
type sweepTaskStore struct {
	*fakeTaskStore
	mu      sync.Mutex
	cutoffs []time.Time
}

func (s *sweepTaskStore) ReclaimStalled(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cutoffs = append(s.cutoffs, cutoff)
	return 2, nil
}

func (s *sweepTaskStore) reclaims() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.cutoffs...)
}

// sweepClientStore records liveness calls and reports work done.
type sweepClientStore struct {
	*fakeClientStore
	mu      sync.Mutex
	cutoffs []time.Time
}

func (s *sweepClientStore) MarkInactive(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cutoffs = append(s.cutoffs, cutoff)
	return 1, nil
}

func (s *sweepClientStore) marks() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.cutoffs...)
}

// recordingCache captures invalidation patterns issued by the sweeps.
type recordingCache struct {
	mu       sync.Mutex
	patterns []string
}

func (c *recordingCache) Get(context.Context, string, any) bool           { return false }
func (c *recordingCache) Set(context.Context, string, any, time.Duration) {}
func (c *recordingCache) Delete(context.Context, ...string)               {}

func (c *recordingCache) DeletePattern(_ context.Context, pattern string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.patterns = append(c.patterns, pattern)
}

func (c *recordingCache) seen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.patterns...)
}

func TestSweeperRunsBothSweeps(t *testing.T) {
	t.Parallel()

	tasks := &sweepTaskStore{fakeTaskStore: newFakeTaskStore()}
	clients := &sweepClientStore{fakeClientStore: newFakeClientStore()}
	rec := &recordingCache{}
	clock := fixedClock{t: time.Unix(1700000000, 0).UTC()}
	cfg := config.LivenessConfig{HeartbeatSeconds: 1, InactiveMultiple: 3, ReclaimIntervalSec: 1}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sw := NewSweeper(tasks, clients, rec, clock, cfg, zap.NewNop())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for len(clients.marks()) == 0 || len(tasks.reclaims()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweeps did not tick in time")
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on cancellation")
	}

	wantCutoff := clock.t.Add(-3 * time.Second)
	assert.Equal(t, wantCutoff, clients.marks()[0])
	assert.Equal(t, wantCutoff, tasks.reclaims()[0])

	patterns := rec.seen()
	assert.Contains(t, patterns, cache.ClientStatsPattern)
	assert.Contains(t, patterns, cache.TaskEntryPattern)
	assert.Contains(t, patterns, cache.TasksPattern)
}

func TestSweeperStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	tasks := &sweepTaskStore{fakeTaskStore: newFakeTaskStore()}
	clients := &sweepClientStore{fakeClientStore: newFakeClientStore()}
	clock := fixedClock{t: time.Unix(1700000000, 0).UTC()}
	cfg := config.LivenessConfig{HeartbeatSeconds: 60, InactiveMultiple: 3, ReclaimIntervalSec: 60}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sw := NewSweeper(tasks, clients, &recordingCache{}, clock, cfg, zap.NewNop())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not return on an already-cancelled context")
	}
	assert.Empty(t, tasks.reclaims())
	assert.Empty(t, clients.marks())
}
