package registry

import (
	"context"
	"time"
)

// TaskStore persists download tasks and their lifecycle transitions.
// Every transition is a conditional update gated on the current status;
// a lost race surfaces as ErrConflict or ErrTaskNotHeld.
type TaskStore interface {
	Create(ctx context.Context, task Task) error
	// Claim atomically assigns the oldest pending task to clientID.
	// Returns nil when no pending task exists.
	Claim(ctx context.Context, clientID string) (*Task, error)
	ReportProgress(ctx context.Context, taskID, clientID string, counters TaskCounters) (Task, error)
	Complete(ctx context.Context, taskID, clientID string, counters TaskCounters, summary map[string]any) error
	Fail(ctx context.Context, taskID, clientID, errorMessage string) error
	Cancel(ctx context.Context, taskID string) error
	Get(ctx context.Context, taskID string) (Task, error)
	List(ctx context.Context, status *TaskStatus, limit int) ([]Task, error)
	StatusCounts(ctx context.Context) (map[TaskStatus]int, error)
	// ReclaimStalled returns assigned/in_progress tasks whose holder has
	// not heartbeated within cutoff back to pending. Self-leased via an
	// advisory lock so concurrent sweeps do not double-count.
	ReclaimStalled(ctx context.Context, cutoff time.Time) (int, error)
	Indexes(ctx context.Context) ([]TaskIndex, error)
	ByIndex(ctx context.Context, courtRegion, instanceType string, dateStart, dateEnd *time.Time) ([]Task, error)
	Statistics(ctx context.Context, taskID string) (TaskStatistics, error)
	CurrentTask(ctx context.Context, clientID string) (*Task, error)
	SessionStats(ctx context.Context, clientID string, since time.Time) (SessionStats, error)
	RecentErrors(ctx context.Context, clientID string, limit int) ([]TaskError, error)
}

// ClientStore persists registered download clients.
type ClientStore interface {
	// Register reuses the row matching name+apiKey or creates a new one.
	Register(ctx context.Context, name string, host *string, apiKey string) (Client, error)
	GetByAPIKey(ctx context.Context, apiKey string) (Client, error)
	Get(ctx context.Context, clientID string) (Client, error)
	Heartbeat(ctx context.Context, clientID string) error
	// MarkInactive flips clients silent since cutoff to inactive.
	// Self-leased like TaskStore.ReclaimStalled.
	MarkInactive(ctx context.Context, cutoff time.Time) (int, error)
	List(ctx context.Context) ([]Client, error)
	Statistics(ctx context.Context, clientID string) (ClientStatistics, error)
}

// DocumentStore persists registered documents and progress records.
type DocumentStore interface {
	// Register inserts the document on first sight of its external id and
	// merges (null-filling only) on re-registration. The classification is
	// written when complete. Runs in one transaction, including the
	// client counter increment.
	Register(ctx context.Context, meta DocumentMetadata, cls Classification, taskID, clientID *string) (Document, error)
	GetBySystemID(ctx context.Context, systemID string) (Document, error)
	OpenProgress(ctx context.Context, taskID, externalID string, regNumber, clientID *string) error
	CloseProgress(ctx context.Context, taskID, externalID string, status ProgressStatus) error
}

// Cache is the optional read-through cache. Implementations never return
// errors: misses and backend failures both read as a miss, and failed
// writes are logged and dropped (stale reads last at most one TTL).
type Cache interface {
	Get(ctx context.Context, key string, dest any) bool
	Set(ctx context.Context, key string, value any, ttl time.Duration)
	Delete(ctx context.Context, keys ...string)
	DeletePattern(ctx context.Context, pattern string)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces entity IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
