package cache

import "fmt"

// Key builders. Every cached read has exactly one key shape so the
// invalidation patterns below cover all of them.

// TaskKey caches one task by id.
func TaskKey(taskID string) string {
	return "task:" + taskID
}

// TaskListKey caches a filtered task listing.
func TaskListKey(status string, limit int) string {
	if status == "" {
		status = "all"
	}
	return fmt.Sprintf("tasks:%s:%d", status, limit)
}

// TaskSummaryKey caches the aggregate status counts.
const TaskSummaryKey = "tasks:summary"

// TaskStatisticsKey caches per-task download statistics.
func TaskStatisticsKey(taskID string) string {
	return "task:" + taskID + ":statistics"
}

// ClientStatisticsKey caches the derived per-client view.
func ClientStatisticsKey(clientID string) string {
	return "worker:" + clientID + ":statistics"
}

// DocumentKey caches one document by system id.
func DocumentKey(systemID string) string {
	return "document:" + systemID
}

// Invalidation patterns for write paths.
const (
	TasksPattern       = "tasks:*"
	TaskEntryPattern   = "task:*"
	ClientStatsPattern = "worker:*:statistics"
)
