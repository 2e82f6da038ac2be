// Package registry defines core types shared across subsystems.
package registry

import (
	"time"
)

// TaskStatus represents the lifecycle state of a download task.
type TaskStatus string

// Task status values persisted in the task store.
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are permitted.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// ClientStatus represents the liveness state of a download client.
type ClientStatus string

// Client status values persisted in the client store.
const (
	ClientStatusActive   ClientStatus = "active"
	ClientStatusInactive ClientStatus = "inactive"
	ClientStatusError    ClientStatus = "error"
)

// ProgressStatus tracks one document download attempt within a task.
type ProgressStatus string

// Progress record status values.
const (
	ProgressInProgress ProgressStatus = "in_progress"
	ProgressCompleted  ProgressStatus = "completed"
	ProgressFailed     ProgressStatus = "failed"
)

// SearchParams carries the recognized registry search keys for a task.
// Empty strings are treated as absent; unknown keys are dropped at the edge.
type SearchParams struct {
	CourtRegion      string `json:"CourtRegion,omitempty"`
	INSType          string `json:"INSType,omitempty"`
	ChairmenName     string `json:"ChairmenName,omitempty"`
	SearchExpression string `json:"SearchExpression,omitempty"`
	RegDateBegin     string `json:"RegDateBegin,omitempty"`
	RegDateEnd       string `json:"RegDateEnd,omitempty"`
	DateFrom         string `json:"DateFrom,omitempty"`
	DateTo           string `json:"DateTo,omitempty"`
}

// IsZero reports whether no recognized key is set.
func (p SearchParams) IsZero() bool {
	return p == SearchParams{}
}

// TaskCounters tracks per-task download accounting.
type TaskCounters struct {
	Downloaded int `json:"documents_downloaded"`
	Failed     int `json:"documents_failed"`
	Skipped    int `json:"documents_skipped"`
}

// AtLeast reports whether every counter is >= the corresponding one in prev.
// Progress counters are monotonically non-decreasing within a task.
func (c TaskCounters) AtLeast(prev TaskCounters) bool {
	return c.Downloaded >= prev.Downloaded && c.Failed >= prev.Failed && c.Skipped >= prev.Skipped
}

// Task represents one unit of download work: a search query plus a paging window.
type Task struct {
	ID            string         `json:"task_id"`
	ClientID      *string        `json:"client_id,omitempty"`
	SearchParams  SearchParams   `json:"search_params"`
	StartPage     int            `json:"start_page"`
	MaxDocuments  int            `json:"max_documents"`
	Connections   int            `json:"concurrent_connections"`
	Status        TaskStatus     `json:"status"`
	Counters      TaskCounters   `json:"counters"`
	ErrorMessage  *string        `json:"error_message,omitempty"`
	ResultSummary map[string]any `json:"result_summary,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	AssignedAt    *time.Time     `json:"assigned_at,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Client represents a registered remote download worker. APIKey is only
// populated on registration; reads leave it empty so listings never leak
// credentials.
type Client struct {
	ID                  string       `json:"client_id"`
	APIKey              string       `json:"api_key,omitempty"`
	Name                string       `json:"client_name"`
	Host                *string      `json:"client_host,omitempty"`
	Status              ClientStatus `json:"status"`
	LastHeartbeat       *time.Time   `json:"last_heartbeat,omitempty"`
	TasksCompleted      int64        `json:"total_tasks_completed"`
	TasksFailed         int64        `json:"total_tasks_failed"`
	DocumentsDownloaded int64        `json:"total_documents_downloaded"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// ClassificationSource tags how a document classification was determined.
type ClassificationSource string

// Classification source values.
const (
	SourceSearchParams ClassificationSource = "search_params"
	SourceExtracted    ClassificationSource = "extracted"
	SourceNone         ClassificationSource = "none"
)

// Classification is the (court region, instance type) pair with its source.
type Classification struct {
	CourtRegion  string               `json:"court_region,omitempty"`
	InstanceType string               `json:"instance_type,omitempty"`
	Source       ClassificationSource `json:"source"`
}

// Complete reports whether both fields were determined.
func (c Classification) Complete() bool {
	return c.CourtRegion != "" && c.InstanceType != ""
}

// DocumentMetadata carries the fields a worker extracts for one document.
type DocumentMetadata struct {
	ExternalID   string `json:"external_id"`
	RegNumber    string `json:"reg_number,omitempty"`
	URL          string `json:"url,omitempty"`
	CourtName    string `json:"court_name,omitempty"`
	JudgeName    string `json:"judge_name,omitempty"`
	DecisionType string `json:"decision_type,omitempty"`
	DecisionDate string `json:"decision_date,omitempty"`
	LawDate      string `json:"law_date,omitempty"`
	CaseType     string `json:"case_type,omitempty"`
	CaseNumber   string `json:"case_number,omitempty"`
}

// Document represents a registered artifact under its stable system id.
type Document struct {
	SystemID           string     `json:"system_id"`
	ExternalID         string     `json:"external_id"`
	RegNumber          *string    `json:"reg_number,omitempty"`
	URL                *string    `json:"url,omitempty"`
	CourtName          *string    `json:"court_name,omitempty"`
	JudgeName          *string    `json:"judge_name,omitempty"`
	DecisionType       *string    `json:"decision_type,omitempty"`
	DecisionDate       *time.Time `json:"decision_date,omitempty"`
	LawDate            *time.Time `json:"law_date,omitempty"`
	CaseType           *string    `json:"case_type,omitempty"`
	CaseNumber         *string    `json:"case_number,omitempty"`
	CourtRegion        *string    `json:"court_region,omitempty"`
	InstanceType       *string    `json:"instance_type,omitempty"`
	ClassificationSrc  *string    `json:"classification_source,omitempty"`
	ClassificationDate *time.Time `json:"classification_date,omitempty"`
	TaskID             *string    `json:"download_task_id,omitempty"`
	ClientID           *string    `json:"client_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// ProgressRecord tracks one (task, document) download attempt.
type ProgressRecord struct {
	TaskID      string         `json:"task_id"`
	ExternalID  string         `json:"document_id"`
	RegNumber   *string        `json:"reg_number,omitempty"`
	ClientID    *string        `json:"client_id,omitempty"`
	Status      ProgressStatus `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// TaskSummary aggregates task counts by status for the dashboard list.
type TaskSummary struct {
	TotalTasks int    `json:"total_tasks"`
	Pending    int    `json:"pending"`
	Assigned   int    `json:"assigned"`
	InProgress int    `json:"in_progress"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	Cancelled  int    `json:"cancelled"`
	Tasks      []Task `json:"tasks"`
}

// TaskIndex is one (court region, instance type) bucket of tasks.
type TaskIndex struct {
	CourtRegion    string    `json:"court_region"`
	InstanceType   string    `json:"instance_type"`
	DateStart      time.Time `json:"date_start"`
	DateEnd        time.Time `json:"date_end"`
	TotalTasks     int       `json:"total_tasks"`
	PendingTasks   int       `json:"pending_tasks"`
	CompletedTasks int       `json:"completed_tasks"`
	FailedTasks    int       `json:"failed_tasks"`
}

// TaskStatistics reports download speed and ETA for one running task.
type TaskStatistics struct {
	TotalDocuments    int      `json:"total_documents"`
	StartedCount      int      `json:"started_count"`
	CompletedCount    int      `json:"completed_count"`
	FailedCount       int      `json:"failed_count"`
	SkippedCount      int      `json:"skipped_count"`
	AvgDownloadSecs   *float64 `json:"avg_download_time_seconds,omitempty"`
	ETASeconds        *float64 `json:"estimated_time_remaining_seconds,omitempty"`
	DocsPerSecond     *float64 `json:"download_speed_docs_per_second,omitempty"`
}

// ClientTaskStats buckets a client's tasks by status.
type ClientTaskStats struct {
	TotalTasks      int        `json:"total_tasks"`
	CompletedTasks  int        `json:"completed_tasks"`
	InProgressTasks int        `json:"in_progress_tasks"`
	FailedTasks     int        `json:"failed_tasks"`
	PendingTasks    int        `json:"pending_tasks"`
	DocsDownloaded  int64      `json:"total_docs_from_tasks"`
	DocsFailed      int64      `json:"total_docs_failed"`
	DocsSkipped     int64      `json:"total_docs_skipped"`
	FirstTaskAt     *time.Time `json:"first_task_date,omitempty"`
	LastTaskAt      *time.Time `json:"last_task_date,omitempty"`
}

// ClientDocumentStats summarizes the documents a client registered.
type ClientDocumentStats struct {
	TotalDocuments      int        `json:"total_documents"`
	UniqueRegions       int        `json:"unique_regions"`
	UniqueInstanceTypes int        `json:"unique_instance_types"`
	UniqueCaseTypes     int        `json:"unique_case_types"`
	ClassifiedDocuments int        `json:"classified_documents"`
	FirstDocumentAt     *time.Time `json:"first_document_date,omitempty"`
	LastDocumentAt      *time.Time `json:"last_document_date,omitempty"`
}

// ClientStatistics is the full derived view for one client.
type ClientStatistics struct {
	Client             Client              `json:"client"`
	TaskStatistics     ClientTaskStats     `json:"task_statistics"`
	DocumentStatistics ClientDocumentStats `json:"document_statistics"`
}

// CurrentTaskActivity describes the task a client is working on right now.
type CurrentTaskActivity struct {
	Task          Task     `json:"task"`
	DocsPerMinute float64  `json:"speed_docs_per_minute"`
	ETASeconds    *float64 `json:"estimated_time_remaining_seconds,omitempty"`
}

// SessionStats covers the window since the client last became active.
type SessionStats struct {
	TasksCompleted      int       `json:"tasks_completed"`
	DocumentsDownloaded int64     `json:"documents_downloaded"`
	StartTime           time.Time `json:"start_time"`
}

// LifetimeStats are the client's cumulative counters.
type LifetimeStats struct {
	TotalTasks     int64 `json:"total_tasks"`
	TotalDocuments int64 `json:"total_documents"`
}

// TaskError is one recent error reported by a client's tasks.
type TaskError struct {
	TaskID       string     `json:"task_id"`
	ErrorMessage string     `json:"error_message"`
	Timestamp    *time.Time `json:"timestamp,omitempty"`
}

// ClientActivity is the live activity snapshot for one client.
type ClientActivity struct {
	ClientID     string               `json:"client_id"`
	CurrentTask  *CurrentTaskActivity `json:"current_task,omitempty"`
	SessionStats SessionStats         `json:"session_stats"`
	Lifetime     LifetimeStats        `json:"lifetime_stats"`
	Errors       []TaskError          `json:"errors"`
}
