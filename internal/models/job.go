package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusQueued    = "queued"
	StatusWaiting   = "waiting"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// IsTerminal reports whether a status admits no further automatic transition.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Error codes recorded on failed/canceled jobs.
const (
	ErrCodeExecution        = "execution_error"
	ErrCodeTimeout          = "timeout"
	ErrCodeCanceled         = "canceled"
	ErrCodeDependencyFailed = "dependency_failed"
	ErrCodeAbandoned        = "abandoned"
)

// Progress event types appended to the per-job log.
const (
	EventLog      = "log"
	EventProgress = "progress"
	EventError    = "error"
	EventSnapshot = "snapshot"
	EventTerminal = "terminal"
)

// Dependency policies. "success" gates on the prerequisite completing;
// "any_terminal" only requires it to have finished in any terminal state.
const (
	DependencySuccess     = "success"
	DependencyAnyTerminal = "any_terminal"
)

// Job is a persisted unit of asynchronous work.
type Job struct {
	ID              string         `json:"id"`
	JobType         string         `json:"job_type"`
	Status          string         `json:"status"`
	Priority        int            `json:"priority"`
	Payload         map[string]any `json:"payload"`
	Config          map[string]any `json:"config,omitempty"`
	ScheduledFor    time.Time      `json:"scheduled_for"`
	ProgressPercent float64        `json:"progress_percent"`
	CurrentStage    string         `json:"current_stage,omitempty"`
	Message         string         `json:"message,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	ErrorMessage    *string        `json:"error_message,omitempty"`
	ErrorCode       *string        `json:"error_code,omitempty"`
	UserID          string         `json:"user_id"`
	WorkspaceID     *string        `json:"workspace_id,omitempty"`
	ParentJobID     *string        `json:"parent_job_id,omitempty"`
	IdempotencyKey  *string        `json:"idempotency_key,omitempty"`
	RetryCount      int            `json:"retry_count"`
	MaxRetries      int            `json:"max_retries"`
	AutoRetry       bool           `json:"auto_retry"`
	TimeoutSeconds  int            `json:"timeout_seconds,omitempty"`
	CancelRequested bool           `json:"cancel_requested"`
	ExpiresAt       *time.Time     `json:"expires_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// Terminal reports whether the job has reached a terminal status.
func (j *Job) Terminal() bool { return IsTerminal(j.Status) }

// JobAttempt records one execution try of a job. Rows are append-only:
// a retried job gets a fresh attempt, earlier attempts are never mutated.
type JobAttempt struct {
	ID            string     `json:"id"`
	JobID         string     `json:"job_id"`
	AttemptNumber int        `json:"attempt_number"`
	Status        string     `json:"status"`
	WorkerID      string     `json:"worker_id"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	ErrorCode     *string    `json:"error_code,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// JobProgressEvent is an immutable log entry. SequenceNumber is assigned by
// the store at insert time and is strictly increasing per job with no gaps.
type JobProgressEvent struct {
	ID             string         `json:"id"`
	JobID          string         `json:"job_id"`
	EventType      string         `json:"event_type"`
	SequenceNumber int64          `json:"sequence_number"`
	Data           map[string]any `json:"data"`
	Timestamp      time.Time      `json:"timestamp"`
}

// JobDependency is a directed edge: job waits on DependsOnJobID.
type JobDependency struct {
	JobID          string    `json:"job_id"`
	DependsOnJobID string    `json:"depends_on_job_id"`
	DependencyType string    `json:"dependency_type"`
	CreatedAt      time.Time `json:"created_at"`
}

// JobSubscription registers a subscriber's interest in a job's events, used
// to keep retaining events after direct polling stops.
type JobSubscription struct {
	ID           string     `json:"id"`
	JobID        string     `json:"job_id"`
	SubscriberID string     `json:"subscriber_id"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// WorkerCapability advertises which job types a worker process runs and its
// concurrency ceiling. A single-process deployment has exactly one row.
type WorkerCapability struct {
	WorkerID      string    `json:"worker_id"`
	JobTypes      []string  `json:"job_types"`
	MaxConcurrent int       `json:"max_concurrent"`
	HeartbeatAt   time.Time `json:"heartbeat_at"`
}

// JobPage is one page of a user-scoped job listing.
type JobPage struct {
	Jobs    []Job `json:"jobs"`
	Total   int   `json:"total"`
	Page    int   `json:"page"`
	HasNext bool  `json:"has_next"`
}
