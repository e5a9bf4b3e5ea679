// Package store owns durable persistence for jobs, attempts, progress
// events, dependencies, and subscriptions. Two implementations exist: the
// Postgres store used in production and an in-memory store for tests and
// local development. The store is the single source of truth; everything the
// scheduler and API know about a job flows through it.
package store

import (
	"context"
	"time"

	"job-orchestrator/internal/models"
)

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	JobType        string
	Payload        map[string]any
	Config         map[string]any
	UserID         string
	WorkspaceID    string
	ParentJobID    string
	Priority       int
	ScheduledFor   time.Time
	IdempotencyKey string
	MaxRetries     int
	AutoRetry      bool
	TimeoutSeconds int
	DependsOn      []string
	ExpiresAt      *time.Time
}

// ListJobsParams filters a user-scoped job listing.
type ListJobsParams struct {
	UserID      string
	Status      string
	JobType     string
	ParentJobID string
	Page        int
	PageSize    int
}

// ClaimParams restricts which queued jobs a scheduler may claim.
type ClaimParams struct {
	// JobTypes are the types this process can execute, after per-type
	// concurrency caps have been applied. Empty means nothing is claimable.
	JobTypes []string
	WorkerID string
	Now      time.Time
}

// Attempt outcomes passed to FinalizeAttempt.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCanceled  = "canceled"
	// OutcomeRetry marks the attempt failed and requeues the job with an
	// incremented retry_count (automatic backoff retry).
	OutcomeRetry = "retry"
)

// FinalizeParams records the result of one attempt. The update is
// conditional: it applies only while the job is still running and the
// attempt is still the current one, so a reaped or abandoned attempt cannot
// clobber later state.
type FinalizeParams struct {
	JobID        string
	AttemptID    string
	Outcome      string
	Result       map[string]any
	ErrorMessage string
	ErrorCode    string
	// RequeueAt is the next eligible time for OutcomeRetry.
	RequeueAt time.Time
}

// Store is the persistence contract shared by the Postgres and memory
// implementations.
type Store interface {
	// CreateJob inserts a job, honoring idempotency: when IdempotencyKey is
	// set and a job already exists for (user_id, key), the existing job is
	// returned with created=false. Jobs with dependencies start in waiting.
	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error)

	// GetJob fetches a job without ownership scoping (internal use).
	GetJob(ctx context.Context, id string) (models.Job, error)

	// GetJobForUser fetches a job owned by userID; a job owned by someone
	// else is reported as ErrNotFound.
	GetJobForUser(ctx context.Context, id, userID string) (models.Job, error)

	// ListJobs returns a page of the user's jobs, newest first.
	ListJobs(ctx context.Context, p ListJobsParams) (models.JobPage, error)

	// CancelJob cancels a queued/waiting job outright, or sets the
	// cooperative cancel flag on a running one. Terminal jobs return
	// ErrNotCancelable.
	CancelJob(ctx context.Context, id, userID string) (models.Job, error)

	// RetryJob requeues a failed or canceled job while retry_count is below
	// max_retries, incrementing retry_count atomically with the transition.
	RetryJob(ctx context.Context, id, userID string) (models.Job, error)

	// DeleteJob removes a job and cascades to attempts, events,
	// dependencies, and subscriptions.
	DeleteJob(ctx context.Context, id, userID string) error

	// AppendProgressEvent assigns the next per-job sequence number and, in
	// the same transaction, refreshes the denormalized progress fields on
	// the job row when data carries progress_percent/stage/message.
	AppendProgressEvent(ctx context.Context, jobID, eventType string, data map[string]any) (models.JobProgressEvent, error)

	// GetProgressEvents returns events with sequence_number > sinceSeq in
	// ascending order. Pass 0 for all events.
	GetProgressEvents(ctx context.Context, jobID string, sinceSeq int64) ([]models.JobProgressEvent, error)

	// ClaimNextJob atomically transitions the highest-priority eligible
	// queued job to running and creates its attempt. found is false when no
	// job is eligible. Safe under concurrent schedulers: exactly one wins.
	ClaimNextJob(ctx context.Context, p ClaimParams) (models.Job, models.JobAttempt, bool, error)

	// FinalizeAttempt applies the attempt outcome. Returns ErrClaimConflict
	// when the job/attempt moved on in the meantime (timeout reaper, etc.).
	FinalizeAttempt(ctx context.Context, p FinalizeParams) (models.Job, error)

	// PromoteWaitingJobs moves waiting jobs with satisfied dependencies to
	// queued, and fails jobs whose success dependency terminated
	// unsuccessfully. Returns (promoted, failed).
	PromoteWaitingJobs(ctx context.Context, now time.Time) (int, int, error)

	// ReapTimedOutJobs fails running jobs whose attempt exceeded the job's
	// timeout. The execution goroutine is abandoned, not killed.
	ReapTimedOutJobs(ctx context.Context, now time.Time) ([]models.Job, error)

	// SweepExpiredJobs deletes terminal jobs past expires_at that have no
	// live subscription.
	SweepExpiredJobs(ctx context.Context, now time.Time) (int, error)

	// IsCancelRequested reports the job's cooperative cancel flag.
	IsCancelRequested(ctx context.Context, jobID string) (bool, error)

	// CountRunningByType returns the number of running jobs per job type.
	CountRunningByType(ctx context.Context) (map[string]int, error)

	// ListAttempts returns a job's attempts ordered by attempt_number.
	ListAttempts(ctx context.Context, jobID string) ([]models.JobAttempt, error)

	// GetDependencies returns a job's outgoing dependency edges.
	GetDependencies(ctx context.Context, jobID string) ([]models.JobDependency, error)

	// CreateSubscription registers interest in a job's events.
	CreateSubscription(ctx context.Context, jobID, subscriberID string, expiresAt *time.Time) (models.JobSubscription, error)

	// DeleteSubscription removes a subscription by id.
	DeleteSubscription(ctx context.Context, id string) error

	// UpsertWorkerCapability advertises this process's executable job types.
	UpsertWorkerCapability(ctx context.Context, cap models.WorkerCapability) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying resources.
	Close()
}
