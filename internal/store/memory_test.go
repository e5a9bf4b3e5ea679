package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"job-orchestrator/internal/models"
)

func createQueuedJob(t *testing.T, m *Memory, userID string, opts func(*CreateJobParams)) models.Job {
	t.Helper()
	p := CreateJobParams{
		JobType: "sleep",
		Payload: map[string]any{"seconds": 1},
		UserID:  userID,
	}
	if opts != nil {
		opts(&p)
	}
	job, created, err := m.CreateJob(context.Background(), p)
	require.NoError(t, err)
	require.True(t, created)
	return job
}

func claimJob(t *testing.T, m *Memory, jobType string) (models.Job, models.JobAttempt) {
	t.Helper()
	job, attempt, found, err := m.ClaimNextJob(context.Background(), ClaimParams{
		JobTypes: []string{jobType},
		WorkerID: "test-worker",
	})
	require.NoError(t, err)
	require.True(t, found)
	return job, attempt
}

func finishJob(t *testing.T, m *Memory, job models.Job, attempt models.JobAttempt, outcome string) models.Job {
	t.Helper()
	p := FinalizeParams{JobID: job.ID, AttemptID: attempt.ID, Outcome: outcome}
	if outcome == OutcomeFailed {
		p.ErrorMessage = "boom"
		p.ErrorCode = models.ErrCodeExecution
	}
	finalized, err := m.FinalizeAttempt(context.Background(), p)
	require.NoError(t, err)
	return finalized
}

func TestCreateJobIdempotency(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first, created, err := m.CreateJob(ctx, CreateJobParams{
		JobType: "sleep", UserID: "alice", IdempotencyKey: "import-42",
		Payload: map[string]any{"seconds": 1},
	})
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := m.CreateJob(ctx, CreateJobParams{
		JobType: "sleep", UserID: "alice", IdempotencyKey: "import-42",
		Payload: map[string]any{"seconds": 99},
	})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
	// The winner's payload stands; the duplicate's is discarded.
	require.Equal(t, first.Payload, second.Payload)

	// The key is scoped per user.
	other, created, err := m.CreateJob(ctx, CreateJobParams{
		JobType: "sleep", UserID: "bob", IdempotencyKey: "import-42",
	})
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, first.ID, other.ID)
}

func TestCreateJobIdempotencyConcurrent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	const callers = 16
	ids := make(chan string, callers)
	createdCount := make(chan bool, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, created, err := m.CreateJob(ctx, CreateJobParams{
				JobType: "sleep", UserID: "alice", IdempotencyKey: "race",
			})
			require.NoError(t, err)
			ids <- job.ID
			createdCount <- created
		}()
	}
	wg.Wait()
	close(ids)
	close(createdCount)

	unique := make(map[string]struct{})
	for id := range ids {
		unique[id] = struct{}{}
	}
	require.Len(t, unique, 1, "all callers must resolve to one job")

	wins := 0
	for c := range createdCount {
		if c {
			wins++
		}
	}
	require.Equal(t, 1, wins, "exactly one caller creates the job")
}

func TestSequenceNumbersGapFreeUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job := createQueuedJob(t, m, "alice", nil)

	const writers = 8
	const perWriter = 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := m.AppendProgressEvent(ctx, job.ID, models.EventProgress, map[string]any{
					"progress_percent": float64(i),
					"writer":           w,
				})
				require.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	events, err := m.GetProgressEvents(ctx, job.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, writers*perWriter)
	for i, ev := range events {
		require.Equal(t, int64(i+1), ev.SequenceNumber, "sequence must be gap-free and ordered")
	}

	// since-filtering returns the strict suffix.
	tail, err := m.GetProgressEvents(ctx, job.ID, int64(writers*perWriter-3))
	require.NoError(t, err)
	require.Len(t, tail, 3)
}

func TestAppendProgressEventUpdatesDenormalizedFields(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job := createQueuedJob(t, m, "alice", nil)

	_, err := m.AppendProgressEvent(ctx, job.ID, models.EventProgress, map[string]any{
		"progress_percent": 40.0,
		"stage":            "resizing",
		"message":          "processing page 4/10",
	})
	require.NoError(t, err)

	got, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 40.0, got.ProgressPercent)
	require.Equal(t, "resizing", got.CurrentStage)
	require.Equal(t, "processing page 4/10", got.Message)
}

func TestClaimExclusivity(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	const jobs = 20
	for i := 0; i < jobs; i++ {
		createQueuedJob(t, m, "alice", nil)
	}

	claimed := make(chan string, jobs*2)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				job, _, found, err := m.ClaimNextJob(ctx, ClaimParams{
					JobTypes: []string{"sleep"},
					WorkerID: fmt.Sprintf("worker-%d", w),
				})
				require.NoError(t, err)
				if !found {
					return
				}
				claimed <- job.ID
			}
		}(w)
	}
	wg.Wait()
	close(claimed)

	seen := make(map[string]int)
	for id := range claimed {
		seen[id]++
	}
	require.Len(t, seen, jobs)
	for id, n := range seen {
		require.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestClaimOrderingAndEligibility(t *testing.T) {
	m := NewMemory()

	low := createQueuedJob(t, m, "alice", nil)
	high := createQueuedJob(t, m, "alice", func(p *CreateJobParams) { p.Priority = 10 })
	createQueuedJob(t, m, "alice", func(p *CreateJobParams) {
		p.ScheduledFor = time.Now().Add(time.Hour)
	})

	first, _ := claimJob(t, m, "sleep")
	require.Equal(t, high.ID, first.ID, "higher priority wins")

	second, _ := claimJob(t, m, "sleep")
	require.Equal(t, low.ID, second.ID)

	// The future-scheduled job is not eligible yet.
	_, _, found, err := m.ClaimNextJob(context.Background(), ClaimParams{
		JobTypes: []string{"sleep"}, WorkerID: "w",
	})
	require.NoError(t, err)
	require.False(t, found)
}

func TestCancelLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	// Queued: canceled outright with a terminal event.
	queued := createQueuedJob(t, m, "alice", nil)
	canceled, err := m.CancelJob(ctx, queued.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, models.StatusCanceled, canceled.Status)
	events, err := m.GetProgressEvents(ctx, queued.ID, 0)
	require.NoError(t, err)
	require.Equal(t, models.EventTerminal, events[len(events)-1].EventType)

	// Running: only the cooperative flag is set.
	running := createQueuedJob(t, m, "alice", nil)
	_, _ = claimJob(t, m, "sleep")
	flagged, err := m.CancelJob(ctx, running.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, flagged.Status)
	require.True(t, flagged.CancelRequested)
	requested, err := m.IsCancelRequested(ctx, running.ID)
	require.NoError(t, err)
	require.True(t, requested)

	// Terminal: not cancelable.
	_, err = m.CancelJob(ctx, queued.ID, "alice")
	require.ErrorIs(t, err, models.ErrNotCancelable)

	// Cancel is idempotent only within non-terminal states; a second cancel
	// of the running job just re-sets the flag.
	again, err := m.CancelJob(ctx, running.ID, "alice")
	require.NoError(t, err)
	require.True(t, again.CancelRequested)
}

func TestOwnershipIsolation(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job := createQueuedJob(t, m, "alice", nil)

	_, err := m.GetJobForUser(ctx, job.ID, "mallory")
	require.ErrorIs(t, err, models.ErrNotFound)

	_, err = m.CancelJob(ctx, job.ID, "mallory")
	require.ErrorIs(t, err, models.ErrNotFound)

	_, err = m.RetryJob(ctx, job.ID, "mallory")
	require.ErrorIs(t, err, models.ErrNotFound)

	err = m.DeleteJob(ctx, job.ID, "mallory")
	require.ErrorIs(t, err, models.ErrNotFound)

	page, err := m.ListJobs(ctx, ListJobsParams{UserID: "mallory"})
	require.NoError(t, err)
	require.Empty(t, page.Jobs)
}

func TestRetryCeiling(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job := createQueuedJob(t, m, "alice", func(p *CreateJobParams) { p.MaxRetries = 1 })

	claimed, attempt := claimJob(t, m, "sleep")
	require.Equal(t, job.ID, claimed.ID)
	require.Equal(t, 1, attempt.AttemptNumber)
	finishJob(t, m, claimed, attempt, OutcomeFailed)

	retried, err := m.RetryJob(ctx, job.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, retried.Status)
	require.Equal(t, 1, retried.RetryCount)
	require.Nil(t, retried.ErrorMessage, "retry clears the previous error")

	claimed, attempt = claimJob(t, m, "sleep")
	require.Equal(t, 2, attempt.AttemptNumber)
	finishJob(t, m, claimed, attempt, OutcomeFailed)

	_, err = m.RetryJob(ctx, job.ID, "alice")
	require.ErrorIs(t, err, models.ErrRetryLimitReached)

	attempts, err := m.ListAttempts(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
}

func TestRetryRequiresRetryableStatus(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job := createQueuedJob(t, m, "alice", func(p *CreateJobParams) { p.MaxRetries = 3 })

	_, err := m.RetryJob(ctx, job.ID, "alice")
	require.ErrorIs(t, err, models.ErrNotRetryable, "queued jobs cannot be retried")

	claimed, attempt := claimJob(t, m, "sleep")
	finishJob(t, m, claimed, attempt, OutcomeCompleted)

	_, err = m.RetryJob(ctx, job.ID, "alice")
	require.ErrorIs(t, err, models.ErrNotRetryable, "completed jobs cannot be retried")
}

func TestFinalizeAttemptConflicts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	createQueuedJob(t, m, "alice", func(p *CreateJobParams) { p.TimeoutSeconds = 1 })

	job, attempt := claimJob(t, m, "sleep")

	// The reaper wins the race; the late finalize must be rejected.
	reaped, err := m.ReapTimedOutJobs(ctx, time.Now().Add(2*time.Second))
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	require.Equal(t, models.ErrCodeTimeout, *reaped[0].ErrorCode)

	_, err = m.FinalizeAttempt(ctx, FinalizeParams{
		JobID: job.ID, AttemptID: attempt.ID, Outcome: OutcomeCompleted,
	})
	require.ErrorIs(t, err, models.ErrClaimConflict)

	got, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, got.Status, "reaped state must stand")
}

func TestFinalizeAttemptDoubleFinalize(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	createQueuedJob(t, m, "alice", nil)
	job, attempt := claimJob(t, m, "sleep")

	finishJob(t, m, job, attempt, OutcomeCompleted)
	_, err := m.FinalizeAttempt(ctx, FinalizeParams{
		JobID: job.ID, AttemptID: attempt.ID, Outcome: OutcomeFailed,
	})
	require.ErrorIs(t, err, models.ErrClaimConflict)
}

func TestFinalizeRetryOutcomeRequeues(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	createQueuedJob(t, m, "alice", func(p *CreateJobParams) {
		p.MaxRetries = 3
		p.AutoRetry = true
	})
	job, attempt := claimJob(t, m, "sleep")

	requeueAt := time.Now().Add(30 * time.Second).UTC()
	finalized, err := m.FinalizeAttempt(ctx, FinalizeParams{
		JobID: job.ID, AttemptID: attempt.ID, Outcome: OutcomeRetry,
		ErrorMessage: "transient", ErrorCode: models.ErrCodeExecution,
		RequeueAt: requeueAt,
	})
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, finalized.Status)
	require.Equal(t, 1, finalized.RetryCount)
	require.Equal(t, requeueAt, finalized.ScheduledFor)

	// Not claimable until the backoff elapses.
	_, _, found, err := m.ClaimNextJob(ctx, ClaimParams{JobTypes: []string{"sleep"}, WorkerID: "w"})
	require.NoError(t, err)
	require.False(t, found)
}

func TestDependencyGating(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	depA := createQueuedJob(t, m, "alice", nil)
	depB := createQueuedJob(t, m, "alice", nil)
	child, created, err := m.CreateJob(ctx, CreateJobParams{
		JobType: "sleep", UserID: "alice",
		DependsOn: []string{depA.ID, depB.ID},
	})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, models.StatusWaiting, child.Status)

	// Nothing satisfied yet.
	promoted, failed, err := m.PromoteWaitingJobs(ctx, time.Now())
	require.NoError(t, err)
	require.Zero(t, promoted)
	require.Zero(t, failed)

	// One of two done: still waiting.
	jobA, attemptA := claimJob(t, m, "sleep")
	finishJob(t, m, jobA, attemptA, OutcomeCompleted)
	promoted, _, err = m.PromoteWaitingJobs(ctx, time.Now())
	require.NoError(t, err)
	require.Zero(t, promoted)

	jobB, attemptB := claimJob(t, m, "sleep")
	finishJob(t, m, jobB, attemptB, OutcomeCompleted)
	promoted, _, err = m.PromoteWaitingJobs(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, promoted)

	got, err := m.GetJob(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, got.Status)
}

func TestDependencyFailurePropagates(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	dep := createQueuedJob(t, m, "alice", nil)
	child, _, err := m.CreateJob(ctx, CreateJobParams{
		JobType: "sleep", UserID: "alice", DependsOn: []string{dep.ID},
	})
	require.NoError(t, err)

	job, attempt := claimJob(t, m, "sleep")
	finishJob(t, m, job, attempt, OutcomeFailed)

	_, failed, err := m.PromoteWaitingJobs(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, failed)

	got, err := m.GetJob(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Equal(t, models.ErrCodeDependencyFailed, *got.ErrorCode)

	// The terminal transition always lands with its terminal event.
	events, err := m.GetProgressEvents(ctx, child.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	require.Equal(t, models.EventTerminal, events[len(events)-1].EventType)
}

func TestDeletedDependencyUnblocksDependent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	dep := createQueuedJob(t, m, "alice", nil)
	child, _, err := m.CreateJob(ctx, CreateJobParams{
		JobType: "sleep", UserID: "alice", DependsOn: []string{dep.ID},
	})
	require.NoError(t, err)
	require.Equal(t, models.StatusWaiting, child.Status)

	// Deleting the dependency cascades the edge away, so the dependent is
	// promoted rather than failed.
	require.NoError(t, m.DeleteJob(ctx, dep.ID, "alice"))

	promoted, failed, err := m.PromoteWaitingJobs(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, promoted)
	require.Zero(t, failed)

	got, err := m.GetJob(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, got.Status)
}

func TestCreateJobRejectsUnknownDependency(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, _, err := m.CreateJob(ctx, CreateJobParams{
		JobType: "sleep", UserID: "alice", DependsOn: []string{"no-such-job"},
	})
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestSweepExpiredJobs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	past := time.Now().Add(-time.Hour)

	expired := createQueuedJob(t, m, "alice", func(p *CreateJobParams) { p.ExpiresAt = &past })
	job, attempt := claimJob(t, m, "sleep")
	finishJob(t, m, job, attempt, OutcomeCompleted)

	// A live subscription pins the job.
	sub, err := m.CreateSubscription(ctx, expired.ID, "sse:alice", nil)
	require.NoError(t, err)
	removed, err := m.SweepExpiredJobs(ctx, time.Now())
	require.NoError(t, err)
	require.Zero(t, removed)

	require.NoError(t, m.DeleteSubscription(ctx, sub.ID))
	removed, err = m.SweepExpiredJobs(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = m.GetJob(ctx, expired.ID)
	require.ErrorIs(t, err, models.ErrNotFound)
	events, err := m.GetProgressEvents(ctx, expired.ID, 0)
	require.ErrorIs(t, err, models.ErrNotFound)
	require.Empty(t, events)
}

func TestSweepSkipsNonTerminalJobs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	past := time.Now().Add(-time.Hour)
	createQueuedJob(t, m, "alice", func(p *CreateJobParams) { p.ExpiresAt = &past })

	removed, err := m.SweepExpiredJobs(ctx, time.Now())
	require.NoError(t, err)
	require.Zero(t, removed, "queued jobs are never swept, expired or not")
}

func TestListJobsFiltersAndPagination(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for i := 0; i < 25; i++ {
		createQueuedJob(t, m, "alice", nil)
	}
	createQueuedJob(t, m, "alice", func(p *CreateJobParams) { p.JobType = "thumbnail" })
	createQueuedJob(t, m, "bob", nil)

	page, err := m.ListJobs(ctx, ListJobsParams{UserID: "alice", Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, page.Jobs, 10)
	require.Equal(t, 26, page.Total)
	require.True(t, page.HasNext)

	last, err := m.ListJobs(ctx, ListJobsParams{UserID: "alice", Page: 3, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, last.Jobs, 6)
	require.False(t, last.HasNext)

	byType, err := m.ListJobs(ctx, ListJobsParams{UserID: "alice", JobType: "thumbnail"})
	require.NoError(t, err)
	require.Len(t, byType.Jobs, 1)

	byStatus, err := m.ListJobs(ctx, ListJobsParams{UserID: "alice", Status: models.StatusCompleted})
	require.NoError(t, err)
	require.Empty(t, byStatus.Jobs)
}

func TestDeleteJobCascades(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job := createQueuedJob(t, m, "alice", func(p *CreateJobParams) { p.IdempotencyKey = "k1" })
	_, err := m.AppendProgressEvent(ctx, job.ID, models.EventLog, map[string]any{"message": "hi"})
	require.NoError(t, err)

	require.NoError(t, m.DeleteJob(ctx, job.ID, "alice"))

	// The idempotency slot is released with the job.
	again, created, err := m.CreateJob(ctx, CreateJobParams{
		JobType: "sleep", UserID: "alice", IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, job.ID, again.ID)
}
