package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"job-orchestrator/internal/models"
)

// Ensure Memory implements Store at compile time.
var _ Store = (*Memory)(nil)

// Memory is a fully in-memory Store. Safe for concurrent access. Intended
// for unit testing and local development; it mirrors the Postgres store's
// semantics, including the per-job event sequence and conditional claims.
type Memory struct {
	mu sync.Mutex

	jobs     map[string]*models.Job
	attempts map[string][]*models.JobAttempt
	events   map[string][]*models.JobProgressEvent
	deps     map[string][]models.JobDependency
	subs     map[string]*models.JobSubscription
	byIdem   map[string]string // user_id\x00key -> job id
	workers  map[string]*models.WorkerCapability
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:     make(map[string]*models.Job),
		attempts: make(map[string][]*models.JobAttempt),
		events:   make(map[string][]*models.JobProgressEvent),
		deps:     make(map[string][]models.JobDependency),
		subs:     make(map[string]*models.JobSubscription),
		byIdem:   make(map[string]string),
		workers:  make(map[string]*models.WorkerCapability),
	}
}

func (m *Memory) Ping(_ context.Context) error { return nil }
func (m *Memory) Close()                       {}

func idemKey(userID, key string) string { return userID + "\x00" + key }

func (m *Memory) CreateJob(_ context.Context, p CreateJobParams) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.IdempotencyKey != "" {
		if id, ok := m.byIdem[idemKey(p.UserID, p.IdempotencyKey)]; ok {
			if existing, ok := m.jobs[id]; ok {
				return cloneJob(existing), false, nil
			}
		}
	}

	now := time.Now().UTC()
	scheduled := p.ScheduledFor
	if scheduled.IsZero() {
		scheduled = now
	}

	id := uuid.New().String()
	status := models.StatusQueued
	edges := make([]models.JobDependency, 0, len(p.DependsOn))
	for _, depID := range p.DependsOn {
		if depID == id || depID == "" {
			return models.Job{}, false, fmt.Errorf("invalid dependency %q", depID)
		}
		if _, ok := m.jobs[depID]; !ok {
			return models.Job{}, false, fmt.Errorf("dependency %s: %w", depID, models.ErrNotFound)
		}
		edges = append(edges, models.JobDependency{
			JobID:          id,
			DependsOnJobID: depID,
			DependencyType: models.DependencySuccess,
			CreatedAt:      now,
		})
	}
	if len(edges) > 0 {
		status = models.StatusWaiting
	}

	job := &models.Job{
		ID:             id,
		JobType:        p.JobType,
		Status:         status,
		Priority:       p.Priority,
		Payload:        cloneMap(p.Payload),
		Config:         cloneMap(p.Config),
		ScheduledFor:   scheduled,
		UserID:         p.UserID,
		MaxRetries:     p.MaxRetries,
		AutoRetry:      p.AutoRetry,
		TimeoutSeconds: p.TimeoutSeconds,
		ExpiresAt:      p.ExpiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if p.WorkspaceID != "" {
		job.WorkspaceID = strPtr(p.WorkspaceID)
	}
	if p.ParentJobID != "" {
		job.ParentJobID = strPtr(p.ParentJobID)
	}
	if p.IdempotencyKey != "" {
		job.IdempotencyKey = strPtr(p.IdempotencyKey)
		m.byIdem[idemKey(p.UserID, p.IdempotencyKey)] = id
	}

	m.jobs[id] = job
	m.deps[id] = edges
	return cloneJob(job), true, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, models.ErrNotFound
	}
	return cloneJob(job), nil
}

func (m *Memory) GetJobForUser(_ context.Context, id, userID string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.UserID != userID {
		return models.Job{}, models.ErrNotFound
	}
	return cloneJob(job), nil
}

func (m *Memory) ListJobs(_ context.Context, p ListJobsParams) (models.JobPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]*models.Job, 0)
	for _, job := range m.jobs {
		if job.UserID != p.UserID {
			continue
		}
		if p.Status != "" && job.Status != p.Status {
			continue
		}
		if p.JobType != "" && job.JobType != p.JobType {
			continue
		}
		if p.ParentJobID != "" && (job.ParentJobID == nil || *job.ParentJobID != p.ParentJobID) {
			continue
		}
		matched = append(matched, job)
	}
	sort.Slice(matched, func(i, k int) bool {
		return matched[i].CreatedAt.After(matched[k].CreatedAt)
	})

	page, size := normalizePage(p.Page, p.PageSize)
	total := len(matched)
	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}

	jobs := make([]models.Job, 0, end-start)
	for _, j := range matched[start:end] {
		jobs = append(jobs, cloneJob(j))
	}
	return models.JobPage{Jobs: jobs, Total: total, Page: page, HasNext: end < total}, nil
}

func (m *Memory) CancelJob(_ context.Context, id, userID string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok || job.UserID != userID {
		return models.Job{}, models.ErrNotFound
	}
	now := time.Now().UTC()
	switch job.Status {
	case models.StatusQueued, models.StatusWaiting:
		job.Status = models.StatusCanceled
		job.ErrorCode = strPtr(models.ErrCodeCanceled)
		job.CompletedAt = &now
		job.UpdatedAt = now
		m.appendEventLocked(job, models.EventTerminal, map[string]any{
			"status":  models.StatusCanceled,
			"message": "canceled before execution",
		})
	case models.StatusRunning:
		// Cooperative: the running handler observes the flag at its next
		// checkpoint. The job may still complete normally.
		job.CancelRequested = true
		job.UpdatedAt = now
		m.appendEventLocked(job, models.EventLog, map[string]any{
			"message": "cancellation requested",
		})
	default:
		return models.Job{}, models.ErrNotCancelable
	}
	return cloneJob(job), nil
}

func (m *Memory) RetryJob(_ context.Context, id, userID string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok || job.UserID != userID {
		return models.Job{}, models.ErrNotFound
	}
	if job.Status != models.StatusFailed && job.Status != models.StatusCanceled {
		return models.Job{}, models.ErrNotRetryable
	}
	if job.RetryCount >= job.MaxRetries {
		return models.Job{}, models.ErrRetryLimitReached
	}

	now := time.Now().UTC()
	job.Status = models.StatusQueued
	job.RetryCount++
	job.ErrorMessage = nil
	job.ErrorCode = nil
	job.CancelRequested = false
	job.CompletedAt = nil
	job.ScheduledFor = now
	job.UpdatedAt = now
	m.appendEventLocked(job, models.EventLog, map[string]any{
		"message":     "retry requested",
		"retry_count": job.RetryCount,
	})
	return cloneJob(job), nil
}

func (m *Memory) DeleteJob(_ context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok || job.UserID != userID {
		return models.ErrNotFound
	}
	m.deleteCascadeLocked(job)
	return nil
}

func (m *Memory) deleteCascadeLocked(job *models.Job) {
	delete(m.jobs, job.ID)
	delete(m.attempts, job.ID)
	delete(m.events, job.ID)
	delete(m.deps, job.ID)
	// Edges pointing at the deleted job go too, matching the schema's
	// ON DELETE CASCADE; a dependent waiting on it becomes promotable.
	for depID, edges := range m.deps {
		kept := edges[:0]
		for _, e := range edges {
			if e.DependsOnJobID != job.ID {
				kept = append(kept, e)
			}
		}
		m.deps[depID] = kept
	}
	if job.IdempotencyKey != nil {
		delete(m.byIdem, idemKey(job.UserID, *job.IdempotencyKey))
	}
	for subID, sub := range m.subs {
		if sub.JobID == job.ID {
			delete(m.subs, subID)
		}
	}
}

func (m *Memory) AppendProgressEvent(_ context.Context, jobID, eventType string, data map[string]any) (models.JobProgressEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return models.JobProgressEvent{}, models.ErrNotFound
	}
	ev := m.appendEventLocked(job, eventType, cloneMap(data))
	return *ev, nil
}

// appendEventLocked assigns the next sequence number and refreshes the
// denormalized progress cache on the job row. Callers hold m.mu.
func (m *Memory) appendEventLocked(job *models.Job, eventType string, data map[string]any) *models.JobProgressEvent {
	now := time.Now().UTC()
	ev := &models.JobProgressEvent{
		ID:             uuid.New().String(),
		JobID:          job.ID,
		EventType:      eventType,
		SequenceNumber: int64(len(m.events[job.ID]) + 1),
		Data:           data,
		Timestamp:      now,
	}
	m.events[job.ID] = append(m.events[job.ID], ev)

	if pct, ok := numeric(data["progress_percent"]); ok {
		job.ProgressPercent = pct
	}
	if stage, ok := data["stage"].(string); ok && stage != "" {
		job.CurrentStage = stage
	}
	if msg, ok := data["message"].(string); ok && msg != "" {
		job.Message = msg
	}
	job.UpdatedAt = now
	return ev
}

func (m *Memory) GetProgressEvents(_ context.Context, jobID string, sinceSeq int64) ([]models.JobProgressEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[jobID]; !ok {
		return nil, models.ErrNotFound
	}
	out := make([]models.JobProgressEvent, 0)
	for _, ev := range m.events[jobID] {
		if ev.SequenceNumber > sinceSeq {
			cp := *ev
			cp.Data = cloneMap(ev.Data)
			out = append(out, cp)
		}
	}
	return out, nil
}

func (m *Memory) ClaimNextJob(_ context.Context, p ClaimParams) (models.Job, models.JobAttempt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(p.JobTypes) == 0 {
		return models.Job{}, models.JobAttempt{}, false, nil
	}
	typeSet := make(map[string]struct{}, len(p.JobTypes))
	for _, t := range p.JobTypes {
		typeSet[t] = struct{}{}
	}
	now := p.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	candidates := make([]*models.Job, 0)
	for _, job := range m.jobs {
		if job.Status != models.StatusQueued || job.ScheduledFor.After(now) {
			continue
		}
		if _, ok := typeSet[job.JobType]; !ok {
			continue
		}
		candidates = append(candidates, job)
	}
	if len(candidates) == 0 {
		return models.Job{}, models.JobAttempt{}, false, nil
	}
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority > candidates[k].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
	})

	job := candidates[0]
	job.Status = models.StatusRunning
	started := time.Now().UTC()
	job.StartedAt = &started
	job.UpdatedAt = started

	attempt := &models.JobAttempt{
		ID:            uuid.New().String(),
		JobID:         job.ID,
		AttemptNumber: job.RetryCount + 1,
		Status:        models.StatusRunning,
		WorkerID:      p.WorkerID,
		StartedAt:     started,
	}
	m.attempts[job.ID] = append(m.attempts[job.ID], attempt)
	return cloneJob(job), *attempt, true, nil
}

func (m *Memory) FinalizeAttempt(_ context.Context, p FinalizeParams) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[p.JobID]
	if !ok || job.Status != models.StatusRunning {
		return models.Job{}, models.ErrClaimConflict
	}
	attempt := m.currentAttemptLocked(p.JobID)
	if attempt == nil || attempt.ID != p.AttemptID || attempt.CompletedAt != nil {
		return models.Job{}, models.ErrClaimConflict
	}

	now := time.Now().UTC()
	attempt.CompletedAt = &now
	job.UpdatedAt = now

	switch p.Outcome {
	case OutcomeCompleted:
		attempt.Status = models.StatusCompleted
		job.Status = models.StatusCompleted
		job.Result = cloneMap(p.Result)
		job.ProgressPercent = 100
		job.CompletedAt = &now
		m.appendEventLocked(job, models.EventTerminal, map[string]any{
			"status":           models.StatusCompleted,
			"progress_percent": float64(100),
		})
	case OutcomeFailed:
		attempt.Status = models.StatusFailed
		attempt.ErrorMessage = strPtr(p.ErrorMessage)
		attempt.ErrorCode = strPtr(p.ErrorCode)
		job.Status = models.StatusFailed
		job.ErrorMessage = strPtr(p.ErrorMessage)
		job.ErrorCode = strPtr(p.ErrorCode)
		job.CompletedAt = &now
		m.appendEventLocked(job, models.EventTerminal, map[string]any{
			"status":     models.StatusFailed,
			"error":      p.ErrorMessage,
			"error_code": p.ErrorCode,
		})
	case OutcomeCanceled:
		attempt.Status = models.StatusCanceled
		job.Status = models.StatusCanceled
		job.ErrorCode = strPtr(models.ErrCodeCanceled)
		job.CancelRequested = false
		job.CompletedAt = &now
		m.appendEventLocked(job, models.EventTerminal, map[string]any{
			"status": models.StatusCanceled,
		})
	case OutcomeRetry:
		attempt.Status = models.StatusFailed
		attempt.ErrorMessage = strPtr(p.ErrorMessage)
		attempt.ErrorCode = strPtr(p.ErrorCode)
		job.Status = models.StatusQueued
		job.RetryCount++
		job.ErrorMessage = strPtr(p.ErrorMessage)
		job.ErrorCode = strPtr(p.ErrorCode)
		job.ScheduledFor = p.RequeueAt
		m.appendEventLocked(job, models.EventError, map[string]any{
			"message":     "attempt failed, retry scheduled",
			"error":       p.ErrorMessage,
			"retry_count": job.RetryCount,
			"next_run_at": p.RequeueAt.Format(time.RFC3339),
		})
	default:
		return models.Job{}, fmt.Errorf("unknown outcome %q", p.Outcome)
	}
	return cloneJob(job), nil
}

func (m *Memory) currentAttemptLocked(jobID string) *models.JobAttempt {
	attempts := m.attempts[jobID]
	if len(attempts) == 0 {
		return nil
	}
	return attempts[len(attempts)-1]
}

func (m *Memory) PromoteWaitingJobs(_ context.Context, _ time.Time) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	promoted, failed := 0, 0
	now := time.Now().UTC()
	for _, job := range m.jobs {
		if job.Status != models.StatusWaiting {
			continue
		}
		satisfied, blocked := true, false
		for _, edge := range m.deps[job.ID] {
			dep, ok := m.jobs[edge.DependsOnJobID]
			if !ok {
				// Dangling edge: the dependency row is gone, so it no
				// longer gates.
				continue
			}
			switch edge.DependencyType {
			case models.DependencyAnyTerminal:
				if !dep.Terminal() {
					satisfied = false
				}
			default: // success
				if dep.Status == models.StatusFailed || dep.Status == models.StatusCanceled {
					blocked = true
				} else if dep.Status != models.StatusCompleted {
					satisfied = false
				}
			}
			if blocked {
				break
			}
		}
		if blocked {
			job.Status = models.StatusFailed
			job.ErrorCode = strPtr(models.ErrCodeDependencyFailed)
			job.ErrorMessage = strPtr("dependency did not complete successfully")
			job.CompletedAt = &now
			job.UpdatedAt = now
			m.appendEventLocked(job, models.EventTerminal, map[string]any{
				"status":     models.StatusFailed,
				"error_code": models.ErrCodeDependencyFailed,
			})
			failed++
		} else if satisfied {
			job.Status = models.StatusQueued
			job.UpdatedAt = now
			promoted++
		}
	}
	return promoted, failed, nil
}

func (m *Memory) ReapTimedOutJobs(_ context.Context, now time.Time) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reaped := make([]models.Job, 0)
	for _, job := range m.jobs {
		if job.Status != models.StatusRunning || job.TimeoutSeconds <= 0 || job.StartedAt == nil {
			continue
		}
		deadline := job.StartedAt.Add(time.Duration(job.TimeoutSeconds) * time.Second)
		if deadline.After(now) {
			continue
		}
		ts := time.Now().UTC()
		if attempt := m.currentAttemptLocked(job.ID); attempt != nil && attempt.CompletedAt == nil {
			attempt.Status = models.StatusFailed
			attempt.ErrorCode = strPtr(models.ErrCodeTimeout)
			attempt.ErrorMessage = strPtr("attempt exceeded maximum duration")
			attempt.CompletedAt = &ts
		}
		job.Status = models.StatusFailed
		job.ErrorCode = strPtr(models.ErrCodeTimeout)
		job.ErrorMessage = strPtr(fmt.Sprintf("attempt exceeded %ds", job.TimeoutSeconds))
		job.CompletedAt = &ts
		job.UpdatedAt = ts
		m.appendEventLocked(job, models.EventTerminal, map[string]any{
			"status":     models.StatusFailed,
			"error_code": models.ErrCodeTimeout,
		})
		reaped = append(reaped, cloneJob(job))
	}
	return reaped, nil
}

func (m *Memory) SweepExpiredJobs(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for _, job := range m.jobs {
		if !job.Terminal() || job.ExpiresAt == nil || job.ExpiresAt.After(now) {
			continue
		}
		if m.hasLiveSubscriptionLocked(job.ID, now) {
			continue
		}
		m.deleteCascadeLocked(job)
		removed++
	}
	return removed, nil
}

func (m *Memory) hasLiveSubscriptionLocked(jobID string, now time.Time) bool {
	for _, sub := range m.subs {
		if sub.JobID == jobID && (sub.ExpiresAt == nil || sub.ExpiresAt.After(now)) {
			return true
		}
	}
	return false
}

func (m *Memory) IsCancelRequested(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return false, models.ErrNotFound
	}
	return job.CancelRequested, nil
}

func (m *Memory) CountRunningByType(_ context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int)
	for _, job := range m.jobs {
		if job.Status == models.StatusRunning {
			counts[job.JobType]++
		}
	}
	return counts, nil
}

func (m *Memory) ListAttempts(_ context.Context, jobID string) ([]models.JobAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.JobAttempt, 0, len(m.attempts[jobID]))
	for _, a := range m.attempts[jobID] {
		out = append(out, *a)
	}
	return out, nil
}

func (m *Memory) GetDependencies(_ context.Context, jobID string) ([]models.JobDependency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.JobDependency(nil), m.deps[jobID]...), nil
}

func (m *Memory) CreateSubscription(_ context.Context, jobID, subscriberID string, expiresAt *time.Time) (models.JobSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return models.JobSubscription{}, models.ErrNotFound
	}
	sub := &models.JobSubscription{
		ID:           uuid.New().String(),
		JobID:        jobID,
		SubscriberID: subscriberID,
		ExpiresAt:    expiresAt,
		CreatedAt:    time.Now().UTC(),
	}
	m.subs[sub.ID] = sub
	return *sub, nil
}

func (m *Memory) DeleteSubscription(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

func (m *Memory) UpsertWorkerCapability(_ context.Context, cap models.WorkerCapability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cap
	cp.JobTypes = append([]string(nil), cap.JobTypes...)
	m.workers[cap.WorkerID] = &cp
	return nil
}

func cloneJob(j *models.Job) models.Job {
	cp := *j
	cp.Payload = cloneMap(j.Payload)
	cp.Config = cloneMap(j.Config)
	cp.Result = cloneMap(j.Result)
	return cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func strPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func numeric(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}
	if size > 100 {
		size = 100
	}
	return page, size
}
