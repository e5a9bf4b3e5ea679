package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"job-orchestrator/internal/models"
)

var _ Store = (*Postgres)(nil)

// Postgres wraps pgxpool for durable persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, job_type, status, priority, payload, config, scheduled_for,
	progress_percent, current_stage, message, result, error_message, error_code,
	user_id, workspace_id, parent_job_id, idempotency_key, retry_count, max_retries,
	auto_retry, timeout_seconds, cancel_requested, expires_at,
	created_at, updated_at, started_at, completed_at`

func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	payloadJSON, err := json.Marshal(orEmpty(p.Payload))
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}
	var configJSON []byte
	if p.Config != nil {
		if configJSON, err = json.Marshal(p.Config); err != nil {
			return models.Job{}, false, fmt.Errorf("marshal config: %w", err)
		}
	}

	// Fast path: the key already maps to a job for this user.
	if p.IdempotencyKey != "" {
		if existing, found, err := s.findByIdempotencyKey(ctx, p.UserID, p.IdempotencyKey); err != nil {
			return models.Job{}, false, err
		} else if found {
			return existing, false, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()
	scheduled := p.ScheduledFor
	if scheduled.IsZero() {
		scheduled = now
	}
	status := models.StatusQueued
	if len(p.DependsOn) > 0 {
		status = models.StatusWaiting
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO jobs (id, job_type, status, priority, payload, config, scheduled_for,
			user_id, workspace_id, parent_job_id, idempotency_key, retry_count, max_retries,
			auto_retry, timeout_seconds, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, $12, $13, $14, $15, $16, $16)
		ON CONFLICT (user_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
	`, id, p.JobType, status, p.Priority, payloadJSON, configJSON, scheduled,
		p.UserID, nullStr(p.WorkspaceID), nullStr(p.ParentJobID), nullStr(p.IdempotencyKey),
		p.MaxRetries, p.AutoRetry, p.TimeoutSeconds, p.ExpiresAt, now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the idempotency race; return the winner's job.
		if err := tx.Rollback(ctx); err != nil {
			return models.Job{}, false, fmt.Errorf("rollback after idempotency conflict: %w", err)
		}
		existing, found, err := s.findByIdempotencyKey(ctx, p.UserID, p.IdempotencyKey)
		if err != nil {
			return models.Job{}, false, err
		}
		if !found {
			return models.Job{}, false, errors.New("idempotency conflict but no existing job found")
		}
		return existing, false, nil
	}

	for _, depID := range p.DependsOn {
		if depID == "" || depID == id {
			return models.Job{}, false, fmt.Errorf("invalid dependency %q", depID)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO job_dependencies (job_id, depends_on_job_id, dependency_type, created_at)
			VALUES ($1, $2, $3, $4)
		`, id, depID, models.DependencySuccess, now); err != nil {
			if isFKViolation(err) {
				return models.Job{}, false, fmt.Errorf("dependency %s: %w", depID, models.ErrNotFound)
			}
			return models.Job{}, false, fmt.Errorf("insert dependency: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

func (s *Postgres) findByIdempotencyKey(ctx context.Context, userID, key string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 AND idempotency_key = $2
	`, userID, key)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, models.ErrNotFound
	}
	return job, err
}

func (s *Postgres) GetJobForUser(ctx context.Context, id, userID string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND user_id = $2
	`, id, userID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, models.ErrNotFound
	}
	return job, err
}

func (s *Postgres) ListJobs(ctx context.Context, p ListJobsParams) (models.JobPage, error) {
	page, size := normalizePage(p.Page, p.PageSize)

	where := `WHERE user_id = $1`
	args := []any{p.UserID}
	if p.Status != "" {
		args = append(args, p.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if p.JobType != "" {
		args = append(args, p.JobType)
		where += fmt.Sprintf(" AND job_type = $%d", len(args))
	}
	if p.ParentJobID != "" {
		args = append(args, p.ParentJobID)
		where += fmt.Sprintf(" AND parent_job_id = $%d", len(args))
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs `+where, args...).Scan(&total); err != nil {
		return models.JobPage{}, fmt.Errorf("count jobs: %w", err)
	}

	args = append(args, size, (page-1)*size)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT `+jobColumns+` FROM jobs %s
		ORDER BY created_at DESC LIMIT $%d OFFSET $%d
	`, where, len(args)-1, len(args)), args...)
	if err != nil {
		return models.JobPage{}, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]models.Job, 0, size)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return models.JobPage{}, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return models.JobPage{}, fmt.Errorf("list jobs: %w", err)
	}

	return models.JobPage{
		Jobs:    jobs,
		Total:   total,
		Page:    page,
		HasNext: page*size < total,
	}, nil
}

func (s *Postgres) CancelJob(ctx context.Context, id, userID string) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Not claimed yet: cancel outright.
	row := tx.QueryRow(ctx, `
		UPDATE jobs SET status = $3, error_code = $4, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND status IN ($5, $6)
		RETURNING `+jobColumns,
		id, userID, models.StatusCanceled, models.ErrCodeCanceled,
		models.StatusQueued, models.StatusWaiting)
	job, err := scanJob(row)
	if err == nil {
		if err := s.appendEventTx(ctx, tx, id, models.EventTerminal, map[string]any{
			"status":  models.StatusCanceled,
			"message": "canceled before execution",
		}); err != nil {
			return models.Job{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return models.Job{}, fmt.Errorf("commit: %w", err)
		}
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, err
	}

	// Running: set the cooperative cancel flag; the handler observes it at
	// its next checkpoint and the job may still finish normally.
	row = tx.QueryRow(ctx, `
		UPDATE jobs SET cancel_requested = TRUE, updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND status = $3
		RETURNING `+jobColumns,
		id, userID, models.StatusRunning)
	job, err = scanJob(row)
	if err == nil {
		if err := s.appendEventTx(ctx, tx, id, models.EventLog, map[string]any{
			"message": "cancellation requested",
		}); err != nil {
			return models.Job{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return models.Job{}, fmt.Errorf("commit: %w", err)
		}
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, err
	}

	if _, err := s.GetJobForUser(ctx, id, userID); err != nil {
		return models.Job{}, err
	}
	return models.Job{}, models.ErrNotCancelable
}

func (s *Postgres) RetryJob(ctx context.Context, id, userID string) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE jobs
		SET status = $3, retry_count = retry_count + 1,
			error_message = NULL, error_code = NULL, cancel_requested = FALSE,
			completed_at = NULL, scheduled_for = NOW(), updated_at = NOW()
		WHERE id = $1 AND user_id = $2
			AND status IN ($4, $5) AND retry_count < max_retries
		RETURNING `+jobColumns,
		id, userID, models.StatusQueued, models.StatusFailed, models.StatusCanceled)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, lookupErr := s.GetJobForUser(ctx, id, userID)
		if lookupErr != nil {
			return models.Job{}, lookupErr
		}
		if existing.Status != models.StatusFailed && existing.Status != models.StatusCanceled {
			return models.Job{}, models.ErrNotRetryable
		}
		return models.Job{}, models.ErrRetryLimitReached
	}
	if err != nil {
		return models.Job{}, err
	}

	if err := s.appendEventTx(ctx, tx, id, models.EventLog, map[string]any{
		"message":     "retry requested",
		"retry_count": job.RetryCount,
	}); err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

func (s *Postgres) DeleteJob(ctx context.Context, id, userID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *Postgres) AppendProgressEvent(ctx context.Context, jobID, eventType string, data map[string]any) (models.JobProgressEvent, error) {
	// Sequence numbers are assigned under a unique constraint; concurrent
	// writers retry until one wins each slot.
	var lastErr error
	for i := 0; i < 5; i++ {
		ev, err := s.appendEventOnce(ctx, jobID, eventType, data)
		if err == nil {
			return ev, nil
		}
		if !isUniqueViolation(err) {
			return models.JobProgressEvent{}, err
		}
		lastErr = err
	}
	return models.JobProgressEvent{}, fmt.Errorf("append event: %w", lastErr)
}

func (s *Postgres) appendEventOnce(ctx context.Context, jobID, eventType string, data map[string]any) (models.JobProgressEvent, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.JobProgressEvent{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ev, err := s.insertEventTx(ctx, tx, jobID, eventType, data)
	if err != nil {
		return models.JobProgressEvent{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.JobProgressEvent{}, fmt.Errorf("commit: %w", err)
	}
	return ev, nil
}

// appendEventTx appends an event inside an existing transaction that already
// mutated the job row.
func (s *Postgres) appendEventTx(ctx context.Context, tx pgx.Tx, jobID, eventType string, data map[string]any) error {
	_, err := s.insertEventTx(ctx, tx, jobID, eventType, data)
	return err
}

func (s *Postgres) insertEventTx(ctx context.Context, tx pgx.Tx, jobID, eventType string, data map[string]any) (models.JobProgressEvent, error) {
	data = orEmpty(data)
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return models.JobProgressEvent{}, fmt.Errorf("marshal event data: %w", err)
	}

	id := uuid.New().String()
	row := tx.QueryRow(ctx, `
		INSERT INTO job_progress_events (id, job_id, event_type, sequence_number, data, ts)
		SELECT $1, $2, $3, COALESCE(MAX(sequence_number), 0) + 1, $4, NOW()
		FROM job_progress_events WHERE job_id = $2
		RETURNING sequence_number, ts
	`, id, jobID, eventType, dataJSON)

	ev := models.JobProgressEvent{ID: id, JobID: jobID, EventType: eventType, Data: data}
	if err := row.Scan(&ev.SequenceNumber, &ev.Timestamp); err != nil {
		if isFKViolation(err) {
			return models.JobProgressEvent{}, models.ErrNotFound
		}
		return models.JobProgressEvent{}, fmt.Errorf("insert event: %w", err)
	}

	// Keep the denormalized progress cache in sync in the same transaction;
	// the event log stays authoritative.
	pct, hasPct := numeric(data["progress_percent"])
	stage, _ := data["stage"].(string)
	msg, _ := data["message"].(string)
	if hasPct || stage != "" || msg != "" {
		if _, err := tx.Exec(ctx, `
			UPDATE jobs SET
				progress_percent = CASE WHEN $2::bool THEN $3::double precision ELSE progress_percent END,
				current_stage = CASE WHEN $4 <> '' THEN $4 ELSE current_stage END,
				message = CASE WHEN $5 <> '' THEN $5 ELSE message END,
				updated_at = NOW()
			WHERE id = $1
		`, jobID, hasPct, pct, stage, msg); err != nil {
			return models.JobProgressEvent{}, fmt.Errorf("update progress cache: %w", err)
		}
	}
	return ev, nil
}

func (s *Postgres) GetProgressEvents(ctx context.Context, jobID string, sinceSeq int64) ([]models.JobProgressEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, event_type, sequence_number, data, ts
		FROM job_progress_events
		WHERE job_id = $1 AND sequence_number > $2
		ORDER BY sequence_number ASC
	`, jobID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := make([]models.JobProgressEvent, 0)
	for rows.Next() {
		var ev models.JobProgressEvent
		var dataJSON []byte
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.EventType, &ev.SequenceNumber, &dataJSON, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal(dataJSON, &ev.Data); err != nil {
			return nil, fmt.Errorf("unmarshal event data: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Postgres) ClaimNextJob(ctx context.Context, p ClaimParams) (models.Job, models.JobAttempt, bool, error) {
	if len(p.JobTypes) == 0 {
		return models.Job{}, models.JobAttempt{}, false, nil
	}
	now := p.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, models.JobAttempt{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// SKIP LOCKED keeps concurrent schedulers from fighting over the same
	// row; the conditional status check makes the claim linearizable.
	row := tx.QueryRow(ctx, `
		UPDATE jobs SET status = $1, started_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = $2 AND scheduled_for <= $3 AND job_type = ANY($4)
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		models.StatusRunning, models.StatusQueued, now, p.JobTypes)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, models.JobAttempt{}, false, nil
	}
	if err != nil {
		return models.Job{}, models.JobAttempt{}, false, err
	}

	attempt := models.JobAttempt{
		ID:            uuid.New().String(),
		JobID:         job.ID,
		AttemptNumber: job.RetryCount + 1,
		Status:        models.StatusRunning,
		WorkerID:      p.WorkerID,
	}
	if err := tx.QueryRow(ctx, `
		INSERT INTO job_attempts (id, job_id, attempt_number, status, worker_id, started_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING started_at
	`, attempt.ID, attempt.JobID, attempt.AttemptNumber, attempt.Status, attempt.WorkerID).Scan(&attempt.StartedAt); err != nil {
		return models.Job{}, models.JobAttempt{}, false, fmt.Errorf("insert attempt: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, models.JobAttempt{}, false, fmt.Errorf("commit claim: %w", err)
	}
	return job, attempt, true, nil
}

func (s *Postgres) FinalizeAttempt(ctx context.Context, p FinalizeParams) (models.Job, error) {
	var lastErr error
	for i := 0; i < 5; i++ {
		job, err := s.finalizeAttemptOnce(ctx, p)
		if err == nil || !isUniqueViolation(err) {
			return job, err
		}
		lastErr = err
	}
	return models.Job{}, fmt.Errorf("finalize attempt: %w", lastErr)
}

func (s *Postgres) finalizeAttemptOnce(ctx context.Context, p FinalizeParams) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	attemptStatus := models.StatusFailed
	switch p.Outcome {
	case OutcomeCompleted:
		attemptStatus = models.StatusCompleted
	case OutcomeCanceled:
		attemptStatus = models.StatusCanceled
	case OutcomeFailed, OutcomeRetry:
	default:
		return models.Job{}, fmt.Errorf("unknown outcome %q", p.Outcome)
	}

	// Guard against stale attempts: a reaped/abandoned attempt must not
	// clobber state written after it.
	tag, err := tx.Exec(ctx, `
		UPDATE job_attempts
		SET status = $2, error_message = $3, error_code = $4, completed_at = NOW()
		WHERE id = $1 AND completed_at IS NULL
	`, p.AttemptID, attemptStatus, nullStr(p.ErrorMessage), nullStr(p.ErrorCode))
	if err != nil {
		return models.Job{}, fmt.Errorf("update attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Job{}, models.ErrClaimConflict
	}

	var row pgx.Row
	var eventType string
	var eventData map[string]any

	switch p.Outcome {
	case OutcomeCompleted:
		resultJSON, err := json.Marshal(orEmpty(p.Result))
		if err != nil {
			return models.Job{}, fmt.Errorf("marshal result: %w", err)
		}
		row = tx.QueryRow(ctx, `
			UPDATE jobs SET status = $2, result = $3, progress_percent = 100,
				completed_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND status = $4
			RETURNING `+jobColumns,
			p.JobID, models.StatusCompleted, resultJSON, models.StatusRunning)
		eventType = models.EventTerminal
		eventData = map[string]any{"status": models.StatusCompleted, "progress_percent": float64(100)}
	case OutcomeFailed:
		row = tx.QueryRow(ctx, `
			UPDATE jobs SET status = $2, error_message = $3, error_code = $4,
				completed_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND status = $5
			RETURNING `+jobColumns,
			p.JobID, models.StatusFailed, nullStr(p.ErrorMessage), nullStr(p.ErrorCode), models.StatusRunning)
		eventType = models.EventTerminal
		eventData = map[string]any{"status": models.StatusFailed, "error": p.ErrorMessage, "error_code": p.ErrorCode}
	case OutcomeCanceled:
		row = tx.QueryRow(ctx, `
			UPDATE jobs SET status = $2, error_code = $3, cancel_requested = FALSE,
				completed_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND status = $4
			RETURNING `+jobColumns,
			p.JobID, models.StatusCanceled, models.ErrCodeCanceled, models.StatusRunning)
		eventType = models.EventTerminal
		eventData = map[string]any{"status": models.StatusCanceled}
	case OutcomeRetry:
		row = tx.QueryRow(ctx, `
			UPDATE jobs SET status = $2, retry_count = retry_count + 1,
				error_message = $3, error_code = $4, scheduled_for = $5, updated_at = NOW()
			WHERE id = $1 AND status = $6
			RETURNING `+jobColumns,
			p.JobID, models.StatusQueued, nullStr(p.ErrorMessage), nullStr(p.ErrorCode),
			p.RequeueAt, models.StatusRunning)
		eventType = models.EventError
		eventData = map[string]any{
			"message":     "attempt failed, retry scheduled",
			"error":       p.ErrorMessage,
			"next_run_at": p.RequeueAt.UTC().Format(time.RFC3339),
		}
	}

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, models.ErrClaimConflict
	}
	if err != nil {
		return models.Job{}, err
	}
	if p.Outcome == OutcomeRetry {
		eventData["retry_count"] = job.RetryCount
	}

	if err := s.appendEventTx(ctx, tx, p.JobID, eventType, eventData); err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

func (s *Postgres) PromoteWaitingJobs(ctx context.Context, now time.Time) (int, int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Propagate dependency failure first so dependents never wait forever.
	failedRows, err := tx.Query(ctx, `
		UPDATE jobs SET status = $1, error_code = $2,
			error_message = 'dependency did not complete successfully',
			completed_at = NOW(), updated_at = NOW()
		WHERE status = $3 AND EXISTS (
			SELECT 1 FROM job_dependencies d
			JOIN jobs dj ON dj.id = d.depends_on_job_id
			WHERE d.job_id = jobs.id AND d.dependency_type = $4
				AND dj.status IN ($1, $5)
		)
		RETURNING id
	`, models.StatusFailed, models.ErrCodeDependencyFailed, models.StatusWaiting,
		models.DependencySuccess, models.StatusCanceled)
	if err != nil {
		return 0, 0, fmt.Errorf("fail dependents: %w", err)
	}
	failedIDs, err := collectIDs(failedRows)
	if err != nil {
		return 0, 0, err
	}
	// The terminal event commits atomically with the status transition; a
	// failed dependent never surfaces without one.
	for _, id := range failedIDs {
		if err := s.appendEventTx(ctx, tx, id, models.EventTerminal, map[string]any{
			"status":     models.StatusFailed,
			"error_code": models.ErrCodeDependencyFailed,
		}); err != nil {
			return 0, 0, err
		}
	}

	promotedRows, err := tx.Query(ctx, `
		UPDATE jobs SET status = $1, updated_at = NOW()
		WHERE status = $2 AND NOT EXISTS (
			SELECT 1 FROM job_dependencies d
			JOIN jobs dj ON dj.id = d.depends_on_job_id
			WHERE d.job_id = jobs.id AND (
				(d.dependency_type = $3 AND dj.status <> $4)
				OR (d.dependency_type = $5 AND dj.status NOT IN ($4, $6, $7))
			)
		)
		RETURNING id
	`, models.StatusQueued, models.StatusWaiting,
		models.DependencySuccess, models.StatusCompleted,
		models.DependencyAnyTerminal, models.StatusFailed, models.StatusCanceled)
	if err != nil {
		return 0, len(failedIDs), fmt.Errorf("promote waiting: %w", err)
	}
	promotedIDs, err := collectIDs(promotedRows)
	if err != nil {
		return 0, len(failedIDs), err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("commit: %w", err)
	}
	return len(promotedIDs), len(failedIDs), nil
}

func (s *Postgres) ReapTimedOutJobs(ctx context.Context, now time.Time) ([]models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE jobs SET status = $1, error_code = $2,
			error_message = 'attempt exceeded ' || timeout_seconds || 's',
			completed_at = NOW(), updated_at = NOW()
		WHERE status = $3 AND timeout_seconds > 0
			AND started_at + make_interval(secs => timeout_seconds) <= $4
		RETURNING `+jobColumns,
		models.StatusFailed, models.ErrCodeTimeout, models.StatusRunning, now)
	if err != nil {
		return nil, fmt.Errorf("reap timed out: %w", err)
	}

	reaped := make([]models.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		reaped = append(reaped, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reap timed out: %w", err)
	}

	// Attempt failure and the terminal event commit with the job transition.
	for _, job := range reaped {
		if _, err := tx.Exec(ctx, `
			UPDATE job_attempts SET status = $2, error_code = $3,
				error_message = 'attempt exceeded maximum duration', completed_at = NOW()
			WHERE job_id = $1 AND completed_at IS NULL
		`, job.ID, models.StatusFailed, models.ErrCodeTimeout); err != nil {
			return nil, fmt.Errorf("fail timed out attempt: %w", err)
		}
		if err := s.appendEventTx(ctx, tx, job.ID, models.EventTerminal, map[string]any{
			"status":     models.StatusFailed,
			"error_code": models.ErrCodeTimeout,
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return reaped, nil
}

func (s *Postgres) SweepExpiredJobs(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ($1, $2, $3) AND expires_at IS NOT NULL AND expires_at <= $4
			AND NOT EXISTS (
				SELECT 1 FROM job_subscriptions sub
				WHERE sub.job_id = jobs.id
					AND (sub.expires_at IS NULL OR sub.expires_at > $4)
			)
	`, models.StatusCompleted, models.StatusFailed, models.StatusCanceled, now)
	if err != nil {
		return 0, fmt.Errorf("sweep expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	var requested bool
	err := s.pool.QueryRow(ctx, `SELECT cancel_requested FROM jobs WHERE id = $1`, jobID).Scan(&requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, models.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("query cancel flag: %w", err)
	}
	return requested, nil
}

func (s *Postgres) CountRunningByType(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_type, COUNT(*) FROM jobs WHERE status = $1 GROUP BY job_type
	`, models.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("count running: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var jobType string
		var n int
		if err := rows.Scan(&jobType, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[jobType] = n
	}
	return counts, rows.Err()
}

func (s *Postgres) ListAttempts(ctx context.Context, jobID string) ([]models.JobAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, attempt_number, status, worker_id, error_message, error_code, started_at, completed_at
		FROM job_attempts WHERE job_id = $1 ORDER BY attempt_number ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	attempts := make([]models.JobAttempt, 0)
	for rows.Next() {
		var a models.JobAttempt
		var errMsg, errCode pgtype.Text
		var completed pgtype.Timestamptz
		if err := rows.Scan(&a.ID, &a.JobID, &a.AttemptNumber, &a.Status, &a.WorkerID, &errMsg, &errCode, &a.StartedAt, &completed); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.ErrorMessage = textPtr(errMsg)
		a.ErrorCode = textPtr(errCode)
		a.CompletedAt = tsPtr(completed)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (s *Postgres) GetDependencies(ctx context.Context, jobID string) ([]models.JobDependency, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, depends_on_job_id, dependency_type, created_at
		FROM job_dependencies WHERE job_id = $1
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query dependencies: %w", err)
	}
	defer rows.Close()

	deps := make([]models.JobDependency, 0)
	for rows.Next() {
		var d models.JobDependency
		if err := rows.Scan(&d.JobID, &d.DependsOnJobID, &d.DependencyType, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

func (s *Postgres) CreateSubscription(ctx context.Context, jobID, subscriberID string, expiresAt *time.Time) (models.JobSubscription, error) {
	sub := models.JobSubscription{
		ID:           uuid.New().String(),
		JobID:        jobID,
		SubscriberID: subscriberID,
		ExpiresAt:    expiresAt,
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO job_subscriptions (id, job_id, subscriber_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING created_at
	`, sub.ID, jobID, subscriberID, expiresAt).Scan(&sub.CreatedAt)
	if err != nil {
		if isFKViolation(err) {
			return models.JobSubscription{}, models.ErrNotFound
		}
		return models.JobSubscription{}, fmt.Errorf("insert subscription: %w", err)
	}
	return sub, nil
}

func (s *Postgres) DeleteSubscription(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM job_subscriptions WHERE id = $1`, id)
	return err
}

func (s *Postgres) UpsertWorkerCapability(ctx context.Context, cap models.WorkerCapability) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO worker_capabilities (worker_id, job_types, max_concurrent, heartbeat_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (worker_id) DO UPDATE
		SET job_types = EXCLUDED.job_types,
			max_concurrent = EXCLUDED.max_concurrent,
			heartbeat_at = NOW()
	`, cap.WorkerID, cap.JobTypes, cap.MaxConcurrent)
	if err != nil {
		return fmt.Errorf("upsert worker capability: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON, configJSON, resultJSON []byte
	var errMsg, errCode, workspace, parent, idem pgtype.Text
	var expires, started, completed pgtype.Timestamptz

	if err := row.Scan(
		&job.ID, &job.JobType, &job.Status, &job.Priority, &payloadJSON, &configJSON,
		&job.ScheduledFor, &job.ProgressPercent, &job.CurrentStage, &job.Message,
		&resultJSON, &errMsg, &errCode, &job.UserID, &workspace, &parent, &idem,
		&job.RetryCount, &job.MaxRetries, &job.AutoRetry, &job.TimeoutSeconds,
		&job.CancelRequested, &expires, &job.CreatedAt, &job.UpdatedAt, &started, &completed,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &job.Config); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	job.ErrorMessage = textPtr(errMsg)
	job.ErrorCode = textPtr(errCode)
	job.WorkspaceID = textPtr(workspace)
	job.ParentJobID = textPtr(parent)
	job.IdempotencyKey = textPtr(idem)
	job.ExpiresAt = tsPtr(expires)
	job.StartedAt = tsPtr(started)
	job.CompletedAt = tsPtr(completed)
	return job, nil
}

func collectIDs(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func nullStr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isFKViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
