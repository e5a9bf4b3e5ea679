// Package scheduler drives the orchestrator's control loop: it polls the
// store for runnable jobs, claims them with atomic conditional updates, and
// executes handlers on a bounded pool of goroutines. Multiple scheduler
// processes may run against the same store; the claim guarantees exactly one
// executor per job.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"job-orchestrator/internal/config"
	"job-orchestrator/internal/models"
	"job-orchestrator/internal/notify"
	"job-orchestrator/internal/registry"
	"job-orchestrator/internal/store"
	"job-orchestrator/internal/telemetry"
)

// Scheduler owns the poll loop and the execution slots.
type Scheduler struct {
	cfg      config.Config
	st       store.Store
	reg      *registry.Registry
	notifier *notify.Notifier // optional; nil disables wake/cancel signals
	logger   *slog.Logger
	workerID string

	slots *semaphore.Weighted

	mu      sync.Mutex
	running bool
	active  map[string]*execContext
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs a scheduler. The notifier may be nil.
func New(cfg config.Config, st store.Store, reg *registry.Registry, notifier *notify.Notifier, logger *slog.Logger) *Scheduler {
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "worker"
		}
		workerID = fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
	}
	return &Scheduler{
		cfg:      cfg,
		st:       st,
		reg:      reg,
		notifier: notifier,
		logger:   logger,
		workerID: workerID,
		slots:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		active:   make(map[string]*execContext),
		stopCh:   make(chan struct{}),
	}
}

// WorkerID returns this process's worker identifier.
func (s *Scheduler) WorkerID() string { return s.workerID }

// Start launches the poll loop. It must be called exactly once, before the
// process starts accepting traffic.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.running = true
	s.mu.Unlock()

	if err := s.st.UpsertWorkerCapability(ctx, models.WorkerCapability{
		WorkerID:      s.workerID,
		JobTypes:      s.reg.Types(),
		MaxConcurrent: s.cfg.MaxConcurrent,
	}); err != nil {
		return fmt.Errorf("advertise worker capability: %w", err)
	}

	s.logger.Info("scheduler starting",
		"worker_id", s.workerID,
		"max_concurrent", s.cfg.MaxConcurrent,
		"job_types", s.reg.Types(),
	)

	var wake <-chan struct{}
	stopWake := func() {}
	if s.notifier != nil {
		wake, stopWake = s.notifier.Wake(ctx)
		cancelCh, stopCancel := s.notifier.CancelSignals(ctx)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer stopCancel()
			s.cancelListener(cancelCh)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer stopWake()
		s.loop(ctx, wake)
	}()
	return nil
}

// Stop shuts the loop down and waits for in-flight attempts up to the
// context deadline. Attempts still running after that are left to the
// timeout reaper of the next process generation.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("scheduler shutdown grace expired, abandoning in-flight attempts")
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context, wake <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		s.tick(ctx)
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		case <-sweep.C:
			if n, err := s.st.SweepExpiredJobs(ctx, time.Now().UTC()); err != nil {
				s.logger.Error("sweep expired jobs", "error", err)
			} else if n > 0 {
				s.logger.Info("swept expired jobs", "count", n)
			}
		}
	}
}

// tick runs one scheduling pass. Per-job failures are logged and skipped;
// nothing here may take the loop down.
func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()
	defer func() { telemetry.TickDuration.Observe(time.Since(start).Seconds()) }()

	now := time.Now().UTC()

	promoted, depFailed, err := s.st.PromoteWaitingJobs(ctx, now)
	if err != nil {
		s.logger.Error("promote waiting jobs", "error", err)
	} else if promoted > 0 || depFailed > 0 {
		s.logger.Info("dependency pass", "promoted", promoted, "failed", depFailed)
	}

	reaped, err := s.st.ReapTimedOutJobs(ctx, now)
	if err != nil {
		s.logger.Error("reap timed out jobs", "error", err)
	}
	for _, job := range reaped {
		telemetry.TimeoutCounter.Inc()
		s.logger.Warn("job timed out", "job_id", job.ID, "job_type", job.JobType)
	}

	claimable, allowance, err := s.claimableTypes(ctx)
	if err != nil {
		s.logger.Error("compute claimable types", "error", err)
		return
	}

	for i := 0; i < s.cfg.ClaimBatchSize && len(claimable) > 0; i++ {
		if !s.slots.TryAcquire(1) {
			return
		}
		job, attempt, found, err := s.st.ClaimNextJob(ctx, store.ClaimParams{
			JobTypes: claimable,
			WorkerID: s.workerID,
			Now:      now,
		})
		if err != nil {
			s.slots.Release(1)
			if !errors.Is(err, models.ErrClaimConflict) {
				s.logger.Error("claim job", "error", err)
			}
			return
		}
		if !found {
			s.slots.Release(1)
			return
		}

		// Spend this claim against the type's allowance so a capped type
		// cannot exceed its ceiling within a single batch.
		if remaining, capped := allowance[job.JobType]; capped {
			if remaining <= 1 {
				claimable = removeType(claimable, job.JobType)
			}
			allowance[job.JobType] = remaining - 1
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.slots.Release(1)
			s.execute(ctx, job, attempt)
		}()
	}
}

// claimableTypes returns registered types whose running count is below their
// per-type cap, plus the remaining allowance for each capped type. Counts
// come from the store so caps hold across scheduler instances.
func (s *Scheduler) claimableTypes(ctx context.Context) ([]string, map[string]int, error) {
	types := s.reg.Types()
	caps := s.reg.TypeCaps()
	if len(caps) == 0 {
		return types, nil, nil
	}
	running, err := s.st.CountRunningByType(ctx)
	if err != nil {
		return nil, nil, err
	}
	allowance := make(map[string]int, len(caps))
	out := make([]string, 0, len(types))
	for _, t := range types {
		if limit, ok := caps[t]; ok {
			if running[t] >= limit {
				continue
			}
			allowance[t] = limit - running[t]
		}
		out = append(out, t)
	}
	return out, allowance, nil
}

func removeType(types []string, t string) []string {
	out := types[:0]
	for _, v := range types {
		if v != t {
			out = append(out, v)
		}
	}
	return out
}

// execute runs one claimed attempt to completion and finalizes it. Handler
// panics and errors are contained here; they can never crash the loop.
func (s *Scheduler) execute(ctx context.Context, job models.Job, attempt models.JobAttempt) {
	telemetry.RunningGauge.Inc()
	defer telemetry.RunningGauge.Dec()

	logger := s.logger.With("job_id", job.ID, "job_type", job.JobType, "attempt", attempt.AttemptNumber)
	logger.Info("attempt started")

	handler, err := s.reg.Get(job.JobType)
	if err != nil {
		s.finalize(ctx, logger, job, attempt, nil, err)
		return
	}
	if err := handler.ValidatePayload(job.Payload); err != nil {
		s.finalize(ctx, logger, job, attempt, nil, fmt.Errorf("%w: %w", models.ErrValidation, err))
		return
	}

	ec := newExecContext(job, attempt, registry.MergeConfig(handler.DefaultConfig(), job.Config), s.st, s.cfg.ProgressBucket)
	s.mu.Lock()
	s.active[job.ID] = ec
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, job.ID)
		s.mu.Unlock()
	}()

	runCtx := ctx
	var cancel context.CancelFunc
	if job.TimeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(job.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	result, execErr := s.runHandler(runCtx, handler, ec)
	if execErr == nil && runCtx.Err() != nil {
		execErr = runCtx.Err()
	}
	s.finalize(ctx, logger, job, attempt, result, execErr)
}

func (s *Scheduler) runHandler(ctx context.Context, handler registry.Handler, ec *execContext) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return handler.Execute(ctx, ec)
}

// finalize maps the execution outcome onto the job state machine and applies
// the retry policy for failures.
func (s *Scheduler) finalize(ctx context.Context, logger *slog.Logger, job models.Job, attempt models.JobAttempt, result map[string]any, execErr error) {
	p := store.FinalizeParams{JobID: job.ID, AttemptID: attempt.ID}

	switch {
	case execErr == nil:
		p.Outcome = store.OutcomeCompleted
		p.Result = result
	case errors.Is(execErr, models.ErrCancellationRequested):
		p.Outcome = store.OutcomeCanceled
	case errors.Is(execErr, context.DeadlineExceeded):
		p.Outcome = store.OutcomeFailed
		p.ErrorMessage = fmt.Sprintf("attempt exceeded %ds", job.TimeoutSeconds)
		p.ErrorCode = models.ErrCodeTimeout
	default:
		p.ErrorMessage = execErr.Error()
		p.ErrorCode = models.ErrCodeExecution
		if errors.Is(execErr, models.ErrValidation) {
			// Malformed payloads fail the same way every attempt; no retry.
			p.Outcome = store.OutcomeFailed
		} else if job.AutoRetry && job.RetryCount < job.MaxRetries {
			p.Outcome = store.OutcomeRetry
			p.RequeueAt = time.Now().UTC().Add(
				backoffWithJitter(s.cfg.BackoffInitial, s.cfg.BackoffMax, job.RetryCount+1))
		} else {
			p.Outcome = store.OutcomeFailed
		}
	}

	finalized, err := s.st.FinalizeAttempt(ctx, p)
	if err != nil {
		if errors.Is(err, models.ErrClaimConflict) {
			// The reaper or a delete got there first; this attempt's
			// result is discarded.
			logger.Warn("attempt finalized elsewhere, result discarded", "outcome", p.Outcome)
			return
		}
		logger.Error("finalize attempt", "error", err)
		return
	}

	switch finalized.Status {
	case models.StatusCompleted:
		telemetry.CompletedCounter.Inc()
		logger.Info("attempt completed")
	case models.StatusCanceled:
		telemetry.CanceledCounter.Inc()
		logger.Info("attempt canceled")
	case models.StatusQueued:
		telemetry.RetryCounter.Inc()
		logger.Warn("attempt failed, retry scheduled",
			"error", p.ErrorMessage, "retry_count", finalized.RetryCount, "next_run_at", finalized.ScheduledFor)
	default:
		telemetry.FailedCounter.Inc()
		logger.Warn("attempt failed", "error", p.ErrorMessage, "error_code", p.ErrorCode)
	}
}

// cancelListener flips the local cancel flag for actively running jobs when
// a cancel signal arrives, ahead of the handler's next store check.
func (s *Scheduler) cancelListener(cancelCh <-chan string) {
	for {
		select {
		case <-s.stopCh:
			return
		case jobID, ok := <-cancelCh:
			if !ok {
				return
			}
			s.mu.Lock()
			ec := s.active[jobID]
			s.mu.Unlock()
			if ec != nil {
				ec.signalCancel()
			}
		}
	}
}
