package scheduler

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"job-orchestrator/internal/models"
	"job-orchestrator/internal/registry"
	"job-orchestrator/internal/store"
	"job-orchestrator/internal/telemetry"
)

// execContext is the per-attempt runtime handed to a handler. It implements
// registry.Run and is the only path a handler has to the store.
type execContext struct {
	job     models.Job
	attempt models.JobAttempt
	config  map[string]any
	st      store.Store

	// bucket is the percent-bucket width used to coalesce frequent
	// progress updates (a byte-counter loop crossing 0.1% steps should not
	// produce thousands of events).
	bucket float64

	// canceled is set by the redis cancel signal, ahead of the throttled
	// store check below.
	canceled atomic.Bool

	mu              sync.Mutex
	lastBucket      int
	lastStage       string
	lastCancelCheck time.Time
	cancelInterval  time.Duration
}

func newExecContext(job models.Job, attempt models.JobAttempt, merged map[string]any, st store.Store, bucket float64) *execContext {
	if bucket <= 0 {
		bucket = 5
	}
	return &execContext{
		job:            job,
		attempt:        attempt,
		config:         merged,
		st:             st,
		bucket:         bucket,
		lastBucket:     -1,
		cancelInterval: 500 * time.Millisecond,
	}
}

func (e *execContext) JobID() string  { return e.job.ID }
func (e *execContext) UserID() string { return e.job.UserID }

func (e *execContext) Payload() map[string]any { return e.job.Payload }
func (e *execContext) Config() map[string]any  { return e.config }

// ReportProgress appends a progress event, skipping percent-only updates
// that stay inside the current bucket. Stage changes, explicit messages,
// extra data, and the 100% mark always go through.
func (e *execContext) ReportProgress(ctx context.Context, p registry.Progress) error {
	e.mu.Lock()
	emit := p.Percent == nil || len(p.Data) > 0 || p.Message != ""
	if p.Stage != "" && p.Stage != e.lastStage {
		emit = true
	}
	if p.Percent != nil {
		b := int(math.Floor(*p.Percent / e.bucket))
		if *p.Percent >= 100 || b != e.lastBucket {
			emit = true
		}
		if emit {
			e.lastBucket = b
		}
	}
	if emit && p.Stage != "" {
		e.lastStage = p.Stage
	}
	e.mu.Unlock()

	if !emit {
		return nil
	}

	data := make(map[string]any, len(p.Data)+3)
	for k, v := range p.Data {
		data[k] = v
	}
	if p.Percent != nil {
		data["progress_percent"] = *p.Percent
	}
	if p.Stage != "" {
		data["stage"] = p.Stage
	}
	if p.Message != "" {
		data["message"] = p.Message
	}

	if _, err := e.st.AppendProgressEvent(ctx, e.job.ID, models.EventProgress, data); err != nil {
		return err
	}
	telemetry.EventCounter.Inc()
	return nil
}

// CheckCancel returns models.ErrCancellationRequested once the job's cancel
// flag is set. The store read is throttled; the redis signal path flips the
// local flag faster when available.
func (e *execContext) CheckCancel(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if e.canceled.Load() {
			return models.ErrCancellationRequested
		}
		return err
	}
	if e.canceled.Load() {
		return models.ErrCancellationRequested
	}

	e.mu.Lock()
	due := time.Since(e.lastCancelCheck) >= e.cancelInterval
	if due {
		e.lastCancelCheck = time.Now()
	}
	e.mu.Unlock()
	if !due {
		return nil
	}

	requested, err := e.st.IsCancelRequested(ctx, e.job.ID)
	if err != nil {
		// The flag read is advisory; the next checkpoint retries.
		return nil
	}
	if requested {
		e.canceled.Store(true)
		return models.ErrCancellationRequested
	}
	return nil
}

// signalCancel is called by the scheduler's cancel-signal listener.
func (e *execContext) signalCancel() { e.canceled.Store(true) }

var _ registry.Run = (*execContext)(nil)
