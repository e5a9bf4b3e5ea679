// Package api exposes the orchestrator's HTTP surface: the user-facing job
// API and the token-guarded internal endpoints used by out-of-process
// workers.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"job-orchestrator/internal/config"
	"job-orchestrator/internal/models"
	"job-orchestrator/internal/notify"
	"job-orchestrator/internal/ratelimit"
	"job-orchestrator/internal/registry"
	"job-orchestrator/internal/store"
	"job-orchestrator/internal/telemetry"
)

// Server wires HTTP handlers for the job API.
type Server struct {
	cfg      config.Config
	store    store.Store
	registry *registry.Registry
	notifier *notify.Notifier
	limiter  *ratelimit.TokenBucket
	logger   *slog.Logger
}

// New constructs the API server. notifier and limiter may be nil; the
// corresponding fast paths are skipped.
func New(cfg config.Config, st store.Store, reg *registry.Registry, notifier *notify.Notifier, limiter *ratelimit.TokenBucket, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		store:    st,
		registry: reg,
		notifier: notifier,
		limiter:  limiter,
		logger:   logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", s.handleEnqueue)
		r.Get("/", s.handleList)
		r.Get("/types", s.handleTypes)
		r.Get("/{id}", s.handleGetJob)
		r.Delete("/{id}", s.handleDelete)
		r.Post("/{id}/cancel", s.handleCancel)
		r.Post("/{id}/retry", s.handleRetry)
		r.Get("/{id}/events", s.handleEvents)
		r.Get("/{id}/events/stream", s.handleEventStream)
		r.Get("/{id}/attempts", s.handleAttempts)
	})

	r.Route("/internal/jobs", func(r chi.Router) {
		r.Use(s.requireInternalToken)
		r.Post("/{id}/progress", s.handleInternalProgress)
		r.Post("/{id}/complete", s.handleInternalComplete)
		r.Post("/{id}/fail", s.handleInternalFail)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"job_types": s.registry.Definitions()})
}

type enqueueRequest struct {
	JobType        string         `json:"job_type"`
	Payload        map[string]any `json:"payload"`
	Config         map[string]any `json:"config"`
	Priority       int            `json:"priority"`
	ScheduledFor   *time.Time     `json:"scheduled_for"`
	IdempotencyKey string         `json:"idempotency_key"`
	MaxRetries     *int           `json:"max_retries"`
	AutoRetry      bool           `json:"auto_retry"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	DependsOn      []string       `json:"depends_on"`
	WorkspaceID    string         `json:"workspace_id"`
	ParentJobID    string         `json:"parent_job_id"`
	ExpiresAt      *time.Time     `json:"expires_at"`
}

type enqueueResponse struct {
	Job     models.Job `json:"job"`
	Created bool       `json:"created"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.JobType == "" {
		writeError(w, http.StatusBadRequest, "job_type is required")
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}

	handler, err := s.registry.Get(req.JobType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := handler.ValidatePayload(req.Payload); err != nil {
		s.writeDomainError(w, err)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), userID)
		if err != nil {
			s.logger.Error("rate limiter unavailable", "error", err)
			writeError(w, http.StatusInternalServerError, "rate limit check failed")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "enqueue rate limit exceeded")
			return
		}
	}

	scheduledFor := time.Now()
	if req.ScheduledFor != nil {
		scheduledFor = *req.ScheduledFor
	}
	maxRetries := s.cfg.DefaultMaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			writeError(w, http.StatusBadRequest, "max_retries must be >= 0")
			return
		}
		maxRetries = *req.MaxRetries
	}

	job, created, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		JobType:        req.JobType,
		Payload:        req.Payload,
		Config:         registry.MergeConfig(handler.DefaultConfig(), req.Config),
		UserID:         userID,
		WorkspaceID:    req.WorkspaceID,
		ParentJobID:    req.ParentJobID,
		Priority:       req.Priority,
		ScheduledFor:   scheduledFor,
		IdempotencyKey: req.IdempotencyKey,
		MaxRetries:     maxRetries,
		AutoRetry:      req.AutoRetry,
		TimeoutSeconds: req.TimeoutSeconds,
		DependsOn:      req.DependsOn,
		ExpiresAt:      req.ExpiresAt,
	})
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "depends_on references an unknown job")
			return
		}
		s.logger.Error("create job failed", "job_type", req.JobType, "error", err)
		writeError(w, http.StatusInternalServerError, "create job failed")
		return
	}

	if !created {
		telemetry.DedupCounter.Inc()
		writeJSON(w, http.StatusOK, enqueueResponse{Job: job, Created: false})
		return
	}

	telemetry.EnqueueCounter.Inc()
	if s.notifier != nil && job.Status == models.StatusQueued {
		if err := s.notifier.JobEnqueued(r.Context(), job.ID); err != nil {
			s.logger.Warn("enqueue notify failed", "job_id", job.ID, "error", err)
		}
	}
	s.logger.Info("job enqueued", "job_id", job.ID, "job_type", job.JobType, "status", job.Status)
	writeJSON(w, http.StatusCreated, enqueueResponse{Job: job, Created: true})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	result, err := s.store.ListJobs(r.Context(), store.ListJobsParams{
		UserID:      userID,
		Status:      q.Get("status"),
		JobType:     q.Get("job_type"),
		ParentJobID: q.Get("parent_job_id"),
		Page:        page,
		PageSize:    pageSize,
	})
	if err != nil {
		s.logger.Error("list jobs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list jobs failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	job, err := s.store.GetJobForUser(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	deps, err := s.store.GetDependencies(r.Context(), job.ID)
	if err != nil {
		s.logger.Error("get dependencies failed", "job_id", job.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "get job failed")
		return
	}
	resp := map[string]any{"job": job}
	if len(deps) > 0 {
		resp["dependencies"] = deps
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	job, err := s.store.CancelJob(r.Context(), id, userID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if job.Status == models.StatusCanceled {
		telemetry.CanceledCounter.Inc()
	}
	// A still-running job only had its cancel flag set; nudge the owning
	// execution context so it notices before the next throttled store check.
	if job.Status == models.StatusRunning && s.notifier != nil {
		if err := s.notifier.CancelRequested(r.Context(), job.ID); err != nil {
			s.logger.Warn("cancel notify failed", "job_id", job.ID, "error", err)
		}
	}
	s.logger.Info("cancel requested", "job_id", job.ID, "status", job.Status)
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	job, err := s.store.RetryJob(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	telemetry.RetryCounter.Inc()
	if s.notifier != nil {
		if err := s.notifier.JobEnqueued(r.Context(), job.ID); err != nil {
			s.logger.Warn("enqueue notify failed", "job_id", job.ID, "error", err)
		}
	}
	s.logger.Info("job requeued", "job_id", job.ID, "retry_count", job.RetryCount)
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteJob(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetJobForUser(r.Context(), id, userID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	events, err := s.store.GetProgressEvents(r.Context(), id, since)
	if err != nil {
		s.logger.Error("list events failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "list events failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identity(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetJobForUser(r.Context(), id, userID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	attempts, err := s.store.ListAttempts(r.Context(), id)
	if err != nil {
		s.logger.Error("list attempts failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "list attempts failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

// requireInternalToken guards the service-to-service routes. An empty
// configured token disables the internal API entirely.
func (s *Server) requireInternalToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.InternalToken == "" || r.Header.Get("X-Internal-Token") != s.cfg.InternalToken {
			writeError(w, http.StatusUnauthorized, "invalid internal token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type internalProgressRequest struct {
	Percent *float64       `json:"percent"`
	Stage   string         `json:"stage"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

func (s *Server) handleInternalProgress(w http.ResponseWriter, r *http.Request) {
	var req internalProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	data := make(map[string]any, len(req.Data)+3)
	for k, v := range req.Data {
		data[k] = v
	}
	if req.Percent != nil {
		data["progress_percent"] = *req.Percent
	}
	if req.Stage != "" {
		data["stage"] = req.Stage
	}
	if req.Message != "" {
		data["message"] = req.Message
	}
	event, err := s.store.AppendProgressEvent(r.Context(), chi.URLParam(r, "id"), models.EventProgress, data)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	telemetry.EventCounter.Inc()
	writeJSON(w, http.StatusCreated, event)
}

type internalFinalizeRequest struct {
	AttemptID    string         `json:"attempt_id"`
	Result       map[string]any `json:"result"`
	ErrorMessage string         `json:"error_message"`
	ErrorCode    string         `json:"error_code"`
}

func (s *Server) handleInternalComplete(w http.ResponseWriter, r *http.Request) {
	s.finalizeFromRequest(w, r, store.OutcomeCompleted)
}

func (s *Server) handleInternalFail(w http.ResponseWriter, r *http.Request) {
	s.finalizeFromRequest(w, r, store.OutcomeFailed)
}

func (s *Server) finalizeFromRequest(w http.ResponseWriter, r *http.Request, outcome string) {
	var req internalFinalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.AttemptID == "" {
		writeError(w, http.StatusBadRequest, "attempt_id is required")
		return
	}
	errorCode := req.ErrorCode
	if outcome == store.OutcomeFailed && errorCode == "" {
		errorCode = models.ErrCodeExecution
	}
	job, err := s.store.FinalizeAttempt(r.Context(), store.FinalizeParams{
		JobID:        chi.URLParam(r, "id"),
		AttemptID:    req.AttemptID,
		Outcome:      outcome,
		Result:       req.Result,
		ErrorMessage: req.ErrorMessage,
		ErrorCode:    errorCode,
	})
	if err != nil {
		if errors.Is(err, models.ErrClaimConflict) {
			writeError(w, http.StatusConflict, "attempt already finalized")
			return
		}
		s.writeDomainError(w, err)
		return
	}
	switch job.Status {
	case models.StatusCompleted:
		telemetry.CompletedCounter.Inc()
	case models.StatusFailed:
		telemetry.FailedCounter.Inc()
	}
	writeJSON(w, http.StatusOK, job)
}

// identity resolves the calling user. The API sits behind a gateway that
// authenticates and injects X-User-ID; there is no auth logic here.
func (s *Server) identity(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing X-User-ID header")
		return "", false
	}
	return userID, true
}

// writeDomainError maps store/registry sentinels to HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "validation failed", "field": verr.Field, "detail": verr.Message})
	case errors.Is(err, models.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, models.ErrNotCancelable):
		writeError(w, http.StatusConflict, "job is not cancelable")
	case errors.Is(err, models.ErrNotRetryable):
		writeError(w, http.StatusConflict, "job is not in a retryable state")
	case errors.Is(err, models.ErrRetryLimitReached):
		writeError(w, http.StatusConflict, "retry limit reached")
	case errors.Is(err, models.ErrUnknownJobType):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
