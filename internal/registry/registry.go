// Package registry maps job-type strings to executable handlers. The
// registry is populated at startup and treated as static for the process
// lifetime; re-registering a type replaces the handler so hot-reload needs
// no migration.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"

	"job-orchestrator/internal/models"
)

// Progress is one ReportProgress update. Percent is optional so a handler
// can change stage without touching the percent.
type Progress struct {
	Percent *float64
	Stage   string
	Message string
	Data    map[string]any
}

// Run is the per-attempt runtime handed to a handler: the only interface a
// handler uses to talk to the outside world during execution.
type Run interface {
	JobID() string
	UserID() string

	// Payload returns the validated job payload, read-only by convention.
	Payload() map[string]any

	// Config returns handler defaults merged under caller overrides.
	Config() map[string]any

	// ReportProgress appends a progress event. Frequent calls are coalesced
	// by percent bucket, so handlers may call it at arbitrary rate.
	ReportProgress(ctx context.Context, p Progress) error

	// CheckCancel returns models.ErrCancellationRequested once cancellation
	// has been requested. Handlers call it at safe checkpoints and propagate
	// the error; a handler that never checks cannot be canceled mid-step.
	CheckCancel(ctx context.Context) error
}

// Handler is the contract a unit of work satisfies.
type Handler interface {
	// JobType is the unique string key for this handler.
	JobType() string

	// DefaultConfig returns defaults merged under caller-supplied config.
	DefaultConfig() map[string]any

	// ValidatePayload rejects malformed payloads before a job is accepted.
	ValidatePayload(payload map[string]any) error

	// Execute performs the work. The returned map becomes the job result.
	Execute(ctx context.Context, run Run) (map[string]any, error)
}

// ConcurrencyLimiter is optionally implemented by handlers that need a
// per-type cap below the global one.
type ConcurrencyLimiter interface {
	MaxConcurrent() int
}

// Registry holds the job_type -> handler mapping. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to its job type, replacing any previous binding.
func (r *Registry) Register(h Handler) {
	if h == nil || h.JobType() == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.JobType()] = h
}

// Get returns the handler for jobType, or ErrUnknownJobType.
func (r *Registry) Get(jobType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("%q: %w", jobType, models.ErrUnknownJobType)
	}
	return h, nil
}

// Types returns all registered job types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Definition describes one registered job type for discovery endpoints.
type Definition struct {
	JobType       string         `json:"job_type"`
	Defaults      map[string]any `json:"defaults,omitempty"`
	MaxConcurrent int            `json:"max_concurrent,omitempty"`
}

// Definitions returns the catalog of registered types with their default
// config and per-type concurrency cap, sorted by type.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.handlers))
	for t, h := range r.handlers {
		d := Definition{JobType: t, Defaults: h.DefaultConfig()}
		if lim, ok := h.(ConcurrencyLimiter); ok {
			if n := lim.MaxConcurrent(); n > 0 {
				d.MaxConcurrent = n
			}
		}
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].JobType < defs[j].JobType })
	return defs
}

// TypeCaps returns per-type concurrency ceilings for handlers that declare
// one. Types without an entry share the global cap.
func (r *Registry) TypeCaps() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps := make(map[string]int)
	for t, h := range r.handlers {
		if lim, ok := h.(ConcurrencyLimiter); ok {
			if n := lim.MaxConcurrent(); n > 0 {
				caps[t] = n
			}
		}
	}
	return caps
}

// MergeConfig layers caller overrides over the handler's defaults.
func MergeConfig(defaults, overrides map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

var validate = validator.New()

// DecodePayload unmarshals a payload map into a typed struct and runs its
// validation tags. Failures are reported as field-level validation errors
// wrapping models.ErrValidation.
func DecodePayload(payload map[string]any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &models.ValidationError{Field: "payload", Message: err.Error()}
	}
	if err := validate.Struct(out); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return fmt.Errorf("validate payload: %w", err)
		}
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &models.ValidationError{
				Field:   fe.Field(),
				Message: fmt.Sprintf("failed %q validation", fe.Tag()),
			}
		}
		return err
	}
	return nil
}
