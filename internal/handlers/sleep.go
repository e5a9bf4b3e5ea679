// Package handlers contains the built-in job handlers registered at startup.
package handlers

import (
	"context"
	"time"

	"job-orchestrator/internal/registry"
)

// SleepHandler waits for the requested duration, reporting progress and
// checking for cancellation once per step. Used by integration tests and as
// the reference implementation of the handler contract.
type SleepHandler struct {
	// Step bounds how long the handler goes between cancellation
	// checkpoints. Tests shrink it.
	Step time.Duration
}

type sleepPayload struct {
	Seconds float64 `json:"seconds" validate:"required,gt=0,lte=3600"`
}

func NewSleepHandler() *SleepHandler {
	return &SleepHandler{Step: 250 * time.Millisecond}
}

func (h *SleepHandler) JobType() string { return "sleep" }

func (h *SleepHandler) DefaultConfig() map[string]any {
	return map[string]any{"stage_label": "sleeping"}
}

func (h *SleepHandler) ValidatePayload(payload map[string]any) error {
	var p sleepPayload
	return registry.DecodePayload(payload, &p)
}

func (h *SleepHandler) Execute(ctx context.Context, run registry.Run) (map[string]any, error) {
	var p sleepPayload
	if err := registry.DecodePayload(run.Payload(), &p); err != nil {
		return nil, err
	}
	stage, _ := run.Config()["stage_label"].(string)

	total := time.Duration(p.Seconds * float64(time.Second))
	deadline := time.Now().Add(total)
	for {
		if err := run.CheckCancel(ctx); err != nil {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		pct := (1 - remaining.Seconds()/total.Seconds()) * 100
		if err := run.ReportProgress(ctx, registry.Progress{Percent: &pct, Stage: stage}); err != nil {
			return nil, err
		}
		step := h.Step
		if remaining < step {
			step = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(step):
		}
	}
	return map[string]any{"slept_seconds": p.Seconds}, nil
}
