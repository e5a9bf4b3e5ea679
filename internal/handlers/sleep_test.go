package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"job-orchestrator/internal/models"
)

func TestSleepHandlerValidatePayload(t *testing.T) {
	h := NewSleepHandler()

	if err := h.ValidatePayload(map[string]any{"seconds": 1.5}); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	if err := h.ValidatePayload(map[string]any{}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error for missing seconds, got %v", err)
	}
	if err := h.ValidatePayload(map[string]any{"seconds": -1}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error for negative seconds, got %v", err)
	}
	if err := h.ValidatePayload(map[string]any{"seconds": 100000}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error for absurd duration, got %v", err)
	}
}

func TestSleepHandlerExecute(t *testing.T) {
	h := &SleepHandler{Step: 5 * time.Millisecond}
	run := newFakeRun(map[string]any{"seconds": 0.05}, h.DefaultConfig())

	result, err := h.Execute(context.Background(), run)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result["slept_seconds"] != 0.05 {
		t.Fatalf("unexpected result: %v", result)
	}
	progress := run.reported()
	if len(progress) == 0 {
		t.Fatal("expected progress reports")
	}
	if progress[0].Stage != "sleeping" {
		t.Fatalf("expected stage from default config, got %q", progress[0].Stage)
	}
}

func TestSleepHandlerCancellation(t *testing.T) {
	h := &SleepHandler{Step: 5 * time.Millisecond}
	run := newFakeRun(map[string]any{"seconds": 10}, nil)
	run.cancel()

	_, err := h.Execute(context.Background(), run)
	if !errors.Is(err, models.ErrCancellationRequested) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestSleepHandlerContextTimeout(t *testing.T) {
	h := &SleepHandler{Step: 5 * time.Millisecond}
	run := newFakeRun(map[string]any{"seconds": 10}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.Execute(ctx, run)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
