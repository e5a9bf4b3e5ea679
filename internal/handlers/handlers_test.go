package handlers

import (
	"context"
	"sync"

	"job-orchestrator/internal/models"
	"job-orchestrator/internal/registry"
)

// fakeRun is a minimal registry.Run for exercising handlers directly.
type fakeRun struct {
	jobID   string
	userID  string
	payload map[string]any
	config  map[string]any

	mu       sync.Mutex
	progress []registry.Progress
	canceled bool
}

func newFakeRun(payload, config map[string]any) *fakeRun {
	if config == nil {
		config = map[string]any{}
	}
	return &fakeRun{jobID: "job-1", userID: "alice", payload: payload, config: config}
}

func (f *fakeRun) JobID() string            { return f.jobID }
func (f *fakeRun) UserID() string           { return f.userID }
func (f *fakeRun) Payload() map[string]any  { return f.payload }
func (f *fakeRun) Config() map[string]any   { return f.config }

func (f *fakeRun) ReportProgress(_ context.Context, p registry.Progress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, p)
	return nil
}

func (f *fakeRun) CheckCancel(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.canceled {
		return models.ErrCancellationRequested
	}
	return nil
}

func (f *fakeRun) cancel() {
	f.mu.Lock()
	f.canceled = true
	f.mu.Unlock()
}

func (f *fakeRun) reported() []registry.Progress {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]registry.Progress(nil), f.progress...)
}

var _ registry.Run = (*fakeRun)(nil)
