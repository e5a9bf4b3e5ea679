// Package notify carries the two low-latency signals the orchestrator needs
// outside the store: "a job was enqueued" (wakes schedulers between polls)
// and "cancel job X" (nudges the owning execution context before its next
// flag check). Postgres stays the single source of truth; missing a signal
// only costs one poll interval.
package notify

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	enqueueChannel = "jobs:enqueued"
	cancelChannel  = "jobs:cancel"
)

// Notifier publishes and subscribes to job signals over Redis pub/sub.
type Notifier struct {
	client *redis.Client
}

// New builds a notifier from an existing Redis client.
func New(client *redis.Client) *Notifier {
	return &Notifier{client: client}
}

// JobEnqueued announces a newly queued job. Errors are best-effort: the
// scheduler will see the job on its next poll regardless.
func (n *Notifier) JobEnqueued(ctx context.Context, jobID string) error {
	return n.client.Publish(ctx, enqueueChannel, jobID).Err()
}

// CancelRequested announces a cancellation request for a running job.
func (n *Notifier) CancelRequested(ctx context.Context, jobID string) error {
	return n.client.Publish(ctx, cancelChannel, jobID).Err()
}

// Wake returns a channel that receives whenever any job is enqueued. The
// returned stop function must be called to release the subscription.
func (n *Notifier) Wake(ctx context.Context) (<-chan struct{}, func()) {
	sub := n.client.Subscribe(ctx, enqueueChannel)
	out := make(chan struct{}, 1)
	go func() {
		for range sub.Channel() {
			select {
			case out <- struct{}{}:
			default: // a pending wake already covers this signal
			}
		}
		close(out)
	}()
	return out, func() { _ = sub.Close() }
}

// CancelSignals returns a channel of job IDs for which cancellation was
// requested, plus a stop function.
func (n *Notifier) CancelSignals(ctx context.Context) (<-chan string, func()) {
	sub := n.client.Subscribe(ctx, cancelChannel)
	out := make(chan string, 16)
	go func() {
		for msg := range sub.Channel() {
			select {
			case out <- msg.Payload:
			case <-time.After(time.Second):
				// Slow consumer; drop rather than block the pub/sub reader.
			}
		}
		close(out)
	}()
	return out, func() { _ = sub.Close() }
}
