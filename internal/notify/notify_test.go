package notify

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestNotifier(t *testing.T) *Notifier {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client)
}

func TestWakeSignal(t *testing.T) {
	ctx := context.Background()
	n := newTestNotifier(t)

	wake, stop := n.Wake(ctx)
	defer stop()
	// Give the subscriber a moment to attach before publishing.
	time.Sleep(50 * time.Millisecond)

	if err := n.JobEnqueued(ctx, "job-1"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-wake:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a wake signal")
	}
}

func TestCancelSignalCarriesJobID(t *testing.T) {
	ctx := context.Background()
	n := newTestNotifier(t)

	signals, stop := n.CancelSignals(ctx)
	defer stop()
	time.Sleep(50 * time.Millisecond)

	if err := n.CancelRequested(ctx, "job-42"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case jobID := <-signals:
		if jobID != "job-42" {
			t.Fatalf("expected job-42, got %q", jobID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a cancel signal")
	}
}

func TestWakeCoalescesBursts(t *testing.T) {
	ctx := context.Background()
	n := newTestNotifier(t)

	wake, stop := n.Wake(ctx)
	defer stop()
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < 10; i++ {
		if err := n.JobEnqueued(ctx, "job"); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	select {
	case <-wake:
	case <-time.After(2 * time.Second):
		t.Fatal("expected at least one wake signal")
	}
	// A burst collapses into at most one pending signal.
	time.Sleep(100 * time.Millisecond)
	pending := 0
	for {
		select {
		case <-wake:
			pending++
			continue
		default:
		}
		break
	}
	if pending > 1 {
		t.Fatalf("expected bursts to coalesce, got %d pending signals", pending)
	}
}
