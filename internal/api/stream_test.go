package api

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"job-orchestrator/internal/models"
	"job-orchestrator/internal/store"
)

func finishTestJob(t *testing.T, st *store.Memory, result map[string]any) models.Job {
	t.Helper()
	ctx := context.Background()
	job, attempt, found, err := st.ClaimNextJob(ctx, store.ClaimParams{JobTypes: []string{"echo"}, WorkerID: "w"})
	require.NoError(t, err)
	require.True(t, found)
	_, err = st.AppendProgressEvent(ctx, job.ID, models.EventProgress, map[string]any{
		"progress_percent": 50.0, "stage": "halfway",
	})
	require.NoError(t, err)
	done, err := st.FinalizeAttempt(ctx, store.FinalizeParams{
		JobID: job.ID, AttemptID: attempt.ID, Outcome: store.OutcomeCompleted, Result: result,
	})
	require.NoError(t, err)
	return done
}

func TestEventStreamReplaysAndCloses(t *testing.T) {
	s, st := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	created := decodeEnqueue(t, doJSON(t, s.Router(), http.MethodPost, "/api/jobs", "alice",
		map[string]any{"job_type": "echo"}))
	finishTestJob(t, st, map[string]any{"ok": true})

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/jobs/"+created.Job.ID+"/events/stream", nil)
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "alice")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The terminal event ends the stream, so the body drains to EOF.
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)

	require.Contains(t, text, "event: snapshot")
	require.Contains(t, text, "event: progress")
	require.Contains(t, text, "event: terminal")
	require.Contains(t, text, "halfway")

	snapshotIdx := strings.Index(text, "event: snapshot")
	terminalIdx := strings.Index(text, "event: terminal")
	require.Less(t, snapshotIdx, terminalIdx, "snapshot precedes everything else")
}

func TestEventStreamResumesFromSince(t *testing.T) {
	s, st := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	created := decodeEnqueue(t, doJSON(t, s.Router(), http.MethodPost, "/api/jobs", "alice",
		map[string]any{"job_type": "echo"}))
	finishTestJob(t, st, nil)

	events, err := st.GetProgressEvents(context.Background(), created.Job.ID, 0)
	require.NoError(t, err)
	lastSeq := events[len(events)-1].SequenceNumber

	// Resuming past everything but the terminal event yields only that event
	// (plus the synthesized snapshot).
	req, err := http.NewRequest(http.MethodGet,
		srv.URL+"/api/jobs/"+created.Job.ID+"/events/stream?since="+
			strconv.FormatInt(lastSeq-1, 10), nil)
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "alice")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	var eventLines []string
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLines = append(eventLines, strings.TrimPrefix(line, "event: "))
		}
	}
	require.Equal(t, []string{models.EventSnapshot, models.EventTerminal}, eventLines)
}

func TestEventStreamClosesWhenResumedPastTerminal(t *testing.T) {
	s, st := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	created := decodeEnqueue(t, doJSON(t, s.Router(), http.MethodPost, "/api/jobs", "alice",
		map[string]any{"job_type": "echo"}))
	finishTestJob(t, st, nil)

	events, err := st.GetProgressEvents(context.Background(), created.Job.ID, 0)
	require.NoError(t, err)
	lastSeq := events[len(events)-1].SequenceNumber

	// A reconnect that already saw the terminal event gets the snapshot and
	// a prompt close, not an idle connection.
	req, err := http.NewRequest(http.MethodGet,
		srv.URL+"/api/jobs/"+created.Job.ID+"/events/stream?since="+
			strconv.FormatInt(lastSeq, 10), nil)
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "alice")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	require.Contains(t, text, "event: "+models.EventSnapshot)
	require.NotContains(t, text, "event: "+models.EventTerminal)
}

func TestEventStreamOwnership(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.Router()

	created := decodeEnqueue(t, doJSON(t, router, http.MethodPost, "/api/jobs", "alice",
		map[string]any{"job_type": "echo"}))

	rec := doJSON(t, router, http.MethodGet, "/api/jobs/"+created.Job.ID+"/events/stream", "mallory", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
