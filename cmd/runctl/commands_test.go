package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"model-run-scheduler/internal/models"
	"model-run-scheduler/internal/snapshot"
	"model-run-scheduler/internal/store"
)

func writeSnapshot(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job_status.json")
	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)
	recent := now.Add(-time.Hour)
	snap := store.Snapshot{
		Queued: []models.Job{{ID: "waiting", Status: models.StatusQueued, CreatedAt: now}},
		Active: []models.Job{},
		Completed: []models.Job{
			{ID: "old", Status: models.StatusCompleted, CreatedAt: old, StartedAt: &old, CompletedAt: &old, Results: &models.Results{}},
			{ID: "recent", Status: models.StatusFailed, CreatedAt: recent, StartedAt: &recent, CompletedAt: &recent, Results: &models.Results{Error: "exit status 2"}},
		},
	}
	require.NoError(t, snapshot.Write(path, snap))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSnapshotShow(t *testing.T) {
	path := writeSnapshot(t)
	out, err := run(t, "snapshot", "show", "--snapshot", path)
	require.NoError(t, err)
	require.Contains(t, out, "recent")
	require.Contains(t, out, "exit status 2")
}

func TestSnapshotPrune(t *testing.T) {
	path := writeSnapshot(t)
	out, err := run(t, "snapshot", "prune", "--snapshot", path, "--retention", "24h")
	require.NoError(t, err)
	require.Contains(t, out, "pruned 1 completed jobs")

	snap, err := snapshot.Load(path)
	require.NoError(t, err)
	require.Len(t, snap.Completed, 1)
	require.Equal(t, "recent", snap.Completed[0].ID)
	require.Len(t, snap.Queued, 1, "queued entries are kept")
}

func TestStatusAndJobs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/jobs/run-1", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"run-1","status":"running","elapsed_ms":1500}`))
	})
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"queue_length":1,"active_jobs":0,"recently_completed":0,"jobs":{"queued":[{"id":"q1","status":"queued","queue_position":1}],"active":[],"completed":[]}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out, err := run(t, "status", "run-1", "--server", srv.URL)
	require.NoError(t, err)
	require.Contains(t, out, `"status": "running"`)
	require.Contains(t, out, `"elapsed_ms": 1500`)

	out, err = run(t, "jobs", "--server", srv.URL)
	require.NoError(t, err)
	require.Contains(t, out, "q1")

	_, err = run(t, "status", "missing", "--server", srv.URL)
	require.ErrorIs(t, err, models.ErrNotFound)
}
