package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"model-run-scheduler/internal/logging"
	"model-run-scheduler/internal/models"
)

func testArchive(t *testing.T) *Archive {
	t.Helper()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	ctx := context.Background()
	a, err := NewArchive(ctx, dsn, logrus.NewEntry(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	require.NoError(t, a.RunMigrations(ctx))
	return a
}

func TestArchiveRoundTrip(t *testing.T) {
	a := testArchive(t)
	ctx := context.Background()

	id := "run-" + uuid.NewString()
	created := time.Now().UTC().Truncate(time.Millisecond)
	job := models.Job{ID: id, DisplayName: "demo", Status: models.StatusQueued, CreatedAt: created, InputPath: "in", OutputDir: "out"}
	a.Record(ctx, "enqueued", job)

	started := created.Add(time.Second)
	done := started.Add(time.Minute)
	job.Status = models.StatusTerminated
	job.StartedAt = &started
	job.CompletedAt = &done
	job.Results = &models.Results{Partial: true, Error: models.MsgTerminatedTimeout}
	a.Record(ctx, "terminal", job)

	got, err := a.GetRun(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.StatusTerminated, got.Status)
	require.True(t, got.Results.Partial)
	require.WithinDuration(t, done, *got.CompletedAt, time.Millisecond)

	events, err := a.Events(ctx, id)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "enqueued", events[0].Event)

	_, err = a.GetRun(ctx, "missing-"+uuid.NewString())
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationFiles.ReadDir("migrations")
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestArchiveRowsOnlyMoveForward(t *testing.T) {
	a := testArchive(t)
	ctx := context.Background()

	id := "run-" + uuid.NewString()
	created := time.Now().UTC().Truncate(time.Millisecond)
	queued := models.Job{ID: id, Status: models.StatusQueued, CreatedAt: created, InputPath: "in", OutputDir: "out"}

	started := created.Add(time.Millisecond)
	done := started.Add(time.Millisecond)
	failed := queued
	failed.Status = models.StatusFailed
	failed.StartedAt = &started
	failed.CompletedAt = &done
	failed.Results = &models.Results{Error: "exec: not found"}

	// the terminal write lands before the enqueue write.
	a.Record(ctx, "terminal", failed)
	a.Record(ctx, "enqueued", queued)

	got, err := a.GetRun(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.Results)
	require.Equal(t, "exec: not found", got.Results.Error)

	events, err := a.Events(ctx, id)
	require.NoError(t, err)
	require.Len(t, events, 2)
}
