package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"model-run-scheduler/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry() (*Registry, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewRegistry().WithClock(clock.Now), clock
}

func job(id string) models.Job {
	return models.Job{ID: id, DisplayName: "model " + id, InputPath: "/runs/" + id + "/standard.input1", OutputDir: "/runs/" + id}
}

func TestEnqueueValidation(t *testing.T) {
	reg, _ := newTestRegistry()

	_, err := reg.Enqueue(models.Job{ID: "run-1", OutputDir: "/tmp"})
	var ve *models.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Contains(t, ve.Fields, "input_file_path")

	_, err = reg.Enqueue(models.Job{})
	require.ErrorAs(t, err, &ve)
	require.Len(t, ve.Fields, 3)

	q, a, c := reg.Counts()
	require.Zero(t, q+a+c, "registry must stay unchanged on validation errors")

	rec, err := reg.Enqueue(job("run-1"))
	require.NoError(t, err)
	require.Equal(t, "run-1", rec.ID)
	require.Equal(t, models.StatusQueued, rec.Status)
	require.False(t, rec.CreatedAt.IsZero())

	_, err = reg.Enqueue(job("run-1"))
	require.True(t, models.IsValidation(err), "duplicate id must be a validation error")
}

func TestAdmitIsFIFOAndBounded(t *testing.T) {
	reg, clock := newTestRegistry()
	for i := 1; i <= 4; i++ {
		_, err := reg.Enqueue(job(fmt.Sprintf("run-%d", i)))
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
	}

	first, ok := reg.Admit(2)
	require.True(t, ok)
	require.Equal(t, "run-1", first.ID)
	require.Equal(t, models.StatusRunning, first.Status)
	require.NotNil(t, first.StartedAt)

	second, ok := reg.Admit(2)
	require.True(t, ok)
	require.Equal(t, "run-2", second.ID)

	_, ok = reg.Admit(2)
	require.False(t, ok, "limit reached")

	_, ok = reg.MarkTerminal("run-1", models.StatusCompleted, models.Results{OutputFiles: []string{"a.spectrum1"}})
	require.True(t, ok)

	third, ok := reg.Admit(2)
	require.True(t, ok)
	require.Equal(t, "run-3", third.ID)
}

func TestMarkRunningAndTerminal(t *testing.T) {
	reg, clock := newTestRegistry()
	_, err := reg.Enqueue(job("a"))
	require.NoError(t, err)

	_, err = reg.MarkRunning("missing")
	require.ErrorIs(t, err, models.ErrNotFound)

	clock.Advance(time.Second)
	running, err := reg.MarkRunning("a")
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, running.Status)

	_, err = reg.MarkRunning("a")
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, ok := reg.MarkTerminal("a", models.StatusRunning, models.Results{})
	require.False(t, ok, "non-terminal status rejected")
	_, ok = reg.MarkTerminal("a", models.StatusQueued, models.Results{})
	require.False(t, ok, "backward transition rejected")
	got, _, err := reg.Get("a")
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, got.Status)

	clock.Advance(time.Second)
	done, ok := reg.MarkTerminal("a", models.StatusFailed, models.Results{Error: "exit status 1"})
	require.True(t, ok)
	require.Equal(t, models.StatusFailed, done.Status)
	require.NotNil(t, done.Results)
	require.False(t, done.CreatedAt.After(*done.StartedAt))
	require.False(t, done.StartedAt.After(*done.CompletedAt))

	_, ok = reg.MarkTerminal("a", models.StatusTerminated, models.Results{Partial: true})
	require.False(t, ok, "second terminal transition must be a no-op")
	got, _, err = reg.Get("a")
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, got.Status)
}

func TestGetQueuePosition(t *testing.T) {
	reg, _ := newTestRegistry()
	for _, id := range []string{"x", "y", "z"} {
		_, err := reg.Enqueue(job(id))
		require.NoError(t, err)
	}
	_, pos, err := reg.Get("z")
	require.NoError(t, err)
	require.Equal(t, 3, pos)

	_, _ = reg.Admit(1)
	_, pos, err = reg.Get("z")
	require.NoError(t, err)
	require.Equal(t, 2, pos)

	_, _, err = reg.Get("unknown-id")
	require.True(t, errors.Is(err, models.ErrNotFound))
}

func TestSnapshotIsolation(t *testing.T) {
	reg, _ := newTestRegistry()
	_, _ = reg.Enqueue(job("a"))
	_, _ = reg.Admit(1)
	_, _ = reg.MarkTerminal("a", models.StatusCompleted, models.Results{OutputFiles: []string{"a.spectrum1"}})

	snap := reg.ListAll()
	require.Len(t, snap.Completed, 1)
	snap.Completed[0].Results.OutputFiles[0] = "mutated"
	snap.Completed[0].Status = models.StatusFailed

	got, _, _ := reg.Get("a")
	require.Equal(t, models.StatusCompleted, got.Status)
	require.Equal(t, "a.spectrum1", got.Results.OutputFiles[0])
}

func TestPruneRemovesExactlyExpired(t *testing.T) {
	reg, clock := newTestRegistry()
	for _, id := range []string{"old-1", "old-2", "new-1"} {
		_, err := reg.Enqueue(job(id))
		require.NoError(t, err)
	}
	for _, id := range []string{"old-1", "old-2"} {
		_, ok := reg.Admit(5)
		require.True(t, ok)
		_, ok = reg.MarkTerminal(id, models.StatusCompleted, models.Results{})
		require.True(t, ok)
	}
	clock.Advance(25 * time.Hour)
	_, ok := reg.Admit(5)
	require.True(t, ok)
	_, ok = reg.MarkTerminal("new-1", models.StatusFailed, models.Results{Error: "boom"})
	require.True(t, ok)

	require.Equal(t, 2, reg.Prune(24*time.Hour))
	require.Equal(t, 0, reg.Prune(24*time.Hour), "prune must be idempotent")

	_, _, err := reg.Get("old-1")
	require.ErrorIs(t, err, models.ErrNotFound)
	_, _, err = reg.Get("new-1")
	require.NoError(t, err)

	// a pruned id may be reused
	_, err = reg.Enqueue(job("old-1"))
	require.NoError(t, err)
}

func TestPruneKeepsNonTerminal(t *testing.T) {
	reg, clock := newTestRegistry()
	_, _ = reg.Enqueue(job("q"))
	_, _ = reg.Enqueue(job("r"))
	_, _ = reg.Admit(1)
	clock.Advance(48 * time.Hour)
	require.Zero(t, reg.Prune(time.Hour))
	q, a, _ := reg.Counts()
	require.Equal(t, 1, q)
	require.Equal(t, 1, a)
}

func TestRestoreOnlyTerminal(t *testing.T) {
	reg, _ := newTestRegistry()
	_, _ = reg.Enqueue(job("live"))

	done := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	start := done.Add(-time.Minute)
	restored := reg.Restore([]models.Job{
		{ID: "hist-2", Status: models.StatusCompleted, StartedAt: &start, CompletedAt: &done},
		{ID: "hist-1", Status: models.StatusFailed, StartedAt: &start, CompletedAt: &start},
		{ID: "live", Status: models.StatusCompleted, CompletedAt: &done},
		{ID: "stale", Status: models.StatusRunning, StartedAt: &start},
		{ID: "no-time", Status: models.StatusCompleted},
	})
	require.Equal(t, 2, restored)

	snap := reg.ListAll()
	require.Len(t, snap.Completed, 2)
	require.Equal(t, "hist-1", snap.Completed[0].ID)
	require.Equal(t, "hist-2", snap.Completed[1].ID)
}

func TestConcurrentMutationsKeepCollectionsDisjoint(t *testing.T) {
	reg := NewRegistry()
	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = reg.Enqueue(job(fmt.Sprintf("job-%03d", i)))
		}(i)
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			snap := reg.ListAll()
			seen := map[string]int{}
			for _, group := range [][]models.Job{snap.Queued, snap.Active, snap.Completed} {
				for _, j := range group {
					seen[j.ID]++
				}
			}
			for id, c := range seen {
				if c != 1 {
					t.Errorf("job %s observed %d times", id, c)
					return
				}
			}
			if len(snap.Completed) == n {
				return
			}
		}
	}()

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, ok := reg.Admit(4)
				if !ok {
					if q, a, _ := reg.Counts(); q == 0 && a == 0 {
						return
					}
					continue
				}
				_, _ = reg.MarkTerminal(j.ID, models.StatusCompleted, models.Results{})
			}
		}()
	}
	wg.Wait()
	<-done
}
