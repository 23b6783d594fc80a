package scheduler

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"model-run-scheduler/internal/logging"
	"model-run-scheduler/internal/models"
	"model-run-scheduler/internal/store"
	"model-run-scheduler/internal/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeRunner blocks each job until released or cancelled.
type fakeRunner struct {
	mu       sync.Mutex
	release  map[string]chan worker.Outcome
	started  []string
	running  atomic.Int32
	peak     atomic.Int32
	lingerOn time.Duration
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{release: make(map[string]chan worker.Outcome)}
}

func (f *fakeRunner) gate(id string) chan worker.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.release[id]
	if !ok {
		ch = make(chan worker.Outcome, 1)
		f.release[id] = ch
	}
	return ch
}

func (f *fakeRunner) Run(ctx context.Context, job models.Job) worker.Outcome {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.mu.Lock()
	f.started = append(f.started, job.ID)
	f.mu.Unlock()

	select {
	case out := <-f.gate(job.ID):
		return out
	case <-ctx.Done():
		time.Sleep(f.lingerOn)
		return worker.Outcome{Status: models.StatusFailed, Results: models.Results{Error: "signal: killed"}}
	}
}

func (f *fakeRunner) finish(id string, out worker.Outcome) {
	f.gate(id) <- out
}

func (f *fakeRunner) startedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func completed() worker.Outcome {
	return worker.Outcome{Status: models.StatusCompleted, Results: models.Results{OutputFiles: []string{"a.spectrum1"}}}
}

func newJob(id string) models.Job {
	return models.Job{ID: id, InputPath: "/runs/" + id + "/standard.input1", OutputDir: "/runs/" + id}
}

type harness struct {
	reg    *store.Registry
	runner *fakeRunner
	sched  *Scheduler
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{reg: store.NewRegistry(), runner: newFakeRunner(), done: make(chan error, 1)}
	h.sched = New(h.reg, h.runner, opts, logrus.NewEntry(logging.Discard()))
	return h
}

func (h *harness) run() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.sched.Run(ctx) }()
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

// tick gives every registry timestamp a distinct value, so StartedAt records
// the order Admit handed jobs out regardless of goroutine scheduling.
func (h *harness) tick() {
	var n atomic.Int64
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.reg.WithClock(func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Millisecond)
	})
}

// admitted lists admitted job ids in admission order.
func (h *harness) admitted() []string {
	snap := h.reg.ListAll()
	jobs := append(snap.Active, snap.Completed...)
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].StartedAt.Before(*jobs[b].StartedAt) })
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	return ids
}

// status is safe to call from Eventually conditions.
func (h *harness) status(_ *testing.T, id string) models.Status {
	j, _, err := h.reg.Get(id)
	if err != nil {
		return ""
	}
	return j.Status
}

func TestAdmissionRespectsLimitAndFIFO(t *testing.T) {
	h := start(t, Options{ConcurrencyLimit: 2, JobTimeout: time.Minute})
	h.tick()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		_, err := h.sched.Enqueue(ctx, newJob(id))
		require.NoError(t, err)
	}
	h.run()
	defer h.stop(t)

	require.Eventually(t, func() bool { return len(h.runner.startedIDs()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"a", "b"}, h.admitted())
	require.ElementsMatch(t, []string{"a", "b"}, h.runner.startedIDs())
	for i, id := range []string{"c", "d", "e"} {
		_, pos, err := h.reg.Get(id)
		require.NoError(t, err)
		require.Equal(t, i+1, pos)
	}

	h.runner.finish("a", completed())
	require.Eventually(t, func() bool { return len(h.runner.startedIDs()) == 3 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"a", "b", "c"}, h.admitted())
	require.Equal(t, models.StatusCompleted, h.status(t, "a"))

	for _, id := range []string{"b", "c", "d", "e"} {
		h.runner.finish(id, completed())
	}
	require.Eventually(t, func() bool {
		_, a, c := h.reg.Counts()
		return a == 0 && c == 5
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, []string{"a", "b", "c", "d", "e"}, h.admitted())
	require.ElementsMatch(t, []string{"a", "b", "c", "d", "e"}, h.runner.startedIDs())
	require.LessOrEqual(t, h.runner.peak.Load(), int32(2))
}

func TestEnqueueWhileRunningWakesLoop(t *testing.T) {
	h := start(t, Options{ConcurrencyLimit: 1, JobTimeout: time.Minute})
	h.run()
	defer h.stop(t)

	_, err := h.sched.Enqueue(context.Background(), newJob("late"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.status(t, "late") == models.StatusRunning }, 2*time.Second, 5*time.Millisecond)

	h.runner.finish("late", worker.Outcome{Status: models.StatusFailed, Results: models.Results{Error: models.MsgNoOutput}})
	require.Eventually(t, func() bool { return h.status(t, "late") == models.StatusFailed }, 2*time.Second, 5*time.Millisecond)

	j, _, err := h.reg.Get("late")
	require.NoError(t, err)
	require.Equal(t, models.MsgNoOutput, j.Results.Error)
}

func TestEnqueueValidation(t *testing.T) {
	h := start(t, Options{ConcurrencyLimit: 1, JobTimeout: time.Minute})
	_, err := h.sched.Enqueue(context.Background(), models.Job{})
	require.Error(t, err)
	require.True(t, models.IsValidation(err))

	q, a, c := h.reg.Counts()
	require.Zero(t, q+a+c)
}

func TestTimeoutTerminatesWithPartialResult(t *testing.T) {
	h := start(t, Options{ConcurrencyLimit: 1, JobTimeout: 50 * time.Millisecond})
	h.runner.lingerOn = 200 * time.Millisecond
	_, err := h.sched.Enqueue(context.Background(), newJob("slow"))
	require.NoError(t, err)
	_, err = h.sched.Enqueue(context.Background(), newJob("next"))
	require.NoError(t, err)
	h.run()
	defer h.stop(t)

	require.Eventually(t, func() bool { return h.status(t, "slow") == models.StatusTerminated }, 2*time.Second, 5*time.Millisecond)
	j, _, err := h.reg.Get("slow")
	require.NoError(t, err)
	require.True(t, j.Results.Partial)
	require.Equal(t, models.MsgTerminatedTimeout, j.Results.Error)
	require.Less(t, j.CompletedAt.Sub(*j.StartedAt), time.Second)

	// the killed process no longer holds a slot.
	require.Eventually(t, func() bool { return h.status(t, "next") == models.StatusRunning }, 2*time.Second, 5*time.Millisecond)
	h.runner.finish("next", completed())
	require.Eventually(t, func() bool { return h.status(t, "next") == models.StatusCompleted }, 2*time.Second, 5*time.Millisecond)
}

func TestShutdownTerminatesInFlight(t *testing.T) {
	h := start(t, Options{ConcurrencyLimit: 2, JobTimeout: time.Minute})
	for _, id := range []string{"a", "b", "c"} {
		_, err := h.sched.Enqueue(context.Background(), newJob(id))
		require.NoError(t, err)
	}
	h.run()
	require.Eventually(t, func() bool { return len(h.runner.startedIDs()) == 2 }, 2*time.Second, 5*time.Millisecond)

	h.stop(t)

	for _, id := range []string{"a", "b"} {
		j, _, err := h.reg.Get(id)
		require.NoError(t, err)
		require.Equal(t, models.StatusTerminated, j.Status)
		require.Equal(t, models.MsgTerminatedStop, j.Results.Error)
	}
	require.Equal(t, models.StatusQueued, h.status(t, "c"))
	require.Zero(t, h.runner.running.Load())
}

func TestObserversSeeLifecycle(t *testing.T) {
	h := start(t, Options{ConcurrencyLimit: 1, JobTimeout: time.Minute})
	var (
		mu       sync.Mutex
		events   []EventKind
		terminal models.Status
	)
	h.sched.OnEvent(func(_ context.Context, kind EventKind, job models.Job) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, kind)
		if kind == EventTerminal {
			terminal = job.Status
		}
	})
	_, err := h.sched.Enqueue(context.Background(), newJob("a"))
	require.NoError(t, err)
	h.run()
	defer h.stop(t)

	require.Eventually(t, func() bool { return h.status(t, "a") == models.StatusRunning }, 2*time.Second, 5*time.Millisecond)
	h.runner.finish("a", completed())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []EventKind{EventEnqueued, EventStarted, EventTerminal}, events)
	require.Equal(t, models.StatusCompleted, terminal)
}

func TestRunningNeverExceedsLimitUnderLoad(t *testing.T) {
	h := start(t, Options{ConcurrencyLimit: 3, JobTimeout: time.Minute})
	h.tick()
	h.run()
	defer h.stop(t)

	ids := make([]string, 0, 30)
	for i := 0; i < 30; i++ {
		id := "job-" + string(rune('A'+i))
		ids = append(ids, id)
		_, err := h.sched.Enqueue(context.Background(), newJob(id))
		require.NoError(t, err)
	}
	for _, id := range ids {
		require.Eventually(t, func() bool { return h.status(t, id) == models.StatusRunning }, 2*time.Second, time.Millisecond)
		_, a, _ := h.reg.Counts()
		require.LessOrEqual(t, a, 3)
		h.runner.finish(id, completed())
	}
	require.Eventually(t, func() bool {
		_, _, c := h.reg.Counts()
		return c == 30
	}, 2*time.Second, 5*time.Millisecond)
	require.LessOrEqual(t, h.runner.peak.Load(), int32(3))
	require.Equal(t, ids, h.admitted())
	require.ElementsMatch(t, ids, h.runner.startedIDs())
}

func TestSlowObserverDoesNotDelayProcessStart(t *testing.T) {
	h := start(t, Options{ConcurrencyLimit: 1, JobTimeout: time.Minute})
	release := make(chan struct{})
	h.sched.OnEvent(func(_ context.Context, kind EventKind, _ models.Job) {
		if kind == EventStarted {
			<-release
		}
	})
	_, err := h.sched.Enqueue(context.Background(), newJob("a"))
	require.NoError(t, err)
	h.run()
	defer h.stop(t)
	defer close(release)

	require.Eventually(t, func() bool { return len(h.runner.startedIDs()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestEnqueuedObserverSeesQueuedRecord(t *testing.T) {
	h := start(t, Options{ConcurrencyLimit: 1, JobTimeout: time.Minute})
	var got models.Job
	h.sched.OnEvent(func(_ context.Context, kind EventKind, job models.Job) {
		if kind == EventEnqueued {
			got = job
		}
	})
	id, err := h.sched.Enqueue(context.Background(), newJob("a"))
	require.NoError(t, err)
	require.Equal(t, "a", id)
	require.Equal(t, models.StatusQueued, got.Status)
	require.False(t, got.CreatedAt.IsZero())
	require.Nil(t, got.StartedAt)
}
