package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"model-run-scheduler/internal/models"
	"model-run-scheduler/internal/store"
	"model-run-scheduler/internal/telemetry"
	"model-run-scheduler/internal/worker"
)

// Runner executes one job to completion. Cancelling ctx must kill the process
// and make Run return.
type Runner interface {
	Run(ctx context.Context, job models.Job) worker.Outcome
}

// EventKind names a lifecycle event delivered to observers.
type EventKind string

const (
	EventEnqueued EventKind = "enqueued"
	EventStarted  EventKind = "started"
	EventTerminal EventKind = "terminal"
)

// Observer receives a copy of the job after each lifecycle event. Observers run
// on job goroutines and must not block for long.
type Observer func(ctx context.Context, kind EventKind, job models.Job)

// Options bounds the scheduler.
type Options struct {
	ConcurrencyLimit int
	JobTimeout       time.Duration
}

// Scheduler owns admission and per-job supervision.
type Scheduler struct {
	store   *store.Registry
	runner  Runner
	limit   int
	timeout time.Duration
	log     *logrus.Entry

	wake      chan struct{}
	wg        sync.WaitGroup
	observers []Observer
}

// New builds a scheduler. Observers must be registered before Run.
func New(reg *store.Registry, runner Runner, opts Options, log *logrus.Entry) *Scheduler {
	limit := opts.ConcurrencyLimit
	if limit < 1 {
		limit = 1
	}
	timeout := opts.JobTimeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &Scheduler{
		store:   reg,
		runner:  runner,
		limit:   limit,
		timeout: timeout,
		log:     log,
		wake:    make(chan struct{}, 1),
	}
}

// OnEvent registers an observer.
func (s *Scheduler) OnEvent(o Observer) {
	s.observers = append(s.observers, o)
}

// Limit is the maximum number of concurrently running jobs.
func (s *Scheduler) Limit() int { return s.limit }

// Counts reports the size of each registry collection.
func (s *Scheduler) Counts() (queued, active, completed int) { return s.store.Counts() }

// Enqueue validates and queues a job, then wakes the admission loop. Nothing is
// created when validation fails.
func (s *Scheduler) Enqueue(ctx context.Context, job models.Job) (string, error) {
	rec, err := s.store.Enqueue(job)
	if err != nil {
		return "", err
	}
	telemetry.EnqueueCounter.Inc()
	s.log.WithField("job_id", rec.ID).Info("job queued")

	s.emit(ctx, EventEnqueued, rec)
	s.signal()
	return rec.ID, nil
}

// Run is the admission loop. It returns once ctx is cancelled and every
// in-flight job has been terminated and reaped.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.WithFields(logrus.Fields{
		"concurrency_limit": s.limit,
		"job_timeout":       s.timeout.String(),
	}).Info("scheduler started; single instance per runs directory")

	s.admit(ctx)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.updateGauges()
			s.log.Info("scheduler stopped")
			return nil
		case <-s.wake:
			s.admit(ctx)
		}
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) admit(ctx context.Context) {
	defer s.updateGauges()
	for ctx.Err() == nil {
		job, ok := s.store.Admit(s.limit)
		if !ok {
			return
		}
		s.log.WithField("job_id", job.ID).Info("job admitted")
		s.wg.Add(1)
		go s.supervise(ctx, job)
	}
}

// supervise runs one admitted job and enforces its deadline. On timeout or
// shutdown the job is marked terminated before the killed process is reaped.
func (s *Scheduler) supervise(ctx context.Context, job models.Job) {
	defer s.wg.Done()
	log := s.log.WithField("job_id", job.ID)

	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	done := make(chan worker.Outcome, 1)
	go func() { done <- s.runner.Run(procCtx, job) }()

	// observers may block; the process and its deadline are already running.
	s.emit(context.WithoutCancel(ctx), EventStarted, job)

	select {
	case out := <-done:
		s.finish(ctx, job, out.Status, out.Results)
	case <-timer.C:
		cancel()
		log.WithField("timeout", s.timeout.String()).Warn("job exceeded deadline, terminating")
		s.finish(ctx, job, models.StatusTerminated, models.Results{Partial: true, Error: models.MsgTerminatedTimeout})
		<-done
	case <-ctx.Done():
		cancel()
		log.Warn("terminating job for shutdown")
		s.finish(ctx, job, models.StatusTerminated, models.Results{Partial: true, Error: models.MsgTerminatedStop})
		<-done
	}
}

func (s *Scheduler) finish(ctx context.Context, job models.Job, status models.Status, res models.Results) {
	rec, ok := s.store.MarkTerminal(job.ID, status, res)
	if !ok {
		return
	}
	s.signal()

	switch status {
	case models.StatusCompleted:
		telemetry.CompletedCounter.Inc()
	case models.StatusFailed:
		telemetry.FailedCounter.Inc()
	case models.StatusTerminated:
		reason := "timeout"
		if res.Error == models.MsgTerminatedStop {
			reason = "shutdown"
		}
		telemetry.TerminatedCounter.WithLabelValues(reason).Inc()
	}
	elapsed := rec.Elapsed(time.Now())
	telemetry.RunDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
	s.updateGauges()

	entry := s.log.WithFields(logrus.Fields{
		"job_id":  rec.ID,
		"status":  rec.Status,
		"elapsed": elapsed.Round(time.Millisecond).String(),
	})
	if res.Error != "" {
		entry = entry.WithField("error", res.Error)
	}
	entry.Info("job finished")

	s.emit(context.WithoutCancel(ctx), EventTerminal, rec)
}

func (s *Scheduler) emit(ctx context.Context, kind EventKind, job models.Job) {
	for _, o := range s.observers {
		o(ctx, kind, job.Clone())
	}
}

func (s *Scheduler) updateGauges() {
	q, a, _ := s.store.Counts()
	telemetry.QueueDepthGauge.Set(float64(q))
	telemetry.ActiveGauge.Set(float64(a))
}
