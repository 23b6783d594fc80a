package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"model-run-scheduler/internal/models"
	"model-run-scheduler/internal/telemetry"
)

// Archive keeps a durable history of runs in Postgres. It is a sink for
// lifecycle events and a fallback for lookups of jobs already pruned from the
// in-memory registry; it never drives scheduling.
type Archive struct {
	pool    *pgxpool.Pool
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	log     *logrus.Entry
}

// NewArchive creates a pooled connection to Postgres.
func NewArchive(ctx context.Context, dsn string, log *logrus.Entry) (*Archive, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "job-archive",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("archive breaker state changed")
		},
	})
	return &Archive{pool: pool, cb: cb, timeout: 5 * time.Second, log: log}, nil
}

func (a *Archive) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// Record stores one lifecycle event and, for terminal events, the final run row.
// Failures are logged and counted, never returned: the archive must not affect
// scheduling.
func (a *Archive) Record(ctx context.Context, event string, job models.Job) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	_, err := a.cb.Execute(func() (interface{}, error) {
		if err := a.UpsertRun(ctx, job); err != nil {
			return nil, err
		}
		return nil, a.AppendEvent(ctx, job.ID, event, eventDetail(job))
	})
	if err != nil {
		telemetry.ArchiveFailures.Inc()
		a.log.WithError(err).WithFields(logrus.Fields{"job_id": job.ID, "event": event}).Warn("archive write failed")
	}
}

func eventDetail(job models.Job) string {
	if job.Results != nil && job.Results.Error != "" {
		return string(job.Status) + ": " + job.Results.Error
	}
	return string(job.Status)
}

// UpsertRun writes the job row, replacing an earlier version of it. Rows only
// move forward: a late write for an earlier state never overwrites a later one.
func (a *Archive) UpsertRun(ctx context.Context, job models.Job) error {
	var results []byte
	if job.Results != nil {
		var err error
		if results, err = json.Marshal(job.Results); err != nil {
			return fmt.Errorf("marshal results: %w", err)
		}
	}
	_, err := a.pool.Exec(ctx, `
		INSERT INTO job_runs (id, display_name, status, created_at, started_at, completed_at, input_path, output_dir, results, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			results = EXCLUDED.results,
			updated_at = NOW()
		WHERE job_runs.status NOT IN ('completed', 'failed', 'terminated')
			AND NOT (job_runs.status = 'running' AND EXCLUDED.status = 'queued')
	`, job.ID, job.DisplayName, string(job.Status), job.CreatedAt, job.StartedAt, job.CompletedAt, job.InputPath, job.OutputDir, results)
	if err != nil {
		return fmt.Errorf("upsert job run: %w", err)
	}
	return nil
}

// AppendEvent adds an audit row.
func (a *Archive) AppendEvent(ctx context.Context, jobID, event, detail string) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO job_events (id, job_id, event, detail, ts)
		VALUES ($1, $2, $3, $4, NOW())
	`, uuid.NewString(), jobID, event, detail)
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

// GetRun fetches an archived run. It returns models.ErrNotFound when absent.
func (a *Archive) GetRun(ctx context.Context, id string) (models.Job, error) {
	row := a.pool.QueryRow(ctx, `
		SELECT id, display_name, status, created_at, started_at, completed_at, input_path, output_dir, results
		FROM job_runs WHERE id = $1
	`, id)

	var (
		job     models.Job
		status  string
		results []byte
	)
	if err := row.Scan(&job.ID, &job.DisplayName, &status, &job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.InputPath, &job.OutputDir, &results); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, models.ErrNotFound
		}
		return models.Job{}, fmt.Errorf("scan job run: %w", err)
	}
	job.Status = models.Status(status)
	if len(results) > 0 {
		job.Results = &models.Results{}
		if err := json.Unmarshal(results, job.Results); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal results: %w", err)
		}
	}
	return job, nil
}

// Events lists the audit trail of a job, oldest first.
func (a *Archive) Events(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT job_id, event, detail, ts FROM job_events WHERE job_id = $1 ORDER BY ts
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job events: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLog
	for rows.Next() {
		var e models.AuditLog
		if err := rows.Scan(&e.JobID, &e.Event, &e.Detail, &e.Recorded); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
