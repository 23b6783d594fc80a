package models

import (
	"time"
)

// Status enumerates the lifecycle states of a model run.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
)

// Terminal reports whether no further transitions can happen from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	}
	return false
}

// rank orders states along queued -> running -> terminal.
func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusRunning:
		return 1
	case StatusCompleted, StatusFailed, StatusTerminated:
		return 2
	}
	return -1
}

// CanTransition reports whether moving from s to next is a forward step.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	return next.rank() == s.rank()+1
}

// Results holds what a run produced once it reached a terminal state.
type Results struct {
	Output      string   `json:"output,omitempty"`
	OutputFiles []string `json:"output_files,omitempty"`
	Error       string   `json:"error,omitempty"`
	Partial     bool     `json:"partial,omitempty"`
	Published   []string `json:"published,omitempty"`
}

// Clone returns a deep copy.
func (r *Results) Clone() *Results {
	if r == nil {
		return nil
	}
	out := *r
	out.OutputFiles = append([]string(nil), r.OutputFiles...)
	out.Published = append([]string(nil), r.Published...)
	return &out
}

// Job is a single requested execution of the model executable.
type Job struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name,omitempty"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	InputPath   string     `json:"input_path"`
	OutputDir   string     `json:"output_dir"`
	Results     *Results   `json:"results,omitempty"`
}

// Clone returns a copy that shares no mutable state with j.
func (j Job) Clone() Job {
	out := j
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	out.Results = j.Results.Clone()
	return out
}

// Elapsed is the run time so far, or the total run time once terminal.
// It is zero for jobs that never started.
func (j Job) Elapsed(now time.Time) time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := now
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	if end.Before(*j.StartedAt) {
		return 0
	}
	return end.Sub(*j.StartedAt)
}

// JobView is a job snapshot with fields computed at read time.
type JobView struct {
	Job
	QueuePosition int    `json:"queue_position,omitempty"`
	ElapsedMS     *int64 `json:"elapsed_ms,omitempty"`
}

// JobList groups views by lifecycle collection.
type JobList struct {
	Queued    []JobView `json:"queued"`
	Active    []JobView `json:"active"`
	Completed []JobView `json:"completed"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
