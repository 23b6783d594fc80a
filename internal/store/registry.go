package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"model-run-scheduler/internal/models"
)

// ErrInvalidTransition is returned when a mutation would move a job backwards
// or skip a lifecycle state.
var ErrInvalidTransition = errors.New("invalid status transition")

type collection int

const (
	inQueue collection = iota + 1
	inActive
	inCompleted
)

// Snapshot is a point-in-time copy of the three registry collections.
type Snapshot struct {
	Queued    []models.Job `json:"queued"`
	Active    []models.Job `json:"active"`
	Completed []models.Job `json:"completed"`
}

// Registry is the authoritative in-memory job store. Every mutation runs under
// a single mutex so readers never observe a job in two collections. Callers only
// ever receive copies.
type Registry struct {
	mu        sync.RWMutex
	queued    []*models.Job
	active    map[string]*models.Job
	completed []*models.Job
	where     map[string]collection
	now       func() time.Time
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active: make(map[string]*models.Job),
		where:  make(map[string]collection),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source. Tests only.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
	return r
}

// Enqueue records a new queued job and returns a copy of the stored record.
func (r *Registry) Enqueue(job models.Job) (models.Job, error) {
	ve := &models.ValidationError{Fields: map[string]string{}}
	if strings.TrimSpace(job.ID) == "" {
		ve.Fields["correlation_id"] = "required"
	}
	if strings.TrimSpace(job.InputPath) == "" {
		ve.Fields["input_file_path"] = "required"
	}
	if strings.TrimSpace(job.OutputDir) == "" {
		ve.Fields["output_directory"] = "required"
	}
	if len(ve.Fields) > 0 {
		return models.Job{}, ve
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.where[job.ID]; exists {
		return models.Job{}, models.NewValidationError("correlation_id", "already exists")
	}

	rec := &models.Job{
		ID:          job.ID,
		DisplayName: job.DisplayName,
		Status:      models.StatusQueued,
		CreatedAt:   r.now(),
		InputPath:   job.InputPath,
		OutputDir:   job.OutputDir,
	}
	r.queued = append(r.queued, rec)
	r.where[rec.ID] = inQueue
	return rec.Clone(), nil
}

// MarkRunning moves a specific queued job into the active set.
func (r *Registry) MarkRunning(id string) (models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	loc, ok := r.where[id]
	if !ok {
		return models.Job{}, models.ErrNotFound
	}
	if loc != inQueue {
		return models.Job{}, fmt.Errorf("%w: %s is not queued", ErrInvalidTransition, id)
	}
	for i, j := range r.queued {
		if j.ID == id {
			if !j.Status.CanTransition(models.StatusRunning) {
				return models.Job{}, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, j.Status)
			}
			r.queued = append(r.queued[:i], r.queued[i+1:]...)
			r.start(j)
			return j.Clone(), nil
		}
	}
	return models.Job{}, models.ErrNotFound
}

// Admit atomically pops the earliest queued job and marks it running, provided
// fewer than limit jobs are active.
func (r *Registry) Admit(limit int) (models.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.active) >= limit || len(r.queued) == 0 {
		return models.Job{}, false
	}
	head := r.queued[0]
	r.queued[0] = nil
	r.queued = r.queued[1:]
	r.start(head)
	return head.Clone(), true
}

func (r *Registry) start(j *models.Job) {
	now := r.now()
	if now.Before(j.CreatedAt) {
		now = j.CreatedAt
	}
	j.Status = models.StatusRunning
	j.StartedAt = &now
	r.active[j.ID] = j
	r.where[j.ID] = inActive
}

// MarkTerminal moves an active job into the completed set. It reports false,
// changing nothing, when the job is not active or status is not terminal.
func (r *Registry) MarkTerminal(id string, status models.Status, results models.Results) (models.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.active[id]
	if !ok || !j.Status.CanTransition(status) {
		return models.Job{}, false
	}
	now := r.now()
	if j.StartedAt != nil && now.Before(*j.StartedAt) {
		now = *j.StartedAt
	}
	j.Status = status
	j.CompletedAt = &now
	j.Results = results.Clone()

	delete(r.active, id)
	r.completed = append(r.completed, j)
	r.where[id] = inCompleted
	return j.Clone(), true
}

// Get returns a copy of the job and, for queued jobs, its 1-based queue position.
func (r *Registry) Get(id string) (models.Job, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch r.where[id] {
	case inQueue:
		for i, j := range r.queued {
			if j.ID == id {
				return j.Clone(), i + 1, nil
			}
		}
	case inActive:
		return r.active[id].Clone(), 0, nil
	case inCompleted:
		for _, j := range r.completed {
			if j.ID == id {
				return j.Clone(), 0, nil
			}
		}
	}
	return models.Job{}, 0, models.ErrNotFound
}

// ListAll copies every collection. Queued is in FIFO order, active by start
// time and completed by completion time.
func (r *Registry) ListAll() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Queued:    make([]models.Job, 0, len(r.queued)),
		Active:    make([]models.Job, 0, len(r.active)),
		Completed: make([]models.Job, 0, len(r.completed)),
	}
	for _, j := range r.queued {
		snap.Queued = append(snap.Queued, j.Clone())
	}
	for _, j := range r.active {
		snap.Active = append(snap.Active, j.Clone())
	}
	for _, j := range r.completed {
		snap.Completed = append(snap.Completed, j.Clone())
	}
	sort.Slice(snap.Active, func(a, b int) bool {
		sa, sb := snap.Active[a].StartedAt, snap.Active[b].StartedAt
		if sa.Equal(*sb) {
			return snap.Active[a].ID < snap.Active[b].ID
		}
		return sa.Before(*sb)
	})
	return snap
}

// Counts returns the size of each collection.
func (r *Registry) Counts() (queued, active, completed int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.queued), len(r.active), len(r.completed)
}

// Prune drops completed jobs whose completion precedes now-retention.
func (r *Registry) Prune(retention time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-retention)
	kept := r.completed[:0]
	removed := 0
	for _, j := range r.completed {
		if j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(r.where, j.ID)
			removed++
			continue
		}
		kept = append(kept, j)
	}
	for i := len(kept); i < len(r.completed); i++ {
		r.completed[i] = nil
	}
	r.completed = kept
	return removed
}

// Restore inserts historical terminal jobs. Records that are not terminal,
// have no completion time, or collide with a known id are skipped.
func (r *Registry) Restore(jobs []models.Job) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	restored := 0
	for _, j := range jobs {
		if !j.Status.Terminal() || j.CompletedAt == nil || j.ID == "" {
			continue
		}
		if _, exists := r.where[j.ID]; exists {
			continue
		}
		rec := j.Clone()
		if rec.Results == nil {
			rec.Results = &models.Results{}
		}
		r.completed = append(r.completed, &rec)
		r.where[rec.ID] = inCompleted
		restored++
	}
	sort.SliceStable(r.completed, func(a, b int) bool {
		return r.completed[a].CompletedAt.Before(*r.completed[b].CompletedAt)
	})
	return restored
}
