package status

import (
	"time"

	"model-run-scheduler/internal/models"
	"model-run-scheduler/internal/store"
)

// Service answers read-only questions about jobs. It never mutates the registry.
type Service struct {
	reg    *store.Registry
	recent int
	now    func() time.Time
}

// New builds a query service that returns at most recent completed jobs in lists.
func New(reg *store.Registry, recent int) *Service {
	if recent <= 0 {
		recent = 20
	}
	return &Service{reg: reg, recent: recent, now: time.Now}
}

// GetJob returns the job with its computed fields, or models.ErrNotFound.
func (s *Service) GetJob(id string) (models.JobView, error) {
	job, pos, err := s.reg.Get(id)
	if err != nil {
		return models.JobView{}, err
	}
	return s.view(job, pos), nil
}

// ListJobs returns every queued and active job and the most recent completed ones,
// newest last.
func (s *Service) ListJobs() models.JobList {
	snap := s.reg.ListAll()
	out := models.JobList{
		Queued:    make([]models.JobView, 0, len(snap.Queued)),
		Active:    make([]models.JobView, 0, len(snap.Active)),
		Completed: make([]models.JobView, 0, min(len(snap.Completed), s.recent)),
	}
	for i, j := range snap.Queued {
		out.Queued = append(out.Queued, s.view(j, i+1))
	}
	for _, j := range snap.Active {
		out.Active = append(out.Active, s.view(j, 0))
	}
	completed := snap.Completed
	if len(completed) > s.recent {
		completed = completed[len(completed)-s.recent:]
	}
	for _, j := range completed {
		out.Completed = append(out.Completed, s.view(j, 0))
	}
	return out
}

func (s *Service) view(j models.Job, pos int) models.JobView {
	v := models.JobView{Job: j, QueuePosition: pos}
	if j.StartedAt != nil {
		ms := j.Elapsed(s.now()).Milliseconds()
		v.ElapsedMS = &ms
	}
	return v
}
