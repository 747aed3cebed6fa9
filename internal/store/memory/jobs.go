package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

type jobStore struct {
	view
}

func (s *jobStore) Create(ctx context.Context, job *models.Job) error {
	defer s.lock()()
	d := s.data()

	d.nextJobID++
	job.ID = d.nextJobID
	if job.Status == "" {
		job.Status = models.JobStatusWaiting
	}
	if job.DateCreated.IsZero() {
		job.DateCreated = time.Now().UTC()
	}
	d.jobs[job.ID] = *job
	return nil
}

func (s *jobStore) Get(ctx context.Context, id int64) (*models.Job, error) {
	defer s.lock()()

	job, ok := s.data().jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %d: %w", id, store.ErrNotFound)
	}
	return &job, nil
}

func (s *jobStore) Update(ctx context.Context, job *models.Job) error {
	defer s.lock()()
	d := s.data()

	if _, ok := d.jobs[job.ID]; !ok {
		return fmt.Errorf("job %d: %w", job.ID, store.ErrNotFound)
	}
	d.jobs[job.ID] = *job
	return nil
}

func (s *jobStore) Delete(ctx context.Context, id int64) error {
	defer s.lock()()
	d := s.data()

	if _, ok := d.jobs[id]; !ok {
		return fmt.Errorf("job %d: %w", id, store.ErrNotFound)
	}
	delete(d.jobs, id)
	return nil
}

type farmJobStore struct {
	view
}

func (s *farmJobStore) Create(ctx context.Context, fj *models.FarmJob) error {
	defer s.lock()()
	d := s.data()

	if _, ok := d.jobs[fj.JobID]; !ok {
		return fmt.Errorf("job %d: %w", fj.JobID, store.ErrNotFound)
	}
	if _, ok := d.farmJobs[fj.JobID]; ok {
		return fmt.Errorf("farm job %d: %w", fj.JobID, store.ErrDuplicateKey)
	}
	if fj.BuildState == "" {
		fj.BuildState = models.BuildStateNeedsBuilding
	}
	stored := *fj
	stored.Payload = copyPayload(fj.Payload)
	d.farmJobs[fj.JobID] = stored
	return nil
}

func (s *farmJobStore) Get(ctx context.Context, jobID int64) (*models.FarmJob, error) {
	defer s.lock()()

	fj, ok := s.data().farmJobs[jobID]
	if !ok {
		return nil, fmt.Errorf("farm job %d: %w", jobID, store.ErrNotFound)
	}
	fj.Payload = copyPayload(fj.Payload)
	return &fj, nil
}

func (s *farmJobStore) Update(ctx context.Context, fj *models.FarmJob) error {
	defer s.lock()()
	d := s.data()

	current, ok := d.farmJobs[fj.JobID]
	if !ok {
		return fmt.Errorf("farm job %d: %w", fj.JobID, store.ErrNotFound)
	}
	current.BuildState = fj.BuildState
	current.Payload = copyPayload(fj.Payload)
	d.farmJobs[fj.JobID] = current
	return nil
}

func (s *farmJobStore) Delete(ctx context.Context, jobID int64) error {
	defer s.lock()()
	d := s.data()

	if _, ok := d.farmJobs[jobID]; !ok {
		return fmt.Errorf("farm job %d: %w", jobID, store.ErrNotFound)
	}
	delete(d.farmJobs, jobID)
	return nil
}
