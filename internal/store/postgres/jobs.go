package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// JobStore implements store.JobStore using PostgreSQL.
type JobStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *JobStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Create inserts a job record.
func (s *JobStore) Create(ctx context.Context, job *models.Job) error {
	if job.Status == "" {
		job.Status = models.JobStatusWaiting
	}
	if job.DateCreated.IsZero() {
		job.DateCreated = time.Now().UTC()
	}

	err := s.conn().QueryRowContext(ctx, `
		INSERT INTO jobs (status, date_created, date_started, date_finished)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		job.Status, job.DateCreated, job.DateStarted, job.DateFinished,
	).Scan(&job.ID)
	if err != nil {
		return fmt.Errorf("creating job: %w", err)
	}
	return nil
}

// Get retrieves a job by ID.
func (s *JobStore) Get(ctx context.Context, id int64) (*models.Job, error) {
	var (
		job      models.Job
		started  sql.NullTime
		finished sql.NullTime
	)
	err := s.conn().QueryRowContext(ctx, `
		SELECT id, status, date_created, date_started, date_finished
		FROM jobs WHERE id = $1`, id,
	).Scan(&job.ID, &job.Status, &job.DateCreated, &started, &finished)
	if err != nil {
		return nil, notFound(err, "job", id)
	}
	if started.Valid {
		job.DateStarted = &started.Time
	}
	if finished.Valid {
		job.DateFinished = &finished.Time
	}
	return &job, nil
}

// Update writes the status and timestamps.
func (s *JobStore) Update(ctx context.Context, job *models.Job) error {
	res, err := s.conn().ExecContext(ctx, `
		UPDATE jobs SET status = $2, date_started = $3, date_finished = $4
		WHERE id = $1`,
		job.ID, job.Status, job.DateStarted, job.DateFinished,
	)
	if err != nil {
		return fmt.Errorf("updating job %d: %w", job.ID, err)
	}
	return expectOne(res, "job", job.ID)
}

// Delete removes a job record.
func (s *JobStore) Delete(ctx context.Context, id int64) error {
	res, err := s.conn().ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting job %d: %w", id, err)
	}
	return expectOne(res, "job", id)
}

// FarmJobStore implements store.FarmJobStore using PostgreSQL.
type FarmJobStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *FarmJobStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Create inserts the variant row for a job.
func (s *FarmJobStore) Create(ctx context.Context, fj *models.FarmJob) error {
	if fj.BuildState == "" {
		fj.BuildState = models.BuildStateNeedsBuilding
	}
	payload := []byte(fj.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	_, err := s.conn().ExecContext(ctx, `
		INSERT INTO build_farm_jobs (job_id, job_type, build_state, payload)
		VALUES ($1, $2, $3, $4)`,
		fj.JobID, fj.JobType, fj.BuildState, payload,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("farm job %d: %w", fj.JobID, store.ErrDuplicateKey)
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("job %d: %w", fj.JobID, store.ErrNotFound)
		}
		return fmt.Errorf("creating farm job: %w", err)
	}
	return nil
}

// Get retrieves the variant row for a job.
func (s *FarmJobStore) Get(ctx context.Context, jobID int64) (*models.FarmJob, error) {
	var (
		fj      models.FarmJob
		payload []byte
	)
	err := s.conn().QueryRowContext(ctx, `
		SELECT job_id, job_type, build_state, payload
		FROM build_farm_jobs WHERE job_id = $1`, jobID,
	).Scan(&fj.JobID, &fj.JobType, &fj.BuildState, &payload)
	if err != nil {
		return nil, notFound(err, "farm job", jobID)
	}
	fj.Payload = payload
	return &fj, nil
}

// Update writes the build state and payload.
func (s *FarmJobStore) Update(ctx context.Context, fj *models.FarmJob) error {
	res, err := s.conn().ExecContext(ctx, `
		UPDATE build_farm_jobs SET build_state = $2, payload = $3
		WHERE job_id = $1`,
		fj.JobID, fj.BuildState, []byte(fj.Payload),
	)
	if err != nil {
		return fmt.Errorf("updating farm job %d: %w", fj.JobID, err)
	}
	return expectOne(res, "farm job", fj.JobID)
}

// Delete removes the variant row for a job.
func (s *FarmJobStore) Delete(ctx context.Context, jobID int64) error {
	res, err := s.conn().ExecContext(ctx, `DELETE FROM build_farm_jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("deleting farm job %d: %w", jobID, err)
	}
	return expectOne(res, "farm job", jobID)
}
