package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of a job record.
type JobStatus string

const (
	JobStatusWaiting  JobStatus = "waiting"
	JobStatusRunning  JobStatus = "running"
	JobStatusFinished JobStatus = "finished"
)

// ErrJobTransition is returned when a job status change would skip a state.
var ErrJobTransition = errors.New("invalid job status transition")

// Job is the generic unit of work behind every queue entry.
type Job struct {
	ID           int64      `json:"id"`
	Status       JobStatus  `json:"status"`
	DateCreated  time.Time  `json:"date_created"`
	DateStarted  *time.Time `json:"date_started,omitempty"`
	DateFinished *time.Time `json:"date_finished,omitempty"`
}

// Start moves a waiting job to running and records the start time.
func (j *Job) Start(now time.Time) error {
	if j.Status != JobStatusWaiting {
		return fmt.Errorf("%w: %s -> %s", ErrJobTransition, j.Status, JobStatusRunning)
	}
	j.Status = JobStatusRunning
	j.DateStarted = &now
	j.DateFinished = nil
	return nil
}

// Finish moves a running job to finished.
func (j *Job) Finish(now time.Time) error {
	if j.Status != JobStatusRunning {
		return fmt.Errorf("%w: %s -> %s", ErrJobTransition, j.Status, JobStatusFinished)
	}
	j.Status = JobStatusFinished
	j.DateFinished = &now
	return nil
}

// Reset returns the job to waiting from any state and clears its timestamps.
func (j *Job) Reset() {
	j.Status = JobStatusWaiting
	j.DateStarted = nil
	j.DateFinished = nil
}

// Elapsed returns how long the job has been running at now.
// It is zero for jobs that have not started.
func (j *Job) Elapsed(now time.Time) time.Duration {
	if j.DateStarted == nil {
		return 0
	}
	end := now
	if j.DateFinished != nil {
		end = *j.DateFinished
	}
	return end.Sub(*j.DateStarted)
}

// JobType selects the build farm job variant behind a queue entry.
type JobType string

const (
	JobTypeBinaryPackageBuild JobType = "binary_package_build"
	JobTypeRecipeBuild        JobType = "recipe_build"
)

// BuildState is the outcome state of a build farm job.
type BuildState string

const (
	BuildStateNeedsBuilding BuildState = "needs_building"
	BuildStateBuilding      BuildState = "building"
	BuildStateFullyBuilt    BuildState = "fully_built"
	BuildStateFailedToBuild BuildState = "failed_to_build"
)

// FarmJob is the persisted, type-specific half of a queue entry.
// Payload holds the variant's own state as JSON.
type FarmJob struct {
	JobID      int64           `json:"job_id"`
	JobType    JobType         `json:"job_type"`
	BuildState BuildState      `json:"build_state"`
	Payload    json.RawMessage `json:"payload"`
}
